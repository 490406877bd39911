// Package pprofrender renders sessions as gzipped pprof protocol buffers, to
// be read with go tool pprof.
package pprofrender

import (
	"bytes"

	"github.com/google/pprof/profile"

	"github.com/getsentry/stackprof/internal/frame"
	"github.com/getsentry/stackprof/internal/nodetree"
	"github.com/getsentry/stackprof/internal/session"
	"github.com/getsentry/stackprof/internal/timeutil"
)

// ContextLabel is the sample label holding the execution context id.
const ContextLabel = "context"

type Renderer struct{}

func (Renderer) ContentType() string {
	return "application/octet-stream"
}

func (Renderer) Render(s *session.Session) ([]byte, error) {
	p, err := Build(s)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type builder struct {
	p         *profile.Profile
	functions map[string]*profile.Function
	locations map[frame.Key]*profile.Location
}

// Build converts a session to a pprof profile with one sample per node
// holding self time.
func Build(s *session.Session) (*profile.Profile, error) {
	b := builder{
		p: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: "samples", Unit: "count"},
				{Type: "wall", Unit: "nanoseconds"},
			},
			PeriodType:    &profile.ValueType{Type: "wall", Unit: "nanoseconds"},
			Period:        int64(timeutil.Duration(s.Interval)),
			TimeNanos:     s.StartTime.Time().UnixNano(),
			DurationNanos: int64(timeutil.Duration(s.Duration)),
		},
		functions: make(map[string]*profile.Function),
		locations: make(map[frame.Key]*profile.Location),
	}
	if s.Program != "" {
		b.p.Comments = []string{s.Program}
	}
	for _, root := range s.Roots {
		var stack []*profile.Location
		var walk func(n *nodetree.Node)
		walk = func(n *nodetree.Node) {
			stack = append(stack, b.location(n.Frame))
			if n.SampleCount > 0 {
				b.addSample(root.Frame.Function, stack, n)
			}
			for _, c := range n.Children {
				walk(c)
			}
			stack = stack[:len(stack)-1]
		}
		if root.SampleCount > 0 {
			b.addSample(root.Frame.Function, nil, root)
		}
		for _, c := range root.Children {
			walk(c)
		}
	}
	if err := b.p.CheckValid(); err != nil {
		return nil, err
	}
	return b.p, nil
}

func (b *builder) addSample(context string, stack []*profile.Location, n *nodetree.Node) {
	// pprof lists the leaf first
	locations := make([]*profile.Location, len(stack))
	for i, l := range stack {
		locations[len(stack)-1-i] = l
	}
	b.p.Sample = append(b.p.Sample, &profile.Sample{
		Location: locations,
		Value:    []int64{int64(n.SampleCount), int64(timeutil.Duration(n.SelfTime))},
		Label:    map[string][]string{ContextLabel: {context}},
	})
}

func (b *builder) location(f frame.Frame) *profile.Location {
	k := f.Key()
	if l, ok := b.locations[k]; ok {
		return l
	}
	fn, ok := b.functions[f.Function+"\x00"+f.File]
	if !ok {
		fn = &profile.Function{
			ID:         uint64(len(b.p.Function) + 1),
			Name:       f.Function,
			SystemName: f.Function,
			Filename:   f.File,
		}
		b.functions[f.Function+"\x00"+f.File] = fn
		b.p.Function = append(b.p.Function, fn)
	}
	l := &profile.Location{
		ID:   uint64(len(b.p.Location) + 1),
		Line: []profile.Line{{Function: fn, Line: int64(f.Line)}},
	}
	b.locations[k] = l
	b.p.Location = append(b.p.Location, l)
	return l
}
