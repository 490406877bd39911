// Package speedscope renders sessions in the file format of
// https://www.speedscope.app.
package speedscope

import (
	"sort"

	"github.com/goccy/go-json"

	"github.com/getsentry/stackprof/internal/frame"
	"github.com/getsentry/stackprof/internal/nodetree"
	"github.com/getsentry/stackprof/internal/session"
	"github.com/getsentry/stackprof/internal/timeutil"
)

const (
	Schema = "https://www.speedscope.app/file-format-schema.json"

	ValueUnitNanoseconds ValueUnit = "nanoseconds"

	ProfileTypeSampled ProfileType = "sampled"
)

type (
	Frame struct {
		File          string `json:"file,omitempty"`
		IsApplication bool   `json:"is_application"`
		Line          uint32 `json:"line,omitempty"`
		Name          string `json:"name"`
	}

	SampledProfile struct {
		EndValue   uint64      `json:"endValue"`
		Name       string      `json:"name"`
		Samples    [][]int     `json:"samples"`
		StartValue uint64      `json:"startValue"`
		Type       ProfileType `json:"type"`
		Unit       ValueUnit   `json:"unit"`
		Weights    []uint64    `json:"weights"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	ProfileType string
	ValueUnit   string

	Output struct {
		Schema             string           `json:"$schema"`
		ActiveProfileIndex int              `json:"activeProfileIndex"`
		Exporter           string           `json:"exporter"`
		Name               string           `json:"name"`
		Profiles           []SampledProfile `json:"profiles"`
		Shared             SharedData       `json:"shared"`
	}

	// Renderer writes one sampled profile per execution context. Each node
	// with self time becomes one sample weighted by it.
	Renderer struct {
		// SortForFlamegraph orders samples alphabetically by frame name so
		// identical prefixes are adjacent.
		SortForFlamegraph bool
	}
)

func (Renderer) ContentType() string {
	return "application/json"
}

func (r Renderer) Render(s *session.Session) ([]byte, error) {
	o := FromSession(s)
	if r.SortForFlamegraph {
		o.SortSamplesForFlamegraph()
	}
	return json.Marshal(o)
}

// FromSession converts a session to the speedscope model.
func FromSession(s *session.Session) Output {
	o := Output{
		Schema:   Schema,
		Exporter: "stackprof",
		Name:     s.Program,
		Profiles: make([]SampledProfile, 0, len(s.Roots)),
	}
	frames := make(map[frame.Key]int)
	for _, root := range s.Roots {
		p := SampledProfile{
			Name:    root.Frame.Function,
			Type:    ProfileTypeSampled,
			Unit:    ValueUnitNanoseconds,
			Samples: [][]int{},
			Weights: []uint64{},
		}
		var (
			stack []int
			walk  func(n *nodetree.Node)
		)
		walk = func(n *nodetree.Node) {
			stack = append(stack, o.frameIndex(frames, n.Frame))
			if n.SelfTime > 0 {
				sample := make([]int, len(stack))
				copy(sample, stack)
				p.Samples = append(p.Samples, sample)
				weight := uint64(timeutil.Duration(n.SelfTime))
				p.Weights = append(p.Weights, weight)
				p.EndValue += weight
			}
			for _, c := range n.Children {
				walk(c)
			}
			stack = stack[:len(stack)-1]
		}
		if root.SelfTime > 0 {
			// time spent outside of any known frame
			walk(root)
		} else {
			for _, c := range root.Children {
				walk(c)
			}
		}
		o.Profiles = append(o.Profiles, p)
	}
	if o.Shared.Frames == nil {
		o.Shared.Frames = []Frame{}
	}
	return o
}

func (o *Output) frameIndex(frames map[frame.Key]int, f frame.Frame) int {
	k := f.Key()
	if i, ok := frames[k]; ok {
		return i
	}
	i := len(o.Shared.Frames)
	frames[k] = i
	o.Shared.Frames = append(o.Shared.Frames, Frame{
		File:          f.File,
		IsApplication: f.IsApplication(),
		Line:          f.Line,
		Name:          f.Function,
	})
	return i
}

func (o *Output) SortSamplesForFlamegraph() {
	for i := range o.Profiles {
		SortSamplesAlphabetically(&o.Profiles[i], o.Shared.Frames)
	}
}

// SortSamplesAlphabetically sorts the samples of p, and their weights along
// with them, comparing frame names level by level.
func SortSamplesAlphabetically(p *SampledProfile, frames []Frame) {
	sort.Sort(byFrameNames{p: p, frames: frames})
}

type byFrameNames struct {
	p      *SampledProfile
	frames []Frame
}

func (b byFrameNames) Len() int {
	return len(b.p.Samples)
}

func (b byFrameNames) Swap(i, j int) {
	b.p.Samples[i], b.p.Samples[j] = b.p.Samples[j], b.p.Samples[i]
	b.p.Weights[i], b.p.Weights[j] = b.p.Weights[j], b.p.Weights[i]
}

func (b byFrameNames) Less(i, j int) bool {
	si, sj := b.p.Samples[i], b.p.Samples[j]
	for c := 0; ; c++ {
		if len(si) == c {
			return true
		} else if len(sj) == c {
			return false
		}
		ni, nj := b.frames[si[c]].Name, b.frames[sj[c]].Name
		if ni < nj {
			return true
		} else if ni > nj {
			return false
		}
	}
}
