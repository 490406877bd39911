// Package session holds the result of one profiling run.
package session

import (
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/getsentry/stackprof/internal/errorutil"
	"github.com/getsentry/stackprof/internal/frame"
	"github.com/getsentry/stackprof/internal/nodetree"
	"github.com/getsentry/stackprof/internal/timeutil"
)

type (
	// Session is the immutable outcome of a profiling run: one call tree per
	// sampled execution context.
	Session struct {
		ID          string           `json:"id"`
		Program     string           `json:"program"`
		StartTime   timeutil.Time    `json:"start_time"`
		Duration    float64          `json:"duration"`
		Interval    float64          `json:"interval"`
		SampleCount int              `json:"sample_count"`
		Roots       []*nodetree.Node `json:"roots"`
	}

	// Renderer turns a session into an output format. Renderers must not
	// modify the session.
	Renderer interface {
		Render(s *Session) ([]byte, error)
		ContentType() string
	}

	Options struct {
		Program     string
		StartTime   time.Time
		Duration    float64
		Interval    time.Duration
		SampleCount int
	}
)

// New packages the given context trees into a session after checking their
// invariants.
func New(roots []*nodetree.Node, opts Options) (*Session, error) {
	s := &Session{
		ID:          uuid.New().String(),
		Program:     opts.Program,
		StartTime:   timeutil.Time(opts.StartTime),
		Duration:    opts.Duration,
		Interval:    timeutil.Seconds(opts.Interval),
		SampleCount: opts.SampleCount,
		Roots:       roots,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns a synthetic node labelled by the program holding copies of
// the context roots, so that s.Roots stay without a parent.
func (s *Session) Root() *nodetree.Node {
	name := s.Program
	if name == "" {
		name = "root"
	}
	root := nodetree.NewRoot(name)
	root.Children = make([]*nodetree.Node, 0, len(s.Roots))
	for _, r := range s.Roots {
		root.Children = append(root.Children, r.Clone())
	}
	root.Relink()
	return root
}

func (s *Session) TotalTime() float64 {
	var t float64
	for _, r := range s.Roots {
		t += r.TotalTime()
	}
	return t
}

func (s *Session) Validate() error {
	if s.Duration < 0 {
		return fmt.Errorf("session: %w: negative duration %v", errorutil.ErrInvariantViolation, s.Duration)
	}
	seen := make(map[frame.Key]struct{}, len(s.Roots))
	for _, r := range s.Roots {
		if r == nil {
			return fmt.Errorf("session: %w: nil context root", errorutil.ErrDataIntegrity)
		}
		if _, ok := seen[r.Key()]; ok {
			return fmt.Errorf("session: %w: duplicate context %s", errorutil.ErrInvariantViolation, r.Key())
		}
		seen[r.Key()] = struct{}{}
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Functions aggregates the self time of every function across contexts.
func (s *Session) Functions() []nodetree.CallTreeFunction {
	results := make(map[uint32]nodetree.CallTreeFunction)
	for _, r := range s.Roots {
		r.CollectFunctions(results)
	}
	functions := make([]nodetree.CallTreeFunction, 0, len(results))
	for _, f := range results {
		functions = append(functions, f)
	}
	return functions
}

// Unmarshal reads a session serialized as JSON and restores the links
// between nodes.
func Unmarshal(b []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return restore(&s)
}

func Decode(r io.Reader) (*Session, error) {
	var s Session
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, err
	}
	return restore(&s)
}

func restore(s *Session) (*Session, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("session: %w: missing id", errorutil.ErrDataIntegrity)
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		return nil, fmt.Errorf("session: %w: invalid id %q", errorutil.ErrDataIntegrity, s.ID)
	}
	for _, r := range s.Roots {
		if r != nil {
			r.Relink()
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
