package calltree

import (
	"github.com/getsentry/stackprof/internal/frame"
	"github.com/getsentry/stackprof/internal/nodetree"
)

// Forest aggregates stacks of several execution contexts. Every context gets
// its own root subtree, labelled by its id, and stacks of one context are
// only ever merged into that subtree.
type Forest struct {
	// Validate checks the invariants of the touched subtree after every
	// merge. It's linear in the size of the subtree.
	Validate bool

	roots   []*nodetree.Node
	byID    map[string]*nodetree.Node
	samples int
}

func NewForest() *Forest {
	return &Forest{byID: make(map[string]*nodetree.Node)}
}

// Add merges a stack captured for the context with the given id.
func (f *Forest) Add(contextID string, s frame.Stack, weight float64) (*nodetree.Node, error) {
	root, ok := f.byID[contextID]
	if !ok {
		root = nodetree.NewRoot(contextID)
		f.byID[contextID] = root
		f.roots = append(f.roots, root)
	}
	leaf, err := Merge(root, s, weight)
	if err != nil {
		return nil, err
	}
	f.samples++
	if f.Validate {
		if err := root.Validate(); err != nil {
			return nil, err
		}
	}
	return leaf, nil
}

// Roots returns the subtree of every context, in the order contexts were
// first seen.
func (f *Forest) Roots() []*nodetree.Node {
	return f.roots
}

// Root returns the subtree of one context.
func (f *Forest) Root(contextID string) (*nodetree.Node, bool) {
	r, ok := f.byID[contextID]
	return r, ok
}

// SampleCount is the number of stacks merged so far.
func (f *Forest) SampleCount() int {
	return f.samples
}

func (f *Forest) TotalTime() float64 {
	var t float64
	for _, r := range f.roots {
		t += r.TotalTime()
	}
	return t
}

// ValidateAll checks the invariants of every subtree.
func (f *Forest) ValidateAll() error {
	for _, r := range f.roots {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}
