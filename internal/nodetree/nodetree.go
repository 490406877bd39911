package nodetree

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/getsentry/stackprof/internal/errorutil"
	"github.com/getsentry/stackprof/internal/frame"
)

type (
	// Node is one (function, call site) pair of an aggregated call tree. Its
	// identity never changes once created, its statistics grow with every
	// sample that reaches it.
	Node struct {
		Frame       frame.Frame `json:"frame"`
		SelfTime    float64     `json:"self_time"`
		SampleCount int         `json:"sample_count"`
		Children    []*Node     `json:"children,omitempty"`

		parent *Node
		index  map[frame.Key]*Node
	}

	CallTreeFunction struct {
		Fingerprint uint32    `json:"fingerprint"`
		Function    string    `json:"function"`
		Package     string    `json:"package"`
		InApp       bool      `json:"in_app"`
		SelfTimes   []float64 `json:"self_times"`
		SumSelfTime float64   `json:"sum_self_time"`
		SampleCount int       `json:"sample_count"`
	}
)

// NodeFromFrame returns a detached node for the given frame.
func NodeFromFrame(f frame.Frame) *Node {
	return &Node{Frame: f.Key().Frame()}
}

// NewRoot returns a synthetic node meant to hold other trees.
func NewRoot(name string) *Node {
	return &Node{Frame: frame.Synthetic(name)}
}

func (n *Node) Key() frame.Key {
	return n.Frame.Key()
}

func (n *Node) Parent() *Node {
	return n.parent
}

// Child returns the child with the given key, if any.
func (n *Node) Child(key frame.Key) (*Node, bool) {
	if n.index == nil {
		n.reindex()
	}
	c, ok := n.index[key]
	return c, ok
}

// GetOrCreateChild returns the existing child matching key or appends a new
// one. Children keep the order in which they were first seen.
func (n *Node) GetOrCreateChild(key frame.Key) *Node {
	if c, ok := n.Child(key); ok {
		return c
	}
	c := &Node{Frame: key.Frame(), parent: n}
	n.Children = append(n.Children, c)
	n.index[key] = c
	return c
}

// AddSelfTime attributes one sample of duration d to the node.
func (n *Node) AddSelfTime(d float64) error {
	if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return fmt.Errorf("nodetree: %w: cannot add %v seconds to %s", errorutil.ErrInvariantViolation, d, n.Key())
	}
	n.SelfTime += d
	n.SampleCount++
	return nil
}

// TotalTime is the self time of the node plus the total time of its
// children. It's recomputed on every call so it can't drift.
func (n *Node) TotalTime() float64 {
	t := n.SelfTime
	for _, c := range n.Children {
		t += c.TotalTime()
	}
	return t
}

// TotalSamples is the number of samples absorbed by the node and its
// descendants.
func (n *Node) TotalSamples() int {
	c := n.SampleCount
	for _, child := range n.Children {
		c += child.TotalSamples()
	}
	return c
}

func (n *Node) Depth() int {
	d := 0
	for p := n.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// Path returns the frames from the root of the tree down to the node.
func (n *Node) Path() []frame.Frame {
	var p []frame.Frame
	for c := n; c != nil; c = c.parent {
		p = append(p, c.Frame)
	}
	for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
		p[i], p[j] = p[j], p[i]
	}
	return p
}

// Find follows the given keys from n and returns the node reached.
func (n *Node) Find(keys ...frame.Key) *Node {
	c := n
	for _, k := range keys {
		var ok bool
		c, ok = c.Child(k)
		if !ok {
			return nil
		}
	}
	return c
}

// Walk calls fn for n and its descendants, depth first, parents before
// children. It stops at the first error.
func (n *Node) Walk(fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Relink restores parent links and child indexes, which aren't serialized.
func (n *Node) Relink() {
	n.reindex()
	for _, c := range n.Children {
		c.parent = n
		c.Relink()
	}
}

// Clone returns a detached deep copy of the tree rooted at n.
func (n *Node) Clone() *Node {
	c := &Node{
		Frame:       n.Frame,
		SelfTime:    n.SelfTime,
		SampleCount: n.SampleCount,
	}
	if len(n.Children) > 0 {
		c.Children = make([]*Node, 0, len(n.Children))
		for _, child := range n.Children {
			cc := child.Clone()
			cc.parent = c
			c.Children = append(c.Children, cc)
		}
	}
	return c
}

func (n *Node) reindex() {
	n.index = make(map[frame.Key]*Node, len(n.Children))
	for _, c := range n.Children {
		if _, exists := n.index[c.Key()]; !exists {
			n.index[c.Key()] = c
		}
	}
}

// Validate checks the invariants of the tree rooted at n: self times are
// finite and non-negative, siblings have distinct keys, parent links are
// consistent and every total time equals its self time plus the total time
// of its children.
func (n *Node) Validate() error {
	_, err := n.validate()
	return err
}

func (n *Node) validate() (float64, error) {
	if n.SelfTime < 0 || math.IsNaN(n.SelfTime) || math.IsInf(n.SelfTime, 0) {
		return 0, fmt.Errorf("nodetree: %w: %s has self time %v", errorutil.ErrInvariantViolation, n.Key(), n.SelfTime)
	}
	total := n.SelfTime
	seen := make(map[frame.Key]struct{}, len(n.Children))
	for _, c := range n.Children {
		if _, dup := seen[c.Key()]; dup {
			return 0, fmt.Errorf("nodetree: %w: %s has duplicate child %s", errorutil.ErrInvariantViolation, n.Key(), c.Key())
		}
		seen[c.Key()] = struct{}{}
		if c.parent != n {
			return 0, fmt.Errorf("nodetree: %w: %s is not linked to its parent %s", errorutil.ErrInvariantViolation, c.Key(), n.Key())
		}
		t, err := c.validate()
		if err != nil {
			return 0, err
		}
		total += t
	}
	if got := n.TotalTime(); got != total {
		return 0, fmt.Errorf("nodetree: %w: %s total time %v != %v", errorutil.ErrInvariantViolation, n.Key(), got, total)
	}
	return total, nil
}

// Fingerprint identifies the function of the node regardless of where it
// appears in the tree.
func (n *Node) Fingerprint() uint32 {
	h := fnv.New32()
	n.Frame.WriteToHash(h)
	return h.Sum32()
}

// CollectFunctions aggregates self time per function for the whole tree.
// Synthetic nodes and nodes without self time are skipped.
func (n *Node) CollectFunctions(results map[uint32]CallTreeFunction) {
	for _, c := range n.Children {
		c.CollectFunctions(results)
	}
	if n.Frame.Synthetic || n.SampleCount == 0 {
		return
	}
	fingerprint := n.Fingerprint()
	f, exists := results[fingerprint]
	if !exists {
		f = CallTreeFunction{
			Fingerprint: fingerprint,
			Function:    n.Frame.ShortName(),
			Package:     n.Frame.PackagePath(),
			InApp:       n.Frame.IsApplication(),
		}
	}
	f.SelfTimes = append(f.SelfTimes, n.SelfTime)
	f.SumSelfTime += n.SelfTime
	f.SampleCount += n.SampleCount
	results[fingerprint] = f
}
