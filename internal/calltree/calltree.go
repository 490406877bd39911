package calltree

import (
	"fmt"
	"math"

	"github.com/getsentry/stackprof/internal/errorutil"
	"github.com/getsentry/stackprof/internal/frame"
	"github.com/getsentry/stackprof/internal/nodetree"
)

var errDataIntegrityNilTree = fmt.Errorf("calltree: %w: tree must be non-nil", errorutil.ErrDataIntegrity)

// Merge folds one raw stack into the tree rooted at root and attributes
// weight seconds to the innermost frame. It returns the node that received
// the time.
//
// Consecutive frames of the same function are collapsed into a single node,
// keyed by the outermost frame of the run. An await frame is followed by the
// frames of the awaited context, as if it was a regular call. When an await
// frame is innermost, a synthetic placeholder leaf receives the time.
func Merge(root *nodetree.Node, s frame.Stack, weight float64) (*nodetree.Node, error) {
	if root == nil {
		return nil, errDataIntegrityNilTree
	}
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return nil, fmt.Errorf("calltree: %w: invalid sample weight %v", errorutil.ErrInvariantViolation, weight)
	}

	current := root
	for i := 0; i < len(s); i++ {
		first := s[i]
		end := recursionEnd(s, i)
		current = current.GetOrCreateChild(first.Key())
		i = end
		if s[end].Kind == frame.KindAwait && end == len(s)-1 {
			current = current.GetOrCreateChild(frame.Synthetic(frame.AwaitPlaceholder).Key())
		}
	}
	if err := current.AddSelfTime(weight); err != nil {
		return nil, err
	}
	return current, nil
}

// recursionEnd returns the index of the last frame of the run of frames
// starting at i that execute the same function.
func recursionEnd(s frame.Stack, i int) int {
	if s[i].Kind == frame.KindSwitch {
		return i
	}
	end := i
	for end+1 < len(s) && s[end].Kind != frame.KindAwait && s[end+1].Kind != frame.KindSwitch && s[end+1].SameFunction(s[i]) {
		end++
	}
	return end
}

// Link builds one continuous stack out of a context's own stack and the
// stacks of the contexts it awaits, directly awaited first. The innermost
// frame of every segment followed by another one is marked as an await.
func Link(own frame.Stack, chain []frame.Stack) frame.Stack {
	size := len(own)
	for _, s := range chain {
		size += len(s)
	}
	linked := make(frame.Stack, 0, size)
	linked = append(linked, own...)
	for _, s := range chain {
		if len(s) == 0 {
			continue
		}
		if len(linked) > 0 {
			linked[len(linked)-1].Kind = frame.KindAwait
		}
		linked = append(linked, s...)
	}
	return linked
}
