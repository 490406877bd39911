package task

import (
	"fmt"

	"github.com/getsentry/stackprof/internal/errorutil"
	"github.com/getsentry/stackprof/internal/execution"
	"github.com/getsentry/stackprof/internal/frame"
)

const packagePath = "github.com/getsentry/stackprof/internal/task"

var (
	_ execution.Handle        = (*Task)(nil)
	_ execution.AwaitResolver = (*Task)(nil)
	_ execution.Cooperative   = (*Task)(nil)
)

// CaptureStack returns the frames of the task's own code. The runtime's
// frames around it are cut. When the task is suspended on something, its
// innermost frame is an await.
func (t *Task) CaptureStack(tick execution.Tick) (frame.Stack, error) {
	return t.ownStack(tick)
}

// ResolveAwaitChain returns the stacks of the tasks t is awaiting,
// transitively, the directly awaited task first. The chain stops at the
// first task already visited.
func (t *Task) ResolveAwaitChain(tick execution.Tick) ([]frame.Stack, error) {
	var chain []frame.Stack
	for _, awaited := range t.awaitChain() {
		s, err := awaited.ownStack(tick)
		if err != nil {
			// completed while we were walking the chain
			break
		}
		chain = append(chain, s)
	}
	return chain, nil
}

// Schedule runs fn at the next checkpoint of the task's loop.
func (t *Task) Schedule(fn func()) bool {
	if s, _ := t.snapshot(); s == stateDone {
		return false
	}
	t.loop.Post(fn)
	return true
}

func (t *Task) awaitChain() []*Task {
	visited := map[*Task]struct{}{t: {}}
	var chain []*Task
	_, next := t.snapshot()
	for next != nil {
		if _, ok := visited[next]; ok {
			break
		}
		visited[next] = struct{}{}
		chain = append(chain, next)
		_, next = next.snapshot()
	}
	return chain
}

func (t *Task) ownStack(tick execution.Tick) (frame.Stack, error) {
	state, blocked := t.blockedState()
	if state == stateDone {
		return nil, fmt.Errorf("task: %w: %s has completed", errorutil.ErrContextCaptureFailed, t.ID())
	}
	goroutines, err := t.loop.dumper.Dump(tick)
	if err != nil {
		return nil, err
	}
	g, ok := goroutines[t.goid]
	if !ok {
		return nil, fmt.Errorf("task: %w: goroutine of %s has exited", errorutil.ErrContextCaptureFailed, t.ID())
	}
	s := trim(g.Stack)
	if blocked && len(s) > 0 {
		s[len(s)-1].Kind = frame.KindAwait
	}
	return s, nil
}

// trim keeps the task's code: it drops the go statement and the runtime's
// entry frames before it, and the suspension machinery after it.
func trim(s frame.Stack) frame.Stack {
	start := 0
	for start < len(s) && (s[start].Kind == frame.KindSwitch || isRuntimeFrame(s[start])) {
		start++
	}
	end := start
	for end < len(s) && !isRuntimeFrame(s[end]) {
		end++
	}
	trimmed := make(frame.Stack, end-start)
	copy(trimmed, s[start:end])
	return trimmed
}

func isRuntimeFrame(f frame.Frame) bool {
	return f.PackagePath() == packagePath
}
