package task_test

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getsentry/stackprof/internal/errorutil"
	"github.com/getsentry/stackprof/internal/execution"
	"github.com/getsentry/stackprof/internal/frame"
	"github.com/getsentry/stackprof/internal/task"
	"github.com/getsentry/stackprof/internal/testutil"
)

type recorder struct {
	mu         sync.Mutex
	registered map[int64]execution.Handle
	completed  []string
}

func (r *recorder) Register(goid int64, h execution.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered == nil {
		r.registered = make(map[int64]execution.Handle)
	}
	r.registered[goid] = h
}

func (r *recorder) Complete(h execution.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, h.ID())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func shortNames(s frame.Stack) []string {
	names := make([]string, 0, len(s))
	for _, f := range s {
		names = append(names, f.ShortName())
	}
	return names
}

func waitOnGate(t *task.Task, gate chan struct{}, waiting *atomic.Bool) {
	waiting.Store(true)
	t.Wait(gate)
}

func awaitChild(t *task.Task, child *task.Task, awaiting *atomic.Bool) {
	awaiting.Store(true)
	t.Await(child)
}

func TestOneTaskRunsAtATime(t *testing.T) {
	loop := task.NewLoop()
	var running, maxRunning atomic.Int32
	work := func(t *task.Task) {
		for i := 0; i < 50; i++ {
			n := running.Add(1)
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			running.Add(-1)
			t.Yield()
		}
	}
	err := loop.Run("main", func(t *task.Task) {
		a := t.Loop().Go("a", work)
		b := t.Loop().Go("b", work)
		t.Await(a)
		t.Await(b)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := maxRunning.Load(); got != 1 {
		t.Fatalf("expected one task at a time, saw %d", got)
	}
}

func TestPostRunsAtCheckpoint(t *testing.T) {
	loop := task.NewLoop()

	ranIdle := false
	loop.Post(func() { ranIdle = true })
	if !ranIdle {
		t.Fatalf("callbacks posted to an idle loop should run right away")
	}

	var beforeYield, afterYield bool
	err := loop.Run("main", func(t *task.Task) {
		ran := false
		t.Loop().Post(func() { ran = true })
		beforeYield = ran
		t.Yield()
		afterYield = ran
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if beforeYield || !afterYield {
		t.Fatalf("callback should run at the yield, got before=%t after=%t", beforeYield, afterYield)
	}
}

func TestRunReportsPanics(t *testing.T) {
	loop := task.NewLoop()
	err := loop.Run("main", func(t *task.Task) {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected the panic to be reported, got %v", err)
	}
}

func TestRegistrar(t *testing.T) {
	r := &recorder{}
	loop := task.NewLoop(task.WithRegistrar(r))
	var id string
	err := loop.Run("main", func(t *task.Task) {
		id = t.ID()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.registered) != 1 {
		t.Fatalf("expected one registered task, got %d", len(r.registered))
	}
	if diff := testutil.Diff(r.completed, []string{id}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestAwaitChain(t *testing.T) {
	loop := task.NewLoop()
	gate := make(chan struct{})
	var childWaiting, parentAwaiting atomic.Bool
	var child, parent *task.Task
	started := make(chan struct{})

	done := make(chan error)
	go func() {
		done <- loop.Run("main", func(t *task.Task) {
			child = t.Loop().Go("child", func(t *task.Task) {
				waitOnGate(t, gate, &childWaiting)
			})
			parent = t
			close(started)
			awaitChild(t, child, &parentAwaiting)
		})
	}()
	<-started
	waitFor(t, func() bool { return childWaiting.Load() && parentAwaiting.Load() })

	var (
		own   frame.Stack
		chain []frame.Stack
		index uint64
	)
	// the tasks may not have parked yet
	waitFor(t, func() bool {
		index++
		tick := execution.Tick{Index: index}
		var err error
		own, err = parent.CaptureStack(tick)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		chain, err = parent.ResolveAwaitChain(tick)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		leaf, ok := own.Innermost()
		if !ok || leaf.Kind != frame.KindAwait || len(chain) != 1 {
			return false
		}
		awaitedLeaf, ok := chain[0].Innermost()
		return ok && awaitedLeaf.Kind == frame.KindAwait
	})

	for _, s := range append([]frame.Stack{own}, chain...) {
		for _, f := range s {
			if f.PackagePath() == "github.com/getsentry/stackprof/internal/task" || f.Kind == frame.KindSwitch {
				t.Fatalf("runtime frame %+v was not cut", f)
			}
		}
	}

	ownNames := shortNames(own)
	if ownNames[len(ownNames)-1] != "awaitChild" {
		t.Fatalf("unexpected stack for the awaiting task: %v", ownNames)
	}
	childNames := shortNames(chain[0])
	if childNames[len(childNames)-1] != "waitOnGate" {
		t.Fatalf("unexpected stack for the awaited task: %v", childNames)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := child.CaptureStack(execution.Tick{Index: index + 1}); !errors.Is(err, errorutil.ErrContextCaptureFailed) {
		t.Fatalf("expected a capture failure for a completed task, got %v", err)
	}
	if child.Schedule(func() {}) {
		t.Fatalf("completed tasks should refuse callbacks")
	}
}
