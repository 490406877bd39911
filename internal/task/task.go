// Package task is a small cooperative runtime. Tasks run on their own
// goroutines but only one of them executes at a time: a task holds the
// loop's baton until it reaches a suspension point (Yield, Await, Wait,
// Sleep or its end). Callbacks posted to the loop run at those checkpoints,
// while no task code is executing.
package task

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/stackprof/internal/execution"
	"github.com/getsentry/stackprof/internal/goroutine"
)

type (
	// Registrar is notified when tasks start and complete, so that the
	// context registry can resolve the current context to a task.
	Registrar interface {
		Register(goid int64, h execution.Handle)
		Complete(h execution.Handle)
	}

	Loop struct {
		baton     chan struct{}
		registrar Registrar
		dumper    *goroutine.Dumper
		logger    zerolog.Logger

		mu     sync.Mutex
		posted []func()
		err    error

		nextID atomic.Int64
		wg     sync.WaitGroup
	}

	Option func(*Loop)

	state int32

	Task struct {
		id   int64
		name string
		loop *Loop
		goid int64
		done chan struct{}

		mu       sync.Mutex
		state    state
		blocked  bool
		awaiting *Task
	}
)

const (
	statePending state = iota
	stateRunning
	stateSuspended
	stateDone
)

// WithRegistrar registers every task with r.
func WithRegistrar(r Registrar) Option {
	return func(l *Loop) {
		l.registrar = r
	}
}

// WithDumper shares a goroutine dumper with other handles sampled during the
// same ticks.
func WithDumper(d *goroutine.Dumper) Option {
	return func(l *Loop) {
		l.dumper = d
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

func NewLoop(opts ...Option) *Loop {
	l := &Loop{
		baton:  make(chan struct{}, 1),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.dumper == nil {
		l.dumper = goroutine.NewDumper()
	}
	l.baton <- struct{}{}
	return l
}

// Go starts fn as a new task. The task runs once it obtains the baton.
func (l *Loop) Go(name string, fn func(t *Task)) *Task {
	t := &Task{
		id:   l.nextID.Add(1),
		name: name,
		loop: l,
		done: make(chan struct{}),
	}
	started := make(chan struct{})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		t.goid = goroutine.CurrentID()
		if l.registrar != nil {
			l.registrar.Register(t.goid, t)
		}
		close(started)

		l.acquire()
		t.setState(stateRunning)
		defer l.finish(t)
		fn(t)
	}()
	<-started
	return t
}

// Run starts fn as the main task and blocks until every task of the loop
// has completed. It returns the first panic raised by a task, if any.
func (l *Loop) Run(name string, fn func(t *Task)) error {
	l.Go(name, fn)
	l.wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Post runs fn at the next checkpoint of the loop. If no task is executing,
// fn runs right away on the calling goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.tryDrain()
}

func (l *Loop) tryDrain() {
	select {
	case <-l.baton:
		l.checkpoint()
		l.baton <- struct{}{}
	default:
	}
}

func (l *Loop) acquire() {
	<-l.baton
}

// release hands the baton over after running the posted callbacks.
func (l *Loop) release() {
	l.checkpoint()
	l.baton <- struct{}{}
}

func (l *Loop) checkpoint() {
	for {
		l.mu.Lock()
		posted := l.posted
		l.posted = nil
		l.mu.Unlock()
		if len(posted) == 0 {
			return
		}
		for _, fn := range posted {
			fn()
		}
	}
}

func (l *Loop) finish(t *Task) {
	if r := recover(); r != nil {
		l.logger.Error().Str("task", t.ID()).Interface("panic", r).Msg("task panicked")
		l.mu.Lock()
		if l.err == nil {
			l.err = fmt.Errorf("task: %s panicked: %v", t.ID(), r)
		}
		l.mu.Unlock()
	}
	t.setState(stateDone)
	close(t.done)
	if l.registrar != nil {
		l.registrar.Complete(t)
	}
	l.release()
}

func (t *Task) ID() string {
	return "task " + strconv.FormatInt(t.id, 10)
}

func (t *Task) Name() string {
	return t.name
}

// Done is closed once the task has completed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Loop() *Loop {
	return t.loop
}

// Yield lets other tasks and posted callbacks run.
func (t *Task) Yield() {
	t.suspend(nil, nil, false)
}

// Await suspends the task until other has completed.
func (t *Task) Await(other *Task) {
	if other == t {
		panic("task: a task cannot await itself")
	}
	t.suspend(other, other.done, true)
}

// Wait suspends the task until c is closed or receives a value.
func (t *Task) Wait(c <-chan struct{}) {
	t.suspend(nil, c, true)
}

// Sleep suspends the task for d.
func (t *Task) Sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	c := make(chan struct{})
	go func() {
		<-timer.C
		close(c)
	}()
	t.suspend(nil, c, true)
}

func (t *Task) suspend(other *Task, c <-chan struct{}, blocked bool) {
	t.mu.Lock()
	t.state = stateSuspended
	t.blocked = blocked
	t.awaiting = other
	t.mu.Unlock()

	t.loop.release()
	if c != nil {
		<-c
	}
	t.loop.acquire()

	t.mu.Lock()
	t.state = stateRunning
	t.blocked = false
	t.awaiting = nil
	t.mu.Unlock()
}

func (t *Task) setState(s state) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) snapshot() (state, *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.awaiting
}

func (t *Task) blockedState() (state, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.blocked
}
