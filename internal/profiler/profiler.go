// Package profiler records where execution contexts spend wall-clock time.
//
//	p := profiler.New(profiler.WithInterval(5 * time.Millisecond))
//	if err := p.Start(); err != nil {
//		return err
//	}
//	work()
//	s, err := p.Stop()
package profiler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/stackprof/internal/calltree"
	"github.com/getsentry/stackprof/internal/errorutil"
	"github.com/getsentry/stackprof/internal/execution"
	"github.com/getsentry/stackprof/internal/registry"
	"github.com/getsentry/stackprof/internal/sampler"
	"github.com/getsentry/stackprof/internal/session"
)

type (
	state int

	Profiler struct {
		cfg     config
		sampler *sampler.Sampler

		mu    sync.Mutex
		state state
		run   *run
		last  *session.Session
	}

	// run is the state of one Start/Stop cycle.
	run struct {
		logger zerolog.Logger

		mu      sync.Mutex
		ids     map[string]struct{}
		tracked map[string]execution.Handle

		// forest and ticks are only touched by the subscription, which the
		// sampler serializes, until the subscription is cancelled.
		forest   *calltree.Forest
		ticks    map[uint64]struct{}
		failures atomic.Int64

		sub        *sampler.Subscription
		unregister func()
		start      float64
		startTime  time.Time
	}
)

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func New(opts ...Option) *Profiler {
	cfg := config{
		interval: sampler.DefaultInterval,
		logger:   log.Logger,
		program:  filepath.Base(os.Args[0]),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.registry == nil {
		cfg.registry = registry.New(nil)
	}
	s := cfg.sampler
	if s == nil {
		samplerOpts := []sampler.Option{
			sampler.WithInterval(cfg.interval),
			sampler.WithLogger(cfg.logger),
		}
		if cfg.clock != nil {
			samplerOpts = append(samplerOpts, sampler.WithClock(cfg.clock))
		}
		s = sampler.New(samplerOpts...)
	}
	return &Profiler{cfg: cfg, sampler: s}
}

// Sampler returns the sampler used by the profiler, to be shared with
// others.
func (p *Profiler) Sampler() *sampler.Sampler {
	return p.sampler
}

func (p *Profiler) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}

// Start samples the calling context, and the configured ones, until Stop is
// called. A stopped profiler can be started again.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateRunning {
		return fmt.Errorf("profiler: %w", errorutil.ErrAlreadyRunning)
	}

	r := &run{
		logger:  p.cfg.logger,
		ids:     make(map[string]struct{}),
		tracked: make(map[string]execution.Handle),
		forest:  calltree.NewForest(),
		ticks:   make(map[uint64]struct{}),
	}
	r.forest.Validate = p.cfg.validate

	// The caller is tracked even when all goroutines are: the group leaves
	// out the goroutine running the tick, which is the caller's under a
	// fake clock.
	handles := []execution.Handle{p.cfg.registry.Current()}
	handles = append(handles, p.cfg.contexts...)
	if p.cfg.allGoroutines {
		handles = append(handles, p.cfg.registry.Dumper().All())
	}

	r.sub = p.sampler.Subscribe(r.collect)
	r.unregister = p.cfg.registry.OnComplete(p.contextCompleted)
	for _, h := range handles {
		if r.add(h) {
			p.sampler.Track(h)
		}
	}
	r.start = p.sampler.Clock().Now()
	r.startTime = time.Now()
	p.sampler.Acquire()

	p.run = r
	p.state = stateRunning
	p.cfg.logger.Debug().
		Str("program", p.cfg.program).
		Int("contexts", len(handles)).
		Dur("interval", p.sampler.Interval()).
		Msg("profiler started")
	return nil
}

// Track samples h until the profiler stops.
func (p *Profiler) Track(h execution.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return fmt.Errorf("profiler: %w", errorutil.ErrNotRunning)
	}
	if p.run.add(h) {
		p.sampler.Track(h)
	}
	return nil
}

// Stop ends sampling and returns the recorded session, which is also kept
// as the last session.
func (p *Profiler) Stop() (*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return nil, fmt.Errorf("profiler: %w: profiler is %s", errorutil.ErrNotRunning, p.state)
	}
	r := p.run
	p.sampler.Unsubscribe(r.sub)
	r.unregister()
	for _, h := range r.remaining() {
		p.sampler.Untrack(h)
	}
	p.sampler.Release()
	duration := p.sampler.Clock().Now() - r.start

	p.run = nil
	p.state = stateStopped

	if n := r.failures.Load(); n > 0 {
		p.cfg.logger.Warn().Int64("failures", n).Msg("some samples could not be merged")
	}
	s, err := session.New(r.forest.Roots(), session.Options{
		Program:     p.cfg.program,
		StartTime:   r.startTime,
		Duration:    duration,
		Interval:    p.sampler.Interval(),
		SampleCount: len(r.ticks),
	})
	if err != nil {
		return nil, err
	}
	p.last = s
	return s, nil
}

// LastSession returns the session recorded by the last Stop, if any.
func (p *Profiler) LastSession() *session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Output renders the last session.
func (p *Profiler) Output(r session.Renderer) ([]byte, error) {
	s := p.LastSession()
	if s == nil {
		return nil, fmt.Errorf("profiler: %w", errorutil.ErrNoSession)
	}
	return r.Render(s)
}

func (p *Profiler) contextCompleted(h execution.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return
	}
	if p.run.complete(h) {
		p.sampler.Untrack(h)
	}
}

// add records h as one of the sampled contexts. It returns false if it
// already was.
func (r *run) add(h execution.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracked[h.ID()]; ok {
		return false
	}
	r.ids[h.ID()] = struct{}{}
	r.tracked[h.ID()] = h
	return true
}

// complete forgets a terminated context. Samples already captured for it
// are still accepted.
func (r *run) complete(h execution.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracked[h.ID()]; !ok {
		return false
	}
	delete(r.tracked, h.ID())
	return true
}

func (r *run) remaining() []execution.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]execution.Handle, 0, len(r.tracked))
	for _, h := range r.tracked {
		handles = append(handles, h)
	}
	return handles
}

// accepts reports whether a sample belongs to this run. Other profilers
// sharing the sampler may track other contexts, so samples are matched by
// the tracked context that produced them. A group member that is also
// tracked on its own is only counted through its own entry.
func (r *run) accepts(smp sampler.Sample) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[smp.Source.ID()]; !ok {
		return false
	}
	if smp.Source.ID() == smp.Context.ID() {
		return true
	}
	_, own := r.ids[smp.Context.ID()]
	return !own
}

func (r *run) collect(smp sampler.Sample) {
	if !r.accepts(smp) {
		return
	}
	r.ticks[smp.Tick.Index] = struct{}{}
	if _, err := r.forest.Add(smp.Context.ID(), smp.Stack, smp.Weight); err != nil {
		r.failures.Add(1)
		r.logger.Error().Err(err).Str("context", smp.Context.ID()).Msg("can't merge sample")
	}
}
