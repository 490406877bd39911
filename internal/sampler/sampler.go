// Package sampler periodically captures the stacks of tracked execution
// contexts and hands them to subscribers. One sampler can serve several
// profilers: each of them acquires it while running and releases it when
// done, and the timer only runs while at least one of them holds it.
package sampler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/stackprof/internal/calltree"
	"github.com/getsentry/stackprof/internal/errorutil"
	"github.com/getsentry/stackprof/internal/execution"
	"github.com/getsentry/stackprof/internal/frame"
	"github.com/getsentry/stackprof/internal/timeutil"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = 10 * time.Millisecond

type (
	// Sample is one captured stack.
	Sample struct {
		Tick execution.Tick
		// Source is the tracked context the sample was taken for. Members of
		// a group have the group as their source.
		Source  execution.Handle
		Context execution.Handle
		// Stack is shared by every subscriber and must not be modified.
		Stack  frame.Stack
		Weight float64
	}

	// Callback receives one sample.
	Callback func(smp Sample)

	Subscription struct {
		id uint64
		fn Callback
	}

	Stats struct {
		Ticks            uint64 `json:"ticks"`
		Samples          uint64 `json:"samples"`
		DroppedCaptures  uint64 `json:"dropped_captures"`
		SkippedCaptures  uint64 `json:"skipped_captures"`
		SubscriberPanics uint64 `json:"subscriber_panics"`
	}

	Option func(*Sampler)

	Sampler struct {
		interval time.Duration
		clock    timeutil.Clock
		logger   zerolog.Logger
		hub      *sentry.Hub

		mu      sync.Mutex
		refs    int
		stop    func()
		index   uint64
		tracked map[string]*entry
		order   []*entry

		deliveryMu  sync.Mutex
		subscribers []*Subscription
		nextSub     uint64

		ticks, samples, dropped, skipped, panics atomic.Uint64
	}

	// entry is a tracked context. Its fields are guarded by the sampler's mu.
	entry struct {
		handle  execution.Handle
		refs    int
		last    float64
		pending bool
	}
)

func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithClock(c timeutil.Clock) Option {
	return func(s *Sampler) {
		s.clock = c
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sampler) {
		s.logger = logger
	}
}

// WithHub reports subscriber panics to hub instead of the current hub.
func WithHub(hub *sentry.Hub) Option {
	return func(s *Sampler) {
		s.hub = hub
	}
}

func New(opts ...Option) *Sampler {
	s := &Sampler{
		interval: DefaultInterval,
		logger:   log.Logger,
		tracked:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = timeutil.NewRealClock()
	}
	if s.hub == nil {
		s.hub = sentry.CurrentHub()
	}
	return s
}

func (s *Sampler) Interval() time.Duration {
	return s.interval
}

func (s *Sampler) Clock() timeutil.Clock {
	return s.clock
}

// Acquire registers a user of the sampler, starting the timer for the first
// one.
func (s *Sampler) Acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	if s.refs == 1 {
		s.stop = s.clock.Every(s.interval, s.tick)
	}
}

// Release unregisters a user of the sampler, stopping the timer after the
// last one.
func (s *Sampler) Release() {
	s.mu.Lock()
	if s.refs == 0 {
		s.mu.Unlock()
		return
	}
	s.refs--
	var stop func()
	if s.refs == 0 {
		stop, s.stop = s.stop, nil
	}
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Running reports whether the timer is running.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs > 0
}

// Track starts sampling h. Tracking the same context again doesn't add
// another sample per tick: it is counted and needs as many Untrack calls.
func (s *Sampler) Track(h execution.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tracked[h.ID()]; ok {
		e.refs++
		return
	}
	e := &entry{handle: h, refs: 1, last: s.clock.Now()}
	s.tracked[h.ID()] = e
	s.order = append(s.order, e)
}

// Untrack stops sampling h. A tick in flight may still sample it.
func (s *Sampler) Untrack(h execution.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tracked[h.ID()]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		s.removeLocked(e)
	}
}

// Tracked lists the ids of the tracked contexts in the order they were first
// tracked.
func (s *Sampler) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.order))
	for _, e := range s.order {
		ids = append(ids, e.handle.ID())
	}
	return ids
}

func (s *Sampler) Subscribe(fn Callback) *Subscription {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()
	s.nextSub++
	sub := &Subscription{id: s.nextSub, fn: fn}
	s.subscribers = append(s.subscribers, sub)
	return sub
}

// Unsubscribe removes sub. Once it returns, the callback is not running and
// won't be called again. It must not be called from a callback.
func (s *Sampler) Unsubscribe(sub *Subscription) {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()
	for i, other := range s.subscribers {
		if other.id == sub.id {
			s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
			return
		}
	}
}

func (s *Sampler) Stats() Stats {
	return Stats{
		Ticks:            s.ticks.Load(),
		Samples:          s.samples.Load(),
		DroppedCaptures:  s.dropped.Load(),
		SkippedCaptures:  s.skipped.Load(),
		SubscriberPanics: s.panics.Load(),
	}
}

func (s *Sampler) tick() {
	now := s.clock.Now()

	s.mu.Lock()
	s.index++
	t := execution.Tick{Index: s.index, Time: now}
	entries := make([]*entry, len(s.order))
	copy(entries, s.order)
	s.mu.Unlock()

	s.ticks.Add(1)
	var gone []*entry
	for _, e := range entries {
		switch h := e.handle.(type) {
		case execution.Group:
			s.sampleGroup(t, e, h)
		case execution.Cooperative:
			if !s.schedule(t, e, h) {
				gone = append(gone, e)
			}
		default:
			if !s.sample(t, e) {
				gone = append(gone, e)
			}
		}
	}

	if len(gone) > 0 {
		s.mu.Lock()
		for _, e := range gone {
			s.removeLocked(e)
		}
		s.mu.Unlock()
	}
}

// sample captures and delivers the stack of one context. It returns false
// when the context has terminated.
func (s *Sampler) sample(t execution.Tick, e *entry) bool {
	stack, err := capture(t, e.handle)
	if err != nil {
		s.dropped.Add(1)
		if errors.Is(err, errorutil.ErrContextCaptureFailed) {
			s.logger.Debug().Str("context", e.handle.ID()).Msg("context terminated")
			return false
		}
		s.logger.Warn().Err(err).Str("context", e.handle.ID()).Msg("can't capture stack")
		return true
	}
	s.deliver(Sample{
		Tick:    t,
		Source:  e.handle,
		Context: e.handle,
		Stack:   stack,
		Weight:  s.weight(t, e),
	})
	return true
}

func (s *Sampler) sampleGroup(t execution.Tick, e *entry, g execution.Group) {
	members, err := g.Members(t)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn().Err(err).Str("context", g.ID()).Msg("can't list group members")
		return
	}
	weight := s.weight(t, e)
	for _, m := range members {
		stack, err := capture(t, m)
		if err != nil {
			// members come and go between ticks
			s.dropped.Add(1)
			continue
		}
		s.deliver(Sample{
			Tick:    t,
			Source:  g,
			Context: m,
			Stack:   stack,
			Weight:  weight,
		})
	}
}

// schedule arranges for a cooperative context to be sampled at its next
// checkpoint. It returns false when the runtime refused the capture.
func (s *Sampler) schedule(t execution.Tick, e *entry, c execution.Cooperative) bool {
	s.mu.Lock()
	if e.pending {
		s.mu.Unlock()
		s.skipped.Add(1)
		return true
	}
	e.pending = true
	s.mu.Unlock()

	accepted := c.Schedule(func() {
		s.mu.Lock()
		e.pending = false
		s.mu.Unlock()

		at := execution.Tick{Index: t.Index, Time: s.clock.Now()}
		if !s.sample(at, e) {
			s.mu.Lock()
			s.removeLocked(e)
			s.mu.Unlock()
		}
	})
	if !accepted {
		s.mu.Lock()
		e.pending = false
		s.mu.Unlock()
	}
	return accepted
}

// weight returns the time elapsed since the previous sample of e.
func (s *Sampler) weight(t execution.Tick, e *entry) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := t.Time - e.last
	if w < 0 {
		w = 0
	}
	e.last = t.Time
	return w
}

func (s *Sampler) removeLocked(e *entry) {
	if s.tracked[e.handle.ID()] != e {
		return
	}
	delete(s.tracked, e.handle.ID())
	for i, other := range s.order {
		if other == e {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Sampler) deliver(smp Sample) {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()
	for _, sub := range s.subscribers {
		s.invoke(sub, smp)
	}
	s.samples.Add(1)
}

func (s *Sampler) invoke(sub *Subscription, smp Sample) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error().
				Str("context", smp.Context.ID()).
				Interface("panic", r).
				Msg("subscriber panicked")
			s.hub.CaptureException(fmt.Errorf("sampler: subscriber panicked: %v", r))
		}
	}()
	sub.fn(smp)
}

// capture returns the stack of h, followed by the stacks of the contexts it
// awaits.
func capture(t execution.Tick, h execution.Handle) (frame.Stack, error) {
	stack, err := h.CaptureStack(t)
	if err != nil {
		return nil, err
	}
	r, ok := h.(execution.AwaitResolver)
	if !ok {
		return stack, nil
	}
	chain, err := r.ResolveAwaitChain(t)
	if err != nil {
		return nil, err
	}
	return calltree.Link(stack, chain), nil
}
