package timeutil

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source of the sampler. Now is monotonic and expressed in
// seconds. Every calls fn about every interval until the returned function
// is called.
type Clock interface {
	Now() float64
	Every(interval time.Duration, fn func()) (stop func())
}

// Seconds converts a duration to floating point seconds.
func Seconds(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}

// Duration converts floating point seconds to a duration.
func Duration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// RealClock reads the monotonic clock of the process and ticks from a
// dedicated goroutine.
type RealClock struct {
	start time.Time
}

func NewRealClock() *RealClock {
	return &RealClock{start: time.Now()}
}

func (c *RealClock) Now() float64 {
	return Seconds(time.Since(c.start))
}

func (c *RealClock) Every(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

// FakeClock only advances when Sleep is called. Callbacks registered with
// Every run synchronously, on the goroutine calling Sleep, each time the
// simulated time crosses one of their deadlines.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	nextID int
	timers map[int]*fakeTimer
}

type fakeTimer struct {
	id       int
	interval time.Duration
	next     time.Duration
	fn       func()
}

func NewFakeClock() *FakeClock {
	return &FakeClock{timers: make(map[int]*fakeTimer)}
}

func (c *FakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Seconds(c.now)
}

func (c *FakeClock) Every(interval time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.timers[id] = &fakeTimer{id: id, interval: interval, next: c.now + interval, fn: fn}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.timers, id)
	}
}

// Sleep advances the clock by d, firing every timer deadline on the way in
// chronological order. The clock reads the deadline while a callback runs.
func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		t := c.nextDue(target)
		if t == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = t.next
		t.next += t.interval
		fn := t.fn
		c.mu.Unlock()

		fn()
	}
}

// nextDue returns the timer with the earliest deadline not after target.
func (c *FakeClock) nextDue(target time.Duration) *fakeTimer {
	due := make([]*fakeTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if t.next <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].next == due[j].next {
			return due[i].id < due[j].id
		}
		return due[i].next < due[j].next
	})
	return due[0]
}
