package profiler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/getsentry/stackprof/internal/execution"
	"github.com/getsentry/stackprof/internal/registry"
	"github.com/getsentry/stackprof/internal/sampler"
	"github.com/getsentry/stackprof/internal/timeutil"
)

type (
	config struct {
		interval      time.Duration
		clock         timeutil.Clock
		sampler       *sampler.Sampler
		registry      *registry.Registry
		program       string
		contexts      []execution.Handle
		allGoroutines bool
		validate      bool
		logger        zerolog.Logger
	}

	// Option configures a Profiler.
	Option func(*config)
)

// WithInterval sets the sampling period. It's ignored when a sampler is
// shared with WithSampler.
func WithInterval(d time.Duration) Option {
	return func(c *config) {
		c.interval = d
	}
}

// WithClock sets the time source. It's ignored when a sampler is shared
// with WithSampler.
func WithClock(clock timeutil.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithSampler makes the profiler share s with other profilers instead of
// creating its own.
func WithSampler(s *sampler.Sampler) Option {
	return func(c *config) {
		c.sampler = s
	}
}

// WithRegistry resolves the calling context with r, so that profiling
// started from a task samples the task.
func WithRegistry(r *registry.Registry) Option {
	return func(c *config) {
		c.registry = r
	}
}

// WithProgram labels the sessions.
func WithProgram(name string) Option {
	return func(c *config) {
		c.program = name
	}
}

// WithContext samples h along with the context calling Start.
func WithContext(h execution.Handle) Option {
	return func(c *config) {
		c.contexts = append(c.contexts, h)
	}
}

// WithAllGoroutines samples every goroutine of the process.
func WithAllGoroutines() Option {
	return func(c *config) {
		c.allGoroutines = true
	}
}

// WithValidation checks the invariants of a context's tree after every
// merge.
func WithValidation() Option {
	return func(c *config) {
		c.validate = true
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}
