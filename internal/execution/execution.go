// Package execution defines the capabilities an execution context exposes to
// the sampler. Goroutines and cooperative tasks implement them; new kinds of
// contexts only need to implement Handle.
package execution

import (
	"github.com/getsentry/stackprof/internal/frame"
)

type (
	// Tick identifies one firing of the sampler. Index grows monotonically and
	// Time is read from the sampler's clock.
	Tick struct {
		Index uint64
		Time  float64
	}

	// Handle is one schedulable unit whose stack can be sampled on its own.
	Handle interface {
		// ID is unique among live contexts.
		ID() string
		// CaptureStack returns the current stack of the context, outermost
		// frame first. It returns an error wrapping
		// errorutil.ErrContextCaptureFailed if the context is gone.
		CaptureStack(t Tick) (frame.Stack, error)
	}

	// AwaitResolver is implemented by contexts that can be suspended on other
	// contexts. The chain lists the stacks of the awaited contexts, the
	// directly awaited one first.
	AwaitResolver interface {
		ResolveAwaitChain(t Tick) ([]frame.Stack, error)
	}

	// Cooperative is implemented by contexts that must only be sampled at
	// their runtime's suspension points. Schedule arranges for fn to run at
	// the next one and reports whether it was accepted.
	Cooperative interface {
		Schedule(fn func()) bool
	}

	// Group is a handle standing for a changing set of contexts, for example
	// every goroutine of the process. Members is called once per tick.
	Group interface {
		Handle
		Members(t Tick) ([]Handle, error)
	}
)
