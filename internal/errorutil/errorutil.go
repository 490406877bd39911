package errorutil

import (
	"errors"
	"fmt"
)

// ErrDataIntegrity is a base error type to use for failures that are due to
// unrecoverable data integrity issues.
var ErrDataIntegrity = errors.New("data integrity error")

// ErrInvariantViolation is returned when a frame tree would break one of its
// invariants (negative self time, total time mismatch, duplicate siblings).
// It indicates a bug in the merger and aborts the current merge.
var ErrInvariantViolation = fmt.Errorf("%w: invariant violation", ErrDataIntegrity)

// ErrAlreadyRunning is returned when starting a profiler that is running.
var ErrAlreadyRunning = errors.New("profiler already running")

// ErrNotRunning is returned when stopping a profiler that is not running.
var ErrNotRunning = errors.New("profiler not running")

// ErrContextCaptureFailed means an execution context vanished while its
// stack was being captured. The sampler recovers from it locally.
var ErrContextCaptureFailed = errors.New("context capture failed")

// ErrNoSession is returned when output is requested before any session was
// recorded.
var ErrNoSession = errors.New("no session recorded")

// ErrNoResults represents situations in which no results were returned by the called API.
var ErrNoResults = errors.New("no results returned")
