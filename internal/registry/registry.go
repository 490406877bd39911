// Package registry resolves the execution context the caller is running in.
package registry

import (
	"sync"

	"github.com/getsentry/stackprof/internal/execution"
	"github.com/getsentry/stackprof/internal/goroutine"
)

type (
	// Registry maps goroutines to the handles of the cooperative tasks they
	// run. Goroutines without a task are their own context.
	Registry struct {
		dumper *goroutine.Dumper

		mu           sync.RWMutex
		byGoID       map[int64]execution.Handle
		listeners    []listener
		nextListener uint64
	}

	listener struct {
		id uint64
		fn func(execution.Handle)
	}
)

// New returns a registry whose goroutine handles share dumper. A nil dumper
// gets a fresh one.
func New(dumper *goroutine.Dumper) *Registry {
	if dumper == nil {
		dumper = goroutine.NewDumper()
	}
	return &Registry{
		dumper: dumper,
		byGoID: make(map[int64]execution.Handle),
	}
}

func (r *Registry) Dumper() *goroutine.Dumper {
	return r.dumper
}

// Current returns the handle of the task running on the calling goroutine,
// or a handle for the goroutine itself.
func (r *Registry) Current() execution.Handle {
	goid := goroutine.CurrentID()
	r.mu.RLock()
	h, ok := r.byGoID[goid]
	r.mu.RUnlock()
	if ok {
		return h
	}
	return r.dumper.Handle(goid)
}

func (r *Registry) Register(goid int64, h execution.Handle) {
	r.mu.Lock()
	r.byGoID[goid] = h
	r.mu.Unlock()
}

// Complete forgets h and notifies the listeners.
func (r *Registry) Complete(h execution.Handle) {
	r.mu.Lock()
	for goid, registered := range r.byGoID {
		if registered.ID() == h.ID() {
			delete(r.byGoID, goid)
		}
	}
	listeners := make([]listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l.fn(h)
	}
}

// OnComplete registers fn to be called with every completed handle until the
// returned function is called. A notification already under way may still
// reach fn after that.
func (r *Registry) OnComplete(fn func(execution.Handle)) (unregister func()) {
	r.mu.Lock()
	r.nextListener++
	id := r.nextListener
	r.listeners = append(r.listeners, listener{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.listeners {
			if l.id == id {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// Listeners returns how many completion listeners are registered.
func (r *Registry) Listeners() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
