// Package poller runs the per-trigger queue pollers: a lifecycle registry,
// one polling goroutine per ENABLED trigger, a reaper that finalizes
// finished pollers, and a supervisor that owns startup resume and shutdown.
package poller

import (
	"errors"
	"sync"

	"go.triggerflow.dev/internal/trigger"
)

// ErrDeleting rejects state changes for a trigger whose deletion is in
// progress. API handlers map it to a 409 response.
var ErrDeleting = errors.New("trigger is being deleted")

// Registry holds the in-process lifecycle state of every trigger this
// replica knows about. The registry, not the store, is what pollers consult
// between ticks, so enable/disable/delete take effect without a store
// round trip.
type Registry struct {
	mu     sync.Mutex
	states map[string]trigger.TriggerState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]trigger.TriggerState)}
}

// Get returns the registered state for a trigger. Unknown triggers are
// PENDING.
func (r *Registry) Get(id string) trigger.TriggerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.states[id]; ok {
		return state
	}
	return trigger.TriggerStatePending
}

// Has reports whether the registry tracks the trigger. Unlike Get it does
// not treat unknown triggers as PENDING.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.states[id]
	return ok
}

// Set records a new state and returns the previous one. Once a trigger is
// DELETING every further transition, including another DELETING, fails with
// ErrDeleting; only Remove clears the entry.
func (r *Registry) Set(id string, state trigger.TriggerState) (trigger.TriggerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.states[id]
	if !ok {
		prev = trigger.TriggerStatePending
	}
	if prev == trigger.TriggerStateDeleting {
		return prev, ErrDeleting
	}
	r.states[id] = state
	return prev, nil
}

// Remove clears a trigger's entry. The reaper calls this after finalizing a
// deletion.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, id)
}

// Snapshot returns a copy of every registered state, for the admin surface.
func (r *Registry) Snapshot() map[string]trigger.TriggerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]trigger.TriggerState, len(r.states))
	for id, state := range r.states {
		out[id] = state
	}
	return out
}
