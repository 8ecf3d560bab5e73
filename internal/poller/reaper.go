package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.triggerflow.dev/internal/common/metrics"
	"go.triggerflow.dev/internal/trigger"
)

// Reaper collects finished pollers. Its one job beyond bookkeeping is
// finalizing deletions: a poller that exits while its trigger is DELETING
// hands over a trigger that must now leave the store and the registry.
type Reaper struct {
	store    Store
	registry *Registry
	active   func() bool
	wait     time.Duration
	timeout  time.Duration

	intake      chan string
	completions chan *trigger.Trigger

	// live and early are touched only by the run goroutine. early holds
	// triggers whose completion arrived before their intake notice was
	// drained, so the later notice cancels out instead of tracking a
	// poller that no longer exists.
	live  map[string]bool
	early map[string]bool

	mu    sync.Mutex
	stats ReaperStats
}

// ReaperStats is the reaper's admin-surface view.
type ReaperStats struct {
	Tracked   int `json:"tracked"`
	Finalized int `json:"finalized"`
	Deleted   int `json:"deleted"`
}

func newReaper(capacity int, wait, timeout time.Duration, store Store, registry *Registry, active func() bool) *Reaper {
	return &Reaper{
		store:       store,
		registry:    registry,
		active:      active,
		wait:        wait,
		timeout:     timeout,
		intake:      make(chan string, capacity),
		completions: make(chan *trigger.Trigger, capacity),
		live:        make(map[string]bool),
		early:       make(map[string]bool),
	}
}

// track registers a started poller. It blocks while the intake backlog is
// full, which backpressures enable bursts instead of losing track of a
// poller.
func (r *Reaper) track(id string) {
	r.intake <- id
}

// completed hands a finished poller's final trigger to the reaper.
func (r *Reaper) completed(t *trigger.Trigger) {
	r.completions <- t
}

// run processes intake notices and completions until the supervisor flag is
// down and no tracked poller remains.
func (r *Reaper) run() {
	log.Info().Msg("Reaper started")

	for {
		r.drainIntake()
		if !r.active() && len(r.live) == 0 {
			break
		}

		select {
		case id := <-r.intake:
			r.admit(id)
		case t := <-r.completions:
			r.finalize(t)
		case <-time.After(r.wait):
		}
	}

	r.mu.Lock()
	finalized := r.stats.Finalized
	r.mu.Unlock()
	log.Info().Int("finalized", finalized).Msg("Reaper stopped")
}

// Stats returns the reaper's counters for the admin surface.
func (r *Reaper) Stats() ReaperStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reaper) drainIntake() {
	for {
		select {
		case id := <-r.intake:
			r.admit(id)
		default:
			return
		}
	}
}

func (r *Reaper) admit(id string) {
	if r.early[id] {
		delete(r.early, id)
		return
	}
	r.live[id] = true
	r.setTracked(len(r.live))
}

// finalize processes one finished poller. A trigger still marked DELETING
// is removed from the store and its registry entry cleared; any other final
// state keeps its registry entry, which the next enable reuses.
func (r *Reaper) finalize(t *trigger.Trigger) {
	id := t.TriggerID

	if r.live[id] {
		delete(r.live, id)
	} else {
		r.early[id] = true
	}
	r.setTracked(len(r.live))

	state := r.registry.Get(id)
	if state == trigger.TriggerStateDeleting {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		_, err := r.store.Remove(ctx, id)
		cancel()
		if err != nil && !errors.Is(err, trigger.ErrNotFound) {
			log.Error().Str("trigger_id", id).Err(err).Msg("Failed to remove deleted trigger from store")
		}
		r.registry.Remove(id)

		r.mu.Lock()
		r.stats.Deleted++
		r.mu.Unlock()
		log.Info().Str("trigger_id", id).Msg("Deletion finalized")
	}

	metrics.ReaperFinalized.WithLabelValues(string(state)).Inc()
	r.mu.Lock()
	r.stats.Finalized++
	r.mu.Unlock()

	log.Debug().
		Str("trigger_id", id).
		Str("state", string(state)).
		Msg("Poller finalized")
}

func (r *Reaper) setTracked(n int) {
	metrics.ReaperTracked.Set(float64(n))
	r.mu.Lock()
	r.stats.Tracked = n
	r.mu.Unlock()
}
