package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"go.triggerflow.dev/internal/expr"
	"go.triggerflow.dev/internal/queues"
	"go.triggerflow.dev/internal/trigger"
	"go.triggerflow.dev/internal/warning"
)

// Store is the subset of the trigger repository the poller engine uses.
type Store interface {
	Save(ctx context.Context, t *trigger.Trigger) error
	Remove(ctx context.Context, id string) (*trigger.Trigger, error)
	List(ctx context.Context, states ...trigger.TriggerState) ([]*trigger.Trigger, error)
}

// ActionClient runs actions and polls their status. Releasing a completed
// action happens inside the client.
type ActionClient interface {
	Run(ctx context.Context, actionURL, requestID string, body map[string]any, bearer string) (trigger.ActionStatus, error)
	Status(ctx context.Context, actionURL, actionID, bearer string) (trigger.ActionStatus, error)
}

// TokenSource refreshes dependent tokens that are close to expiring.
type TokenSource interface {
	Refresh(ctx context.Context, refreshToken string) (trigger.Token, error)
}

// Config tunes the poller engine.
type Config struct {
	// InitialInterval is the poll interval a new poller starts with;
	// MinInterval and MaxInterval clamp the adaptive interval.
	InitialInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration

	// MaxMessages per queue receive
	MaxMessages int

	// StatusHistory bounds the per-trigger action status history
	StatusHistory int

	// ExpressionTimeout bounds one filter or template evaluation
	ExpressionTimeout time.Duration

	// RequestTimeout for each outbound call made inside a tick
	RequestTimeout time.Duration

	// QueuesReceiveScope is the dependent scope whose token authorizes
	// queue reads
	QueuesReceiveScope string

	// ReaperCapacity is the intake backlog; ReaperWait the reaper's idle
	// wait between checks
	ReaperCapacity int
	ReaperWait     time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		InitialInterval:   5 * time.Second,
		MinInterval:       1 * time.Second,
		MaxInterval:       30 * time.Second,
		MaxMessages:       10,
		StatusHistory:     100,
		ExpressionTimeout: time.Second,
		RequestTimeout:    30 * time.Second,
		ReaperCapacity:    100,
		ReaperWait:        10 * time.Second,
	}
}

// Supervisor owns the poller engine: it resumes pollers for triggers that
// were ENABLED at startup, spawns pollers for newly enabled triggers, runs
// the reaper, and winds everything down on shutdown. One supervisor runs
// per process; with leader election only the leader's supervisor is
// started.
type Supervisor struct {
	cfg      Config
	registry *Registry
	store    Store
	source   queues.Source
	actions  ActionClient
	tokens   TokenSource
	engine   *expr.Engine
	warnings *warning.Service
	reaper   *Reaper

	// activeFlag is the supervisor_active flag pollers and the reaper
	// probe between iterations.
	activeFlag atomic.Bool

	// lifecycleMu serializes Start and Stop. mu guards the short-lived
	// state below and is never held across a Wait, so pollers can call
	// StartPoller while Stop drains them.
	lifecycleMu sync.Mutex
	mu          sync.Mutex
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	pollers     map[string]bool

	pollerWg sync.WaitGroup
	reaperWg sync.WaitGroup
}

// NewSupervisor creates a supervisor. Zero config fields fall back to
// DefaultConfig values; QueuesReceiveScope has no default and comes from
// configuration.
func NewSupervisor(cfg Config, registry *Registry, store Store, source queues.Source,
	actions ActionClient, tokens TokenSource, warnings *warning.Service) *Supervisor {
	def := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.StatusHistory <= 0 {
		cfg.StatusHistory = def.StatusHistory
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ReaperCapacity <= 0 {
		cfg.ReaperCapacity = def.ReaperCapacity
	}
	if cfg.ReaperWait <= 0 {
		cfg.ReaperWait = def.ReaperWait
	}
	if warnings == nil {
		warnings = warning.NewService(0)
	}

	s := &Supervisor{
		cfg:      cfg,
		registry: registry,
		store:    store,
		source:   source,
		actions:  actions,
		tokens:   tokens,
		engine:   expr.New(cfg.ExpressionTimeout),
		warnings: warnings,
		pollers:  make(map[string]bool),
	}
	s.reaper = newReaper(cfg.ReaperCapacity, cfg.ReaperWait, cfg.RequestTimeout,
		store, registry, s.activeFlag.Load)
	return s
}

// Start raises the active flag, starts the reaper, and resumes a poller for
// every trigger stored as ENABLED. ctx bounds only the resume scan.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.activeFlag.Store(true)
	s.mu.Unlock()

	s.reaperWg.Add(1)
	go func() {
		defer s.reaperWg.Done()
		s.reaper.run()
	}()

	triggers, err := s.store.List(ctx, trigger.TriggerStateEnabled)
	if err != nil {
		s.stop()
		return fmt.Errorf("scanning for enabled triggers: %w", err)
	}

	resumed := 0
	for _, t := range triggers {
		if _, err := s.registry.Set(t.TriggerID, trigger.TriggerStateEnabled); err != nil {
			continue
		}
		if s.StartPoller(t) {
			resumed++
			log.Info().
				Str("trigger_id", t.TriggerID).
				Str("queue_id", t.QueueID).
				Msg("Resumed poller for enabled trigger")
		}
	}

	// Finish deletions a previous run started but never completed. A
	// DELETING document with no poller has nobody left to remove it.
	stale, err := s.store.List(ctx, trigger.TriggerStateDeleting)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to scan for unfinished deletions")
	}
	for _, t := range stale {
		if _, err := s.store.Remove(ctx, t.TriggerID); err != nil && !errors.Is(err, trigger.ErrNotFound) {
			log.Error().Str("trigger_id", t.TriggerID).Err(err).Msg("Failed to remove deleting trigger")
			continue
		}
		s.registry.Remove(t.TriggerID)
		log.Info().Str("trigger_id", t.TriggerID).Msg("Finalized deletion left over from a previous run")
	}

	log.Info().Int("resumed", resumed).Msg("Poller supervisor started")
	return nil
}

// Stop lowers the active flag, wakes every sleeping poller, and waits for
// pollers and the reaper to drain. In-flight ticks complete; only sleeps
// are interrupted.
func (s *Supervisor) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	s.stop()
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.activeFlag.Store(false)
	s.cancel()
	s.mu.Unlock()

	s.pollerWg.Wait()
	s.reaperWg.Wait()
	log.Info().Msg("Poller supervisor stopped")
}

// Active reports whether the supervisor is accepting and running pollers.
func (s *Supervisor) Active() bool {
	return s.activeFlag.Load()
}

// StartPoller spawns the poll loop for one trigger unless one is already
// running for it, and reports whether a new poller started. The poller
// works on its own copy; the caller keeps using t freely.
func (s *Supervisor) StartPoller(t *trigger.Trigger) bool {
	id := t.TriggerID

	s.mu.Lock()
	if !s.running || s.pollers[id] {
		s.mu.Unlock()
		return false
	}
	s.pollers[id] = true
	runCtx := s.ctx
	s.mu.Unlock()

	p := newPoller(t.Clone(), s.cfg, s.registry, s.store, s.source, s.actions,
		s.tokens, s.engine, s.warnings, s.reaper, s.activeFlag.Load)

	s.reaper.track(id)
	s.pollerWg.Add(1)
	go func() {
		defer s.pollerWg.Done()
		final := p.run(runCtx)

		s.mu.Lock()
		delete(s.pollers, id)
		s.mu.Unlock()

		// A re-enable can land between the loop observing PENDING and the
		// deregistration above, with no poller left to serve it. Pick the
		// trigger back up here instead of leaving it silently dark.
		if s.activeFlag.Load() && s.registry.Get(id) == trigger.TriggerStateEnabled {
			s.StartPoller(final)
		}
	}()
	return true
}

// PollerRunning reports whether a live poller exists for the trigger.
func (s *Supervisor) PollerRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollers[id]
}

// RunningPollers returns the ids of triggers with a live poller, sorted,
// for the admin surface.
func (s *Supervisor) RunningPollers() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pollers))
	for id := range s.pollers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// ReaperStats exposes the reaper's counters for the admin surface.
func (s *Supervisor) ReaperStats() ReaperStats {
	return s.reaper.Stats()
}
