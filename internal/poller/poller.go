package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.triggerflow.dev/internal/common/metrics"
	"go.triggerflow.dev/internal/expr"
	"go.triggerflow.dev/internal/queues"
	"go.triggerflow.dev/internal/trigger"
	"go.triggerflow.dev/internal/warning"
)

// Poller drains one trigger's queue. It owns a private copy of the trigger
// record; nothing else reads or writes that copy while the poller runs. The
// token set inside the copy is the only shared part, guarded by tokenMu so
// per-tick subtasks can refresh tokens concurrently.
type Poller struct {
	trig     *trigger.Trigger
	cfg      Config
	registry *Registry
	store    Store
	source   queues.Source
	actions  ActionClient
	tokens   TokenSource
	engine   *expr.Engine
	warnings *warning.Service
	reaper   *Reaper
	active   func() bool

	tokenMu sync.Mutex

	pollTime    time.Duration
	outstanding map[string]struct{}
}

func newPoller(t *trigger.Trigger, cfg Config, registry *Registry, store Store,
	source queues.Source, actions ActionClient, tokens TokenSource,
	engine *expr.Engine, warnings *warning.Service, reaper *Reaper, active func() bool) *Poller {
	return &Poller{
		trig:        t,
		cfg:         cfg,
		registry:    registry,
		store:       store,
		source:      source,
		actions:     actions,
		tokens:      tokens,
		engine:      engine,
		warnings:    warnings,
		reaper:      reaper,
		active:      active,
		pollTime:    cfg.InitialInterval,
		outstanding: make(map[string]struct{}),
	}
}

// run is the poll loop. It returns the final trigger copy after persisting
// it and handing it to the reaper. A panic anywhere in the loop demotes the
// trigger to PENDING so it cannot wedge the whole service.
func (p *Poller) run(ctx context.Context) (final *trigger.Trigger) {
	id := p.trig.TriggerID

	metrics.PollersActive.Inc()
	log.Info().
		Str("trigger_id", id).
		Str("queue_id", p.trig.QueueID).
		Msg("Poller started")

	defer func() {
		if r := recover(); r != nil {
			metrics.PollerDemotions.Inc()
			log.Error().
				Str("trigger_id", id).
				Interface("panic", r).
				Msg("Poller panicked, demoting trigger")
			p.warnings.Record(warning.CategoryPoller, warning.SeverityCritical,
				fmt.Sprintf("poller panic: %v", r), id)
			// A DELETING trigger stays DELETING; everything else parks in
			// PENDING until an operator re-enables it.
			_, _ = p.registry.Set(id, trigger.TriggerStatePending)
		}
		p.finish()
		final = p.trig
	}()

	for p.shouldContinue() {
		p.tick(ctx)
	}
	return p.trig
}

// shouldContinue is the loop predicate: the supervisor must be up, and the
// trigger must either still be ENABLED or have outstanding actions to drain
// (unless it is being deleted, which abandons them).
func (p *Poller) shouldContinue() bool {
	if !p.active() {
		return false
	}
	state := p.registry.Get(p.trig.TriggerID)
	return state == trigger.TriggerStateEnabled ||
		(state != trigger.TriggerStateDeleting && len(p.outstanding) > 0)
}

// tick is one poll iteration: sleep, receive and fan out new events, poll
// outstanding actions, join, persist, adapt the interval.
func (p *Poller) tick(ctx context.Context) {
	id := p.trig.TriggerID

	if p.pollTime < p.cfg.MinInterval {
		p.pollTime = p.cfg.MinInterval
	}
	if p.pollTime > p.cfg.MaxInterval {
		p.pollTime = p.cfg.MaxInterval
	}
	metrics.PollerInterval.WithLabelValues(id).Set(p.pollTime.Seconds())

	// Only the sleep listens to the supervisor context. Once a tick is past
	// this point it finishes its HTTP work on fresh timeouts even during
	// shutdown, so no action dispatch is abandoned halfway.
	timer := time.NewTimer(p.pollTime)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return
	}

	var msgs []queues.Message
	var bearer string
	if p.registry.Get(id) == trigger.TriggerStateEnabled {
		msgs, bearer = p.receive()
	}

	var wg sync.WaitGroup
	// Sized so subtask sends never block; reading the channel after the
	// join preserves completion order.
	results := make(chan trigger.ActionStatus, len(msgs)+len(p.outstanding))
	spawned := p.fanOutEvents(msgs, bearer, &wg, results)

	for actionID := range p.outstanding {
		wg.Add(1)
		spawned++
		go func(actionID string) {
			defer wg.Done()
			results <- p.pollAction(actionID)
		}(actionID)
	}

	wg.Wait()
	close(results)

	for st := range results {
		p.trig.RecordActionStatus(st, p.cfg.StatusHistory)
		if st.IsComplete() {
			delete(p.outstanding, st.ActionID)
		} else if st.ActionID != "" {
			p.outstanding[st.ActionID] = struct{}{}
		}
	}
	metrics.PollerOutstandingActions.WithLabelValues(id).Set(float64(len(p.outstanding)))

	p.persist()

	if spawned > 0 {
		p.pollTime /= 2
	} else {
		p.pollTime *= 2
	}
}

// receive reads up to MaxMessages queue messages with the queue-scope
// bearer token. A receive failure is recorded as a synthetic FAILED status
// and yields an empty tick.
func (p *Poller) receive() ([]queues.Message, string) {
	id := p.trig.TriggerID

	opCtx, cancel := p.opCtx()
	defer cancel()

	bearer, err := p.tokenForScope(opCtx, p.cfg.QueuesReceiveScope)
	var msgs []queues.Message
	if err == nil {
		msgs, err = p.source.Receive(opCtx, p.trig.QueueID, p.cfg.MaxMessages, bearer)
	}
	if err != nil {
		msg := fmt.Sprintf("Error reading from queue %s: %s", p.trig.QueueID, err)
		log.Warn().Str("trigger_id", id).Err(err).Msg("Queue receive failed")
		p.warnings.Record(warning.CategoryQueue, warning.SeverityError, msg, id)
		p.trig.RecordActionStatus(trigger.NewFailureStatus(trigger.LocalFailureActionID, msg), p.cfg.StatusHistory)
		metrics.PollerTicks.WithLabelValues(id, "error").Inc()
		return nil, ""
	}

	if len(msgs) == 0 {
		metrics.PollerTicks.WithLabelValues(id, "empty").Inc()
		return nil, ""
	}
	metrics.PollerTicks.WithLabelValues(id, "received").Inc()
	return msgs, bearer
}

// fanOutEvents turns each received message into an event, updates the
// trigger's event counters in receive order, spawns one event-processing
// subtask per message, and deletes every message whether or not its event
// will dispatch. It returns the number of subtasks spawned.
func (p *Poller) fanOutEvents(msgs []queues.Message, bearer string, wg *sync.WaitGroup, results chan<- trigger.ActionStatus) int {
	if len(msgs) == 0 {
		return 0
	}
	id := p.trig.TriggerID

	opCtx, cancel := p.opCtx()
	defer cancel()

	for _, m := range msgs {
		ev := trigger.NewEvent(m.MessageID, m.MessageBody, m.SentByEffectiveIdentity,
			m.SentTimestamp, m.SentByApp, m.SentByIdentitySet)
		p.trig.LastEvent = &ev
		p.trig.EventCount++
		eventCount := p.trig.EventCount

		wg.Add(1)
		go func(ev trigger.Event, eventCount int) {
			defer wg.Done()
			if st := p.processEvent(ev, eventCount); st != nil {
				results <- *st
			}
		}(ev, eventCount)

		// Messages are deleted exactly once, in receive order, regardless of
		// what their events evaluate to. A failed delete means a duplicate
		// later, not a lost event.
		if err := p.source.Delete(opCtx, p.trig.QueueID, m.ReceiptHandle, bearer); err != nil {
			log.Warn().
				Str("trigger_id", id).
				Str("message_id", m.MessageID).
				Err(err).
				Msg("Queue message delete failed")
			p.warnings.Record(warning.CategoryQueue, warning.SeverityWarning,
				fmt.Sprintf("failed to delete message %s: %s", m.MessageID, err), id)
		}
	}
	return len(msgs)
}

// processEvent evaluates one event against the trigger's filter and, on a
// match, renders the template and runs the action. The returned status is
// nil when the filter did not match; every failure inside the pipeline
// becomes a synthetic FAILED status instead of an error.
func (p *Poller) processEvent(ev trigger.Event, eventCount int) (st *trigger.ActionStatus) {
	id := p.trig.TriggerID

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("trigger_id", id).
				Str("event_id", ev.EventID).
				Interface("panic", r).
				Msg("Event processing panicked")
			failure := trigger.NewFailureStatus(trigger.LocalFailureActionID,
				fmt.Sprintf("internal error processing event %s: %v", ev.EventID, r))
			st = &failure
		}
	}()

	names := ev.ExpressionNames(eventCount)

	match, err := p.engine.EvalFilter(p.trig.EventFilter, names)
	if err != nil {
		metrics.PollerEventsProcessed.WithLabelValues(id, "error").Inc()
		failure := trigger.NewFailureStatus(trigger.LocalFailureActionID, err.Error())
		return &failure
	}
	if !match {
		metrics.PollerEventsProcessed.WithLabelValues(id, "filtered").Inc()
		log.Debug().
			Str("trigger_id", id).
			Str("event_id", ev.EventID).
			Msg("Event did not match filter")
		return nil
	}

	body, err := p.engine.EvalTemplate(p.trig.EventTemplate, names)
	if err != nil {
		metrics.PollerEventsProcessed.WithLabelValues(id, "error").Inc()
		failure := trigger.NewFailureStatus(trigger.LocalFailureActionID, err.Error())
		return &failure
	}

	opCtx, cancel := p.opCtx()
	defer cancel()

	bearer, err := p.tokenForScope(opCtx, p.trig.ActionScope)
	if err != nil {
		metrics.PollerEventsProcessed.WithLabelValues(id, "error").Inc()
		failure := trigger.NewFailureStatus(trigger.LocalFailureActionID,
			fmt.Sprintf("Error running action: %s", err))
		return &failure
	}

	status, err := p.actions.Run(opCtx, p.trig.ActionURL, ev.EventID, body, bearer)
	if err != nil {
		metrics.PollerEventsProcessed.WithLabelValues(id, "error").Inc()
		p.warnings.Record(warning.CategoryAction, warning.SeverityError,
			fmt.Sprintf("run failed for event %s: %s", ev.EventID, err), id)
		failure := trigger.NewFailureStatus(trigger.LocalFailureActionID,
			fmt.Sprintf("Error running action: %s", err))
		return &failure
	}

	metrics.PollerEventsProcessed.WithLabelValues(id, "dispatched").Inc()
	log.Debug().
		Str("trigger_id", id).
		Str("event_id", ev.EventID).
		Str("action_id", status.ActionID).
		Str("status", string(status.Status)).
		Msg("Action dispatched")
	return &status
}

// pollAction checks one outstanding action. Failures become synthetic
// FAILED statuses carrying the polled id, which removes the action from the
// outstanding set.
func (p *Poller) pollAction(actionID string) (st trigger.ActionStatus) {
	id := p.trig.TriggerID

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("trigger_id", id).
				Str("action_id", actionID).
				Interface("panic", r).
				Msg("Action status poll panicked")
			st = trigger.NewFailureStatus(actionID,
				fmt.Sprintf("internal error polling action: %v", r))
		}
	}()

	opCtx, cancel := p.opCtx()
	defer cancel()

	bearer, err := p.tokenForScope(opCtx, p.trig.ActionScope)
	if err != nil {
		return trigger.NewFailureStatus(actionID, fmt.Sprintf("Error polling action status: %s", err))
	}

	status, err := p.actions.Status(opCtx, p.trig.ActionURL, actionID, bearer)
	if err != nil {
		p.warnings.Record(warning.CategoryAction, warning.SeverityError,
			fmt.Sprintf("status poll failed for action %s: %s", actionID, err), id)
		return trigger.NewFailureStatus(actionID, fmt.Sprintf("Error polling action status: %s", err))
	}
	return status
}

// tokenForScope returns the bearer token for one dependent scope,
// refreshing it through the token source when it is close to expiring. The
// refreshed token replaces the stored one so later ticks and the final
// persist keep it.
func (p *Poller) tokenForScope(ctx context.Context, scope string) (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	tok, ok := p.trig.TokenSet.DependentToken(scope)
	if !ok {
		return "", fmt.Errorf("no dependent token for scope %s", scope)
	}
	if tok.RequiresRefresh() && tok.RefreshToken != "" {
		refreshed, err := p.tokens.Refresh(ctx, tok.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("refreshing token for scope %s: %w", scope, err)
		}
		p.trig.TokenSet.DependentTokens[scope] = refreshed
		tok = refreshed
	}
	return tok.AccessToken, nil
}

func (p *Poller) persist() {
	opCtx, cancel := p.opCtx()
	defer cancel()
	if err := p.store.Save(opCtx, p.trig); err != nil {
		log.Error().
			Str("trigger_id", p.trig.TriggerID).
			Err(err).
			Msg("Failed to persist trigger")
	}
}

// finish copies the registry state into the trigger record, persists it one
// last time, and hands the trigger to the reaper.
func (p *Poller) finish() {
	id := p.trig.TriggerID

	p.trig.State = p.registry.Get(id)
	p.persist()

	metrics.PollersActive.Dec()
	metrics.PollerInterval.DeleteLabelValues(id)
	metrics.PollerOutstandingActions.DeleteLabelValues(id)

	log.Info().
		Str("trigger_id", id).
		Str("state", string(p.trig.State)).
		Int("event_count", p.trig.EventCount).
		Msg("Poller stopped")

	p.reaper.completed(p.trig)
}

// opCtx returns a fresh context for one outbound call. Deliberately not
// derived from the supervisor context: shutdown interrupts sleeps, never
// in-flight requests.
func (p *Poller) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
}
