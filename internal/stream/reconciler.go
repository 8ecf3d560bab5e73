// Package stream keeps the poller engine converged with the trigger
// collection. Any replica may handle an enable, disable, or delete, but
// only the replica whose supervisor is running owns pollers; the
// reconciler tails the collection's change stream so writes made on other
// replicas take effect here without waiting for a re-election.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.triggerflow.dev/internal/common/metrics"
	"go.triggerflow.dev/internal/poller"
	"go.triggerflow.dev/internal/trigger"
	"go.triggerflow.dev/internal/warning"
)

// Pollers is the subset of the poller supervisor the reconciler drives.
type Pollers interface {
	StartPoller(t *trigger.Trigger) bool
	PollerRunning(id string) bool
}

// Config tunes the reconciler.
type Config struct {
	// Collection is the watched collection name.
	Collection string

	// MaxAwait bounds how long the server holds an empty getMore open.
	MaxAwait time.Duration

	// RetryWait is the pause before reopening a failed stream.
	RetryWait time.Duration

	// MaxOpenAttempts gives up after this many consecutive failures to
	// open the stream. Change streams need a MongoDB replica set, so on a
	// standalone server every attempt fails the same way.
	MaxOpenAttempts int
}

// DefaultConfig returns the defaults used for zero Config fields.
func DefaultConfig() Config {
	return Config{
		Collection:      "triggers",
		MaxAwait:        time.Second,
		RetryWait:       5 * time.Second,
		MaxOpenAttempts: 5,
	}
}

// changeEvent is the slice of a change stream document the reconciler
// reads. fullDocument is absent on deletes, and nil on updates whose
// document disappeared before the post-image lookup.
type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *trigger.Trigger `bson:"fullDocument"`
}

// Reconciler tails the trigger collection's change stream and applies
// remote state changes to the local registry and poller set. It runs only
// alongside a started supervisor.
type Reconciler struct {
	cfg      Config
	coll     *mongo.Collection
	registry *poller.Registry
	pollers  Pollers
	store    poller.Store
	warnings *warning.Service

	runningMu sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewReconciler creates a reconciler over the trigger collection in db.
// Zero config fields fall back to DefaultConfig values.
func NewReconciler(db *mongo.Database, cfg Config, registry *poller.Registry,
	pollers Pollers, store poller.Store, warnings *warning.Service) *Reconciler {
	def := DefaultConfig()
	if cfg.Collection == "" {
		cfg.Collection = def.Collection
	}
	if cfg.MaxAwait <= 0 {
		cfg.MaxAwait = def.MaxAwait
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = def.RetryWait
	}
	if cfg.MaxOpenAttempts <= 0 {
		cfg.MaxOpenAttempts = def.MaxOpenAttempts
	}
	if warnings == nil {
		warnings = warning.NewService(0)
	}

	return &Reconciler{
		cfg:      cfg,
		coll:     db.Collection(cfg.Collection),
		registry: registry,
		pollers:  pollers,
		store:    store,
		warnings: warnings,
	}
}

// Start opens the change stream in the background and returns immediately.
// The stream runs until Stop.
func (r *Reconciler) Start() {
	r.runningMu.Lock()
	if r.running {
		r.runningMu.Unlock()
		log.Warn().Msg("Trigger reconciler already running")
		return
	}
	r.running = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.runningMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.watch(ctx)
	}()

	log.Info().Str("collection", r.cfg.Collection).Msg("Trigger reconciler started")
}

// Stop closes the stream and waits for the watch loop to exit.
func (r *Reconciler) Stop() {
	r.runningMu.Lock()
	if !r.running {
		r.runningMu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.runningMu.Unlock()

	cancel()
	r.wg.Wait()
	log.Info().Msg("Trigger reconciler stopped")
}

// watch opens the change stream and consumes it until the context ends,
// reopening after transient failures. Reopens resume from the last applied
// event's token when one is available; missed events before a fresh open
// are recovered by the supervisor's resume scan at the next election.
func (r *Reconciler) watch(ctx context.Context) {
	var resumeAfter bson.Raw
	openFailures := 0

	for ctx.Err() == nil {
		stream, err := r.open(ctx, resumeAfter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ReconcilerStreamErrors.Inc()
			log.Error().Err(err).Int("attempt", openFailures+1).Msg("Failed to open trigger change stream")

			if resumeAfter != nil {
				// The token may be past the oplog window; retry from now.
				resumeAfter = nil
			} else {
				openFailures++
				if openFailures >= r.cfg.MaxOpenAttempts {
					r.warnings.Record(warning.CategoryPoller, warning.SeverityError,
						"trigger reconciler stopped: change stream unavailable (MongoDB replica set required)", "")
					log.Error().Msg("Giving up on trigger change stream; remote changes apply at the next election")
					return
				}
			}
			if !sleep(ctx, r.cfg.RetryWait) {
				return
			}
			continue
		}
		openFailures = 0

		resumeAfter = r.consume(ctx, stream)
		stream.Close(context.Background())

		if ctx.Err() == nil {
			metrics.ReconcilerStreamErrors.Inc()
			if !sleep(ctx, r.cfg.RetryWait) {
				return
			}
		}
	}
}

func (r *Reconciler) open(ctx context.Context, resumeAfter bson.Raw) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType": bson.M{"$in": []string{"insert", "update", "replace", "delete"}},
		}}},
	}
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetMaxAwaitTime(r.cfg.MaxAwait)
	if resumeAfter != nil {
		opts = opts.SetResumeAfter(resumeAfter)
	}
	return r.coll.Watch(ctx, pipeline, opts)
}

// consume applies events until the context ends or the stream errors, and
// returns the token to reopen from.
func (r *Reconciler) consume(ctx context.Context, stream *mongo.ChangeStream) bson.Raw {
	var lastToken bson.Raw

	for ctx.Err() == nil {
		if !stream.TryNext(ctx) {
			if err := stream.Err(); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Trigger change stream failed, reopening")
				return lastToken
			}
			continue
		}

		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			log.Error().Err(err).Msg("Failed to decode trigger change event")
			continue
		}
		lastToken = stream.ResumeToken()
		r.apply(&ev)
	}
	return lastToken
}

// apply converges local state with one change event. Events written by
// this replica come back through the stream too; every branch is
// idempotent, so self-echoes reduce to no-ops.
func (r *Reconciler) apply(ev *changeEvent) {
	metrics.ReconcilerEvents.WithLabelValues(ev.OperationType).Inc()

	if ev.OperationType == "delete" || ev.FullDocument == nil {
		r.applyRemoval(ev.DocumentKey.ID)
		return
	}
	r.applyState(ev.FullDocument)
}

func (r *Reconciler) applyState(t *trigger.Trigger) {
	id := t.TriggerID

	switch t.State {
	case trigger.TriggerStateEnabled:
		if _, err := r.registry.Set(id, trigger.TriggerStateEnabled); err != nil {
			return // a local deletion in progress wins
		}
		if r.pollers.StartPoller(t) {
			log.Info().
				Str("trigger_id", id).
				Str("queue_id", t.QueueID).
				Msg("Started poller for trigger enabled on another replica")
		}

	case trigger.TriggerStatePending, trigger.TriggerStateNoQueue:
		// Only converge triggers this replica already tracks. Recording
		// every stored trigger would grow the registry without bound, and
		// an untracked trigger already reads as PENDING.
		if !r.registry.Has(id) {
			return
		}
		if _, err := r.registry.Set(id, t.State); err == nil {
			log.Debug().
				Str("trigger_id", id).
				Str("state", string(t.State)).
				Msg("Converged trigger state from store")
		}

	case trigger.TriggerStateDeleting:
		if !r.registry.Has(id) {
			// No poller here will ever drain it; finish the deletion now.
			r.removeDocument(id)
			return
		}
		if _, err := r.registry.Set(id, trigger.TriggerStateDeleting); err != nil {
			return // already deleting locally, the reaper finishes it
		}
		if !r.pollers.PollerRunning(id) {
			r.removeDocument(id)
			r.registry.Remove(id)
		}
	}
}

// applyRemoval reacts to a trigger document disappearing from the store. A
// running poller is flagged DELETING and exits through the reaper; a
// parked entry with no poller is dropped directly.
func (r *Reconciler) applyRemoval(id string) {
	if id == "" || !r.registry.Has(id) {
		return
	}
	if _, err := r.registry.Set(id, trigger.TriggerStateDeleting); err != nil {
		return // already deleting locally
	}
	if r.pollers.PollerRunning(id) {
		log.Info().Str("trigger_id", id).Msg("Trigger deleted on another replica, stopping poller")
		return
	}
	r.registry.Remove(id)
	log.Debug().Str("trigger_id", id).Msg("Dropped registry entry for trigger deleted elsewhere")
}

func (r *Reconciler) removeDocument(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := r.store.Remove(ctx, id); err != nil && !errors.Is(err, trigger.ErrNotFound) {
		log.Error().Str("trigger_id", id).Err(err).Msg("Failed to finalize deletion")
		return
	}
	log.Info().Str("trigger_id", id).Msg("Deletion finalized")
}

// sleep waits d or until the context ends, reporting whether it slept the
// full duration.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
