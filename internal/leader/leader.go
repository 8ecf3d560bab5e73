// Package leader provides Redis lease-based leader election. When multiple
// replicas share a trigger store, only the leader resumes ENABLED triggers
// and runs pollers; the rest serve the API and wait to take over.
//
// The leader holds a Redis key set with NX and a TTL and re-extends it every
// refresh interval. If the leader dies, the lease expires and another
// replica acquires the key.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.triggerflow.dev/internal/common/metrics"
)

// Lock is a lease that at most one replica holds at a time.
type Lock interface {
	// TryAcquire attempts to take the lease. It returns false when another
	// holder is live.
	TryAcquire(ctx context.Context) (bool, error)

	// Refresh extends the lease. It returns false when the lease was lost.
	Refresh(ctx context.Context) (bool, error)

	// Release gives the lease up if this replica still holds it.
	Release(ctx context.Context) error
}

// refreshScript extends the lease only while this holder still owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a Lock implemented as a Redis key with a TTL. The value
// identifies the holder so refresh and release never touch another
// replica's lease.
type RedisLock struct {
	client *redis.Client
	name   string
	id     string
	lease  time.Duration
}

// NewRedisLock creates a lock on the key name with the given lease duration.
func NewRedisLock(client *redis.Client, name string, lease time.Duration) *RedisLock {
	if lease <= 0 {
		lease = 15 * time.Second
	}
	return &RedisLock{
		client: client,
		name:   name,
		id:     uuid.New().String(),
		lease:  lease,
	}
}

// TryAcquire takes the lease with SET NX.
func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.name, l.id, l.lease).Result()
}

// Refresh extends the lease while this replica still holds it.
func (l *RedisLock) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{l.name}, l.id, l.lease.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release deletes the lease while this replica still holds it.
func (l *RedisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.name}, l.id).Err()
}

// OnElected is called when this replica becomes the leader. It starts the
// background work and returns the function that stops it again. An error
// aborts the election; the lease is released and the replica stays a
// follower until a later attempt.
type OnElected func(ctx context.Context) (stop func(), err error)

// Elector runs the election loop: followers retry the lock every refresh
// interval, the leader re-extends the lease on the same cadence. A lease
// that cannot be confirmed demotes the replica immediately, before another
// replica can acquire the expired key.
type Elector struct {
	lock      Lock
	interval  time.Duration
	onElected OnElected

	mu       sync.Mutex
	isLeader bool
	stopFn   func()

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Elector polling the lock every interval.
func New(lock Lock, interval time.Duration, onElected OnElected) *Elector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Elector{
		lock:      lock,
		interval:  interval,
		onElected: onElected,
	}
}

// Start begins the election loop in a background goroutine. The first
// acquisition attempt happens immediately.
func (e *Elector) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)

		e.tick(ctx)

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.relinquish()
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

// Stop cancels the election loop and waits for it to finish. A leader stops
// its background work and releases the lease so another replica takes over
// without waiting out the TTL.
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

// IsLeader reports whether this replica currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

func (e *Elector) tick(ctx context.Context) {
	if e.IsLeader() {
		e.refresh(ctx)
		return
	}
	e.tryAcquire(ctx)
}

func (e *Elector) tryAcquire(ctx context.Context) {
	acquired, err := e.lock.TryAcquire(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Leader lock attempt failed")
		return
	}
	if !acquired {
		return
	}

	stopFn, err := e.onElected(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Election aborted, releasing leader lock")
		e.releaseLock()
		return
	}

	log.Info().Msg("Elected leader")
	metrics.LeaderIsLeader.Set(1)
	metrics.LeaderTransitions.WithLabelValues("elected").Inc()

	e.mu.Lock()
	e.isLeader = true
	e.stopFn = stopFn
	e.mu.Unlock()
}

// refresh extends the lease. Any failure demotes this replica: once the
// lease cannot be confirmed, another replica may already hold it.
func (e *Elector) refresh(ctx context.Context) {
	ok, err := e.lock.Refresh(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Leader lease refresh failed, demoting")
	} else if !ok {
		log.Warn().Msg("Leader lease lost, demoting")
	}
	if err == nil && ok {
		return
	}

	metrics.LeaderTransitions.WithLabelValues("demoted").Inc()
	e.demote()
}

// relinquish is the shutdown path: stop background work, then hand the
// lease back.
func (e *Elector) relinquish() {
	if !e.IsLeader() {
		return
	}
	log.Info().Msg("Relinquishing leadership")
	e.demote()
	e.releaseLock()
}

func (e *Elector) demote() {
	e.mu.Lock()
	stopFn := e.stopFn
	e.stopFn = nil
	e.isLeader = false
	e.mu.Unlock()

	metrics.LeaderIsLeader.Set(0)
	if stopFn != nil {
		stopFn()
	}
}

func (e *Elector) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.lock.Release(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to release leader lock")
	}
}
