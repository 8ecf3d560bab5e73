// Package cache provides a small TTL cache used for memoizing Globus Auth
// lookups. Deployments with Redis share entries across replicas; otherwise a
// bounded in-memory cache is used.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores string values under string keys with per-entry TTLs.
type Cache interface {
	// Get returns the value for key and whether it was present and live.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key. A zero ttl means the entry does not
	// expire.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key if present.
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	value     string
	storedAt  time.Time
	expiresAt time.Time
}

// Memory is a bounded in-memory Cache. When full, the oldest entry is
// evicted to make room.
type Memory struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]memoryEntry
}

// NewMemory creates an in-memory cache holding at most maxEntries values.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &Memory{
		maxEntries: maxEntries,
		entries:    make(map[string]memoryEntry),
	}
}

// Get returns the live value for key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores value under key, evicting the oldest entry when full.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		var oldestKey string
		var oldestTime time.Time
		for k, e := range m.entries {
			if oldestKey == "" || e.storedAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = e.storedAt
			}
		}
		if oldestKey != "" {
			delete(m.entries, oldestKey)
		}
	}

	e := memoryEntry{value: value, storedAt: time.Now()}
	if ttl > 0 {
		e.expiresAt = e.storedAt.Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Redis is a Cache backed by a Redis instance shared between replicas.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis cache. All keys are stored under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Get returns the live value for key.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores value under key with the given ttl.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
