package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.triggerflow.dev/internal/cache"
	"go.triggerflow.dev/internal/common/metrics"
)

// ScopeRegistry resolves scope strings to ids and manages the composite
// scopes registered on the service client. Two scopes with the same
// dependent set share one composite scope, so creation is idempotent across
// triggers.
type ScopeRegistry struct {
	client *Client

	idCache cache.Cache
	idTTL   time.Duration

	mu          sync.RWMutex
	owned       map[string]string
	ownedLoaded bool
}

// NewScopeRegistry creates a scope registry. Scope id lookups are memoized
// in idCache for idTTL.
func NewScopeRegistry(client *Client, idCache cache.Cache, idTTL time.Duration) *ScopeRegistry {
	if idCache == nil {
		idCache = cache.NewMemory(100)
	}
	if idTTL <= 0 {
		idTTL = 12 * time.Hour
	}
	return &ScopeRegistry{
		client:  client,
		idCache: idCache,
		idTTL:   idTTL,
		owned:   make(map[string]string),
	}
}

// LookupScopeIDs maps scope strings to their ids, consulting the id cache
// first and batching the misses into a single lookup. Every requested scope
// must resolve; an unregistered scope string is an error.
func (r *ScopeRegistry) LookupScopeIDs(ctx context.Context, scopeStrings []string) (map[string]string, error) {
	ids := make(map[string]string, len(scopeStrings))
	var unknown []string
	for _, s := range scopeStrings {
		if id, ok, err := r.idCache.Get(ctx, s); err == nil && ok {
			metrics.AuthScopeCacheHits.Inc()
			ids[s] = id
			continue
		}
		metrics.AuthScopeCacheMisses.Inc()
		unknown = append(unknown, s)
	}
	if len(unknown) == 0 {
		return ids, nil
	}

	scopes, err := r.client.ScopesByString(ctx, unknown)
	if err != nil {
		return nil, err
	}
	for _, s := range scopes {
		ids[s.ScopeString] = s.ID
		if err := r.idCache.Set(ctx, s.ScopeString, s.ID, r.idTTL); err != nil {
			log.Warn().Err(err).Str("scope", s.ScopeString).Msg("Failed to cache scope id")
		}
	}

	for _, s := range scopeStrings {
		if _, ok := ids[s]; !ok {
			return nil, fmt.Errorf("scope %s is not registered with globus auth", s)
		}
	}
	return ids, nil
}

// GetScopeForDependentSet returns the scope string of a composite scope
// whose dependent scopes are exactly dependentScopes, creating the scope
// when the client does not already own a matching one.
func (r *ScopeRegistry) GetScopeForDependentSet(ctx context.Context, dependentScopes []string) (string, error) {
	if err := r.ensureOwned(ctx); err != nil {
		return "", err
	}

	ids, err := r.LookupScopeIDs(ctx, dependentScopes)
	if err != nil {
		return "", err
	}
	idSet := make([]string, 0, len(ids))
	for _, id := range ids {
		idSet = append(idSet, id)
	}
	key := dependentSetKey(idSet)

	r.mu.RLock()
	existing, ok := r.owned[key]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	name, suffix := scopeNameAndSuffix(dependentScopes)
	scopeString, err := r.client.CreateScope(ctx, name, suffix, idSet)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.owned[key] = scopeString
	r.mu.Unlock()

	log.Info().
		Str("scope", scopeString).
		Strs("dependentScopes", dependentScopes).
		Msg("Created composite scope")
	return scopeString, nil
}

// ensureOwned loads the owned-scope map on first use. A failed load is
// retried on the next call.
func (r *ScopeRegistry) ensureOwned(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.ownedLoaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ownedLoaded {
		return nil
	}

	scopes, err := r.client.OwnedScopes(ctx)
	if err != nil {
		return err
	}
	for _, s := range scopes {
		ids := make([]string, 0, len(s.DependentScopes))
		for _, d := range s.DependentScopes {
			ids = append(ids, d.Scope)
		}
		r.owned[dependentSetKey(ids)] = s.ScopeString
	}
	r.ownedLoaded = true
	return nil
}

// dependentSetKey canonicalizes a set of scope ids. Order must not matter.
func dependentSetKey(ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

var suffixReplacer = strings.NewReplacer("-", "_", "/", "", ":", "", ".", "")

// scopeNameAndSuffix derives a scope name and suffix from the first
// dependent scope string, so recreating the same set yields the same scope.
func scopeNameAndSuffix(dependentScopes []string) (name, suffix string) {
	if len(dependentScopes) == 0 {
		return "For TriggerFlow", "triggerflow"
	}
	first := dependentScopes[0]
	suffix = suffixReplacer.Replace(strings.ToLower(strings.TrimSpace(first)))
	return "TriggerFlow using " + first, suffix
}
