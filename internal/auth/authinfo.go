package auth

import (
	"context"
	"fmt"
	"sync"

	"go.triggerflow.dev/internal/trigger"
)

// Principal values with special meaning to Authorize.
const (
	// PrincipalPublic admits any caller, valid token or not.
	PrincipalPublic = "public"

	// PrincipalAllAuthenticated admits any caller with an active token.
	PrincipalAllAuthenticated = "all_authenticated_users"
)

// AuthInfo is a per-request session around a presented bearer token.
// Introspection and dependent-token exchange each happen at most once per
// session; accessors are safe for concurrent first touch.
type AuthInfo struct {
	client *Client
	token  string

	mu            sync.Mutex
	introspection *Introspection
	dependent     []trigger.Token
	exchanged     bool
}

// NewAuthInfo wraps a bearer token. The token may be empty; every accessor
// except Authorize against a public principal will then fail with
// ErrUnauthorized.
func NewAuthInfo(client *Client, bearerToken string) *AuthInfo {
	return &AuthInfo{client: client, token: bearerToken}
}

// Token returns the raw bearer token.
func (a *AuthInfo) Token() string {
	return a.token
}

// Introspection returns the memoized claims for the bearer token,
// introspecting on first touch. Failures are not memoized.
func (a *AuthInfo) Introspection(ctx context.Context) (*Introspection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.introspection != nil {
		return a.introspection, nil
	}
	intro, err := a.client.Introspect(ctx, a.token)
	if err != nil {
		return nil, err
	}
	a.introspection = intro
	return intro, nil
}

// UserToken returns the presented token in stored form, with its expiration
// taken from introspection.
func (a *AuthInfo) UserToken(ctx context.Context) (trigger.Token, error) {
	intro, err := a.Introspection(ctx)
	if err != nil {
		return trigger.Token{}, err
	}
	return trigger.Token{
		AccessToken:    a.token,
		Scope:          intro.Scope,
		ExpirationTime: intro.Exp,
		TokenType:      intro.TokenType,
	}, nil
}

// DependentTokens exchanges the bearer token for its dependent tokens on
// first touch and refreshes any that are close to expiring on every touch.
func (a *AuthInfo) DependentTokens(ctx context.Context) ([]trigger.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.exchanged {
		deps, err := a.client.DependentTokens(ctx, a.token, true)
		if err != nil {
			return nil, err
		}
		a.dependent = deps
		a.exchanged = true
	}

	for i, t := range a.dependent {
		if t.RequiresRefresh() && t.RefreshToken != "" {
			refreshed, err := a.client.Refresh(ctx, t.RefreshToken)
			if err != nil {
				return nil, err
			}
			a.dependent[i] = refreshed
		}
	}

	out := make([]trigger.Token, len(a.dependent))
	copy(out, a.dependent)
	return out, nil
}

// TokenSet snapshots the user token and its dependent tokens keyed by
// scope, the form persisted on an enabled trigger.
func (a *AuthInfo) TokenSet(ctx context.Context) (trigger.TokenSet, error) {
	user, err := a.UserToken(ctx)
	if err != nil {
		return trigger.TokenSet{}, err
	}
	deps, err := a.DependentTokens(ctx)
	if err != nil {
		return trigger.TokenSet{}, err
	}

	byScope := make(map[string]trigger.Token, len(deps))
	for _, t := range deps {
		byScope[t.Scope] = t
	}
	return trigger.TokenSet{UserToken: user, DependentTokens: byScope}, nil
}

// Authorize checks the bearer token against a required scope and a set of
// required principals. A public principal passes without introspection.
// Otherwise the token must be active, must carry requiredScope when one is
// given, and the caller's identity set must intersect the principals unless
// all authenticated users are admitted.
func (a *AuthInfo) Authorize(ctx context.Context, requiredScope string, requiredPrincipals ...string) error {
	for _, p := range requiredPrincipals {
		if p == PrincipalPublic {
			return nil
		}
	}

	intro, err := a.Introspection(ctx)
	if err != nil {
		return err
	}

	if requiredScope != "" && !intro.HasScope(requiredScope) {
		return fmt.Errorf("%w: token missing required scope %s", ErrUnauthorized, requiredScope)
	}

	principals := make(map[string]bool, len(requiredPrincipals))
	for _, p := range requiredPrincipals {
		if p == PrincipalAllAuthenticated {
			return nil
		}
		principals[p] = true
	}

	for _, id := range intro.IdentitiesSet {
		if principals[id] {
			return nil
		}
	}
	return fmt.Errorf("%w: caller identity not permitted", ErrUnauthorized)
}
