// Package auth is the Globus Auth client: token introspection, dependent
// token exchange, refresh grants, and scope management for trigger-specific
// composite scopes.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"go.triggerflow.dev/internal/common/metrics"
	"go.triggerflow.dev/internal/trigger"
)

// ErrUnauthorized indicates a missing, expired, or insufficient bearer
// token. API handlers map it to a 401 response.
var ErrUnauthorized = errors.New("unauthorized")

const (
	pathTypeAPI    = "api"
	pathTypeOAuth2 = "oauth2"
)

// Config configures the Globus Auth client.
type Config struct {
	// BaseURL of the Globus Auth API
	BaseURL string

	// ClientID and ClientSecret authenticate the service via HTTP Basic
	ClientID     string
	ClientSecret string

	// AlternativeClientID is a second client identity that introspection
	// is retried under when the primary reports the token inactive. The
	// secret falls back to ClientSecret when empty.
	AlternativeClientID     string
	AlternativeClientSecret string

	// Timeout for requests to Globus Auth
	Timeout time.Duration
}

// Client calls the Globus Auth API using the service client credentials.
type Client struct {
	baseURL                 string
	clientID                string
	clientSecret            string
	alternativeClientID     string
	alternativeClientSecret string
	http                    *http.Client
}

// NewClient creates a Globus Auth client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://auth.globus.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	altSecret := cfg.AlternativeClientSecret
	if altSecret == "" {
		altSecret = cfg.ClientSecret
	}

	return &Client{
		baseURL:                 strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:                cfg.ClientID,
		clientSecret:            cfg.ClientSecret,
		alternativeClientID:     cfg.AlternativeClientID,
		alternativeClientSecret: altSecret,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}
}

// Introspection is the identity service's view of a bearer token.
type Introspection struct {
	Active        bool     `json:"active"`
	Scope         string   `json:"scope"`
	ClientID      string   `json:"client_id"`
	Sub           string   `json:"sub"`
	Username      string   `json:"username"`
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	Exp           int64    `json:"exp"`
	Iat           int64    `json:"iat"`
	TokenType     string   `json:"token_type"`
	IdentitiesSet []string `json:"identities_set"`
}

// HasScope reports whether the token was issued for scope. The scope claim
// is a space-separated list.
func (i *Introspection) HasScope(scope string) bool {
	for _, s := range strings.Fields(i.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// Scope describes a scope registered with Globus Auth.
type Scope struct {
	ID              string           `json:"id"`
	ScopeString     string           `json:"scope_string"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	DependentScopes []DependentScope `json:"dependent_scopes"`
}

// DependentScope is a scope granted alongside its parent composite scope.
// Scope holds the dependent scope's id, not its string form.
type DependentScope struct {
	Scope                string `json:"scope"`
	Optional             bool   `json:"optional"`
	RequiresRefreshToken bool   `json:"requires_refresh_token"`
}

// tokenReply is the token grant wire format. expires_in is relative; stored
// tokens carry an absolute expiration.
type tokenReply struct {
	AccessToken    string `json:"access_token"`
	Scope          string `json:"scope"`
	ResourceServer string `json:"resource_server"`
	ExpiresIn      int64  `json:"expires_in"`
	RefreshToken   string `json:"refresh_token"`
	TokenType      string `json:"token_type"`
}

func (r tokenReply) token() trigger.Token {
	return trigger.Token{
		AccessToken:    r.AccessToken,
		Scope:          r.Scope,
		RefreshToken:   r.RefreshToken,
		ExpirationTime: time.Now().Unix() + r.ExpiresIn,
		ResourceServer: r.ResourceServer,
		TokenType:      r.TokenType,
	}
}

// Introspect validates a bearer token and returns its claims. An inactive
// token is retried once under the alternative client identity, since tokens
// issued to that client are not visible to the primary one.
func (c *Client) Introspect(ctx context.Context, token string) (*Introspection, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("include", "identities_set")

	req := authRequest{
		method:   http.MethodPost,
		pathType: pathTypeOAuth2,
		path:     "/token/introspect",
		form:     form,
	}

	var intro Introspection
	if err := c.do(ctx, req, &intro); err != nil {
		metrics.AuthIntrospections.WithLabelValues("error").Inc()
		return nil, err
	}

	if !intro.Active && c.alternativeClientID != "" {
		req.clientID = c.alternativeClientID
		req.clientSecret = c.alternativeClientSecret
		intro = Introspection{}
		if err := c.do(ctx, req, &intro); err != nil {
			metrics.AuthIntrospections.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	if !intro.Active {
		metrics.AuthIntrospections.WithLabelValues("inactive").Inc()
		return nil, fmt.Errorf("%w: expired or invalid bearer token", ErrUnauthorized)
	}

	metrics.AuthIntrospections.WithLabelValues("active").Inc()
	return &intro, nil
}

// DependentTokens exchanges a user token for the tokens of the scopes the
// presented token depends on. Offline access requests refresh tokens so the
// grants outlive the user's session.
func (c *Client) DependentTokens(ctx context.Context, token string, offlineAccess bool) ([]trigger.Token, error) {
	accessType := "online"
	if offlineAccess {
		accessType = "offline"
	}

	form := url.Values{}
	form.Set("grant_type", "urn:globus:auth:grant_type:dependent_token")
	form.Set("token", token)
	form.Set("access_type", accessType)

	var replies []tokenReply
	err := c.do(ctx, authRequest{
		method:   http.MethodPost,
		pathType: pathTypeOAuth2,
		path:     "/token",
		form:     form,
	}, &replies)
	if err != nil {
		return nil, err
	}
	metrics.AuthDependentGrants.Inc()

	tokens := make([]trigger.Token, len(replies))
	for i, r := range replies {
		tokens[i] = r.token()
	}
	return tokens, nil
}

// Refresh exchanges a refresh token for a fresh access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (trigger.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	var reply tokenReply
	err := c.do(ctx, authRequest{
		method:   http.MethodPost,
		pathType: pathTypeOAuth2,
		path:     "/token",
		form:     form,
	}, &reply)
	if err != nil {
		metrics.AuthTokenRefreshes.WithLabelValues("error").Inc()
		return trigger.Token{}, err
	}
	metrics.AuthTokenRefreshes.WithLabelValues("success").Inc()

	tok := reply.token()
	if tok.RefreshToken == "" {
		// Globus Auth omits the refresh token from refresh replies.
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// OwnedScopes lists the scopes registered to the service client.
func (c *Client) OwnedScopes(ctx context.Context) ([]Scope, error) {
	var reply struct {
		Scopes []Scope `json:"scopes"`
	}
	err := c.do(ctx, authRequest{
		method:   http.MethodGet,
		pathType: pathTypeAPI,
		path:     "/scopes",
	}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Scopes, nil
}

// ScopesByString looks up scopes by their string form.
func (c *Client) ScopesByString(ctx context.Context, scopeStrings []string) ([]Scope, error) {
	q := url.Values{}
	q.Set("scope_strings", strings.Join(scopeStrings, ","))

	var reply struct {
		Scopes []Scope `json:"scopes"`
	}
	err := c.do(ctx, authRequest{
		method:   http.MethodGet,
		pathType: pathTypeAPI,
		path:     "/scopes?" + q.Encode(),
	}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Scopes, nil
}

// CreateScope registers a composite scope on the service client whose
// dependent scopes are the given ids, and returns the new scope string.
func (c *Client) CreateScope(ctx context.Context, name, suffix string, dependentScopeIDs []string) (string, error) {
	deps := make([]DependentScope, len(dependentScopeIDs))
	for i, id := range dependentScopeIDs {
		deps[i] = DependentScope{Scope: id, Optional: false, RequiresRefreshToken: true}
	}

	body := map[string]any{
		"scope": map[string]any{
			"name":             name,
			"description":      "Run " + name,
			"scope_suffix":     suffix,
			"dependent_scopes": deps,
		},
	}

	var reply struct {
		Scopes []Scope `json:"scopes"`
	}
	err := c.do(ctx, authRequest{
		method:   http.MethodPost,
		pathType: pathTypeAPI,
		path:     "/clients/" + c.clientID + "/scopes",
		body:     body,
	}, &reply)
	if err != nil {
		return "", err
	}

	if len(reply.Scopes) == 0 || reply.Scopes[0].ScopeString == "" {
		return "", fmt.Errorf("scope creation reply missing scope_string")
	}
	return reply.Scopes[0].ScopeString, nil
}

// authRequest describes one call against the Globus Auth API. Exactly one
// of form and body may be set.
type authRequest struct {
	method   string
	pathType string
	path     string
	form     url.Values
	body     any

	// clientID/clientSecret override the primary credentials
	clientID     string
	clientSecret string
}

func (c *Client) do(ctx context.Context, ar authRequest, out any) error {
	path := ar.path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	endpoint := c.baseURL + "/v2/" + ar.pathType + path

	var reqBody io.Reader
	contentType := ""
	switch {
	case ar.form != nil:
		reqBody = strings.NewReader(ar.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case ar.body != nil:
		data, err := json.Marshal(ar.body)
		if err != nil {
			return fmt.Errorf("failed to encode globus auth request: %w", err)
		}
		reqBody = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, ar.method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create globus auth request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	clientID, clientSecret := c.clientID, c.clientSecret
	if ar.clientID != "" {
		clientID, clientSecret = ar.clientID, ar.clientSecret
	}
	req.SetBasicAuth(clientID, clientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to communicate with globus auth: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	log.Debug().
		Str("method", ar.method).
		Str("path", ar.pathType+path).
		Int("statusCode", resp.StatusCode).
		Msg("Globus Auth request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().
			Str("method", ar.method).
			Str("url", endpoint).
			Int("statusCode", resp.StatusCode).
			Str("body", string(respBody)).
			Msg("Globus Auth request failed")
		return fmt.Errorf("failed to communicate with globus auth: %s %s returned %d: %s",
			ar.method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse globus auth response for %s %s: %w", ar.method, path, err)
		}
	}
	return nil
}
