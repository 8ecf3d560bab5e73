// Package client is the Go client for the TriggerFlow HTTP API. It covers
// the full trigger surface: create, lookup, list, enable, disable, event
// injection, and deletion.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.triggerflow.dev/internal/trigger"
)

// DefaultBaseURL is the local development service address.
const DefaultBaseURL = "http://localhost:5001"

// maxResponseBytes bounds how much of an API response is read.
const maxResponseBytes = 1 << 20

// TokenProvider supplies bearer tokens per scope. Most calls use the manage
// triggers scope; Enable authenticates under the trigger's own composite
// scope, so the provider is asked again with that scope.
type TokenProvider interface {
	Token(ctx context.Context, scope string) (string, error)
}

// StaticTokens is a TokenProvider returning the same bearer for every scope.
type StaticTokens string

// Token returns the static bearer.
func (s StaticTokens) Token(context.Context, string) (string, error) {
	return string(s), nil
}

// ScopedTokens is a TokenProvider with one bearer per scope and an optional
// fallback.
type ScopedTokens struct {
	Tokens  map[string]string
	Default string
}

// Token returns the bearer for scope, or the default.
func (s ScopedTokens) Token(_ context.Context, scope string) (string, error) {
	if tok, ok := s.Tokens[scope]; ok {
		return tok, nil
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return "", fmt.Errorf("no token available for scope %s", scope)
}

// APIError is a non-2xx reply from the service.
type APIError struct {
	StatusCode int
	Message    string
	ReqID      string
}

func (e *APIError) Error() string {
	if e.ReqID != "" {
		return fmt.Sprintf("triggerflow api: %d %s (req_id %s)", e.StatusCode, e.Message, e.ReqID)
	}
	return fmt.Sprintf("triggerflow api: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Config configures the client.
type Config struct {
	// BaseURL of the TriggerFlow service
	BaseURL string

	// ManageTriggersScope is the scope tokens are requested under for
	// everything except Enable
	ManageTriggersScope string

	// Tokens supplies bearer tokens
	Tokens TokenProvider

	// Timeout for a single API request
	Timeout time.Duration
}

// Client calls the TriggerFlow API. Safe for concurrent use.
type Client struct {
	baseURL     string
	manageScope string
	tokens      TokenProvider
	http        *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		manageScope: cfg.ManageTriggersScope,
		tokens:      cfg.Tokens,
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

// CreateRequest is the user-supplied part of a trigger. ActionScope may be
// left empty when the action provider publishes its scope.
type CreateRequest struct {
	QueueID       string         `json:"queue_id"`
	ActionURL     string         `json:"action_url"`
	ActionScope   string         `json:"action_scope,omitempty"`
	EventFilter   string         `json:"event_filter"`
	EventTemplate map[string]any `json:"event_template"`
}

// Create registers a new trigger. It comes back PENDING; call Enable to
// start polling.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*trigger.Trigger, error) {
	var t trigger.Trigger
	if err := c.call(ctx, http.MethodPost, "/triggers", c.manageScope, req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Get returns one trigger by id.
func (c *Client) Get(ctx context.Context, triggerID string) (*trigger.Trigger, error) {
	var t trigger.Trigger
	if err := c.call(ctx, http.MethodGet, "/triggers/"+triggerID, c.manageScope, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns the caller's triggers.
func (c *Client) List(ctx context.Context) ([]*trigger.Trigger, error) {
	var ts []*trigger.Trigger
	if err := c.call(ctx, http.MethodGet, "/triggers", c.manageScope, nil, &ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// Enable starts the trigger polling its queue. The call authenticates under
// the trigger's composite scope, which is looked up first unless provided.
func (c *Client) Enable(ctx context.Context, triggerID, scope string) (*trigger.Trigger, error) {
	if scope == "" {
		t, err := c.Get(ctx, triggerID)
		if err != nil {
			return nil, err
		}
		scope = t.GlobusAuthScope
	}

	var t trigger.Trigger
	if err := c.call(ctx, http.MethodPost, "/triggers/"+triggerID+"/enable", scope, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Disable stops the trigger's poller. Outstanding actions are still tracked
// to completion before the poller exits.
func (c *Client) Disable(ctx context.Context, triggerID string) (*trigger.Trigger, error) {
	var t trigger.Trigger
	if err := c.call(ctx, http.MethodPost, "/triggers/"+triggerID+"/disable", c.manageScope, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Delete removes the trigger. A busy trigger finishes winding down first;
// the returned record reports state DELETING.
func (c *Client) Delete(ctx context.Context, triggerID string) (*trigger.Trigger, error) {
	var t trigger.Trigger
	if err := c.call(ctx, http.MethodDelete, "/triggers/"+triggerID, c.manageScope, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Event submits an event directly to an enabled trigger.
func (c *Client) Event(ctx context.Context, triggerID string, body any) error {
	return c.call(ctx, http.MethodPost, "/triggers/"+triggerID+"/event", c.manageScope, body, nil)
}

// call performs one API request, decoding a 2xx reply into out when out is
// non-nil and any other reply into an APIError.
func (c *Client) call(ctx context.Context, method, path, scope string, body, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	tok, err := c.tokens.Token(ctx, scope)
	if err != nil {
		return fmt.Errorf("obtaining token for scope %s: %w", scope, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		var parsed struct {
			Message string `json:"message"`
			ReqID   string `json:"req_id"`
		}
		if jsonErr := json.Unmarshal(respBody, &parsed); jsonErr == nil && parsed.Message != "" {
			apiErr.Message = parsed.Message
			apiErr.ReqID = parsed.ReqID
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
