// Package action calls action providers: run an action, poll its status,
// and release its state once it completes. Provider failures come back as
// synthetic FAILED statuses so pollers can record them like any other
// action result; transport failures come back as errors.
package action

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
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"go.triggerflow.dev/internal/common/metrics"
	"go.triggerflow.dev/internal/trigger"
)

// Operation names used in logs and metric labels.
const (
	opRun     = "run"
	opStatus  = "status"
	opRelease = "release"
)

// Breaker trip thresholds. The breaker is per action URL; a provider that
// fails most of a handful of requests stops receiving traffic until the
// breaker half-opens.
const (
	breakerMinRequests = 5
	breakerTripRatio   = 0.6
)

// Config configures the action client.
type Config struct {
	// Timeout for a single request to an action provider
	Timeout time.Duration

	// MaxRetries bounds attempts for run and status requests. Run stays
	// idempotent across retries because the provider deduplicates on
	// request_id.
	MaxRetries int

	// BaseBackoff between attempts, multiplied by the attempt number
	BaseBackoff time.Duration

	// BreakerMaxRequests allowed through a half-open breaker
	BreakerMaxRequests uint32

	// BreakerInterval is the breaker's counting window
	BreakerInterval time.Duration

	// BreakerTimeout is how long an open breaker waits before half-opening
	BreakerTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:            30 * time.Second,
		MaxRetries:         2,
		BaseBackoff:        time.Second,
		BreakerMaxRequests: 3,
		BreakerInterval:    60 * time.Second,
		BreakerTimeout:     30 * time.Second,
	}
}

// Client invokes action providers over HTTP. One circuit breaker is kept
// per action URL so a broken provider cannot starve pollers of other
// triggers. Safe for concurrent use.
type Client struct {
	http        *http.Client
	maxRetries  int
	baseBackoff time.Duration

	breakerMaxRequests uint32
	breakerInterval    time.Duration
	breakerTimeout     time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates an action client.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = def.BreakerMaxRequests
	}
	if cfg.BreakerInterval <= 0 {
		cfg.BreakerInterval = def.BreakerInterval
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	return &Client{
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
		maxRetries:         cfg.MaxRetries,
		baseBackoff:        cfg.BaseBackoff,
		breakerMaxRequests: cfg.BreakerMaxRequests,
		breakerInterval:    cfg.BreakerInterval,
		breakerTimeout:     cfg.BreakerTimeout,
		breakers:           make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Run starts an action. The request body is
// {"request_id": requestID, "body": body}; requestID is the queue message
// id, which the provider uses to deduplicate retried runs.
//
// A 2xx response parses into the returned status; if that status is already
// terminal the action is released immediately and a successful release body
// replaces it. Any other response becomes a synthetic FAILED status with
// action_id trigger_action_failure. Transport failures and an open breaker
// return an error.
func (c *Client) Run(ctx context.Context, actionURL, requestID string, body map[string]any, bearer string) (trigger.ActionStatus, error) {
	payload, err := json.Marshal(map[string]any{
		"request_id": requestID,
		"body":       body,
	})
	if err != nil {
		return trigger.ActionStatus{}, fmt.Errorf("encoding run request: %w", err)
	}

	res, err := c.execute(ctx, opRun, http.MethodPost, actionURL, runURL(actionURL), bearer, payload)
	if err != nil {
		return trigger.ActionStatus{}, err
	}
	return c.handleStatusReply(ctx, opRun, actionURL, trigger.LocalFailureActionID, bearer, res), nil
}

// Status polls one outstanding action. A 2xx response parses into the
// returned status; a terminal status is released immediately, a successful
// release body replacing it. Any other response becomes a synthetic FAILED
// status carrying the polled action id. Transport failures and an open
// breaker return an error.
func (c *Client) Status(ctx context.Context, actionURL, actionID, bearer string) (trigger.ActionStatus, error) {
	res, err := c.execute(ctx, opStatus, http.MethodGet, actionURL, statusURL(actionURL, actionID), bearer, nil)
	if err != nil {
		return trigger.ActionStatus{}, err
	}
	return c.handleStatusReply(ctx, opStatus, actionURL, actionID, bearer, res), nil
}

// Release tells the provider to drop its state for a completed action. The
// request is never retried. A 2xx response parses into the returned status;
// everything else is an error, which callers log without disturbing the
// terminal status they already hold.
func (c *Client) Release(ctx context.Context, actionURL, actionID, bearer string) (trigger.ActionStatus, error) {
	res, err := c.executeOnce(ctx, opRelease, http.MethodPost, releaseURL(actionURL, actionID), bearer, nil)
	if err != nil {
		metrics.ActionRequests.WithLabelValues(opRelease, "error").Inc()
		return trigger.ActionStatus{}, err
	}
	if res.statusCode < 200 || res.statusCode >= 300 {
		metrics.ActionRequests.WithLabelValues(opRelease, "error").Inc()
		return trigger.ActionStatus{}, fmt.Errorf("status %d from action provider: %s", res.statusCode, string(res.body))
	}

	var st trigger.ActionStatus
	if err := json.Unmarshal(res.body, &st); err != nil {
		metrics.ActionRequests.WithLabelValues(opRelease, "error").Inc()
		return trigger.ActionStatus{}, fmt.Errorf("parsing release response: %w", err)
	}
	metrics.ActionRequests.WithLabelValues(opRelease, "success").Inc()
	return st, nil
}

// handleStatusReply turns an action provider reply into an ActionStatus.
// failureID names the synthetic status when the reply is unusable. Terminal
// statuses are released before being returned.
func (c *Client) handleStatusReply(ctx context.Context, operation, actionURL, failureID, bearer string, res *reply) trigger.ActionStatus {
	if res.statusCode < 200 || res.statusCode >= 300 {
		metrics.ActionRequests.WithLabelValues(operation, "error").Inc()
		msg := fmt.Sprintf("status %d from action provider: %s", res.statusCode, string(res.body))
		return trigger.NewFailureStatus(failureID, msg)
	}

	var st trigger.ActionStatus
	if err := json.Unmarshal(res.body, &st); err != nil {
		metrics.ActionRequests.WithLabelValues(operation, "error").Inc()
		return trigger.NewFailureStatus(failureID, fmt.Sprintf("parsing action status: %s", err))
	}
	metrics.ActionRequests.WithLabelValues(operation, "success").Inc()

	if st.IsComplete() && st.ActionID != "" {
		released, err := c.Release(ctx, actionURL, st.ActionID, bearer)
		if err != nil {
			log.Warn().
				Err(err).
				Str("action_id", st.ActionID).
				Str("action_url", actionURL).
				Msg("Release of completed action failed")
			return st
		}
		return released
	}
	return st
}

// statusError carries a retries-exhausted 5xx reply through the circuit
// breaker as a failure.
type statusError struct {
	res *reply
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d from action provider", e.res.statusCode)
}

// reply is one HTTP response from an action provider.
type reply struct {
	statusCode int
	body       []byte
}

// execute runs one provider request through the action URL's circuit
// breaker with bounded retry. 5xx replies and transport errors are retried
// with linear backoff and count against the breaker when retries run out;
// other replies return as-is.
func (c *Client) execute(ctx context.Context, operation, method, actionURL, url, bearer string, payload []byte) (*reply, error) {
	v, err := c.breaker(actionURL).Execute(func() (any, error) {
		return c.executeWithRetry(ctx, operation, method, url, bearer, payload)
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return se.res, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn().
				Str("operation", operation).
				Str("action_url", actionURL).
				Msg("Circuit breaker open")
			metrics.ActionRequests.WithLabelValues(operation, "breaker_open").Inc()
			return nil, fmt.Errorf("action provider unavailable: %w", err)
		}
		metrics.ActionRequests.WithLabelValues(operation, "error").Inc()
		return nil, err
	}
	return v.(*reply), nil
}

func (c *Client) executeWithRetry(ctx context.Context, operation, method, url, bearer string, payload []byte) (*reply, error) {
	var lastRes *reply
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		res, err := c.executeOnce(ctx, operation, method, url, bearer, payload)
		if err == nil && res.statusCode < 500 {
			return res, nil
		}
		lastRes, lastErr = res, err

		if attempt < c.maxRetries {
			backoff := time.Duration(attempt) * c.baseBackoff
			log.Debug().
				Str("operation", operation).
				Str("url", url).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying action request after backoff")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	// Repeated 5xx: hand the reply back through the breaker as a failure.
	return nil, &statusError{res: lastRes}
}

func (c *Client) executeOnce(ctx context.Context, operation, method, url, bearer string, payload []byte) (*reply, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ActionHTTPDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%s request to action provider: %w", operation, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &reply{statusCode: resp.StatusCode, body: respBody}, nil
}

// breaker returns the circuit breaker for one action URL, creating it on
// first use.
func (c *Client) breaker(actionURL string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[actionURL]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        actionURL,
		MaxRequests: c.breakerMaxRequests,
		Interval:    c.breakerInterval,
		Timeout:     c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerTripRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().
				Str("target", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Action circuit breaker state changed")

			var state float64
			switch to {
			case gobreaker.StateClosed:
				state = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				state = float64(metrics.CircuitBreakerOpen)
				metrics.ActionCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				state = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.ActionCircuitBreakerState.WithLabelValues(name).Set(state)
		},
	})
	c.breakers[actionURL] = cb
	return cb
}

func runURL(actionURL string) string {
	return strings.TrimSuffix(actionURL, "/") + "/run"
}

func statusURL(actionURL, actionID string) string {
	return strings.TrimSuffix(actionURL, "/") + "/" + actionID + "/status"
}

func releaseURL(actionURL, actionID string) string {
	return strings.TrimSuffix(actionURL, "/") + "/" + actionID + "/release"
}
