package queues

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go.triggerflow.dev/internal/common/metrics"
)

const globusMaxResponseBytes = 64 * 1024

// GlobusConfig configures the Globus Queues REST client.
type GlobusConfig struct {
	// BaseURL is the Queues API root, without a trailing slash.
	BaseURL string
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// RateLimit caps requests per second across all pollers sharing the
	// source. RateBurst is the burst allowance.
	RateLimit float64
	RateBurst int
}

// GlobusSource reads queues hosted by the Globus Queues service. One instance
// is shared by every poller; the rate limiter keeps the process as a whole
// inside the API's request budget.
type GlobusSource struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewGlobusSource creates a Globus Queues source. Zero config fields get
// production defaults.
func NewGlobusSource(cfg GlobusConfig) *GlobusSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://queues.api.globus.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	return &GlobusSource{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
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
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

type globusReceipt struct {
	ReceiptHandle string `json:"receipt_handle"`
}

// Receive reads up to maxMessages messages from the queue.
func (s *GlobusSource) Receive(ctx context.Context, queueID string, maxMessages int, authToken string) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 10
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v1/queues/%s/messages?max_messages=%d", s.baseURL, queueID, maxMessages)
	raw, err := s.do(ctx, http.MethodGet, u, nil, authToken)
	if err != nil {
		metrics.QueueReceiveErrors.WithLabelValues(BackendGlobus).Inc()
		return nil, fmt.Errorf("receive from queue %s: %w", queueID, err)
	}

	var envelope struct {
		Data []Message `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		metrics.QueueReceiveErrors.WithLabelValues(BackendGlobus).Inc()
		return nil, fmt.Errorf("receive from queue %s: decoding reply: %w", queueID, err)
	}

	metrics.QueueMessagesReceived.WithLabelValues(BackendGlobus).Add(float64(len(envelope.Data)))
	if len(envelope.Data) > 0 {
		log.Debug().
			Str("queueID", queueID).
			Int("count", len(envelope.Data)).
			Msg("Received queue messages")
	}
	return envelope.Data, nil
}

// Delete acknowledges one message by its receipt handle.
func (s *GlobusSource) Delete(ctx context.Context, queueID, receiptHandle, authToken string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(struct {
		Data []globusReceipt `json:"data"`
	}{Data: []globusReceipt{{ReceiptHandle: receiptHandle}}})
	if err != nil {
		return fmt.Errorf("delete from queue %s: %w", queueID, err)
	}

	u := fmt.Sprintf("%s/v1/queues/%s/messages", s.baseURL, queueID)
	if _, err := s.do(ctx, http.MethodDelete, u, body, authToken); err != nil {
		metrics.QueueDeleteErrors.WithLabelValues(BackendGlobus).Inc()
		return fmt.Errorf("delete from queue %s: %w", queueID, err)
	}

	metrics.QueueMessagesDeleted.WithLabelValues(BackendGlobus).Inc()
	return nil
}

// CheckQueueAccessible verifies the queue exists and the token can read it.
func (s *GlobusSource) CheckQueueAccessible(ctx context.Context, queueID, authToken string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	u := fmt.Sprintf("%s/v1/queues/%s", s.baseURL, queueID)
	if _, err := s.do(ctx, http.MethodGet, u, nil, authToken); err != nil {
		return fmt.Errorf("queue %s is not accessible: %w", queueID, err)
	}
	return nil
}

// CheckConnectivity verifies the Queues API is reachable. Any HTTP reply
// proves reachability; an auth failure is still connectivity.
func (s *GlobusSource) CheckConnectivity(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/queues", nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("globus queues not reachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, globusMaxResponseBytes))
	return nil
}

// do runs one request and returns the response body. Non-2xx replies become
// errors carrying the status code and the upstream body text, which ends up
// verbatim in synthetic failure statuses.
func (s *GlobusSource) do(ctx context.Context, method, url string, body []byte, authToken string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, globusMaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
