package action

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.triggerflow.dev/internal/trigger"
)

func newTestActionClient() *Client {
	return NewClient(Config{
		Timeout:     5 * time.Second,
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
	})
}

func writeStatus(w http.ResponseWriter, st trigger.ActionStatus) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func TestRunActiveAction(t *testing.T) {
	var releases int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/run":
			require.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Bearer tok-queue", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var req struct {
				RequestID string         `json:"request_id"`
				Body      map[string]any `json:"body"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "msg-1", req.RequestID)
			assert.Equal(t, map[string]any{"path": "/data/file.h5"}, req.Body)

			writeStatus(w, trigger.ActionStatus{
				Status:    trigger.ActionStatusActive,
				ActionID:  "act-1",
				CreatorID: "user-1",
			})
		default:
			atomic.AddInt32(&releases, 1)
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	st, err := newTestActionClient().Run(context.Background(), srv.URL, "msg-1",
		map[string]any{"path": "/data/file.h5"}, "tok-queue")
	require.NoError(t, err)
	assert.Equal(t, trigger.ActionStatusActive, st.Status)
	assert.Equal(t, "act-1", st.ActionID)
	assert.False(t, st.IsComplete())
	assert.Zero(t, atomic.LoadInt32(&releases))
}

func TestRunTerminalStatusReleasedOnce(t *testing.T) {
	var releases int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/run":
			writeStatus(w, trigger.ActionStatus{
				Status:   trigger.ActionStatusSucceeded,
				ActionID: "act-2",
			})
		case "/act-2/release":
			require.Equal(t, http.MethodPost, r.Method)
			atomic.AddInt32(&releases, 1)
			writeStatus(w, trigger.ActionStatus{
				Status:         trigger.ActionStatusSucceeded,
				ActionID:       "act-2",
				DisplayStatus:  "released",
				CompletionTime: "2024-05-01T00:00:00Z",
			})
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	st, err := newTestActionClient().Run(context.Background(), srv.URL, "msg-2", nil, "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&releases))

	// The release reply replaces the run reply.
	assert.Equal(t, "released", st.DisplayStatus)
	assert.Equal(t, "2024-05-01T00:00:00Z", st.CompletionTime)
}

func TestRunProviderRejectionBecomesFailureStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad action body", http.StatusBadRequest)
	}))
	defer srv.Close()

	st, err := newTestActionClient().Run(context.Background(), srv.URL, "msg-3", nil, "tok")
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "client errors are not retried")
	assert.Equal(t, trigger.ActionStatusFailed, st.Status)
	assert.Equal(t, trigger.LocalFailureActionID, st.ActionID)
	assert.Contains(t, st.Details, "status 400")
	assert.Contains(t, st.Details, "bad action body")
}

func TestStatusPollsOutstandingAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/act-7/status", r.URL.Path)
		writeStatus(w, trigger.ActionStatus{
			Status:   trigger.ActionStatusActive,
			ActionID: "act-7",
		})
	}))
	defer srv.Close()

	st, err := newTestActionClient().Status(context.Background(), srv.URL, "act-7", "tok")
	require.NoError(t, err)
	assert.Equal(t, trigger.ActionStatusActive, st.Status)
}

func TestStatusFailureCarriesPolledID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such action", http.StatusNotFound)
	}))
	defer srv.Close()

	st, err := newTestActionClient().Status(context.Background(), srv.URL, "act-gone", "tok")
	require.NoError(t, err)
	assert.Equal(t, trigger.ActionStatusFailed, st.Status)
	assert.Equal(t, "act-gone", st.ActionID)
	assert.Contains(t, st.Details, "no such action")
}

func TestStatusKeepsTerminalResultWhenReleaseFails(t *testing.T) {
	var releases int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/act-9/status":
			writeStatus(w, trigger.ActionStatus{
				Status:        trigger.ActionStatusFailed,
				ActionID:      "act-9",
				DisplayStatus: "from status poll",
			})
		case "/act-9/release":
			atomic.AddInt32(&releases, 1)
			http.Error(w, "release broken", http.StatusInternalServerError)
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	st, err := newTestActionClient().Status(context.Background(), srv.URL, "act-9", "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&releases), "release is never retried")
	assert.Equal(t, trigger.ActionStatusFailed, st.Status)
	assert.Equal(t, "from status poll", st.DisplayStatus)
}

func TestRunRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		writeStatus(w, trigger.ActionStatus{
			Status:   trigger.ActionStatusActive,
			ActionID: "act-retry",
		})
	}))
	defer srv.Close()

	st, err := newTestActionClient().Run(context.Background(), srv.URL, "msg-4", nil, "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, trigger.ActionStatusActive, st.Status)
}

func TestRunExhaustedRetriesBecomeFailureStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "still down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	st, err := newTestActionClient().Run(context.Background(), srv.URL, "msg-5", nil, "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, trigger.ActionStatusFailed, st.Status)
	assert.Equal(t, trigger.LocalFailureActionID, st.ActionID)
	assert.Contains(t, st.Details, "status 500")
}

func TestRunTransportErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestActionClient().Run(context.Background(), srv.URL, "msg-6", nil, "tok")
	require.Error(t, err)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "dead provider", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{
		Timeout:     5 * time.Second,
		MaxRetries:  1,
		BaseBackoff: time.Millisecond,
	})

	for i := 0; i < breakerMinRequests; i++ {
		st, err := client.Run(context.Background(), srv.URL, "msg", nil, "tok")
		require.NoError(t, err)
		assert.Equal(t, trigger.ActionStatusFailed, st.Status)
	}

	before := atomic.LoadInt32(&calls)
	_, err := client.Run(context.Background(), srv.URL, "msg", nil, "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action provider unavailable")
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open breaker short-circuits")
}

func TestReleaseRejectionIsAnError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "/act-11/release", r.URL.Path)
		http.Error(w, "cannot release", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := newTestActionClient().Release(context.Background(), srv.URL, "act-11", "tok")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "status 409")
}
