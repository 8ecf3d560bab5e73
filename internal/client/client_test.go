package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.triggerflow.dev/internal/trigger"
)

const (
	testManageScope   = "https://auth.example.org/scopes/tf/manage_triggers"
	testTriggerScope  = "https://auth.example.org/scopes/tf/trigger_composite"
	manageBearer      = "manage-tok"
	triggerBearer     = "trigger-tok"
	testErrorResponse = `{"message": "No trigger with id missing found", "req_id": "req-7"}`
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:             srv.URL,
		ManageTriggersScope: testManageScope,
		Tokens: ScopedTokens{
			Tokens: map[string]string{
				testManageScope:  manageBearer,
				testTriggerScope: triggerBearer,
			},
		},
	})
}

func triggerJSON(id string, state trigger.TriggerState) map[string]any {
	return map[string]any{
		"trigger_id":        id,
		"created_by":        "user-1",
		"globus_auth_scope": testTriggerScope,
		"queue_id":          "queue-1",
		"action_url":        "https://actions.example.org/notify",
		"state":             string(state),
	}
}

func TestCreate(t *testing.T) {
	var gotAuth string
	var gotBody CreateRequest

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/triggers", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(triggerJSON("trig-1", trigger.TriggerStatePending))
	})

	created, err := c.Create(context.Background(), CreateRequest{
		QueueID:       "queue-1",
		ActionURL:     "https://actions.example.org/notify",
		EventFilter:   "body.size > 10",
		EventTemplate: map[string]any{"path.=": "body.path"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer "+manageBearer, gotAuth)
	assert.Equal(t, "queue-1", gotBody.QueueID)
	assert.Equal(t, "body.size > 10", gotBody.EventFilter)
	assert.Equal(t, "trig-1", created.TriggerID)
	assert.Equal(t, trigger.TriggerStatePending, created.State)
}

func TestGetNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(testErrorResponse))
	})

	_, err := c.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "No trigger with id missing found", apiErr.Message)
	assert.Equal(t, "req-7", apiErr.ReqID)
}

func TestList(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode([]map[string]any{
			triggerJSON("trig-1", trigger.TriggerStatePending),
			triggerJSON("trig-2", trigger.TriggerStateEnabled),
		})
	})

	ts, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, "trig-1", ts[0].TriggerID)
	assert.Equal(t, trigger.TriggerStateEnabled, ts[1].State)
}

func TestEnableLooksUpTriggerScope(t *testing.T) {
	var enableAuth string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/triggers/trig-1":
			assert.Equal(t, "Bearer "+manageBearer, r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(triggerJSON("trig-1", trigger.TriggerStatePending))
		case r.Method == http.MethodPost && r.URL.Path == "/triggers/trig-1/enable":
			enableAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(triggerJSON("trig-1", trigger.TriggerStateEnabled))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	enabled, err := c.Enable(context.Background(), "trig-1", "")
	require.NoError(t, err)

	// Enable authenticates under the trigger's composite scope.
	assert.Equal(t, "Bearer "+triggerBearer, enableAuth)
	assert.Equal(t, trigger.TriggerStateEnabled, enabled.State)
}

func TestEnableWithExplicitScopeSkipsLookup(t *testing.T) {
	var requests int

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		require.Equal(t, "/triggers/trig-1/enable", r.URL.Path)
		json.NewEncoder(w).Encode(triggerJSON("trig-1", trigger.TriggerStateEnabled))
	})

	_, err := c.Enable(context.Background(), "trig-1", testTriggerScope)
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
}

func TestDisable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/triggers/trig-1/disable", r.URL.Path)
		json.NewEncoder(w).Encode(triggerJSON("trig-1", trigger.TriggerStatePending))
	})

	disabled, err := c.Disable(context.Background(), "trig-1")
	require.NoError(t, err)
	assert.Equal(t, trigger.TriggerStatePending, disabled.State)
}

func TestDelete(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/triggers/trig-1", r.URL.Path)
		json.NewEncoder(w).Encode(triggerJSON("trig-1", trigger.TriggerStateDeleting))
	})

	removed, err := c.Delete(context.Background(), "trig-1")
	require.NoError(t, err)
	assert.Equal(t, trigger.TriggerStateDeleting, removed.State)
}

func TestEvent(t *testing.T) {
	var gotBody map[string]any

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/triggers/trig-1/event", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("{}"))
	})

	err := c.Event(context.Background(), "trig-1", map[string]any{"size": 42})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"size": float64(42)}, gotBody)
}

func TestEventConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"message": "Cannot send event to trigger in state PENDING",
			"req_id":  "req-9",
		})
	})

	err := c.Event(context.Background(), "trig-1", map[string]any{"size": 42})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.False(t, IsNotFound(err))
}

func TestNonJSONErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	})

	_, err := c.Get(context.Background(), "trig-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}

func TestScopedTokensMissingScope(t *testing.T) {
	c := New(Config{
		BaseURL:             "http://localhost:1",
		ManageTriggersScope: "https://auth.example.org/scopes/unknown",
		Tokens:              ScopedTokens{Tokens: map[string]string{}},
	})

	_, err := c.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token available")
}
