package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.triggerflow.dev/internal/auth"
	"go.triggerflow.dev/internal/poller"
	"go.triggerflow.dev/internal/queues"
	"go.triggerflow.dev/internal/trigger"
)

const (
	apiManageScope    = "https://auth.example.org/scopes/tf/manage_triggers"
	apiReceiveScope   = "https://auth.example.org/scopes/queues/receive"
	apiActionScope    = "https://auth.example.org/scopes/actions/notify"
	apiCompositeScope = "https://auth.example.org/scopes/tf/trigger_composite"
)

// fakeAPIStore is an in-memory TriggerStore.
type fakeAPIStore struct {
	mu      sync.Mutex
	items   map[string]*trigger.Trigger
	saves   int
	removed []string
}

func newFakeAPIStore() *fakeAPIStore {
	return &fakeAPIStore{items: make(map[string]*trigger.Trigger)}
}

func (f *fakeAPIStore) Insert(_ context.Context, t *trigger.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[t.TriggerID] = t.Clone()
	return nil
}

func (f *fakeAPIStore) FindByID(_ context.Context, id string) (*trigger.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.items[id]
	if !ok {
		return nil, trigger.ErrNotFound
	}
	return t.Clone(), nil
}

func (f *fakeAPIStore) ListByCreator(_ context.Context, createdBy string) ([]*trigger.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*trigger.Trigger
	for _, t := range f.items {
		if t.CreatedBy == createdBy {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerID < out[j].TriggerID })
	return out, nil
}

func (f *fakeAPIStore) Save(_ context.Context, t *trigger.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.items[t.TriggerID] = t.Clone()
	return nil
}

func (f *fakeAPIStore) Remove(_ context.Context, id string) (*trigger.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	t, ok := f.items[id]
	if !ok {
		return nil, trigger.ErrNotFound
	}
	delete(f.items, id)
	return t, nil
}

func (f *fakeAPIStore) get(id string) *trigger.Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.items[id]; ok {
		return t.Clone()
	}
	return nil
}

func (f *fakeAPIStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// fakePollers is an in-memory PollerManager.
type fakePollers struct {
	mu      sync.Mutex
	started []string
	running map[string]bool
	stats   poller.ReaperStats
}

func newFakePollers() *fakePollers {
	return &fakePollers{running: make(map[string]bool)}
}

func (f *fakePollers) StartPoller(t *trigger.Trigger) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[t.TriggerID] {
		return false
	}
	f.running[t.TriggerID] = true
	f.started = append(f.started, t.TriggerID)
	return true
}

func (f *fakePollers) RunningPollers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakePollers) ReaperStats() poller.ReaperStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakePollers) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// fakeScopes is a ScopeSource returning a fixed composite scope.
type fakeScopes struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeScopes) GetScopeForDependentSet(_ context.Context, dependentScopes []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), dependentScopes...))
	if f.err != nil {
		return "", f.err
	}
	return apiCompositeScope, nil
}

// fakeQSource is a queues.Source for accessibility checks only.
type fakeQSource struct {
	mu        sync.Mutex
	accessErr error
	checked   []string
}

func (f *fakeQSource) Receive(context.Context, string, int, string) ([]queues.Message, error) {
	return nil, nil
}

func (f *fakeQSource) Delete(context.Context, string, string, string) error { return nil }

func (f *fakeQSource) CheckQueueAccessible(_ context.Context, queueID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, queueID)
	return f.accessErr
}

func (f *fakeQSource) CheckConnectivity(context.Context) error { return nil }

// newIdentityServer fakes the identity service: every token introspects as
// user-1 with the given scope string, and dependent grants yield a queue
// token and an action token.
func newIdentityServer(t *testing.T, scope string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/oauth2/token/introspect":
			json.NewEncoder(w).Encode(map[string]any{
				"active":         true,
				"sub":            "user-1",
				"username":       "user@example.org",
				"scope":          scope,
				"exp":            time.Now().Unix() + 3600,
				"identities_set": []string{"user-1"},
				"token_type":     "Bearer",
			})
		case "/v2/oauth2/token":
			if err := r.ParseForm(); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			switch r.PostForm.Get("grant_type") {
			case "urn:globus:auth:grant_type:dependent_token":
				json.NewEncoder(w).Encode([]map[string]any{
					{"access_token": "queue-tok", "scope": apiReceiveScope, "expires_in": 3600, "refresh_token": "rt-queue"},
					{"access_token": "action-tok", "scope": apiActionScope, "expires_in": 3600, "refresh_token": "rt-action"},
				})
			case "refresh_token":
				json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh-tok", "expires_in": 3600})
			default:
				t.Errorf("unexpected grant_type %q", r.PostForm.Get("grant_type"))
				w.WriteHeader(http.StatusBadRequest)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type apiFixture struct {
	store    *fakeAPIStore
	registry *poller.Registry
	pollers  *fakePollers
	scopes   *fakeScopes
	source   *fakeQSource
	srv      *httptest.Server
}

func newAPIFixture(t *testing.T, introspectScope string) *apiFixture {
	identity := newIdentityServer(t, introspectScope)
	authClient := auth.NewClient(auth.Config{
		BaseURL:      identity.URL,
		ClientID:     "svc-client",
		ClientSecret: "svc-secret",
	})

	f := &apiFixture{
		store:    newFakeAPIStore(),
		registry: poller.NewRegistry(),
		pollers:  newFakePollers(),
		scopes:   &fakeScopes{},
		source:   &fakeQSource{},
	}

	h := NewTriggerHandler(Config{
		ManageTriggersScope: apiManageScope,
		QueuesReceiveScope:  apiReceiveScope,
		DiscoveryTimeout:    2 * time.Second,
	}, f.store, f.registry, f.pollers, f.scopes, f.source)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(auth.Middleware(authClient))
	r.Mount("/triggers", h.Routes())

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer user-token")
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func createRequestBody() map[string]any {
	return map[string]any{
		"queue_id":       "queue-1",
		"action_url":     "https://actions.example.org/notify",
		"action_scope":   apiActionScope,
		"event_filter":   "body.size > 10",
		"event_template": map[string]any{"path.=": "body.path"},
	}
}

func seedTrigger(f *apiFixture, id string, state trigger.TriggerState) *trigger.Trigger {
	t := &trigger.Trigger{
		TriggerID:       id,
		CreatedBy:       "user-1",
		GlobusAuthScope: apiCompositeScope,
		QueueID:         "queue-1",
		ActionURL:       "https://actions.example.org/notify",
		ActionScope:     apiActionScope,
		EventFilter:     "body.size > 10",
		EventTemplate:   map[string]any{"path.=": "body.path"},
		State:           state,
	}
	f.store.mu.Lock()
	f.store.items[id] = t
	f.store.mu.Unlock()
	return t
}

func TestCreateTrigger(t *testing.T) {
	f := newAPIFixture(t, apiManageScope)

	res := f.do(t, http.MethodPost, "/triggers", createRequestBody())
	require.Equal(t, http.StatusCreated, res.StatusCode)

	body := decodeBody(t, res)
	id, _ := body["trigger_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "user-1", body["created_by"])
	assert.Equal(t, apiCompositeScope, body["globus_auth_scope"])
	assert.Equal(t, string(trigger.TriggerStatePending), body["state"])

	// The token snapshot and retained history never leave the service.
	assert.NotContains(t, body, "token_set")
	assert.NotContains(t, body, "all_action_status")

	stored := f.store.get(id)
	require.NotNil(t, stored)
	assert.Equal(t, trigger.TriggerStatePending, stored.State)
	assert.Equal(t, "queue-tok", stored.TokenSet.DependentTokens[apiReceiveScope].AccessToken)

	f.scopes.mu.Lock()
	calls := f.scopes.calls
	f.scopes.mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{apiActionScope, apiReceiveScope}, calls[0])
}

func TestCreateDiscoversActionScope(t *testing.T) {
	f := newAPIFixture(t, apiManageScope)

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"title":             "notifier",
			"globus_auth_scope": apiActionScope,
		})
	}))
	t.Cleanup(provider.Close)

	body := createRequestBody()
	delete(body, "action_scope")
	body["action_url"] = provider.URL

	res := f.do(t, http.MethodPost, "/triggers", body)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	created := decodeBody(t, res)
	assert.Equal(t, apiActionScope, created["action_scope"])
}

func TestCreateActionScopeUndiscoverable(t *testing.T) {
	f := newAPIFixture(t, apiManageScope)

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(provider.Close)

	body := createRequestBody()
	delete(body, "action_scope")
	body["action_url"] = provider.URL

	res := f.do(t, http.MethodPost, "/triggers", body)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	errBody := decodeBody(t, res)
	assert.Contains(t, errBody["message"], "'action_scope' not provided")
	assert.NotEmpty(t, errBody["req_id"])
}

func TestCreateRequiresManageScope(t *testing.T) {
	f := newAPIFixture(t, "https://auth.example.org/scopes/other/scope")

	res := f.do(t, http.MethodPost, "/triggers", createRequestBody())
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, decodeBody(t, res)["message"], "missing required scope")
}

func TestCreateValidatesInput(t *testing.T) {
	f := newAPIFixture(t, apiManageScope)

	body := createRequestBody()
	delete(body, "queue_id")

	res := f.do(t, http.MethodPost, "/triggers", body)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestGetTrigger(t *testing.T) {
	f := newAPIFixture(t, apiManageScope)
	seedTrigger(f, "trig-1", trigger.TriggerStatePending)

	res := f.do(t, http.MethodGet, "/triggers/trig-1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "trig-1", decodeBody(t, res)["trigger_id"])

	res = f.do(t, http.MethodGet, "/triggers/missing", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	errBody := decodeBody(t, res)
	assert.Contains(t, errBody["message"], "missing")
	assert.NotEmpty(t, errBody["req_id"])
}

func TestListTriggersFiltersByCreator(t *testing.T) {
	f := newAPIFixture(t, apiManageScope)
	seedTrigger(f, "trig-1", trigger.TriggerStatePending)
	seedTrigger(f, "trig-2", trigger.TriggerStateEnabled)
	other := seedTrigger(f, "trig-3", trigger.TriggerStatePending)
	other.CreatedBy = "someone-else"

	res := f.do(t, http.MethodGet, "/triggers", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var list []map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	require.Len(t, list, 2)
	assert.Equal(t, "trig-1", list[0]["trigger_id"])
	assert.Equal(t, "trig-2", list[1]["trigger_id"])
}

func TestEnableTrigger(t *testing.T) {
	f := newAPIFixture(t, apiManageScope+" "+apiCompositeScope)
	seedTrigger(f, "trig-1", trigger.TriggerStatePending)

	res := f.do(t, http.MethodPost, "/triggers/trig-1/enable", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, string(trigger.TriggerStateEnabled), decodeBody(t, res)["state"])

	assert.Equal(t, trigger.TriggerStateEnabled, f.registry.Get("trig-1"))
	assert.Equal(t, []string{"trig-1"}, f.pollers.startedIDs())

	stored := f.store.get("trig-1")
	require.NotNil(t, stored)
	assert.Equal(t, trigger.TriggerStateEnabled, stored.State)
	assert.Equal(t, "queue-tok", stored.TokenSet.DependentTokens[apiReceiveScope].AccessToken)
	assert.Equal(t, "action-tok", stored.TokenSet.DependentTokens[apiActionScope].AccessToken)

	f.source.mu.Lock()
	checked := append([]string(nil), f.source.checked...)
	f.source.mu.Unlock()
	assert.Equal(t, []string{"queue-1"}, checked)
}

func TestEnableAlreadyEnabledRefreshesTokensOnly(t *testing.T) {
	f := newAPIFixture(t, apiManageScope+" "+apiCompositeScope)
	seedTrigger(f, "trig-1", trigger.TriggerStatePending)

	res := f.do(t, http.MethodPost, "/triggers/trig-1/enable", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res = f.do(t, http.MethodPost, "/triggers/trig-1/enable", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	// One poller, two token snapshots.
	assert.Equal(t, []string{"trig-1"}, f.pollers.startedIDs())
	assert.GreaterOrEqual(t, f.store.saveCount(), 2)
}

func TestEnableInaccessibleQueueParksInNoQueue(t *testing.T) {
	f := newAPIFixture(t, apiManageScope+" "+apiCompositeScope)
	seedTrigger(f, "trig-1", trigger.TriggerStatePending)
	f.source.accessErr = errors.New("403 from queue service")

	res := f.do(t, http.MethodPost, "/triggers/trig-1/enable", nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Contains(t, decodeBody(t, res)["message"], "not accessible")

	assert.Equal(t, trigger.TriggerStateNoQueue, f.registry.Get("trig-1"))
	assert.Equal(t, trigger.TriggerStateNoQueue, f.store.get("trig-1").State)
	assert.Empty(t, f.pollers.startedIDs())
}

func TestEnableRequiresTriggerScope(t *testing.T) {
	f := newAPIFixture(t, apiManageScope) // no composite scope granted
	seedTrigger(f, "trig-1", trigger.TriggerStatePending)

	res := f.do(t, http.MethodPost, "/triggers/trig-1/enable", nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Empty(t, f.pollers.startedIDs())
}

func TestEnableDeletingTriggerConflicts(t *testing.T) {
	f := newAPIFixture(t, apiManageScope+" "+apiCompositeScope)
	seedTrigger(f, "trig-1", trigger.TriggerStateDeleting)
	_, err := f.registry.Set("trig-1", trigger.TriggerStateDeleting)
	require.NoError(t, err)

	res := f.do(t, http.MethodPost, "/triggers/trig-1/enable", nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Contains(t, decodeBody(t, res)["message"], "deleted")
}

func TestDisableTrigger(t *testing.T) {
	f := newAPIFixture(t, apiManageScope+" "+apiCompositeScope)
	seedTrigger(f, "trig-1", trigger.TriggerStateEnabled)
	_, err := f.registry.Set("trig-1", trigger.TriggerStateEnabled)
	require.NoError(t, err)
	f.pollers.running["trig-1"] = true

	saves := f.store.saveCount()
	res := f.do(t, http.MethodPost, "/triggers/trig-1/disable", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, string(trigger.TriggerStatePending), decodeBody(t, res)["state"])
	assert.Equal(t, trigger.TriggerStatePending, f.registry.Get("trig-1"))

	// The running poller persists the final state itself.
	assert.Equal(t, saves, f.store.saveCount())
}

func TestDisableWithoutPollerPersists(t *testing.T) {
	f := newAPIFixture(t, apiManageScope+" "+apiCompositeScope)
	seedTrigger(f, "trig-1", trigger.TriggerStateNoQueue)
	_, err := f.registry.Set("trig-1", trigger.TriggerStateNoQueue)
	require.NoError(t, err)

	res := f.do(t, http.MethodPost, "/triggers/trig-1/disable", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, trigger.TriggerStatePending, f.store.get("trig-1").State)
}

func TestEventStub(t *testing.T) {
	f := newAPIFixture(t, apiManageScope)
	seedTrigger(f, "trig-on", trigger.TriggerStateEnabled)
	seedTrigger(f, "trig-off", trigger.TriggerStatePending)

	res := f.do(t, http.MethodPost, "/triggers/trig-on/event", map[string]any{"size": 42})
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	res = f.do(t, http.MethodPost, "/triggers/trig-off/event", map[string]any{"size": 42})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Contains(t, decodeBody(t, res)["message"], "PENDING")
}

func TestDeleteWithoutPollerRemovesImmediately(t *testing.T) {
	f := newAPIFixture(t, apiManageScope+" "+apiCompositeScope)
	seedTrigger(f, "trig-1", trigger.TriggerStatePending)

	res := f.do(t, http.MethodDelete, "/triggers/trig-1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, string(trigger.TriggerStateDeleting), decodeBody(t, res)["state"])

	assert.Nil(t, f.store.get("trig-1"))
	// The registry entry is cleared with the record, so the id is free again.
	assert.Equal(t, trigger.TriggerStatePending, f.registry.Get("trig-1"))
}

func TestDeleteWithPollerDefersToReaper(t *testing.T) {
	f := newAPIFixture(t, apiManageScope+" "+apiCompositeScope)
	seedTrigger(f, "trig-1", trigger.TriggerStateEnabled)
	_, err := f.registry.Set("trig-1", trigger.TriggerStateEnabled)
	require.NoError(t, err)
	f.pollers.running["trig-1"] = true

	res := f.do(t, http.MethodDelete, "/triggers/trig-1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	assert.Equal(t, trigger.TriggerStateDeleting, f.registry.Get("trig-1"))
	assert.NotNil(t, f.store.get("trig-1"), "record removal is the reaper's job")

	// A second delete hits the DELETING guard.
	res = f.do(t, http.MethodDelete, "/triggers/trig-1", nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestRequestWithoutTokenRejected(t *testing.T) {
	f := newAPIFixture(t, apiManageScope)
	seedTrigger(f, "trig-1", trigger.TriggerStatePending)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/triggers/trig-1", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}
