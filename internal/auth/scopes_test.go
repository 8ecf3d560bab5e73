package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.triggerflow.dev/internal/cache"
)

// fakeScopeAPI serves the scope endpoints of Globus Auth. Lookups resolve
// from the ids map; created scopes are recorded and get a fixed string.
type fakeScopeAPI struct {
	ids   map[string]string
	owned []Scope

	lookupCalls int
	ownedCalls  int
	createCalls int
}

func (f *fakeScopeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/api/scopes", func(w http.ResponseWriter, r *http.Request) {
		csv := r.URL.Query().Get("scope_strings")
		if csv == "" {
			f.ownedCalls++
			json.NewEncoder(w).Encode(map[string]any{"scopes": f.owned})
			return
		}
		f.lookupCalls++
		var found []Scope
		for _, s := range strings.Split(csv, ",") {
			if id, ok := f.ids[s]; ok {
				found = append(found, Scope{ID: id, ScopeString: s})
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"scopes": found})
	})
	mux.HandleFunc("/v2/api/clients/primary-client/scopes", func(w http.ResponseWriter, r *http.Request) {
		f.createCalls++
		var body struct {
			Scope struct {
				ScopeSuffix string `json:"scope_suffix"`
			} `json:"scope"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		json.NewEncoder(w).Encode(map[string]any{
			"scopes": []map[string]any{
				{"scope_string": "https://auth.example.org/scopes/owner/" + body.Scope.ScopeSuffix},
			},
		})
	})
	return mux
}

func newTestRegistry(t *testing.T, api *fakeScopeAPI) *ScopeRegistry {
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return NewScopeRegistry(newTestClient(srv.URL), cache.NewMemory(100), time.Hour)
}

func TestGetScopeForDependentSetCreatesOnce(t *testing.T) {
	api := &fakeScopeAPI{ids: map[string]string{"scope-a": "id-a", "scope-b": "id-b"}}
	reg := newTestRegistry(t, api)
	ctx := context.Background()

	first, err := reg.GetScopeForDependentSet(ctx, []string{"scope-a", "scope-b"})
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.org/scopes/owner/scope_a", first)
	assert.Equal(t, 1, api.createCalls)

	// Same set again, in the opposite order.
	second, err := reg.GetScopeForDependentSet(ctx, []string{"scope-b", "scope-a"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, api.createCalls)
	assert.Equal(t, 1, api.ownedCalls)
}

func TestGetScopeForDependentSetReusesOwnedScope(t *testing.T) {
	api := &fakeScopeAPI{
		ids: map[string]string{"scope-a": "id-a", "scope-b": "id-b"},
		owned: []Scope{
			{
				ScopeString: "https://auth.example.org/scopes/owner/existing",
				DependentScopes: []DependentScope{
					{Scope: "id-b"},
					{Scope: "id-a"},
				},
			},
		},
	}
	reg := newTestRegistry(t, api)

	got, err := reg.GetScopeForDependentSet(context.Background(), []string{"scope-a", "scope-b"})
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.org/scopes/owner/existing", got)
	assert.Equal(t, 0, api.createCalls)
}

func TestLookupScopeIDsCaches(t *testing.T) {
	api := &fakeScopeAPI{ids: map[string]string{"scope-a": "id-a"}}
	reg := newTestRegistry(t, api)
	ctx := context.Background()

	ids, err := reg.LookupScopeIDs(ctx, []string{"scope-a"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"scope-a": "id-a"}, ids)
	assert.Equal(t, 1, api.lookupCalls)

	ids, err = reg.LookupScopeIDs(ctx, []string{"scope-a"})
	require.NoError(t, err)
	assert.Equal(t, "id-a", ids["scope-a"])
	assert.Equal(t, 1, api.lookupCalls)
}

func TestLookupScopeIDsUnknownScope(t *testing.T) {
	api := &fakeScopeAPI{ids: map[string]string{"scope-a": "id-a"}}
	reg := newTestRegistry(t, api)

	_, err := reg.LookupScopeIDs(context.Background(), []string{"scope-a", "scope-missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scope-missing")
}

func TestScopeNameAndSuffix(t *testing.T) {
	name, suffix := scopeNameAndSuffix([]string{"https://auth.globus.org/scopes/ABC-1/manage"})
	assert.Equal(t, "TriggerFlow using https://auth.globus.org/scopes/ABC-1/manage", name)
	assert.Equal(t, "httpsauthglobusorgscopesabc_1manage", suffix)

	name, suffix = scopeNameAndSuffix(nil)
	assert.Equal(t, "For TriggerFlow", name)
	assert.Equal(t, "triggerflow", suffix)
}

func TestDependentSetKeyOrderInsensitive(t *testing.T) {
	assert.Equal(t, dependentSetKey([]string{"b", "a"}), dependentSetKey([]string{"a", "b"}))
	assert.NotEqual(t, dependentSetKey([]string{"a"}), dependentSetKey([]string{"a", "b"}))
}
