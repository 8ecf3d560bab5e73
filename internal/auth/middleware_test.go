package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestMiddlewareAttachesAuthInfo(t *testing.T) {
	var captured *AuthInfo
	handler := Middleware(newTestClient("http://auth.invalid"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = FromContext(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/triggers", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, captured)
	assert.Equal(t, "tok-123", captured.Token())

	req = httptest.NewRequest(http.MethodGet, "/triggers", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, captured)
	assert.Equal(t, "", captured.Token())
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Bearer  abc", "abc"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		assert.Equal(t, tc.want, BearerToken(req), "header %q", tc.header)
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminMiddlewareAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-key"), bcrypt.MinCost)
	require.NoError(t, err)

	handler := AdminMiddleware(AdminConfig{APIKeyHash: string(hash)})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/admin/pollers", nil)
	req.Header.Set("X-Admin-Key", "s3cret-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/pollers", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body["message"])
	assert.NotEmpty(t, body["req_id"])
}

func TestAdminMiddlewareJWT(t *testing.T) {
	handler := AdminMiddleware(AdminConfig{JWTSecret: "jwt-secret"})(okHandler())

	token, err := NewAdminToken("jwt-secret", "ops", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/warnings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	claims, err := ParseAdminToken("jwt-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)

	// Expired.
	expired, err := NewAdminToken("jwt-secret", "ops", -time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/admin/warnings", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signed with another secret.
	forged, err := NewAdminToken("other-secret", "ops", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/admin/warnings", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminMiddlewareNoCredentialsConfigured(t *testing.T) {
	handler := AdminMiddleware(AdminConfig{})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/admin/pollers", nil)
	req.Header.Set("X-Admin-Key", "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
