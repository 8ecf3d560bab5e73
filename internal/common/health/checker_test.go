package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyAllUp(t *testing.T) {
	c := NewChecker()
	c.AddReadinessCheck(MongoDBCheck(func() error { return nil }))
	c.AddReadinessCheck(QueueCheck(func() error { return nil }))

	rec := httptest.NewRecorder()
	c.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/q/health/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "UP", resp.Status)
	require.Len(t, resp.Checks, 2)
	assert.Equal(t, "mongodb", resp.Checks[0].Name)
}

func TestReadyFailingCheck(t *testing.T) {
	c := NewChecker()
	c.AddReadinessCheck(MongoDBCheck(func() error { return nil }))
	c.AddReadinessCheck(RedisCheck(func() error { return errors.New("connection refused") }))

	rec := httptest.NewRecorder()
	c.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/q/health/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"DOWN"`)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestLiveWithNoChecks(t *testing.T) {
	c := NewChecker()

	rec := httptest.NewRecorder()
	c.HandleLive(rec, httptest.NewRequest(http.MethodGet, "/q/health/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"UP"`)
}

func TestHealthCombines(t *testing.T) {
	c := NewChecker()
	c.AddLivenessCheck(Check{Name: "loop", Check: func() error { return nil }})
	c.AddReadinessCheck(MongoDBCheck(func() error { return errors.New("down") }))

	rec := httptest.NewRecorder()
	c.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/q/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Checks []struct {
			Name string `json:"name"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Checks, 2)
}
