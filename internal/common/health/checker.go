// Package health provides the /q/health liveness and readiness endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Check is one named health probe. A nil error means the probe is up.
type Check struct {
	Name  string
	Check func() error
}

// MongoDBCheck wraps a MongoDB ping as a readiness check
func MongoDBCheck(fn func() error) Check {
	return Check{Name: "mongodb", Check: fn}
}

// RedisCheck wraps a Redis ping as a readiness check
func RedisCheck(fn func() error) Check {
	return Check{Name: "redis", Check: fn}
}

// QueueCheck wraps queue backend connectivity as a readiness check
func QueueCheck(fn func() error) Check {
	return Check{Name: "queues", Check: fn}
}

// Checker aggregates health checks and serves them over HTTP
type Checker struct {
	mu        sync.RWMutex
	liveness  []Check
	readiness []Check
}

// NewChecker creates an empty health checker
func NewChecker() *Checker {
	return &Checker{}
}

// AddLivenessCheck registers a liveness check
func (c *Checker) AddLivenessCheck(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveness = append(c.liveness, check)
}

// AddReadinessCheck registers a readiness check
func (c *Checker) AddReadinessCheck(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readiness = append(c.readiness, check)
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status string        `json:"status"`
	Checks []checkResult `json:"checks"`
}

// HandleHealth serves the combined liveness and readiness status
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	checks := make([]Check, 0, len(c.liveness)+len(c.readiness))
	checks = append(checks, c.liveness...)
	checks = append(checks, c.readiness...)
	c.mu.RUnlock()

	writeStatus(w, run(checks))
}

// HandleLive serves liveness only. With no liveness checks registered the
// process being able to answer is the signal.
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	checks := make([]Check, len(c.liveness))
	copy(checks, c.liveness)
	c.mu.RUnlock()

	writeStatus(w, run(checks))
}

// HandleReady serves readiness
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	checks := make([]Check, len(c.readiness))
	copy(checks, c.readiness)
	c.mu.RUnlock()

	writeStatus(w, run(checks))
}

func run(checks []Check) healthResponse {
	resp := healthResponse{
		Status: "UP",
		Checks: make([]checkResult, 0, len(checks)),
	}
	for _, check := range checks {
		result := checkResult{Name: check.Name, Status: "UP"}
		if err := check.Check(); err != nil {
			result.Status = "DOWN"
			result.Error = err.Error()
			resp.Status = "DOWN"
		}
		resp.Checks = append(resp.Checks, result)
	}
	return resp
}

func writeStatus(w http.ResponseWriter, resp healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "UP" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
