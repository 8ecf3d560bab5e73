// Package api implements the HTTP surface: trigger management endpoints,
// the operator admin endpoints, and the shared response helpers.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"go.triggerflow.dev/internal/common/metrics"
)

// ErrorResponse is the error body every endpoint returns: a human-readable
// message plus the request id for log correlation.
type ErrorResponse struct {
	Message string `json:"message"`
	ReqID   string `json:"req_id"`
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes the standard error body
func WriteError(w http.ResponseWriter, r *http.Request, status int, message string) {
	WriteJSON(w, status, ErrorResponse{
		Message: message,
		ReqID:   middleware.GetReqID(r.Context()),
	})
}

// WriteBadRequest writes a 400 error
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusBadRequest, message)
}

// WriteUnauthorized writes a 401 error
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusUnauthorized, message)
}

// WriteNotFound writes a 404 error
func WriteNotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusNotFound, message)
}

// WriteConflict writes a 409 error
func WriteConflict(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusConflict, message)
}

// WriteInternalError writes a 500 error
func WriteInternalError(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusInternalServerError, message)
}

// DecodeJSON decodes a JSON request body
func DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// MetricsMiddleware records request counts and latency per route pattern.
// The pattern, not the raw path, is the label so trigger ids do not blow up
// metric cardinality.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, pattern, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
