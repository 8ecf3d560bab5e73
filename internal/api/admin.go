package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.triggerflow.dev/internal/poller"
	"go.triggerflow.dev/internal/trigger"
	"go.triggerflow.dev/internal/warning"
)

// AdminHandler serves the operator surface: the poller inventory and the
// recorded warnings. Its routes are mounted behind auth.AdminMiddleware.
type AdminHandler struct {
	registry *poller.Registry
	pollers  PollerManager
	warnings *warning.Service
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(registry *poller.Registry, pollers PollerManager, warnings *warning.Service) *AdminHandler {
	return &AdminHandler{registry: registry, pollers: pollers, warnings: warnings}
}

// Routes returns the router for admin endpoints
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/pollers", h.Pollers)
	r.Get("/warnings", h.Warnings)
	r.Post("/warnings/{warningID}/acknowledge", h.AcknowledgeWarning)
	r.Delete("/warnings", h.ClearWarnings)

	return r
}

// PollersResponse is the operator view of the poller engine.
type PollersResponse struct {
	Registry map[string]trigger.TriggerState `json:"registry"`
	Running  []string                        `json:"running"`
	Reaper   poller.ReaperStats              `json:"reaper"`
}

// Pollers handles GET /admin/pollers
// @Summary Dump poller state
// @Description Returns the trigger state registry, running pollers and reaper counters
// @Tags Admin
// @Produce json
// @Success 200 {object} PollersResponse
// @Failure 401 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/pollers [get]
func (h *AdminHandler) Pollers(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, PollersResponse{
		Registry: h.registry.Snapshot(),
		Running:  h.pollers.RunningPollers(),
		Reaper:   h.pollers.ReaperStats(),
	})
}

// Warnings handles GET /admin/warnings. Optional query parameters filter by
// severity or trigger_id.
// @Summary List recorded warnings
// @Tags Admin
// @Produce json
// @Param severity query string false "Filter by severity (INFO, WARNING, ERROR)"
// @Param trigger_id query string false "Filter by trigger ID"
// @Success 200 {array} warning.Warning
// @Failure 401 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/warnings [get]
func (h *AdminHandler) Warnings(w http.ResponseWriter, r *http.Request) {
	var ws []*warning.Warning
	switch {
	case r.URL.Query().Get("severity") != "":
		ws = h.warnings.BySeverity(r.URL.Query().Get("severity"))
	case r.URL.Query().Get("trigger_id") != "":
		ws = h.warnings.ByTrigger(r.URL.Query().Get("trigger_id"))
	default:
		ws = h.warnings.All()
	}
	if ws == nil {
		ws = []*warning.Warning{}
	}
	WriteJSON(w, http.StatusOK, ws)
}

// AcknowledgeWarning handles POST /admin/warnings/{warningID}/acknowledge
// @Summary Acknowledge a warning
// @Tags Admin
// @Produce json
// @Param warningID path string true "Warning ID"
// @Success 200 {object} map[string]any
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/warnings/{warningID}/acknowledge [post]
func (h *AdminHandler) AcknowledgeWarning(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "warningID")
	if !h.warnings.Acknowledge(id) {
		WriteNotFound(w, r, "No warning with id "+id)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"id": id, "acknowledged": true})
}

// ClearWarnings handles DELETE /admin/warnings
// @Summary Clear all warnings
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]int
// @Failure 401 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/warnings [delete]
func (h *AdminHandler) ClearWarnings(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]int{"cleared": h.warnings.Clear()})
}
