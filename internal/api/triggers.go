package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.triggerflow.dev/internal/auth"
	"go.triggerflow.dev/internal/poller"
	"go.triggerflow.dev/internal/queues"
	"go.triggerflow.dev/internal/trigger"
)

// maxDiscoveryBytes bounds the action provider document read during
// action_scope discovery.
const maxDiscoveryBytes = 64 * 1024

// TriggerStore is the subset of the trigger repository the handlers use.
type TriggerStore interface {
	Insert(ctx context.Context, t *trigger.Trigger) error
	FindByID(ctx context.Context, id string) (*trigger.Trigger, error)
	ListByCreator(ctx context.Context, createdBy string) ([]*trigger.Trigger, error)
	Save(ctx context.Context, t *trigger.Trigger) error
	Remove(ctx context.Context, id string) (*trigger.Trigger, error)
}

// PollerManager is the supervisor surface the handlers drive.
type PollerManager interface {
	StartPoller(t *trigger.Trigger) bool
	RunningPollers() []string
	ReaperStats() poller.ReaperStats
}

// ScopeSource mints composite trigger scopes from dependent scope sets.
type ScopeSource interface {
	GetScopeForDependentSet(ctx context.Context, dependentScopes []string) (string, error)
}

// Config carries the scope constants and limits the trigger handlers need.
type Config struct {
	// ManageTriggersScope gates trigger creation.
	ManageTriggersScope string

	// QueuesReceiveScope is the dependent scope that authorizes queue
	// reads; it joins the action scope in every trigger's composite scope.
	QueuesReceiveScope string

	// DiscoveryTimeout bounds the GET to an action provider when the
	// create request omits action_scope.
	DiscoveryTimeout time.Duration
}

// TriggerHandler handles the /triggers endpoints.
type TriggerHandler struct {
	cfg      Config
	store    TriggerStore
	registry *poller.Registry
	pollers  PollerManager
	scopes   ScopeSource
	source   queues.Source
	client   *http.Client
}

// NewTriggerHandler creates a trigger handler.
func NewTriggerHandler(cfg Config, store TriggerStore, registry *poller.Registry,
	pollers PollerManager, scopes ScopeSource, source queues.Source) *TriggerHandler {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 10 * time.Second
	}
	return &TriggerHandler{
		cfg:      cfg,
		store:    store,
		registry: registry,
		pollers:  pollers,
		scopes:   scopes,
		source:   source,
		client:   &http.Client{Timeout: cfg.DiscoveryTimeout},
	}
}

// Routes returns the router for trigger endpoints
func (h *TriggerHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{triggerID}", h.Get)
	r.Post("/{triggerID}/enable", h.Enable)
	r.Post("/{triggerID}/disable", h.Disable)
	r.Post("/{triggerID}/event", h.Event)
	r.Delete("/{triggerID}", h.Delete)

	return r
}

// CreateTriggerRequest is the user-supplied part of a trigger. action_scope
// may be omitted when the action provider publishes its scope.
type CreateTriggerRequest struct {
	QueueID       string         `json:"queue_id"`
	ActionURL     string         `json:"action_url"`
	ActionScope   string         `json:"action_scope,omitempty"`
	EventFilter   string         `json:"event_filter"`
	EventTemplate map[string]any `json:"event_template"`
}

// Create handles POST /triggers
// @Summary Create a trigger
// @Description Registers a trigger binding a queue to an action provider. The trigger comes back PENDING; enable it to start polling.
// @Tags Triggers
// @Accept json
// @Produce json
// @Param request body CreateTriggerRequest true "Trigger definition"
// @Success 201 {object} trigger.Trigger
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security BearerAuth
// @Router /triggers [post]
func (h *TriggerHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info := auth.FromContext(ctx)
	if info == nil {
		WriteUnauthorized(w, r, "Authorization required")
		return
	}
	if err := info.Authorize(ctx, h.cfg.ManageTriggersScope, auth.PrincipalAllAuthenticated); err != nil {
		WriteUnauthorized(w, r, err.Error())
		return
	}

	var req CreateTriggerRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}
	if req.QueueID == "" || req.ActionURL == "" {
		WriteBadRequest(w, r, "queue_id and action_url are required")
		return
	}
	if req.EventFilter == "" || req.EventTemplate == nil {
		WriteBadRequest(w, r, "event_filter and event_template are required")
		return
	}

	actionScope := req.ActionScope
	if actionScope == "" {
		actionScope = h.discoverActionScope(ctx, req.ActionURL)
	}
	if actionScope == "" {
		WriteBadRequest(w, r, fmt.Sprintf(
			"'action_scope' not provided and unable to retrieve from %s", req.ActionURL))
		return
	}

	scopeForTrigger, err := h.scopes.GetScopeForDependentSet(ctx,
		[]string{actionScope, h.cfg.QueuesReceiveScope})
	if err != nil {
		log.Error().Err(err).Str("action_scope", actionScope).Msg("Failed to provision trigger scope")
		WriteInternalError(w, r, "Failed to provision trigger scope")
		return
	}

	intro, err := info.Introspection(ctx)
	if err != nil {
		WriteUnauthorized(w, r, err.Error())
		return
	}
	tokens, err := info.TokenSet(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to obtain dependent tokens")
		WriteInternalError(w, r, "Failed to obtain dependent tokens")
		return
	}

	now := time.Now().UTC()
	t := &trigger.Trigger{
		TriggerID:       uuid.New().String(),
		CreatedBy:       intro.Sub,
		GlobusAuthScope: scopeForTrigger,
		QueueID:         req.QueueID,
		ActionURL:       req.ActionURL,
		ActionScope:     actionScope,
		EventFilter:     req.EventFilter,
		EventTemplate:   req.EventTemplate,
		State:           trigger.TriggerStatePending,
		TokenSet:        tokens,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.store.Insert(ctx, t); err != nil {
		log.Error().Err(err).Str("trigger_id", t.TriggerID).Msg("Failed to store trigger")
		WriteInternalError(w, r, "Failed to store trigger")
		return
	}

	log.Info().
		Str("trigger_id", t.TriggerID).
		Str("queue_id", t.QueueID).
		Str("created_by", t.CreatedBy).
		Msg("Trigger created")
	WriteJSON(w, http.StatusCreated, t)
}

// discoverActionScope asks the action provider for its scope. Providers
// publish a globus_auth_scope field on their introspection document; any
// failure here just leaves the scope undiscovered.
func (h *TriggerHandler) discoverActionScope(ctx context.Context, actionURL string) string {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.DiscoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actionURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Accept", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		log.Warn().Str("action_url", actionURL).Err(err).Msg("Action scope discovery failed")
		return ""
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		log.Warn().
			Str("action_url", actionURL).
			Int("status", res.StatusCode).
			Msg("Action scope discovery rejected")
		return ""
	}

	var doc struct {
		GlobusAuthScope string `json:"globus_auth_scope"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, maxDiscoveryBytes)).Decode(&doc); err != nil {
		log.Warn().Str("action_url", actionURL).Err(err).Msg("Action provider document unreadable")
		return ""
	}
	return doc.GlobusAuthScope
}

// Get handles GET /triggers/{triggerID}
// @Summary Get a trigger
// @Description Returns a single trigger by its id
// @Tags Triggers
// @Produce json
// @Param triggerID path string true "Trigger ID"
// @Success 200 {object} trigger.Trigger
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /triggers/{triggerID} [get]
func (h *TriggerHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.requireAuthenticated(w, r) {
		return
	}
	t := h.lookupTrigger(w, r, false)
	if t == nil {
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// List handles GET /triggers, returning the caller's triggers.
// @Summary List triggers
// @Description Returns the triggers created by the caller
// @Tags Triggers
// @Produce json
// @Success 200 {array} trigger.Trigger
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security BearerAuth
// @Router /triggers [get]
func (h *TriggerHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info := auth.FromContext(ctx)
	if info == nil {
		WriteUnauthorized(w, r, "Authorization required")
		return
	}
	intro, err := info.Introspection(ctx)
	if err != nil {
		WriteUnauthorized(w, r, err.Error())
		return
	}

	ts, err := h.store.ListByCreator(ctx, intro.Sub)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list triggers")
		WriteInternalError(w, r, "Failed to list triggers")
		return
	}
	if ts == nil {
		ts = []*trigger.Trigger{}
	}
	WriteJSON(w, http.StatusOK, ts)
}

// Enable handles POST /triggers/{triggerID}/enable. It verifies the queue
// is readable with the caller's dependent token, snapshots the caller's
// token set onto the trigger, and spawns the poller. Enabling an already
// enabled trigger refreshes the snapshot without spawning a second poller.
// @Summary Enable a trigger
// @Description Starts polling the trigger's queue with the caller's dependent tokens
// @Tags Triggers
// @Produce json
// @Param triggerID path string true "Trigger ID"
// @Success 200 {object} trigger.Trigger
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Queue inaccessible or trigger being deleted"
// @Failure 500 {object} ErrorResponse
// @Security BearerAuth
// @Router /triggers/{triggerID}/enable [post]
func (h *TriggerHandler) Enable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	t := h.lookupTrigger(w, r, true)
	if t == nil {
		return
	}
	info := auth.FromContext(ctx)

	tokens, err := info.TokenSet(ctx)
	if err != nil {
		log.Error().Err(err).Str("trigger_id", t.TriggerID).Msg("Failed to obtain dependent tokens")
		WriteInternalError(w, r, "Failed to obtain dependent tokens")
		return
	}
	queueTok, ok := tokens.DependentToken(h.cfg.QueuesReceiveScope)
	if !ok {
		WriteUnauthorized(w, r, fmt.Sprintf(
			"token carries no dependent grant for scope %s", h.cfg.QueuesReceiveScope))
		return
	}

	if err := h.source.CheckQueueAccessible(ctx, t.QueueID, queueTok.AccessToken); err != nil {
		if _, serr := h.registry.Set(t.TriggerID, trigger.TriggerStateNoQueue); serr != nil {
			WriteConflict(w, r, serr.Error())
			return
		}
		t.State = trigger.TriggerStateNoQueue
		t.UpdatedAt = time.Now().UTC()
		if serr := h.store.Save(ctx, t); serr != nil {
			log.Error().Err(serr).Str("trigger_id", t.TriggerID).Msg("Failed to persist NO_QUEUE state")
		}
		log.Warn().
			Str("trigger_id", t.TriggerID).
			Str("queue_id", t.QueueID).
			Err(err).
			Msg("Queue not accessible, trigger parked in NO_QUEUE")
		WriteConflict(w, r, fmt.Sprintf("queue %s is not accessible: %s", t.QueueID, err))
		return
	}

	prev, err := h.registry.Set(t.TriggerID, trigger.TriggerStateEnabled)
	if err != nil {
		WriteConflict(w, r, err.Error())
		return
	}

	t.State = trigger.TriggerStateEnabled
	t.TokenSet = tokens
	t.UpdatedAt = time.Now().UTC()
	if err := h.store.Save(ctx, t); err != nil {
		_, _ = h.registry.Set(t.TriggerID, prev)
		log.Error().Err(err).Str("trigger_id", t.TriggerID).Msg("Failed to persist enabled trigger")
		WriteInternalError(w, r, "Failed to persist trigger")
		return
	}

	if h.pollers.StartPoller(t) {
		log.Info().
			Str("trigger_id", t.TriggerID).
			Str("queue_id", t.QueueID).
			Msg("Trigger enabled")
	}
	WriteJSON(w, http.StatusOK, t)
}

// Disable handles POST /triggers/{triggerID}/disable. A running poller
// notices the PENDING state at its next predicate check, drains outstanding
// actions and persists the final record itself; without a poller the
// transition is persisted here.
// @Summary Disable a trigger
// @Description Stops polling; in-flight actions are drained before the poller exits
// @Tags Triggers
// @Produce json
// @Param triggerID path string true "Trigger ID"
// @Success 200 {object} trigger.Trigger
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security BearerAuth
// @Router /triggers/{triggerID}/disable [post]
func (h *TriggerHandler) Disable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	t := h.lookupTrigger(w, r, true)
	if t == nil {
		return
	}

	prev, err := h.registry.Set(t.TriggerID, trigger.TriggerStatePending)
	if err != nil {
		WriteConflict(w, r, err.Error())
		return
	}

	t.State = trigger.TriggerStatePending
	if prev != trigger.TriggerStateEnabled {
		t.UpdatedAt = time.Now().UTC()
		if err := h.store.Save(ctx, t); err != nil {
			log.Error().Err(err).Str("trigger_id", t.TriggerID).Msg("Failed to persist disabled trigger")
			WriteInternalError(w, r, "Failed to persist trigger")
			return
		}
	}

	log.Info().Str("trigger_id", t.TriggerID).Msg("Trigger disabled")
	WriteJSON(w, http.StatusOK, t)
}

// Event handles POST /triggers/{triggerID}/event. Server-side event
// injection is not implemented; the endpoint validates the trigger state
// and accepts the event so clients can already integrate against it.
// @Summary Send an event to a trigger
// @Description Accepts an event for an enabled trigger
// @Tags Triggers
// @Accept json
// @Produce json
// @Param triggerID path string true "Trigger ID"
// @Param event body object true "Event payload"
// @Success 202 {object} map[string]string
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Trigger is not enabled"
// @Security BearerAuth
// @Router /triggers/{triggerID}/event [post]
func (h *TriggerHandler) Event(w http.ResponseWriter, r *http.Request) {
	if !h.requireAuthenticated(w, r) {
		return
	}
	t := h.lookupTrigger(w, r, false)
	if t == nil {
		return
	}

	var body any
	if err := DecodeJSON(r, &body); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	if t.State != trigger.TriggerStateEnabled {
		WriteConflict(w, r, fmt.Sprintf(
			"Cannot send event to trigger in state %s", t.State))
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{})
}

// Delete handles DELETE /triggers/{triggerID}. With a live poller the
// reaper removes the record after the loop exits; otherwise nothing else
// would, so it is removed here.
// @Summary Delete a trigger
// @Description Marks the trigger for deletion; the record disappears once any running poller exits
// @Tags Triggers
// @Produce json
// @Param triggerID path string true "Trigger ID"
// @Success 200 {object} trigger.Trigger
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security BearerAuth
// @Router /triggers/{triggerID} [delete]
func (h *TriggerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	t := h.lookupTrigger(w, r, true)
	if t == nil {
		return
	}

	if _, err := h.registry.Set(t.TriggerID, trigger.TriggerStateDeleting); err != nil {
		WriteConflict(w, r, err.Error())
		return
	}
	t.State = trigger.TriggerStateDeleting

	if !h.pollerRunning(t.TriggerID) {
		if _, err := h.store.Remove(ctx, t.TriggerID); err != nil && !errors.Is(err, trigger.ErrNotFound) {
			log.Error().Err(err).Str("trigger_id", t.TriggerID).Msg("Failed to remove trigger")
			WriteInternalError(w, r, "Failed to remove trigger")
			return
		}
		h.registry.Remove(t.TriggerID)
	}

	log.Info().Str("trigger_id", t.TriggerID).Msg("Trigger deletion requested")
	WriteJSON(w, http.StatusOK, t)
}

// lookupTrigger loads the addressed trigger, optionally authorizing the
// caller against the trigger's composite scope and creator. On failure it
// writes the error response and returns nil.
func (h *TriggerHandler) lookupTrigger(w http.ResponseWriter, r *http.Request, authorize bool) *trigger.Trigger {
	ctx := r.Context()
	id := chi.URLParam(r, "triggerID")

	t, err := h.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, trigger.ErrNotFound) {
			WriteNotFound(w, r, fmt.Sprintf("No trigger with id %s found", id))
			return nil
		}
		log.Error().Err(err).Str("trigger_id", id).Msg("Failed to load trigger")
		WriteInternalError(w, r, "Failed to load trigger")
		return nil
	}

	if authorize {
		info := auth.FromContext(ctx)
		if info == nil {
			WriteUnauthorized(w, r, "Authorization required")
			return nil
		}
		if err := info.Authorize(ctx, t.GlobusAuthScope, t.CreatedBy); err != nil {
			WriteUnauthorized(w, r, err.Error())
			return nil
		}
	}
	return t
}

func (h *TriggerHandler) requireAuthenticated(w http.ResponseWriter, r *http.Request) bool {
	info := auth.FromContext(r.Context())
	if info == nil {
		WriteUnauthorized(w, r, "Authorization required")
		return false
	}
	if _, err := info.Introspection(r.Context()); err != nil {
		WriteUnauthorized(w, r, err.Error())
		return false
	}
	return true
}

func (h *TriggerHandler) pollerRunning(id string) bool {
	for _, running := range h.pollers.RunningPollers() {
		if running == id {
			return true
		}
	}
	return false
}
