// Package trigger defines the trigger aggregate: the stored entity, its
// lifecycle states, and the event/action-status values that flow through a
// trigger while it polls.
package trigger

import (
	"encoding/json"
	"time"
)

// TriggerState defines the lifecycle state of a trigger
type TriggerState string

const (
	// TriggerStatePending is the initial state. No poller runs in this state.
	TriggerStatePending TriggerState = "PENDING"

	// TriggerStateEnabled means a poller is (or should be) consuming the
	// trigger's queue.
	TriggerStateEnabled TriggerState = "ENABLED"

	// TriggerStateNoQueue means the last enable attempt could not read the
	// configured queue. The trigger may be enabled again.
	TriggerStateNoQueue TriggerState = "NO_QUEUE"

	// TriggerStateDeleting means deletion was requested while a poller was
	// still winding down outstanding actions.
	TriggerStateDeleting TriggerState = "DELETING"

	// TriggerStateDeleted is only ever observed in responses returned by the
	// delete operation itself.
	TriggerStateDeleted TriggerState = "DELETED"
)

// ActionStatusValue defines the status of an action on its provider
type ActionStatusValue string

const (
	ActionStatusSucceeded ActionStatusValue = "SUCCEEDED"
	ActionStatusFailed    ActionStatusValue = "FAILED"
	ActionStatusActive    ActionStatusValue = "ACTIVE"
	ActionStatusInactive  ActionStatusValue = "INACTIVE"
)

// LocalFailureActionID marks action statuses synthesized by this service
// rather than returned by an action provider.
const LocalFailureActionID = "trigger_action_failure"

// ActionStatus is the status document an action provider returns for one
// action invocation. Failures that never reached a provider are represented
// with the same shape, action_id set to LocalFailureActionID and details
// holding the error text.
type ActionStatus struct {
	Status         ActionStatusValue `bson:"status" json:"status"`
	CreatorID      string            `bson:"creator_id" json:"creator_id"`
	ActionID       string            `bson:"action_id" json:"action_id"`
	StartTime      time.Time         `bson:"start_time,omitempty" json:"start_time,omitempty"`
	Label          string            `bson:"label,omitempty" json:"label,omitempty"`
	MonitorBy      []string          `bson:"monitor_by,omitempty" json:"monitor_by,omitempty"`
	ManageBy       []string          `bson:"manage_by,omitempty" json:"manage_by,omitempty"`
	CompletionTime string            `bson:"completion_time,omitempty" json:"completion_time,omitempty"`
	ReleaseAfter   string            `bson:"release_after,omitempty" json:"release_after,omitempty"`
	DisplayStatus  string            `bson:"display_status,omitempty" json:"display_status,omitempty"`

	// Details carries provider-specific data. Providers usually return an
	// object but the field accepts any JSON value; synthetic failure statuses
	// store the error message here as a plain string.
	Details any `bson:"details,omitempty" json:"details,omitempty"`
}

// IsComplete returns true if the action reached a terminal status
func (s *ActionStatus) IsComplete() bool {
	return s.Status == ActionStatusSucceeded || s.Status == ActionStatusFailed
}

// NewFailureStatus builds a synthetic FAILED status for an error that
// happened inside this service. actionID is LocalFailureActionID unless the
// failure concerns a known provider action.
func NewFailureStatus(actionID, msg string) ActionStatus {
	return ActionStatus{
		Status:    ActionStatusFailed,
		CreatorID: "Unknown For Now",
		ActionID:  actionID,
		StartTime: time.Now(),
		Details:   msg,
	}
}

// Event is one queue message translated into the shape filter and template
// expressions operate on.
type Event struct {
	Body                    map[string]any `bson:"body" json:"body"`
	EventID                 string         `bson:"event_id" json:"event_id"`
	SentByEffectiveIdentity string         `bson:"sent_by_effective_identity" json:"sent_by_effective_identity"`
	Timestamp               string         `bson:"timestamp" json:"timestamp"`
	SentByApp               string         `bson:"sent_by_app,omitempty" json:"sent_by_app,omitempty"`
	SentByIdentitySet       []string       `bson:"sent_by_identity_set,omitempty" json:"sent_by_identity_set,omitempty"`
}

// NewEvent builds an Event from raw queue message fields. A body that does
// not parse as a JSON object is kept available to expressions under the
// "message" key, with the parse error recorded under "json_parse_status".
func NewEvent(messageID, messageBody, sentBy, timestamp, sentByApp string, identitySet []string) Event {
	var body map[string]any
	if err := json.Unmarshal([]byte(messageBody), &body); err != nil || body == nil {
		body = map[string]any{
			"message": messageBody,
		}
		if err != nil {
			body["json_parse_status"] = err.Error()
		}
	}
	return Event{
		Body:                    body,
		EventID:                 messageID,
		SentByEffectiveIdentity: sentBy,
		Timestamp:               timestamp,
		SentByApp:               sentByApp,
		SentByIdentitySet:       identitySet,
	}
}

// ExpressionNames returns the identifier bindings visible to this event's
// filter and template expressions: every event field by name plus the
// trigger's running event_count.
func (e *Event) ExpressionNames(eventCount int) map[string]any {
	return map[string]any{
		"body":                       e.Body,
		"event_id":                   e.EventID,
		"sent_by_effective_identity": e.SentByEffectiveIdentity,
		"timestamp":                  e.Timestamp,
		"sent_by_app":                e.SentByApp,
		"sent_by_identity_set":       e.SentByIdentitySet,
		"event_count":                eventCount,
	}
}

// Token is one Globus Auth token with its absolute expiration time
// (unix seconds).
type Token struct {
	AccessToken    string `bson:"access_token" json:"access_token"`
	Scope          string `bson:"scope" json:"scope"`
	RefreshToken   string `bson:"refresh_token" json:"refresh_token"`
	ExpirationTime int64  `bson:"expiration_time" json:"expiration_time"`
	ResourceServer string `bson:"resource_server,omitempty" json:"resource_server,omitempty"`
	TokenType      string `bson:"token_type,omitempty" json:"token_type,omitempty"`
}

// RequiresRefresh returns true once the token is within five minutes of
// expiring.
func (t *Token) RequiresRefresh() bool {
	return time.Now().Unix()+300 >= t.ExpirationTime
}

// TokenSet is the credential snapshot a trigger polls with: the user token
// for the trigger's composite scope plus the dependent tokens obtained from
// it, keyed by scope string.
type TokenSet struct {
	UserToken       Token            `bson:"user_token" json:"user_token"`
	DependentTokens map[string]Token `bson:"dependent_tokens" json:"dependent_tokens"`
}

// DependentToken returns the dependent token granted for scope.
func (ts *TokenSet) DependentToken(scope string) (Token, bool) {
	tok, ok := ts.DependentTokens[scope]
	return tok, ok
}

// Trigger is the stored aggregate. The JSON form is the public API shape:
// token_set and the retained status history never appear in responses.
type Trigger struct {
	TriggerID       string         `bson:"_id" json:"trigger_id"`
	CreatedBy       string         `bson:"created_by" json:"created_by"`
	GlobusAuthScope string         `bson:"globus_auth_scope" json:"globus_auth_scope"`
	QueueID         string         `bson:"queue_id" json:"queue_id"`
	ActionURL       string         `bson:"action_url" json:"action_url"`
	ActionScope     string         `bson:"action_scope,omitempty" json:"action_scope,omitempty"`
	EventFilter     string         `bson:"event_filter" json:"event_filter"`
	EventTemplate   map[string]any `bson:"event_template" json:"event_template"`
	State           TriggerState   `bson:"state" json:"state"`

	TokenSet TokenSet `bson:"token_set" json:"-"`

	EventCount            int           `bson:"event_count" json:"event_count"`
	LastEvent             *Event        `bson:"last_event,omitempty" json:"last_event,omitempty"`
	LastActionStatus      *ActionStatus `bson:"last_action_status,omitempty" json:"last_action_status,omitempty"`
	LastErrorActionStatus *ActionStatus `bson:"last_error_action_status,omitempty" json:"last_error_action_status,omitempty"`
	AllActionStatus       []ActionStatus `bson:"all_action_status,omitempty" json:"-"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Clone returns a copy a poller can own privately. The dependent token map
// and the status history get their own backing storage; everything else on
// a trigger is replaced rather than mutated in place.
func (t *Trigger) Clone() *Trigger {
	c := *t
	if t.TokenSet.DependentTokens != nil {
		c.TokenSet.DependentTokens = make(map[string]Token, len(t.TokenSet.DependentTokens))
		for scope, tok := range t.TokenSet.DependentTokens {
			c.TokenSet.DependentTokens[scope] = tok
		}
	}
	if t.AllActionStatus != nil {
		c.AllActionStatus = make([]ActionStatus, len(t.AllActionStatus))
		copy(c.AllActionStatus, t.AllActionStatus)
	}
	return &c
}

// RecordActionStatus stores one completed subtask result on the trigger.
// last_action_status always tracks the most recent result, failures are
// additionally remembered in last_error_action_status, and the retained
// history keeps the newest historyLimit entries.
func (t *Trigger) RecordActionStatus(status ActionStatus, historyLimit int) {
	s := status
	t.LastActionStatus = &s
	if status.Status == ActionStatusFailed {
		e := status
		t.LastErrorActionStatus = &e
	}
	t.AllActionStatus = append(t.AllActionStatus, status)
	if historyLimit > 0 && len(t.AllActionStatus) > historyLimit {
		t.AllActionStatus = t.AllActionStatus[len(t.AllActionStatus)-historyLimit:]
	}
}
