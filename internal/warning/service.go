// Package warning keeps a bounded in-memory log of operational problems a
// trigger deployment should surface to operators: queue read failures,
// action release failures, poller demotions. Warnings are best effort and
// never persisted.
package warning

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultMaxWarnings bounds the warning log when no limit is configured.
const DefaultMaxWarnings = 1000

// Warning categories.
const (
	CategoryQueue  = "QUEUE"
	CategoryAction = "ACTION"
	CategoryPoller = "POLLER"
	CategoryAuth   = "AUTH"
)

// Warning severities.
const (
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Warning is one recorded operational problem.
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	TriggerID    string    `json:"trigger_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// Service records and serves warnings for the admin surface.
type Service struct {
	mu          sync.RWMutex
	maxWarnings int
	warnings    map[string]*Warning
}

// NewService creates a warning service keeping at most maxWarnings entries;
// zero or negative means DefaultMaxWarnings. When full, the oldest warning
// is dropped.
func NewService(maxWarnings int) *Service {
	if maxWarnings <= 0 {
		maxWarnings = DefaultMaxWarnings
	}
	return &Service{
		maxWarnings: maxWarnings,
		warnings:    make(map[string]*Warning),
	}
}

// Record adds a warning. triggerID may be empty for service-wide problems.
func (s *Service) Record(category, severity, message, triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.warnings) >= s.maxWarnings {
		var oldestID string
		var oldestTime time.Time
		for id, w := range s.warnings {
			if oldestID == "" || w.Timestamp.Before(oldestTime) {
				oldestID = id
				oldestTime = w.Timestamp
			}
		}
		if oldestID != "" {
			delete(s.warnings, oldestID)
		}
	}

	w := &Warning{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		TriggerID: triggerID,
		Timestamp: time.Now(),
	}
	s.warnings[w.ID] = w

	log.Warn().
		Str("category", category).
		Str("severity", severity).
		Str("trigger_id", triggerID).
		Str("message", message).
		Msg("Warning recorded")
}

// All returns every warning, newest first.
func (s *Service) All() []*Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Warning, 0, len(s.warnings))
	for _, w := range s.warnings {
		result = append(result, w)
	}
	sortNewestFirst(result)
	return result
}

// BySeverity returns warnings with the given severity, newest first.
func (s *Service) BySeverity(severity string) []*Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Warning
	for _, w := range s.warnings {
		if strings.EqualFold(w.Severity, severity) {
			result = append(result, w)
		}
	}
	sortNewestFirst(result)
	return result
}

// ByTrigger returns warnings recorded for one trigger, newest first.
func (s *Service) ByTrigger(triggerID string) []*Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Warning
	for _, w := range s.warnings {
		if w.TriggerID == triggerID {
			result = append(result, w)
		}
	}
	sortNewestFirst(result)
	return result
}

// Acknowledge marks a warning as acknowledged. It returns false if the
// warning does not exist.
func (s *Service) Acknowledge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.warnings[id]
	if !ok {
		return false
	}
	ack := *w
	ack.Acknowledged = true
	s.warnings[id] = &ack
	return true
}

// Clear removes all warnings and returns how many were dropped.
func (s *Service) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.warnings)
	s.warnings = make(map[string]*Warning)
	return count
}

// ClearOlderThan removes warnings older than age and returns how many were
// dropped.
func (s *Service) ClearOlderThan(age time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-age)
	var toRemove []string
	for id, w := range s.warnings {
		if w.Timestamp.Before(threshold) {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		delete(s.warnings, id)
	}
	return len(toRemove)
}

func sortNewestFirst(ws []*Warning) {
	sort.Slice(ws, func(i, j int) bool {
		return ws[i].Timestamp.After(ws[j].Timestamp)
	})
}
