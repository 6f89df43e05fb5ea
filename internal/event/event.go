// Package event defines the security event record that flows through the
// orchestrator pipeline.
package event

import (
	"time"

	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

// State is the pipeline stage an event has reached.
type State string

const (
	StatePending      State = "PENDING"
	StateEnriched     State = "ENRICHED"
	StateCorrelated   State = "CORRELATED"
	StateRouted       State = "ROUTED"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateDeadLettered State = "DEAD_LETTERED"
	StateReplayed     State = "REPLAYED"
)

// Terminal reports whether no further pipeline stage follows s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateDeadLettered, StateReplayed:
		return true
	}
	return false
}

// DefaultVersion is stamped on events ingested without a version.
const DefaultVersion = "1.0"

// Event is the canonical input model for all incoming security events.
type Event struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"` // "security.alert", "auth.failure", etc.
	Timestamp       time.Time              `json:"timestamp"`
	Source          string                 `json:"source"`
	Version         string                 `json:"version"`
	Data            map[string]interface{} `json:"data"`
	CorrelationKeys []string               `json:"correlation_keys,omitempty"`
	Enrichments     map[string]interface{} `json:"enrichments,omitempty"`
	State           State                  `json:"state"`
	Error           string                 `json:"error,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	cp := *e
	cp.Data = fieldpath.Copy(e.Data)
	cp.Enrichments = fieldpath.Copy(e.Enrichments)
	cp.CorrelationKeys = append([]string(nil), e.CorrelationKeys...)
	return &cp
}

// Fields renders the event as a nested map for condition evaluation and
// path lookups ("type", "data.user", "enrichments.geo.country").
func (e *Event) Fields() map[string]interface{} {
	return map[string]interface{}{
		"id":               e.ID,
		"type":             e.Type,
		"timestamp":        e.Timestamp,
		"source":           e.Source,
		"version":          e.Version,
		"data":             e.Data,
		"enrichments":      e.Enrichments,
		"correlation_keys": e.CorrelationKeys,
		"state":            string(e.State),
	}
}

// Summary is the immutable record of a processed event kept in history.
type Summary struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Source          string                 `json:"source"`
	Version         string                 `json:"version"`
	Timestamp       time.Time              `json:"timestamp"`
	ProcessedAt     time.Time              `json:"processed_at"`
	State           State                  `json:"state"`
	CorrelationKeys []string               `json:"correlation_keys,omitempty"`
	RoutesMatched   []string               `json:"routes_matched,omitempty"`
	DurationMs      int64                  `json:"duration_ms"`
	Error           string                 `json:"error,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
}

// Summarize captures e's outcome. The data map is copied so later
// mutation of e never reaches history.
func Summarize(e *Event, routes []string, processedAt time.Time, d time.Duration) Summary {
	return Summary{
		ID:              e.ID,
		Type:            e.Type,
		Source:          e.Source,
		Version:         e.Version,
		Timestamp:       e.Timestamp,
		ProcessedAt:     processedAt,
		State:           e.State,
		CorrelationKeys: append([]string(nil), e.CorrelationKeys...),
		RoutesMatched:   append([]string(nil), routes...),
		DurationMs:      d.Milliseconds(),
		Error:           e.Error,
		Data:            fieldpath.Copy(e.Data),
	}
}

// Event rebuilds a fresh pending event from a summary, for replay.
func (s Summary) Event() *Event {
	return &Event{
		ID:        s.ID,
		Type:      s.Type,
		Timestamp: s.Timestamp,
		Source:    s.Source,
		Version:   s.Version,
		Data:      fieldpath.Copy(s.Data),
		State:     StatePending,
	}
}
