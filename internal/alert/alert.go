// Package alert turns a stream of raw alerts into deduplicated, grouped and
// prioritized work items.
package alert

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

var (
	// ErrNotFound is returned for unknown alert or group ids.
	ErrNotFound = errors.New("alert not found")
	// ErrInvalidTransition is returned when a lifecycle operation is not
	// allowed from the alert's current status.
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities: 1 is critical, 5 is info. Unknown severities
// rank as medium.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 4
	case SeverityInfo:
		return 5
	}
	return 3
}

// ParseSeverity normalizes s, mapping unknown values to medium.
func ParseSeverity(s string) Severity {
	switch v := Severity(strings.ToLower(strings.TrimSpace(s))); v {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return v
	}
	return SeverityMedium
}

// Status of an alert.
type Status string

const (
	StatusNew           Status = "NEW"
	StatusAcknowledged  Status = "ACKNOWLEDGED"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusResolved      Status = "RESOLVED"
	StatusEscalated     Status = "ESCALATED"
	StatusFalsePositive Status = "FALSE_POSITIVE"
	StatusSuppressed    Status = "SUPPRESSED"
)

var transitions = map[Status][]Status{
	StatusNew:          {StatusAcknowledged, StatusInProgress, StatusResolved, StatusEscalated, StatusFalsePositive},
	StatusAcknowledged: {StatusInProgress, StatusResolved, StatusEscalated, StatusFalsePositive},
	StatusInProgress:   {StatusResolved, StatusEscalated, StatusFalsePositive},
	StatusEscalated:    {StatusAcknowledged, StatusInProgress, StatusResolved},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Closed reports whether s ends the alert's lifecycle.
func (s Status) Closed() bool {
	switch s {
	case StatusResolved, StatusFalsePositive, StatusSuppressed:
		return true
	}
	return false
}

// Transition is one entry of an alert's status history.
type Transition struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Actor string    `json:"actor,omitempty"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// Alert is an event-shaped record plus the aggregator's bookkeeping fields.
type Alert struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Assets      []string               `json:"assets,omitempty"`
	Indicators  []string               `json:"indicators,omitempty"`

	Fingerprint    string       `json:"_fingerprint"`
	Priority       int          `json:"_priority"`
	Status         Status       `json:"_status"`
	GroupID        string       `json:"_groupId,omitempty"`
	ReceivedAt     time.Time    `json:"received_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
	LastSeen       time.Time    `json:"last_seen"`
	DuplicateCount int          `json:"duplicate_count"`
	Assignee       string       `json:"assignee,omitempty"`
	SuppressedBy   string       `json:"suppressed_by,omitempty"`
	History        []Transition `json:"history,omitempty"`
}

// Clone returns a deep copy of a.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.Data = fieldpath.Copy(a.Data)
	cp.Assets = append([]string(nil), a.Assets...)
	cp.Indicators = append([]string(nil), a.Indicators...)
	cp.History = append([]Transition(nil), a.History...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Fields renders a as a nested map for rule conditions and fingerprinting.
func (a *Alert) Fields() map[string]interface{} {
	return map[string]interface{}{
		"id":          a.ID,
		"type":        a.Type,
		"source":      a.Source,
		"severity":    string(a.Severity),
		"title":       a.Title,
		"description": a.Description,
		"timestamp":   a.Timestamp,
		"data":        a.Data,
		"assets":      toAny(a.Assets),
		"indicators":  toAny(a.Indicators),
		"priority":    a.Priority,
		"status":      string(a.Status),
		"assignee":    a.Assignee,
	}
}

// Lookup resolves field at the top level first, then under data.
func (a *Alert) Lookup(field string) (interface{}, bool) {
	f := a.Fields()
	if v, ok := fieldpath.Lookup(f, field); ok && !isEmpty(v) {
		return v, true
	}
	return fieldpath.Lookup(a.Data, field)
}

// LookupString is Lookup formatted as a string.
func (a *Alert) LookupString(field string) string {
	v, ok := a.Lookup(field)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	}
	return false
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Group collects alerts sharing a fingerprint.
type Group struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Type        string    `json:"type"`
	Title       string    `json:"title,omitempty"`
	Alerts      []string  `json:"alerts"` // ids of member occurrences, duplicates included
	Count       int       `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Severity    Severity  `json:"severity"` // most severe seen
	Status      Status    `json:"status"`   // mirrors the representative (first) alert
	Priority    int       `json:"priority"` // max seen
	Assignee    string    `json:"assignee,omitempty"`
}

// Clone returns a copy of g.
func (g *Group) Clone() *Group {
	cp := *g
	cp.Alerts = append([]string(nil), g.Alerts...)
	return &cp
}

// Representative returns the id of the alert whose status the group mirrors.
func (g *Group) Representative() string {
	if len(g.Alerts) == 0 {
		return ""
	}
	return g.Alerts[0]
}

func (g *Group) add(a *Alert, now time.Time) {
	g.Alerts = append(g.Alerts, a.ID)
	g.Count = len(g.Alerts)
	g.LastSeen = now
	if a.Severity.Rank() < g.Severity.Rank() {
		g.Severity = a.Severity
	}
	if a.Priority > g.Priority {
		g.Priority = a.Priority
	}
}
