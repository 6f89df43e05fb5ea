// Package incident tracks declared security incidents through their
// lifecycle, enforcing per-severity SLAs and runbook progress.
package incident

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

var (
	// ErrNotFound is returned for unknown incident or runbook ids.
	ErrNotFound = errors.New("incident not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid incident status transition")
	// ErrRunbookAttached is returned when a runbook is attached twice.
	ErrRunbookAttached = errors.New("runbook already attached")
)

// Severity of an incident, SEV1 being the most severe.
type Severity string

const (
	SEV1 Severity = "SEV1"
	SEV2 Severity = "SEV2"
	SEV3 Severity = "SEV3"
	SEV4 Severity = "SEV4"
	SEV5 Severity = "SEV5"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SEV1, SEV2, SEV3, SEV4, SEV5:
		return true
	}
	return false
}

// Priority is the numeric rank of s: 1 for SEV1 through 5 for SEV5.
func (s Severity) Priority() int {
	switch s {
	case SEV1:
		return 1
	case SEV2:
		return 2
	case SEV4:
		return 4
	case SEV5:
		return 5
	}
	return 3
}

// Status of an incident.
type Status string

const (
	StatusDetected      Status = "DETECTED"
	StatusTriaging      Status = "TRIAGING"
	StatusInvestigating Status = "INVESTIGATING"
	StatusIdentified    Status = "IDENTIFIED"
	StatusMitigating    Status = "MITIGATING"
	StatusMonitoring    Status = "MONITORING"
	StatusResolved      Status = "RESOLVED"
	StatusClosed        Status = "CLOSED"
)

var lifecycle = []Status{
	StatusDetected,
	StatusTriaging,
	StatusInvestigating,
	StatusIdentified,
	StatusMitigating,
	StatusMonitoring,
	StatusResolved,
	StatusClosed,
}

func (s Status) index() int {
	for i, v := range lifecycle {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.index() >= 0 }

// Open reports whether the incident is still being worked.
func (s Status) Open() bool { return s != StatusResolved && s != StatusClosed }

// CanTransition reports whether from → to is allowed: any forward move
// along the lifecycle, reopening a resolved incident into investigation,
// or stepping back from monitoring to mitigation. CLOSED is terminal.
func CanTransition(from, to Status) bool {
	fi, ti := from.index(), to.index()
	if fi < 0 || ti < 0 || from == StatusClosed {
		return false
	}
	if ti > fi {
		return true
	}
	return (from == StatusResolved && to == StatusInvestigating) ||
		(from == StatusMonitoring && to == StatusMitigating)
}

// Type classifies an incident.
type Type string

const (
	TypeMalware            Type = "MALWARE"
	TypePhishing           Type = "PHISHING"
	TypeDataBreach         Type = "DATA_BREACH"
	TypeDDoS               Type = "DDOS"
	TypeUnauthorizedAccess Type = "UNAUTHORIZED_ACCESS"
	TypeInsiderThreat      Type = "INSIDER_THREAT"
	TypeSecurity           Type = "SECURITY"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeMalware, TypePhishing, TypeDataBreach, TypeDDoS, TypeUnauthorizedAccess, TypeInsiderThreat, TypeSecurity:
		return true
	}
	return false
}

// Milestone names one SLA budget.
type Milestone string

const (
	MilestoneAcknowledge Milestone = "acknowledge"
	MilestoneRespond     Milestone = "respond"
	MilestoneUpdate      Milestone = "update"
	MilestoneResolve     Milestone = "resolve"
)

// SLA holds the time budgets of one severity.
type SLA struct {
	Acknowledge time.Duration `yaml:"acknowledge"`
	Respond     time.Duration `yaml:"respond"`
	Update      time.Duration `yaml:"update"`
	Resolve     time.Duration `yaml:"resolve"`
}

type slaJSON struct {
	Acknowledge string `json:"acknowledge"`
	Respond     string `json:"respond"`
	Update      string `json:"update"`
	Resolve     string `json:"resolve"`
}

// MarshalJSON renders budgets as duration strings ("15m0s").
func (s SLA) MarshalJSON() ([]byte, error) {
	return json.Marshal(slaJSON{
		Acknowledge: s.Acknowledge.String(),
		Respond:     s.Respond.String(),
		Update:      s.Update.String(),
		Resolve:     s.Resolve.String(),
	})
}

// UnmarshalJSON parses duration strings.
func (s *SLA) UnmarshalJSON(b []byte) error {
	var raw slaJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var err error
	parse := func(v string) time.Duration {
		if v == "" || err != nil {
			return 0
		}
		var d time.Duration
		d, err = time.ParseDuration(v)
		return d
	}
	*s = SLA{
		Acknowledge: parse(raw.Acknowledge),
		Respond:     parse(raw.Respond),
		Update:      parse(raw.Update),
		Resolve:     parse(raw.Resolve),
	}
	return err
}

// DefaultSLAs is the severity → SLA table used when none is configured.
func DefaultSLAs() map[Severity]SLA {
	return map[Severity]SLA{
		SEV1: {Acknowledge: 5 * time.Minute, Respond: 15 * time.Minute, Update: 30 * time.Minute, Resolve: 4 * time.Hour},
		SEV2: {Acknowledge: 15 * time.Minute, Respond: 30 * time.Minute, Update: time.Hour, Resolve: 8 * time.Hour},
		SEV3: {Acknowledge: 30 * time.Minute, Respond: 2 * time.Hour, Update: 4 * time.Hour, Resolve: 24 * time.Hour},
		SEV4: {Acknowledge: 2 * time.Hour, Respond: 8 * time.Hour, Update: 24 * time.Hour, Resolve: 72 * time.Hour},
		SEV5: {Acknowledge: 8 * time.Hour, Respond: 24 * time.Hour, Update: 72 * time.Hour, Resolve: 168 * time.Hour},
	}
}

// Breach is one missed SLA milestone.
type Breach struct {
	Milestone Milestone `json:"milestone"`
	Deadline  time.Time `json:"deadline"`
	CheckedAt time.Time `json:"checked_at"`
}

// TimelineEntry is an immutable record of one change to an incident.
type TimelineEntry struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Author    string                 `json:"author,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// RunbookStatus of an attached runbook.
type RunbookStatus string

const (
	RunbookInProgress RunbookStatus = "in_progress"
	RunbookCompleted  RunbookStatus = "completed"
)

// RunbookProgress tracks one runbook attached to an incident.
type RunbookProgress struct {
	RunbookID   string        `json:"runbook_id"`
	Name        string        `json:"name"`
	Steps       []RunbookStep `json:"steps"`
	Completed   []string      `json:"completed"`
	Status      RunbookStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

func (p *RunbookProgress) done(stepID string) bool {
	for _, s := range p.Completed {
		if s == stepID {
			return true
		}
	}
	return false
}

// Incident is a tracked security incident.
type Incident struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Type            Type              `json:"type"`
	Severity        Severity          `json:"severity"`
	Status          Status            `json:"status"`
	Priority        int               `json:"priority"`
	Commander       string            `json:"commander,omitempty"`
	Assignees       []string          `json:"assignees"`
	Stakeholders    []string          `json:"stakeholders,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	SourceAlerts    []string          `json:"source_alerts,omitempty"`
	AffectedAssets  []string          `json:"affected_assets,omitempty"`
	EscalationLevel int               `json:"escalation_level"`
	Timeline        []TimelineEntry   `json:"timeline"`
	Runbooks        []RunbookProgress `json:"runbooks"`
	SLA             SLA               `json:"sla"`
	SLABreaches     []Breach          `json:"sla_breaches"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	IdentifiedAt   *time.Time `json:"identified_at,omitempty"`
	MitigatedAt    *time.Time `json:"mitigated_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	LastUpdateAt   *time.Time `json:"last_update_at,omitempty"`
}

// Clone returns a deep copy of inc.
func (inc *Incident) Clone() *Incident {
	cp := *inc
	cp.Assignees = append([]string(nil), inc.Assignees...)
	cp.Stakeholders = append([]string(nil), inc.Stakeholders...)
	cp.Tags = append([]string(nil), inc.Tags...)
	cp.SourceAlerts = append([]string(nil), inc.SourceAlerts...)
	cp.AffectedAssets = append([]string(nil), inc.AffectedAssets...)
	cp.SLABreaches = append([]Breach(nil), inc.SLABreaches...)
	cp.Timeline = make([]TimelineEntry, len(inc.Timeline))
	for i, e := range inc.Timeline {
		e.Data = fieldpath.Copy(e.Data)
		cp.Timeline[i] = e
	}
	cp.Runbooks = make([]RunbookProgress, len(inc.Runbooks))
	for i, r := range inc.Runbooks {
		r.Steps = append([]RunbookStep(nil), r.Steps...)
		r.Completed = append([]string(nil), r.Completed...)
		r.CompletedAt = copyTime(r.CompletedAt)
		cp.Runbooks[i] = r
	}
	for _, p := range []**time.Time{&cp.AcknowledgedAt, &cp.RespondedAt, &cp.IdentifiedAt, &cp.MitigatedAt, &cp.ResolvedAt, &cp.ClosedAt, &cp.LastUpdateAt} {
		*p = copyTime(*p)
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Breached reports whether m is in the current breach list.
func (inc *Incident) Breached(m Milestone) bool {
	for _, b := range inc.SLABreaches {
		if b.Milestone == m {
			return true
		}
	}
	return false
}

// evaluateSLA returns the milestones missed at now. The update budget runs
// from the last stakeholder update, or creation when none was posted.
func (inc *Incident) evaluateSLA(now time.Time) []Breach {
	var out []Breach
	check := func(m Milestone, met bool, from time.Time, budget time.Duration) {
		if met || budget <= 0 {
			return
		}
		deadline := from.Add(budget)
		if !now.Before(deadline) {
			out = append(out, Breach{Milestone: m, Deadline: deadline, CheckedAt: now})
		}
	}
	check(MilestoneAcknowledge, inc.AcknowledgedAt != nil, inc.CreatedAt, inc.SLA.Acknowledge)
	check(MilestoneRespond, inc.RespondedAt != nil, inc.CreatedAt, inc.SLA.Respond)
	updateFrom := inc.CreatedAt
	if inc.LastUpdateAt != nil {
		updateFrom = *inc.LastUpdateAt
	}
	check(MilestoneUpdate, !inc.Status.Open(), updateFrom, inc.SLA.Update)
	check(MilestoneResolve, inc.ResolvedAt != nil, inc.CreatedAt, inc.SLA.Resolve)
	return out
}

func (inc *Incident) stampStatus(to Status, now time.Time) {
	idx := to.index()
	stamp := func(p **time.Time, from Status) {
		if *p == nil && idx >= from.index() {
			t := now
			*p = &t
		}
	}
	if inc.Status == StatusResolved && to == StatusInvestigating {
		inc.ResolvedAt = nil
	}
	stamp(&inc.AcknowledgedAt, StatusTriaging)
	stamp(&inc.RespondedAt, StatusInvestigating)
	stamp(&inc.IdentifiedAt, StatusIdentified)
	stamp(&inc.MitigatedAt, StatusMonitoring)
	stamp(&inc.ResolvedAt, StatusResolved)
	stamp(&inc.ClosedAt, StatusClosed)
}

func (inc *Incident) String() string {
	return fmt.Sprintf("%s [%s %s] %s", inc.ID, inc.Severity, inc.Status, inc.Title)
}
