package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
	"github.com/gyaneshwarpardhi/soarflow/internal/clock"
	"github.com/gyaneshwarpardhi/soarflow/internal/metrics"
	"github.com/gyaneshwarpardhi/soarflow/internal/store"
	"github.com/gyaneshwarpardhi/soarflow/internal/store/memstore"
)

var tracer = otel.Tracer("github.com/gyaneshwarpardhi/soarflow/internal/incident")

// Notification event types passed to the Notifier.
const (
	EventCreated         = "incident.created"
	EventStatusChanged   = "incident.status_changed"
	EventSeverityChanged = "incident.severity_changed"
	EventAssigned        = "incident.assigned"
	EventEscalated       = "incident.escalated"
	EventSLABreached     = "incident.sla_breached"
)

// Notifier is told about every incident state change. Errors are logged and
// counted; they never undo the change.
type Notifier interface {
	Notify(ctx context.Context, inc *Incident, eventType string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, inc *Incident, eventType string) error

func (f NotifierFunc) Notify(ctx context.Context, inc *Incident, eventType string) error {
	return f(ctx, inc, eventType)
}

// Config for the manager. Zero values take the defaults noted.
type Config struct {
	SLAs          map[Severity]SLA // DefaultSLAs
	CheckInterval time.Duration    // 1m
	Runbooks      []Runbook        // DefaultRunbooks

	Incidents store.Repository[*Incident]
	Notifier  Notifier
	Clock     clock.Clock
	Logger    *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.SLAs == nil {
		c.SLAs = DefaultSLAs()
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.Runbooks == nil {
		c.Runbooks = DefaultRunbooks()
	}
	if c.Incidents == nil {
		c.Incidents = memstore.New[*Incident]()
	}
	c.Clock = clock.OrDefault(c.Clock)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns incident lifecycle, SLA tracking and runbook progress.
type Manager struct {
	conf   Config
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	runbooks map[string]Runbook
	order    []string // runbook registration order

	taskMu sync.Mutex
	task   *clock.Task
}

// New creates a Manager. Invalid runbooks in conf are skipped with a log line.
func New(conf Config) *Manager {
	conf.applyDefaults()
	m := &Manager{
		conf:     conf,
		clock:    conf.Clock,
		logger:   conf.Logger.With("component", "incident"),
		runbooks: make(map[string]Runbook),
	}
	for _, rb := range conf.Runbooks {
		if err := m.RegisterRunbook(rb); err != nil {
			m.logger.Warn("skipping runbook", "runbook", rb.ID, "err", err)
		}
	}
	return m
}

func newID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

func (m *Manager) slaFor(s Severity) SLA {
	if sla, ok := m.conf.SLAs[s]; ok {
		return sla
	}
	return DefaultSLAs()[s]
}

func appendEntry(inc *Incident, typ, msg, author string, data map[string]interface{}, now time.Time) {
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		ID:        newID(now),
		Type:      typ,
		Message:   msg,
		Data:      data,
		Author:    author,
		Timestamp: now,
	})
	inc.UpdatedAt = now
}

func (m *Manager) notify(ctx context.Context, inc *Incident, events ...string) {
	if m.conf.Notifier == nil {
		return
	}
	for _, ev := range events {
		if err := m.conf.Notifier.Notify(ctx, inc.Clone(), ev); err != nil {
			metrics.NotificationFailures.Inc()
			m.logger.Error("incident notification failed", "incident", inc.ID, "event", ev, "err", err)
		}
	}
}

// NewIncident describes an incident to create.
type NewIncident struct {
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Type           Type     `json:"type,omitempty"`
	Severity       Severity `json:"severity"`
	Commander      string   `json:"commander,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
	Stakeholders   []string `json:"stakeholders,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	SourceAlerts   []string `json:"source_alerts,omitempty"`
	AffectedAssets []string `json:"affected_assets,omitempty"`
	Author         string   `json:"author,omitempty"`
}

// Create opens a new incident in DETECTED. An empty severity means SEV3 and
// an empty type means SECURITY.
func (m *Manager) Create(ctx context.Context, in NewIncident) (*Incident, error) {
	ctx, span := tracer.Start(ctx, "incident.create")
	defer span.End()

	if strings.TrimSpace(in.Title) == "" {
		return nil, errors.New("incident title is required")
	}
	if in.Severity == "" {
		in.Severity = SEV3
	}
	if !in.Severity.Valid() {
		return nil, fmt.Errorf("unknown incident severity %q", in.Severity)
	}
	if in.Type == "" {
		in.Type = TypeSecurity
	}
	now := m.clock.Now().UTC()
	inc := &Incident{
		ID:             newID(now),
		Title:          in.Title,
		Description:    in.Description,
		Type:           in.Type,
		Severity:       in.Severity,
		Status:         StatusDetected,
		Priority:       in.Severity.Priority(),
		Commander:      in.Commander,
		Assignees:      dedupe(nil, in.Assignees...),
		Stakeholders:   dedupe(nil, in.Stakeholders...),
		Tags:           dedupe(nil, in.Tags...),
		SourceAlerts:   dedupe(nil, in.SourceAlerts...),
		AffectedAssets: dedupe(nil, in.AffectedAssets...),
		SLA:            m.slaFor(in.Severity),
		CreatedAt:      now,
	}
	author := in.Author
	if author == "" {
		author = "system"
	}
	appendEntry(inc, "created", fmt.Sprintf("Incident created: %s", inc.Title), author,
		map[string]interface{}{"severity": string(inc.Severity), "type": string(inc.Type)}, now)
	span.SetAttributes(attribute.String("incident.id", inc.ID), attribute.String("incident.severity", string(inc.Severity)))

	m.mu.Lock()
	err := m.conf.Incidents.Set(ctx, inc.ID, inc)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("store incident: %w", err)
	}

	metrics.IncidentsCreated.WithLabelValues(string(inc.Severity)).Inc()
	m.logger.Info("incident created", "incident", inc.ID, "severity", inc.Severity, "type", inc.Type)
	m.notify(ctx, inc, EventCreated)
	return inc.Clone(), nil
}

var alertSeverities = map[alert.Severity]Severity{
	alert.SeverityCritical: SEV1,
	alert.SeverityHigh:     SEV2,
	alert.SeverityMedium:   SEV3,
	alert.SeverityLow:      SEV4,
	alert.SeverityInfo:     SEV5,
}

// InferType guesses an incident type from an alert type.
func InferType(alertType string) Type {
	t := strings.ToLower(alertType)
	switch {
	case strings.Contains(t, "malware"):
		return TypeMalware
	case strings.Contains(t, "phishing"):
		return TypePhishing
	case strings.Contains(t, "breach"):
		return TypeDataBreach
	case strings.Contains(t, "ddos"):
		return TypeDDoS
	case strings.Contains(t, "unauthorized"):
		return TypeUnauthorizedAccess
	case strings.Contains(t, "insider"):
		return TypeInsiderThreat
	}
	return TypeSecurity
}

// CreateFromAlert opens an incident for a, mapping its severity and type and
// attaching the default runbook registered for that type, if any.
func (m *Manager) CreateFromAlert(ctx context.Context, a *alert.Alert) (*Incident, error) {
	sev, ok := alertSeverities[alert.ParseSeverity(string(a.Severity))]
	if !ok {
		sev = SEV3
	}
	title := a.Title
	if title == "" {
		title = fmt.Sprintf("%s from %s", a.Type, a.Source)
	}
	assets := append([]string(nil), a.Assets...)
	if host := a.LookupString("host"); host != "" {
		assets = append(assets, host)
	}
	typ := InferType(a.Type)
	inc, err := m.Create(ctx, NewIncident{
		Title:          title,
		Description:    a.Description,
		Type:           typ,
		Severity:       sev,
		Assignees:      nonEmpty(a.Assignee),
		Tags:           nonEmpty(a.Type),
		SourceAlerts:   []string{a.ID},
		AffectedAssets: assets,
		Author:         "system",
	})
	if err != nil {
		return nil, err
	}
	if rb, ok := m.runbookForType(typ); ok {
		return m.AttachRunbook(ctx, inc.ID, rb.ID, "system")
	}
	return inc, nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func contains(list []string, v string) bool {
	for _, have := range list {
		if have == v {
			return true
		}
	}
	return false
}

func dedupe(list []string, add ...string) []string {
	for _, v := range add {
		if v != "" && !contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}

// Get returns a copy of the incident.
func (m *Manager) Get(ctx context.Context, id string) (*Incident, error) {
	m.mu.Lock()
	inc, ok, err := m.conf.Incidents.Get(ctx, id)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("load incident: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inc.Clone(), nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status   Status
	Severity Severity
	Type     Type
	Assignee string
	OpenOnly bool
	Limit    int
}

func (f Filter) match(inc *Incident) bool {
	if f.Status != "" && inc.Status != f.Status {
		return false
	}
	if f.Severity != "" && inc.Severity != f.Severity {
		return false
	}
	if f.Type != "" && inc.Type != f.Type {
		return false
	}
	if f.OpenOnly && !inc.Status.Open() {
		return false
	}
	if f.Assignee != "" && !contains(inc.Assignees, f.Assignee) {
		return false
	}
	return true
}

// List returns matching incidents, most severe first and newest first within
// a severity.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Incident, error) {
	m.mu.Lock()
	all, err := m.conf.Incidents.List(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	out := make([]*Incident, 0, len(all))
	for _, inc := range all {
		if f.match(inc) {
			out = append(out, inc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// update loads id, applies fn to a copy under the lock and stores it. fn
// returns the notification events to send once the lock is released.
func (m *Manager) update(ctx context.Context, op, id string, fn func(inc *Incident, now time.Time) ([]string, error)) (*Incident, error) {
	ctx, span := tracer.Start(ctx, "incident."+op, trace.WithAttributes(attribute.String("incident.id", id)))
	defer span.End()

	now := m.clock.Now().UTC()
	m.mu.Lock()
	inc, ok, err := m.conf.Incidents.Get(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("load incident: %w", err)
	}
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	inc = inc.Clone()
	events, err := fn(inc, now)
	if err == nil {
		err = m.conf.Incidents.Set(ctx, inc.ID, inc)
		if err != nil {
			err = fmt.Errorf("store incident: %w", err)
		}
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.notify(ctx, inc, events...)
	return inc.Clone(), nil
}

// UpdateStatus moves an incident along its lifecycle, stamping the
// milestone timestamps it reaches.
func (m *Manager) UpdateStatus(ctx context.Context, id string, to Status, author, note string) (*Incident, error) {
	return m.update(ctx, "update_status", id, func(inc *Incident, now time.Time) ([]string, error) {
		if !CanTransition(inc.Status, to) {
			return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, inc.Status, to)
		}
		from := inc.Status
		inc.stampStatus(to, now)
		inc.Status = to
		msg := fmt.Sprintf("Status changed from %s to %s", from, to)
		if note != "" {
			msg += ": " + note
		}
		appendEntry(inc, "status_change", msg, author,
			map[string]interface{}{"from": string(from), "to": string(to)}, now)
		metrics.IncidentTransitions.WithLabelValues(string(to)).Inc()
		return []string{EventStatusChanged}, nil
	})
}

// UpdateSeverity changes severity and recomputes the SLA budgets.
func (m *Manager) UpdateSeverity(ctx context.Context, id string, sev Severity, author, reason string) (*Incident, error) {
	if !sev.Valid() {
		return nil, fmt.Errorf("unknown incident severity %q", sev)
	}
	return m.update(ctx, "update_severity", id, func(inc *Incident, now time.Time) ([]string, error) {
		if inc.Severity == sev {
			return nil, nil
		}
		from := inc.Severity
		inc.Severity = sev
		inc.Priority = sev.Priority()
		inc.SLA = m.slaFor(sev)
		inc.SLABreaches = inc.evaluateSLA(now)
		msg := fmt.Sprintf("Severity changed from %s to %s", from, sev)
		if reason != "" {
			msg += ": " + reason
		}
		appendEntry(inc, "severity_change", msg, author,
			map[string]interface{}{"from": string(from), "to": string(sev)}, now)
		return []string{EventSeverityChanged}, nil
	})
}

// Assign adds an assignee.
func (m *Manager) Assign(ctx context.Context, id, assignee, author string) (*Incident, error) {
	if assignee == "" {
		return nil, errors.New("assignee is required")
	}
	return m.update(ctx, "assign", id, func(inc *Incident, now time.Time) ([]string, error) {
		inc.Assignees = dedupe(inc.Assignees, assignee)
		appendEntry(inc, "assigned", fmt.Sprintf("Assigned to %s", assignee), author,
			map[string]interface{}{"assignee": assignee}, now)
		return []string{EventAssigned}, nil
	})
}

// SetCommander names the incident commander.
func (m *Manager) SetCommander(ctx context.Context, id, commander, author string) (*Incident, error) {
	return m.update(ctx, "set_commander", id, func(inc *Incident, now time.Time) ([]string, error) {
		prev := inc.Commander
		inc.Commander = commander
		appendEntry(inc, "commander", fmt.Sprintf("Incident commander set to %s", commander), author,
			map[string]interface{}{"from": prev, "to": commander}, now)
		return []string{EventAssigned}, nil
	})
}

// AddNote appends a free-form note.
func (m *Manager) AddNote(ctx context.Context, id, author, note string) (*Incident, error) {
	return m.update(ctx, "add_note", id, func(inc *Incident, now time.Time) ([]string, error) {
		appendEntry(inc, "note", note, author, nil, now)
		return nil, nil
	})
}

// PostUpdate records a stakeholder communication, which restarts the update
// SLA clock.
func (m *Manager) PostUpdate(ctx context.Context, id, author, message string) (*Incident, error) {
	return m.update(ctx, "post_update", id, func(inc *Incident, now time.Time) ([]string, error) {
		t := now
		inc.LastUpdateAt = &t
		appendEntry(inc, "update", message, author, nil, now)
		return nil, nil
	})
}

// Escalate raises the escalation level and adds stakeholders. Status is left
// unchanged.
func (m *Manager) Escalate(ctx context.Context, id string, stakeholders []string, author, reason string) (*Incident, error) {
	return m.update(ctx, "escalate", id, func(inc *Incident, now time.Time) ([]string, error) {
		inc.EscalationLevel++
		inc.Stakeholders = dedupe(inc.Stakeholders, stakeholders...)
		msg := fmt.Sprintf("Escalated to level %d", inc.EscalationLevel)
		if reason != "" {
			msg += ": " + reason
		}
		appendEntry(inc, "escalation", msg, author, map[string]interface{}{
			"level":        inc.EscalationLevel,
			"stakeholders": append([]string(nil), stakeholders...),
		}, now)
		return []string{EventEscalated}, nil
	})
}

// LinkAlert records an additional source alert.
func (m *Manager) LinkAlert(ctx context.Context, id, alertID, author string) (*Incident, error) {
	return m.update(ctx, "link_alert", id, func(inc *Incident, now time.Time) ([]string, error) {
		inc.SourceAlerts = dedupe(inc.SourceAlerts, alertID)
		appendEntry(inc, "alert_linked", fmt.Sprintf("Linked alert %s", alertID), author,
			map[string]interface{}{"alert_id": alertID}, now)
		return nil, nil
	})
}

// RegisterRunbook adds or replaces a runbook definition.
func (m *Manager) RegisterRunbook(rb Runbook) error {
	if err := rb.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runbooks[rb.ID]; !ok {
		m.order = append(m.order, rb.ID)
	}
	m.runbooks[rb.ID] = rb.clone()
	return nil
}

// Runbooks returns registered runbooks in registration order.
func (m *Manager) Runbooks() []Runbook {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Runbook, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.runbooks[id].clone())
	}
	return out
}

func (m *Manager) runbookForType(t Type) (Runbook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if rb := m.runbooks[id]; rb.IncidentType == t {
			return rb.clone(), true
		}
	}
	return Runbook{}, false
}

// AttachRunbook starts tracking a registered runbook on the incident.
func (m *Manager) AttachRunbook(ctx context.Context, id, runbookID, author string) (*Incident, error) {
	m.mu.Lock()
	rb, ok := m.runbooks[runbookID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: runbook %s", ErrNotFound, runbookID)
	}
	rb = rb.clone()
	return m.update(ctx, "attach_runbook", id, func(inc *Incident, now time.Time) ([]string, error) {
		for _, p := range inc.Runbooks {
			if p.RunbookID == runbookID {
				return nil, fmt.Errorf("%w: %s", ErrRunbookAttached, runbookID)
			}
		}
		inc.Runbooks = append(inc.Runbooks, RunbookProgress{
			RunbookID: rb.ID,
			Name:      rb.Name,
			Steps:     rb.Steps,
			Completed: []string{},
			Status:    RunbookInProgress,
			StartedAt: now,
		})
		appendEntry(inc, "runbook_attached", fmt.Sprintf("Runbook attached: %s", rb.Name), author,
			map[string]interface{}{"runbook_id": rb.ID}, now)
		return nil, nil
	})
}

// UpdateRunbookProgress marks stepID complete. The runbook completes once
// every required step is done.
func (m *Manager) UpdateRunbookProgress(ctx context.Context, id, runbookID, stepID, author string) (*Incident, error) {
	return m.update(ctx, "runbook_progress", id, func(inc *Incident, now time.Time) ([]string, error) {
		idx := -1
		for i, p := range inc.Runbooks {
			if p.RunbookID == runbookID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: runbook %s not attached", ErrNotFound, runbookID)
		}
		p := &inc.Runbooks[idx]
		if !(Runbook{Steps: p.Steps}).hasStep(stepID) {
			return nil, fmt.Errorf("%w: runbook step %s", ErrNotFound, stepID)
		}
		if p.done(stepID) {
			return nil, nil
		}
		p.Completed = append(p.Completed, stepID)
		appendEntry(inc, "runbook_step", fmt.Sprintf("Runbook %s step completed: %s", p.Name, stepID), author,
			map[string]interface{}{"runbook_id": runbookID, "step_id": stepID}, now)

		if p.Status == RunbookCompleted {
			return nil, nil
		}
		for _, s := range p.Steps {
			if s.Required && !p.done(s.ID) {
				return nil, nil
			}
		}
		t := now
		p.Status = RunbookCompleted
		p.CompletedAt = &t
		appendEntry(inc, "runbook_completed", fmt.Sprintf("Runbook completed: %s", p.Name), author,
			map[string]interface{}{"runbook_id": runbookID}, now)
		return nil, nil
	})
}

// SLAReport lists the breaches of one incident.
type SLAReport struct {
	IncidentID string   `json:"incident_id"`
	Severity   Severity `json:"severity"`
	Breaches   []Breach `json:"breaches"`
}

// CheckSLA recomputes the breach list of every open incident and returns
// those with at least one breach. Newly breached milestones are added to the
// timeline and notified.
func (m *Manager) CheckSLA(ctx context.Context) ([]SLAReport, error) {
	ctx, span := tracer.Start(ctx, "incident.check_sla")
	defer span.End()

	now := m.clock.Now().UTC()
	m.mu.Lock()
	all, err := m.conf.Incidents.List(ctx)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	var (
		reports  []SLAReport
		breached []*Incident
		counts   = map[Milestone]int{}
	)
	for _, inc := range all {
		if !inc.Status.Open() {
			continue
		}
		inc = inc.Clone()
		fresh := m.applySLA(inc, now)
		if fresh {
			breached = append(breached, inc.Clone())
		}
		if err := m.conf.Incidents.Set(ctx, inc.ID, inc); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("store incident: %w", err)
		}
		for _, b := range inc.SLABreaches {
			counts[b.Milestone]++
		}
		if len(inc.SLABreaches) > 0 {
			reports = append(reports, SLAReport{
				IncidentID: inc.ID,
				Severity:   inc.Severity,
				Breaches:   append([]Breach(nil), inc.SLABreaches...),
			})
		}
	}
	m.mu.Unlock()

	for _, ms := range []Milestone{MilestoneAcknowledge, MilestoneRespond, MilestoneUpdate, MilestoneResolve} {
		metrics.SLABreaches.WithLabelValues(string(ms)).Set(float64(counts[ms]))
	}
	for _, inc := range breached {
		m.logger.Warn("incident SLA breached", "incident", inc.ID, "severity", inc.Severity, "breaches", len(inc.SLABreaches))
		m.notify(ctx, inc, EventSLABreached)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].IncidentID < reports[j].IncidentID })
	span.SetAttributes(attribute.Int("incident.breached", len(reports)))
	return reports, nil
}

// applySLA replaces inc's breach list and reports whether a milestone was
// breached that was not breached before.
func (m *Manager) applySLA(inc *Incident, now time.Time) bool {
	current := inc.evaluateSLA(now)
	var fresh []string
	for _, b := range current {
		if !inc.Breached(b.Milestone) {
			fresh = append(fresh, string(b.Milestone))
		}
	}
	inc.SLABreaches = current
	if len(fresh) == 0 {
		return false
	}
	appendEntry(inc, "sla_breach", fmt.Sprintf("SLA breached: %s", strings.Join(fresh, ", ")), "system",
		map[string]interface{}{"milestones": fresh}, now)
	return true
}

// CheckIncidentSLA recomputes and returns the breach list of one incident.
func (m *Manager) CheckIncidentSLA(ctx context.Context, id string) ([]Breach, error) {
	inc, err := m.update(ctx, "check_sla", id, func(inc *Incident, now time.Time) ([]string, error) {
		if !inc.Status.Open() {
			inc.SLABreaches = nil
			return nil, nil
		}
		if m.applySLA(inc, now) {
			return []string{EventSLABreached}, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return inc.SLABreaches, nil
}

// Metrics summarizes incidents.
type Metrics struct {
	Total      int              `json:"total"`
	Open       int              `json:"open"`
	Breached   int              `json:"breached"`
	ByStatus   map[Status]int   `json:"by_status"`
	BySeverity map[Severity]int `json:"by_severity"`
	MTTA       time.Duration    `json:"mtta"`
	MTTR       time.Duration    `json:"mttr"`
}

// Metrics computes counts and the mean time to acknowledge and resolve.
func (m *Manager) Metrics(ctx context.Context) (Metrics, error) {
	m.mu.Lock()
	all, err := m.conf.Incidents.List(ctx)
	m.mu.Unlock()
	if err != nil {
		return Metrics{}, fmt.Errorf("list incidents: %w", err)
	}
	out := Metrics{
		Total:      len(all),
		ByStatus:   make(map[Status]int),
		BySeverity: make(map[Severity]int),
	}
	var ackSum, resSum time.Duration
	var ackN, resN int
	for _, inc := range all {
		out.ByStatus[inc.Status]++
		out.BySeverity[inc.Severity]++
		if inc.Status.Open() {
			out.Open++
		}
		if len(inc.SLABreaches) > 0 {
			out.Breached++
		}
		if inc.AcknowledgedAt != nil {
			ackSum += inc.AcknowledgedAt.Sub(inc.CreatedAt)
			ackN++
		}
		if inc.ResolvedAt != nil {
			resSum += inc.ResolvedAt.Sub(inc.CreatedAt)
			resN++
		}
	}
	if ackN > 0 {
		out.MTTA = ackSum / time.Duration(ackN)
	}
	if resN > 0 {
		out.MTTR = resSum / time.Duration(resN)
	}
	return out, nil
}

// Start runs CheckSLA every CheckInterval until ctx is done or Stop is
// called.
func (m *Manager) Start(ctx context.Context) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	if m.task != nil {
		return
	}
	m.task = clock.Every(ctx, m.clock, m.conf.CheckInterval, func(ctx context.Context) {
		if _, err := m.CheckSLA(ctx); err != nil {
			m.logger.Error("SLA check failed", "err", err)
		}
	})
}

// Stop halts periodic SLA checks.
func (m *Manager) Stop() {
	m.taskMu.Lock()
	task := m.task
	m.task = nil
	m.taskMu.Unlock()
	if task != nil {
		task.Stop()
	}
}
