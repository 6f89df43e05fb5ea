// Package automation binds the engines together: alert events flow from
// the orchestrator into the aggregator, escalated alerts open incidents and
// start playbooks, and engine operations are exposed to workflows as
// actions.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
	"github.com/gyaneshwarpardhi/soarflow/internal/orchestrator"
	"github.com/gyaneshwarpardhi/soarflow/internal/router"
	"github.com/gyaneshwarpardhi/soarflow/internal/workflow"
)

// Route names registered on the orchestrator.
const (
	RouteAlerts         = "automation.alerts"
	RouteSecurityAlerts = "automation.security-alerts"
)

// Config for a Binder.
type Config struct {
	// Playbooks maps an incident type to the workflow started when an
	// incident of that type is opened from an escalated alert.
	Playbooks map[incident.Type]string
	Logger    *slog.Logger
}

// Engines are the components a Binder connects. Any of them may be nil;
// the bindings that need a missing engine are skipped.
type Engines struct {
	Alerts    *alert.Aggregator
	Incidents *incident.Manager
	Workflows *workflow.Engine
	Events    *orchestrator.Orchestrator
}

// Escalation reports what handling one escalated alert did.
type Escalation struct {
	Incident *incident.Incident `json:"incident"`
	// Linked is set when the alert joined an incident already open for
	// its group instead of opening a new one.
	Linked bool `json:"linked"`
	// PlaybookInstance is the workflow instance started for the incident.
	PlaybookInstance string `json:"playbook_instance,omitempty"`
}

// Binder wires the engines. Create it before the aggregator so its hooks
// can be installed, then call Bind once every engine exists.
type Binder struct {
	logger *slog.Logger

	mu        sync.RWMutex
	engines   Engines
	playbooks map[incident.Type]string

	// escMu serializes escalation handling so one group never opens two
	// incidents.
	escMu   sync.Mutex
	byGroup map[string]string // alert group id -> incident id
}

// New creates a Binder.
func New(conf Config) *Binder {
	if conf.Logger == nil {
		conf.Logger = slog.Default()
	}
	b := &Binder{
		logger:  conf.Logger.With("component", "automation"),
		byGroup: make(map[string]string),
	}
	b.SetPlaybooks(conf.Playbooks)
	return b
}

// SetPlaybooks replaces the incident type to workflow mapping.
func (b *Binder) SetPlaybooks(p map[incident.Type]string) {
	cp := make(map[incident.Type]string, len(p))
	for k, v := range p {
		cp[k] = v
	}
	b.mu.Lock()
	b.playbooks = cp
	b.mu.Unlock()
}

// AlertHooks returns next with OnEscalated extended to open incidents.
func (b *Binder) AlertHooks(next alert.Hooks) alert.Hooks {
	prev := next.OnEscalated
	next.OnEscalated = func(a *alert.Alert) {
		if prev != nil {
			prev(a)
		}
		if _, err := b.HandleEscalation(context.Background(), a); err != nil {
			b.logger.Error("handle escalated alert", "alert", a.ID, "err", err)
		}
	}
	return next
}

// Bind connects the engines: alert routes on the orchestrator and engine
// actions in the workflow registry.
func (b *Binder) Bind(e Engines) error {
	b.mu.Lock()
	b.engines = e
	b.mu.Unlock()

	if e.Events != nil && e.Alerts != nil {
		r := e.Events.Router()
		for _, route := range []router.Route{
			{Name: RouteAlerts, Pattern: "alert.*", Handler: b.ingestAlert},
			{Name: RouteSecurityAlerts, Pattern: "security.alert*", Handler: b.ingestAlert},
		} {
			if err := r.AddRoute(route); err != nil {
				return fmt.Errorf("add route %s: %w", route.Name, err)
			}
		}
	}
	if e.Workflows != nil {
		if err := b.registerActions(e.Workflows); err != nil {
			return err
		}
	}
	b.logger.Info("engines bound",
		"alerts", e.Alerts != nil,
		"incidents", e.Incidents != nil,
		"workflows", e.Workflows != nil,
		"events", e.Events != nil)
	return nil
}

func (b *Binder) get() Engines {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.engines
}

func (b *Binder) ingestAlert(ctx context.Context, ev *event.Event) error {
	agg := b.get().Alerts
	if agg == nil {
		return errors.New("no alert aggregator bound")
	}
	res, err := agg.Process(ctx, AlertFromEvent(ev))
	if err != nil {
		return fmt.Errorf("process alert from event %s: %w", ev.ID, err)
	}
	b.logger.Debug("alert ingested from event", "event", ev.ID, "alert", res.Alert.ID, "outcome", res.Outcome)
	return nil
}

// HandleEscalation opens an incident for an escalated alert, or links the
// alert to the incident already open for its group. A new incident starts
// the playbook registered for its type.
func (b *Binder) HandleEscalation(ctx context.Context, a *alert.Alert) (*Escalation, error) {
	e := b.get()
	if e.Incidents == nil {
		return nil, errors.New("no incident manager bound")
	}

	b.escMu.Lock()
	defer b.escMu.Unlock()

	if id, ok := b.byGroup[a.GroupID]; ok && a.GroupID != "" {
		inc, err := e.Incidents.Get(ctx, id)
		switch {
		case err == nil && inc.Status.Open():
			inc, err = e.Incidents.LinkAlert(ctx, id, a.ID, "system")
			if err != nil {
				return nil, err
			}
			b.logger.Info("escalated alert linked to open incident", "alert", a.ID, "incident", id)
			return &Escalation{Incident: inc, Linked: true}, nil
		case err != nil && !errors.Is(err, incident.ErrNotFound):
			return nil, err
		}
		delete(b.byGroup, a.GroupID)
	}

	inc, err := e.Incidents.CreateFromAlert(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("create incident from alert %s: %w", a.ID, err)
	}
	if a.GroupID != "" {
		b.byGroup[a.GroupID] = inc.ID
	}
	out := &Escalation{Incident: inc}

	b.mu.RLock()
	wfID := b.playbooks[inc.Type]
	b.mu.RUnlock()
	if wfID == "" || e.Workflows == nil {
		return out, nil
	}
	inst, err := e.Workflows.Start(ctx, wfID, map[string]interface{}{
		"incident": incidentFields(inc),
		"alert":    a.Fields(),
	})
	if err != nil {
		// The incident stands on its own; a playbook failure only leaves a note.
		b.logger.Error("start playbook", "incident", inc.ID, "workflow", wfID, "err", err)
		if _, nerr := e.Incidents.AddNote(ctx, inc.ID, "system", fmt.Sprintf("playbook %s failed to start: %v", wfID, err)); nerr != nil {
			b.logger.Error("note playbook failure", "incident", inc.ID, "err", nerr)
		}
		return out, nil
	}
	out.PlaybookInstance = inst.ID
	if _, err := e.Incidents.AddNote(ctx, inc.ID, "system", fmt.Sprintf("playbook %s started as instance %s", wfID, inst.ID)); err != nil {
		b.logger.Error("note playbook start", "incident", inc.ID, "err", err)
	}
	return out, nil
}

func incidentFields(inc *incident.Incident) map[string]interface{} {
	assets := make([]interface{}, len(inc.AffectedAssets))
	for i, s := range inc.AffectedAssets {
		assets[i] = s
	}
	return map[string]interface{}{
		"id":       inc.ID,
		"title":    inc.Title,
		"type":     string(inc.Type),
		"severity": string(inc.Severity),
		"status":   string(inc.Status),
		"priority": inc.Priority,
		"assets":   assets,
	}
}
