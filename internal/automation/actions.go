package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/soarflow/internal/action"
	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
	"github.com/gyaneshwarpardhi/soarflow/internal/workflow"
)

// Action names registered by Bind.
const (
	ActionAlertAcknowledge     = "alert.acknowledge"
	ActionAlertResolve         = "alert.resolve"
	ActionAlertEscalate        = "alert.escalate"
	ActionIncidentCreate       = "incident.create"
	ActionIncidentUpdateStatus = "incident.update_status"
	ActionIncidentNote         = "incident.note"
	ActionIncidentEscalate     = "incident.escalate"
	ActionEventIngest          = "event.ingest"
)

const defaultActor = "workflow"

// errMissingParam is wrapped by handlers when a required param is absent.
var errMissingParam = errors.New("missing required param")

type params map[string]interface{}

func (p params) str(key string) string {
	s, _ := fieldpath.String(p, key)
	return s
}

func (p params) required(key string) (string, error) {
	if s := p.str(key); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("%w: %s", errMissingParam, key)
}

func (p params) actor() string {
	for _, k := range []string{"actor", "author"} {
		if s := p.str(k); s != "" {
			return s
		}
	}
	return defaultActor
}

func (p params) list(key string) []string { return stringList(p[key]) }

func (b *Binder) registerActions(wf *workflow.Engine) error {
	reg := wf.Actions()
	e := b.get()
	var errs []error
	add := func(name string, h action.Handler, opts action.Options) {
		if reg.Has(name) {
			b.logger.Warn("action already registered; keeping existing", "action", name)
			return
		}
		errs = append(errs, reg.Register(name, h, opts))
	}

	if e.Alerts != nil {
		add(ActionAlertAcknowledge, b.alertOp(func(ctx context.Context, agg *alert.Aggregator, id string, p params) (*alert.Alert, error) {
			return agg.Acknowledge(ctx, id, p.actor())
		}), action.Options{})
		add(ActionAlertResolve, b.alertOp(func(ctx context.Context, agg *alert.Aggregator, id string, p params) (*alert.Alert, error) {
			return agg.Resolve(ctx, id, p.actor(), p.str("note"))
		}), action.Options{})
		add(ActionAlertEscalate, b.alertOp(func(ctx context.Context, agg *alert.Aggregator, id string, p params) (*alert.Alert, error) {
			return agg.Escalate(ctx, id, p.actor(), p.str("note"))
		}), action.Options{NoRetry: true})
	}

	if e.Incidents != nil {
		add(ActionIncidentCreate, b.createIncident, action.Options{NoRetry: true})
		add(ActionIncidentUpdateStatus, b.incidentOp(func(ctx context.Context, m *incident.Manager, id string, p params) (*incident.Incident, error) {
			to := incident.Status(p.str("status"))
			if !to.Valid() {
				return nil, fmt.Errorf("unknown incident status %q", to)
			}
			return m.UpdateStatus(ctx, id, to, p.actor(), p.str("note"))
		}), action.Options{})
		add(ActionIncidentNote, b.incidentOp(func(ctx context.Context, m *incident.Manager, id string, p params) (*incident.Incident, error) {
			note, err := p.required("note")
			if err != nil {
				return nil, err
			}
			return m.AddNote(ctx, id, p.actor(), note)
		}), action.Options{NoRetry: true})
		add(ActionIncidentEscalate, b.incidentOp(func(ctx context.Context, m *incident.Manager, id string, p params) (*incident.Incident, error) {
			return m.Escalate(ctx, id, p.list("stakeholders"), p.actor(), p.str("reason"))
		}), action.Options{NoRetry: true})
	}

	if e.Events != nil {
		add(ActionEventIngest, b.ingestEvent, action.Options{NoRetry: true})
	}
	return errors.Join(errs...)
}

func (b *Binder) alertOp(fn func(ctx context.Context, agg *alert.Aggregator, id string, p params) (*alert.Alert, error)) action.Handler {
	return func(ctx context.Context, raw, _ map[string]interface{}) (interface{}, error) {
		p := params(raw)
		id, err := p.required("id")
		if err != nil {
			return nil, err
		}
		a, err := fn(ctx, b.get().Alerts, id, p)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"id":       a.ID,
			"status":   string(a.Status),
			"priority": a.Priority,
			"groupId":  a.GroupID,
		}, nil
	}
}

func (b *Binder) incidentOp(fn func(ctx context.Context, m *incident.Manager, id string, p params) (*incident.Incident, error)) action.Handler {
	return func(ctx context.Context, raw, _ map[string]interface{}) (interface{}, error) {
		p := params(raw)
		id, err := p.required("id")
		if err != nil {
			return nil, err
		}
		inc, err := fn(ctx, b.get().Incidents, id, p)
		if err != nil {
			return nil, err
		}
		return incidentFields(inc), nil
	}
}

func (b *Binder) createIncident(ctx context.Context, raw, _ map[string]interface{}) (interface{}, error) {
	p := params(raw)
	title, err := p.required("title")
	if err != nil {
		return nil, err
	}
	sev := incident.Severity(p.str("severity"))
	if sev != "" && !sev.Valid() {
		return nil, fmt.Errorf("unknown incident severity %q", sev)
	}
	inc, err := b.get().Incidents.Create(ctx, incident.NewIncident{
		Title:          title,
		Description:    p.str("description"),
		Type:           incident.Type(p.str("type")),
		Severity:       sev,
		Commander:      p.str("commander"),
		Assignees:      p.list("assignees"),
		Stakeholders:   p.list("stakeholders"),
		Tags:           p.list("tags"),
		SourceAlerts:   p.list("alerts"),
		AffectedAssets: p.list("assets"),
		Author:         p.actor(),
	})
	if err != nil {
		return nil, err
	}
	return incidentFields(inc), nil
}

func (b *Binder) ingestEvent(ctx context.Context, raw, _ map[string]interface{}) (interface{}, error) {
	p := params(raw)
	typ, err := p.required("type")
	if err != nil {
		return nil, err
	}
	data, _ := raw["data"].(map[string]interface{})
	source := p.str("source")
	if source == "" {
		source = defaultActor
	}
	ev, err := b.get().Events.Ingest(ctx, &event.Event{
		Type:   typ,
		Source: source,
		Data:   fieldpath.Copy(data),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": ev.ID, "state": string(ev.State)}, nil
}
