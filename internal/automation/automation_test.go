package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
	"github.com/gyaneshwarpardhi/soarflow/internal/clock"
	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
	"github.com/gyaneshwarpardhi/soarflow/internal/orchestrator"
	"github.com/gyaneshwarpardhi/soarflow/internal/workflow"
)

type fixture struct {
	binder    *Binder
	mock      *clock.Mock
	alerts    *alert.Aggregator
	incidents *incident.Manager
	workflows *workflow.Engine
	events    *orchestrator.Orchestrator
}

func newFixture(t *testing.T, threshold int, playbooks map[incident.Type]string) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Add(time.Hour)

	b := New(Config{Playbooks: playbooks})
	f := &fixture{
		binder:    b,
		mock:      mock,
		alerts:    alert.New(alert.Config{Clock: mock, AutoEscalateThreshold: threshold, Hooks: b.AlertHooks(alert.Hooks{})}),
		incidents: incident.New(incident.Config{Clock: mock}),
		workflows: workflow.New(workflow.Config{RetryDelay: time.Millisecond}),
		events:    orchestrator.New(orchestrator.Config{Clock: mock, BufferSize: 10}),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.workflows.Shutdown(ctx)
	})
	require.NoError(t, b.Bind(Engines{
		Alerts:    f.alerts,
		Incidents: f.incidents,
		Workflows: f.workflows,
		Events:    f.events,
	}))
	return f
}

func malware(host string) *alert.Alert {
	return &alert.Alert{
		Type:     "malware.detected",
		Source:   "edr",
		Severity: alert.SeverityHigh,
		Title:    "Emotet on " + host,
		Data:     map[string]interface{}{"host": host},
	}
}

func TestAlertEventsRouteIntoAggregator(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 101, nil)
	ctx := context.Background()

	res := f.events.Process(ctx, &event.Event{
		Type:   "security.alert",
		Source: "suricata",
		Data: map[string]interface{}{
			"alert_type": "network.c2_beacon",
			"severity":   "critical",
			"title":      "Beacon to known C2",
			"host":       "ws-12",
			"assets":     []interface{}{"ws-12"},
			"indicators": []interface{}{"203.0.113.9"},
		},
	})
	require.Empty(t, res.Error)
	assert.Equal(t, event.StateCompleted, res.State)
	assert.Equal(t, []string{RouteSecurityAlerts}, res.RoutesMatched)

	other := f.events.Process(ctx, &event.Event{Type: "auth.failure", Source: "okta"})
	assert.Empty(t, other.RoutesMatched)

	list, err := f.alerts.List(ctx, alert.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	a := list[0]
	assert.Equal(t, "network.c2_beacon", a.Type)
	assert.Equal(t, "suricata", a.Source)
	assert.Equal(t, alert.SeverityCritical, a.Severity)
	assert.Equal(t, []string{"ws-12"}, a.Assets)
	assert.Equal(t, []string{"203.0.113.9"}, a.Indicators)
}

func TestEscalationOpensOneIncidentPerGroup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 101, nil)
	ctx := context.Background()

	first, err := f.alerts.Process(ctx, malware("ws-7"))
	require.NoError(t, err)
	_, err = f.alerts.Escalate(ctx, first.Alert.ID, "analyst", "confirmed")
	require.NoError(t, err)

	incs, err := f.incidents.List(ctx, incident.Filter{})
	require.NoError(t, err)
	require.Len(t, incs, 1)
	inc := incs[0]
	assert.Equal(t, incident.TypeMalware, inc.Type)
	assert.Equal(t, incident.SEV2, inc.Severity)
	assert.Equal(t, []string{first.Alert.ID}, inc.SourceAlerts)

	// Past the dedupe window the same fingerprint joins the open group.
	f.mock.Add(10 * time.Minute)
	second, err := f.alerts.Process(ctx, malware("ws-7"))
	require.NoError(t, err)
	require.Equal(t, alert.OutcomeNew, second.Outcome)
	require.Equal(t, first.GroupID, second.GroupID)

	esc, err := f.binder.HandleEscalation(ctx, second.Alert)
	require.NoError(t, err)
	assert.True(t, esc.Linked)
	assert.Equal(t, inc.ID, esc.Incident.ID)
	assert.Equal(t, []string{first.Alert.ID, second.Alert.ID}, esc.Incident.SourceAlerts)

	incs, err = f.incidents.List(ctx, incident.Filter{})
	require.NoError(t, err)
	assert.Len(t, incs, 1)

	// A resolved incident no longer absorbs escalations from its group.
	_, err = f.incidents.UpdateStatus(ctx, inc.ID, incident.StatusResolved, "analyst", "")
	require.NoError(t, err)
	esc, err = f.binder.HandleEscalation(ctx, second.Alert)
	require.NoError(t, err)
	assert.False(t, esc.Linked)
	assert.NotEqual(t, inc.ID, esc.Incident.ID)
}

func TestAutoEscalationStartsPlaybook(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, map[incident.Type]string{incident.TypeMalware: "contain-malware"})
	ctx := context.Background()
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		ID:        "contain-malware",
		StartStep: "note",
		Steps: map[string]*workflow.Step{
			"note": {
				Type:   workflow.StepAction,
				Action: ActionIncidentNote,
				Params: map[string]interface{}{
					"id":   "{{ incident.id }}",
					"note": "isolating {{ alert.data.host }}",
				},
				Next: "triage",
			},
			"triage": {
				Type:   workflow.StepAction,
				Action: ActionIncidentUpdateStatus,
				Params: map[string]interface{}{"id": "{{ incident.id }}", "status": "TRIAGING"},
			},
		},
	}))

	res, err := f.alerts.Process(ctx, malware("ws-9"))
	require.NoError(t, err)
	require.True(t, res.Escalated)

	incs, err := f.incidents.List(ctx, incident.Filter{})
	require.NoError(t, err)
	require.Len(t, incs, 1)

	instances, err := f.workflows.List(ctx, workflow.Filter{WorkflowID: "contain-malware"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	inst, err := f.workflows.Wait(waitCtx, instances[0].ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StateCompleted, inst.State, inst.Error)

	inc, err := f.incidents.Get(ctx, incs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusTriaging, inc.Status)
	var notes []string
	for _, e := range inc.Timeline {
		if e.Type == "note" {
			notes = append(notes, e.Message)
		}
	}
	// The playbook runs concurrently with the note recording its start.
	assert.ElementsMatch(t, []string{
		"playbook contain-malware started as instance " + inst.ID,
		"isolating ws-9",
	}, notes)
}

func TestMissingPlaybookLeavesNote(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 101, map[incident.Type]string{incident.TypeMalware: "not-registered"})
	ctx := context.Background()

	res, err := f.alerts.Process(ctx, malware("ws-3"))
	require.NoError(t, err)
	esc, err := f.binder.HandleEscalation(ctx, res.Alert)
	require.NoError(t, err)
	assert.Empty(t, esc.PlaybookInstance)

	inc, err := f.incidents.Get(ctx, esc.Incident.ID)
	require.NoError(t, err)
	last := inc.Timeline[len(inc.Timeline)-1]
	assert.Equal(t, "note", last.Type)
	assert.Contains(t, last.Message, "playbook not-registered failed to start")
}

func TestEngineActions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 101, nil)
	ctx := context.Background()
	reg := f.workflows.Actions()

	for _, name := range []string{
		ActionAlertAcknowledge, ActionAlertResolve, ActionAlertEscalate,
		ActionIncidentCreate, ActionIncidentUpdateStatus, ActionIncidentNote,
		ActionIncidentEscalate, ActionEventIngest,
	} {
		assert.True(t, reg.Has(name), name)
	}
	info, ok := reg.Lookup(ActionIncidentCreate)
	require.True(t, ok)
	assert.False(t, info.Retryable)

	out, err := reg.Execute(ctx, ActionIncidentCreate, map[string]interface{}{
		"title":    "Credential phishing wave",
		"severity": "SEV2",
		"type":     "PHISHING",
		"tags":     []interface{}{"email"},
	}, nil)
	require.NoError(t, err)
	id := out.(map[string]interface{})["id"].(string)

	_, err = reg.Execute(ctx, ActionIncidentUpdateStatus, map[string]interface{}{"id": id, "status": "INVESTIGATING"}, nil)
	require.NoError(t, err)
	_, err = reg.Execute(ctx, ActionIncidentEscalate, map[string]interface{}{
		"id": id, "stakeholders": []interface{}{"ciso"}, "reason": "exec targeted",
	}, nil)
	require.NoError(t, err)

	inc, err := f.incidents.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, incident.TypePhishing, inc.Type)
	assert.Equal(t, incident.StatusInvestigating, inc.Status)
	assert.Equal(t, []string{"ciso"}, inc.Stakeholders)
	assert.Equal(t, 1, inc.EscalationLevel)

	_, err = reg.Execute(ctx, ActionIncidentUpdateStatus, map[string]interface{}{"id": id, "status": "DONE"}, nil)
	assert.ErrorContains(t, err, "unknown incident status")
	_, err = reg.Execute(ctx, ActionIncidentNote, map[string]interface{}{"id": id}, nil)
	assert.ErrorIs(t, err, errMissingParam)

	res, err := f.alerts.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	out, err = reg.Execute(ctx, ActionAlertAcknowledge, map[string]interface{}{"id": res.Alert.ID, "actor": "bot"}, nil)
	require.NoError(t, err)
	assert.Equal(t, string(alert.StatusAcknowledged), out.(map[string]interface{})["status"])
	_, err = reg.Execute(ctx, ActionAlertResolve, map[string]interface{}{"id": res.Alert.ID, "note": "contained"}, nil)
	require.NoError(t, err)
	_, err = reg.Execute(ctx, ActionAlertAcknowledge, map[string]interface{}{"id": res.Alert.ID}, nil)
	assert.ErrorIs(t, err, alert.ErrInvalidTransition)

	out, err = reg.Execute(ctx, ActionEventIngest, map[string]interface{}{
		"type": "response.isolated",
		"data": map[string]interface{}{"host": "ws-1"},
	}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out.(map[string]interface{})["id"])
	assert.Equal(t, 1, f.events.Stats().Buffered)
}

func TestAlertFromEventDefaults(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := AlertFromEvent(&event.Event{
		Type:      "alert.phishing",
		Source:    "mail-gw",
		Timestamp: ts,
		Data:      map[string]interface{}{"severity": "bogus", "assets": "mx-1"},
	})
	assert.Equal(t, "alert.phishing", a.Type)
	assert.Equal(t, alert.SeverityMedium, a.Severity)
	assert.Equal(t, ts, a.Timestamp)
	assert.Equal(t, []string{"mx-1"}, a.Assets)
	assert.Empty(t, a.ID)
}

func TestAssetCatalogEnrich(t *testing.T) {
	t.Parallel()

	c := NewAssetCatalog(map[string]float64{"dc-1": 1.0, "ws-7": 0.4})
	ctx := context.Background()

	out, err := c.Enrich(ctx, &event.Event{Data: map[string]interface{}{
		"host":   "ws-7",
		"assets": []interface{}{"dc-1", "printer-3"},
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"criticality": 1.0,
		"matched":     map[string]interface{}{"ws-7": 0.4, "dc-1": 1.0},
	}, out)

	out, err = c.Enrich(ctx, &event.Event{Data: map[string]interface{}{"host": "unknown"}})
	require.NoError(t, err)
	assert.Nil(t, out)

	c.Set(map[string]float64{"unknown": 0.2})
	out, err = c.Enrich(ctx, &event.Event{Data: map[string]interface{}{"host": "unknown"}})
	require.NoError(t, err)
	assert.Equal(t, 0.2, out.(map[string]interface{})["criticality"])
}
