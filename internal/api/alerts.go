package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
)

const defaultActor = "api"

// actionRequest is the body shared by the lifecycle endpoints.
type actionRequest struct {
	Actor    string `json:"actor"`
	Note     string `json:"note"`
	Assignee string `json:"assignee"`
}

func (req *actionRequest) actor() string {
	if req.Actor == "" {
		return defaultActor
	}
	return req.Actor
}

// GET /v1/alerts?status=&severity=&type=&group=&assignee=&limit=
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := alert.ListFilter{
		Status:   alert.Status(q.Get("status")),
		Type:     q.Get("type"),
		GroupID:  q.Get("group"),
		Assignee: q.Get("assignee"),
		Limit:    limit,
	}
	if s := q.Get("severity"); s != "" {
		f.Severity = alert.ParseSeverity(s)
	}
	alerts, err := h.alerts.List(r.Context(), f)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// POST /v1/alerts — run one alert through dedupe, suppression and scoring.
func (h *Handler) createAlert(w http.ResponseWriter, r *http.Request) {
	var in alert.Alert
	if err := decode(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Type == "" {
		writeError(w, http.StatusBadRequest, "alert type is required")
		return
	}
	res, err := h.alerts.Process(r.Context(), &in)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("soarflow.alert.id", res.Alert.ID),
		attribute.String("soarflow.alert.outcome", string(res.Outcome)),
	)
	status := http.StatusOK
	if res.Outcome == alert.OutcomeNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// GET /v1/alerts/stats
func (h *Handler) alertStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.alerts.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /v1/alerts/{id}
func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// alertAction decodes an actionRequest and applies op to the alert in the
// URL.
func (h *Handler) alertAction(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id string, req *actionRequest) (*alert.Alert, error)) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("soarflow.alert.id", id))

	var req actionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := op(r.Context(), id, &req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// POST /v1/alerts/{id}/ack
func (h *Handler) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, func(ctx context.Context, id string, req *actionRequest) (*alert.Alert, error) {
		return h.alerts.Acknowledge(ctx, id, req.actor())
	})
}

// POST /v1/alerts/{id}/progress
func (h *Handler) progressAlert(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, func(ctx context.Context, id string, req *actionRequest) (*alert.Alert, error) {
		return h.alerts.StartProgress(ctx, id, req.actor())
	})
}

// POST /v1/alerts/{id}/resolve
func (h *Handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, func(ctx context.Context, id string, req *actionRequest) (*alert.Alert, error) {
		return h.alerts.Resolve(ctx, id, req.actor(), req.Note)
	})
}

// POST /v1/alerts/{id}/escalate
func (h *Handler) escalateAlert(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, func(ctx context.Context, id string, req *actionRequest) (*alert.Alert, error) {
		return h.alerts.Escalate(ctx, id, req.actor(), req.Note)
	})
}

// POST /v1/alerts/{id}/false-positive
func (h *Handler) falsePositiveAlert(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, func(ctx context.Context, id string, req *actionRequest) (*alert.Alert, error) {
		return h.alerts.MarkFalsePositive(ctx, id, req.actor(), req.Note)
	})
}

// POST /v1/alerts/{id}/assign
func (h *Handler) assignAlert(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Assignee == "" {
		writeError(w, http.StatusBadRequest, "assignee is required")
		return
	}
	a, err := h.alerts.Assign(r.Context(), chi.URLParam(r, "id"), req.Assignee, req.actor())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GET /v1/groups
func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.alerts.Groups(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// GET /v1/groups/{id}
func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.alerts.Group(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// GET /v1/suppression-rules
func (h *Handler) listSuppressionRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": h.alerts.SuppressionRules()})
}

// POST /v1/suppression-rules
func (h *Handler) addSuppressionRule(w http.ResponseWriter, r *http.Request) {
	var rule alert.SuppressionRule
	if err := decode(w, r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.alerts.AddSuppressionRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Info("suppression rule added", "rule", rule.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"id": rule.ID})
}

// DELETE /v1/suppression-rules/{id}
func (h *Handler) removeSuppressionRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.alerts.RemoveSuppressionRule(id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
