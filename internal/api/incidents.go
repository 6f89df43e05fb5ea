package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
)

// incidentRequest is the body shared by the incident mutation endpoints.
type incidentRequest struct {
	Author       string            `json:"author"`
	Status       incident.Status   `json:"status"`
	Severity     incident.Severity `json:"severity"`
	Assignee     string            `json:"assignee"`
	Commander    string            `json:"commander"`
	Stakeholders []string          `json:"stakeholders"`
	RunbookID    string            `json:"runbook_id"`
	Note         string            `json:"note"`
}

func (req *incidentRequest) author() string {
	if req.Author == "" {
		return defaultActor
	}
	return req.Author
}

// GET /v1/incidents?status=&severity=&type=&assignee=&open=true&limit=
func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := incident.Filter{
		Status:   incident.Status(strings.ToUpper(q.Get("status"))),
		Severity: incident.Severity(strings.ToUpper(q.Get("severity"))),
		Type:     incident.Type(strings.ToUpper(q.Get("type"))),
		Assignee: q.Get("assignee"),
		OpenOnly: q.Get("open") == "true",
		Limit:    limit,
	}
	incidents, err := h.incidents.List(r.Context(), f)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"incidents": incidents})
}

// POST /v1/incidents
func (h *Handler) createIncident(w http.ResponseWriter, r *http.Request) {
	var in incident.NewIncident
	if err := decode(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusBadRequest, "incident title is required")
		return
	}
	if in.Severity != "" && !in.Severity.Valid() {
		writeError(w, http.StatusBadRequest, "unknown incident severity "+string(in.Severity))
		return
	}
	if in.Type != "" && !in.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown incident type "+string(in.Type))
		return
	}
	inc, err := h.incidents.Create(r.Context(), in)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("soarflow.incident.id", inc.ID),
		attribute.String("soarflow.incident.severity", string(inc.Severity)),
	)
	writeJSON(w, http.StatusCreated, inc)
}

// GET /v1/incidents/sla — evaluate every open incident's SLA.
func (h *Handler) checkSLA(w http.ResponseWriter, r *http.Request) {
	reports, err := h.incidents.CheckSLA(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if reports == nil {
		reports = []incident.SLAReport{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"breached": reports})
}

// GET /v1/incidents/metrics
func (h *Handler) incidentMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.incidents.Metrics(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GET /v1/incidents/{id}
func (h *Handler) getIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.incidents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// GET /v1/incidents/{id}/sla
func (h *Handler) checkIncidentSLA(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	breaches, err := h.incidents.CheckIncidentSLA(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if breaches == nil {
		breaches = []incident.Breach{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"incident_id": id, "breaches": breaches})
}

// incidentAction decodes an incidentRequest, lets check reject it, and
// applies op to the incident in the URL.
func (h *Handler) incidentAction(w http.ResponseWriter, r *http.Request,
	check func(req *incidentRequest) string,
	op func(r *http.Request, id string, req *incidentRequest) (*incident.Incident, error)) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("soarflow.incident.id", id))

	var req incidentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if check != nil {
		if msg := check(&req); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}
	inc, err := op(r, id, &req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// POST /v1/incidents/{id}/status
func (h *Handler) updateIncidentStatus(w http.ResponseWriter, r *http.Request) {
	h.incidentAction(w, r,
		func(req *incidentRequest) string {
			req.Status = incident.Status(strings.ToUpper(string(req.Status)))
			if !req.Status.Valid() {
				return "unknown incident status " + string(req.Status)
			}
			return ""
		},
		func(r *http.Request, id string, req *incidentRequest) (*incident.Incident, error) {
			return h.incidents.UpdateStatus(r.Context(), id, req.Status, req.author(), req.Note)
		})
}

// POST /v1/incidents/{id}/severity
func (h *Handler) updateIncidentSeverity(w http.ResponseWriter, r *http.Request) {
	h.incidentAction(w, r,
		func(req *incidentRequest) string {
			req.Severity = incident.Severity(strings.ToUpper(string(req.Severity)))
			if !req.Severity.Valid() {
				return "unknown incident severity " + string(req.Severity)
			}
			return ""
		},
		func(r *http.Request, id string, req *incidentRequest) (*incident.Incident, error) {
			return h.incidents.UpdateSeverity(r.Context(), id, req.Severity, req.author(), req.Note)
		})
}

// POST /v1/incidents/{id}/assign
func (h *Handler) assignIncident(w http.ResponseWriter, r *http.Request) {
	h.incidentAction(w, r,
		func(req *incidentRequest) string {
			if req.Assignee == "" {
				return "assignee is required"
			}
			return ""
		},
		func(r *http.Request, id string, req *incidentRequest) (*incident.Incident, error) {
			return h.incidents.Assign(r.Context(), id, req.Assignee, req.author())
		})
}

// POST /v1/incidents/{id}/commander
func (h *Handler) setCommander(w http.ResponseWriter, r *http.Request) {
	h.incidentAction(w, r,
		func(req *incidentRequest) string {
			if req.Commander == "" {
				return "commander is required"
			}
			return ""
		},
		func(r *http.Request, id string, req *incidentRequest) (*incident.Incident, error) {
			return h.incidents.SetCommander(r.Context(), id, req.Commander, req.author())
		})
}

// POST /v1/incidents/{id}/escalate
func (h *Handler) escalateIncident(w http.ResponseWriter, r *http.Request) {
	h.incidentAction(w, r, nil,
		func(r *http.Request, id string, req *incidentRequest) (*incident.Incident, error) {
			return h.incidents.Escalate(r.Context(), id, req.Stakeholders, req.author(), req.Note)
		})
}

// POST /v1/incidents/{id}/notes
func (h *Handler) addNote(w http.ResponseWriter, r *http.Request) {
	h.incidentAction(w, r,
		func(req *incidentRequest) string {
			if strings.TrimSpace(req.Note) == "" {
				return "note is required"
			}
			return ""
		},
		func(r *http.Request, id string, req *incidentRequest) (*incident.Incident, error) {
			return h.incidents.AddNote(r.Context(), id, req.author(), req.Note)
		})
}

// POST /v1/incidents/{id}/updates — a stakeholder update; restarts the
// update SLA clock.
func (h *Handler) postUpdate(w http.ResponseWriter, r *http.Request) {
	h.incidentAction(w, r,
		func(req *incidentRequest) string {
			if strings.TrimSpace(req.Note) == "" {
				return "note is required"
			}
			return ""
		},
		func(r *http.Request, id string, req *incidentRequest) (*incident.Incident, error) {
			return h.incidents.PostUpdate(r.Context(), id, req.author(), req.Note)
		})
}

// POST /v1/incidents/{id}/runbooks
func (h *Handler) attachRunbook(w http.ResponseWriter, r *http.Request) {
	h.incidentAction(w, r,
		func(req *incidentRequest) string {
			if req.RunbookID == "" {
				return "runbook_id is required"
			}
			return ""
		},
		func(r *http.Request, id string, req *incidentRequest) (*incident.Incident, error) {
			return h.incidents.AttachRunbook(r.Context(), id, req.RunbookID, req.author())
		})
}

// POST /v1/incidents/{id}/runbooks/{rid}/steps/{sid} — mark a step done.
func (h *Handler) completeRunbookStep(w http.ResponseWriter, r *http.Request) {
	h.incidentAction(w, r, nil,
		func(r *http.Request, id string, req *incidentRequest) (*incident.Incident, error) {
			return h.incidents.UpdateRunbookProgress(r.Context(), id,
				chi.URLParam(r, "rid"), chi.URLParam(r, "sid"), req.author())
		})
}

// GET /v1/runbooks
func (h *Handler) listRunbooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"runbooks": h.incidents.Runbooks()})
}
