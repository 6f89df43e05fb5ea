package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/soarflow/internal/workflow"
)

// readDefinition accepts a workflow document as JSON or YAML.
func readDefinition(w http.ResponseWriter, r *http.Request) (*workflow.Definition, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("workflow definition is required")
	}
	return workflow.ParseDefinition(data)
}

// writeDefinitionError reports validation problems as a list.
func writeDefinitionError(w http.ResponseWriter, err error) {
	var verr *workflow.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":       err.Error(),
			"problems":    verr.Problems,
			"unreachable": verr.Unreachable,
		})
		return
	}
	writeEngineError(w, err)
}

// GET /v1/workflows
func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": h.workflows.Definitions()})
}

// POST /v1/workflows
func (h *Handler) registerWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := readDefinition(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.workflows.Register(def); err != nil {
		writeDefinitionError(w, err)
		return
	}
	stored, err := h.workflows.Definition(def.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// GET /v1/workflows/{id}
func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.workflows.Definition(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// PUT /v1/workflows/{id} — replace a definition; the version is bumped.
func (h *Handler) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	def, err := readDefinition(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if def.ID == "" {
		def.ID = id
	}
	if def.ID != id {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("definition id %q does not match %q", def.ID, id))
		return
	}
	if err := h.workflows.Update(def); err != nil {
		writeDefinitionError(w, err)
		return
	}
	stored, err := h.workflows.Definition(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// POST /v1/workflows/{id}/instances — start an instance; it runs
// asynchronously.
func (h *Handler) startInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Input map[string]interface{} `json:"input"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := h.workflows.Start(r.Context(), id, req.Input)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("soarflow.workflow.id", id),
		attribute.String("soarflow.instance.id", inst.ID),
	)
	writeJSON(w, http.StatusAccepted, inst)
}

// GET /v1/instances?workflow=&state=&limit=
func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	instances, err := h.workflows.List(r.Context(), workflow.Filter{
		WorkflowID: q.Get("workflow"),
		State:      workflow.State(strings.ToUpper(q.Get("state"))),
		Limit:      limit,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": instances})
}

// GET /v1/instances/{id}
func (h *Handler) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// POST /v1/instances/{id}/approve — decide a pending approval step.
func (h *Handler) approveInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approver string `json:"approver"`
		Approved *bool  `json:"approved"`
		Comment  string `json:"comment"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Approver == "" || req.Approved == nil {
		writeError(w, http.StatusBadRequest, "approver and approved are required")
		return
	}
	inst, err := h.workflows.Approve(r.Context(), chi.URLParam(r, "id"), req.Approver, *req.Approved, req.Comment)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// POST /v1/instances/{id}/signal — deliver an external event to a waiting
// instance.
func (h *Handler) signalInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event   string                 `json:"event"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	inst, err := h.workflows.Signal(r.Context(), chi.URLParam(r, "id"), req.Event, req.Payload)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// POST /v1/instances/{id}/resume
func (h *Handler) resumeInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.workflows.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// POST /v1/instances/{id}/pause
func (h *Handler) pauseInstance(w http.ResponseWriter, r *http.Request) {
	h.instanceControl(w, r, h.workflows.Pause)
}

// POST /v1/instances/{id}/cancel
func (h *Handler) cancelInstance(w http.ResponseWriter, r *http.Request) {
	h.instanceControl(w, r, h.workflows.Cancel)
}

func (h *Handler) instanceControl(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	inst, err := h.workflows.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}
