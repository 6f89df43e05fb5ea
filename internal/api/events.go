package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/orchestrator"
)

// POST /v1/events — buffer one event for the next flush.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := decode(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := h.orch.Ingest(r.Context(), &ev)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("soarflow.event.id", stored.ID),
		attribute.String("soarflow.event.type", stored.Type),
	)
	writeJSON(w, http.StatusAccepted, stored)
}

// POST /v1/events/batch — ingest up to 100 events; each is accepted or
// rejected on its own.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var events []*event.Event
	if err := decode(w, r, &events); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(events) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(events), maxBatchSize))
		return
	}

	res := h.orch.IngestBatch(r.Context(), events)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":   uuid.NewString(),
		"total":    len(events),
		"accepted": res.Accepted,
		"rejected": res.Rejected,
		"errors":   res.Errors,
	})
}

func historyFilter(r *http.Request) (orchestrator.Filter, error) {
	q := r.URL.Query()
	f := orchestrator.Filter{Type: q.Get("type"), Source: q.Get("source")}
	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

// GET /v1/events/history?type=&source=&since=&until=&limit=
func (h *Handler) eventHistory(w http.ResponseWriter, r *http.Request) {
	f, err := historyFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := h.orch.History(f)
	if events == nil {
		events = []event.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// POST /v1/events/replay — re-process history entries matching the body's
// filter.
func (h *Handler) replayEvents(w http.ResponseWriter, r *http.Request) {
	var f orchestrator.Filter
	if err := decode(w, r, &f); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results := h.orch.Replay(r.Context(), f)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"replayed": len(results),
		"results":  results,
	})
}

// GET /v1/events/stats
func (h *Handler) eventStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Stats())
}

// GET /v1/dlq
func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": h.orch.DLQ().List()})
}

// POST /v1/dlq/retry
func (h *Handler) retryDLQ(w http.ResponseWriter, r *http.Request) {
	var opts orchestrator.RetryOptions
	if err := decode(w, r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.orch.RetryDLQ(r.Context(), opts))
}

// DELETE /v1/dlq
func (h *Handler) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	n := h.orch.DLQ().Purge()
	h.logger.Warn("dead-letter queue purged", "entries", n)
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}
