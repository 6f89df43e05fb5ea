// Package api exposes the engines over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
	"github.com/gyaneshwarpardhi/soarflow/internal/config"
	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
	"github.com/gyaneshwarpardhi/soarflow/internal/orchestrator"
	"github.com/gyaneshwarpardhi/soarflow/internal/workflow"
)

const (
	maxBatchSize = 100

	// readyThreshold is the workflow queue utilization above which /readyz
	// reports the service as overloaded.
	readyThreshold = 0.8
)

// Config carries the handler's dependencies. Loader is optional; without it
// the reload endpoint is not mounted.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Alerts       *alert.Aggregator
	Incidents    *incident.Manager
	Workflows    *workflow.Engine
	Loader       *config.Loader
	Logger       *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	orch      *orchestrator.Orchestrator
	alerts    *alert.Aggregator
	incidents *incident.Manager
	workflows *workflow.Engine
	loader    *config.Loader
	logger    *slog.Logger
}

// NewHandler validates conf and returns a Handler. Missing engines panic.
func NewHandler(conf Config) *Handler {
	if conf.Orchestrator == nil || conf.Alerts == nil || conf.Incidents == nil || conf.Workflows == nil {
		panic("api: orchestrator, alerts, incidents and workflows are required")
	}
	logger := conf.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orch:      conf.Orchestrator,
		alerts:    conf.Alerts,
		incidents: conf.Incidents,
		workflows: conf.Workflows,
		loader:    conf.Loader,
		logger:    logger.With("component", "api"),
	}
}

// New creates an HTTP handler and registers all routes.
func New(conf Config) http.Handler {
	h := NewHandler(conf)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.loggingMiddleware)
	h.RegisterRoutes(r)
	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// RegisterRoutes attaches the /v1 endpoints to the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.ingestEvent)
		r.Post("/events/batch", h.ingestBatch)
		r.Get("/events/history", h.eventHistory)
		r.Post("/events/replay", h.replayEvents)
		r.Get("/events/stats", h.eventStats)
		r.Get("/dlq", h.listDLQ)
		r.Post("/dlq/retry", h.retryDLQ)
		r.Delete("/dlq", h.purgeDLQ)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.listAlerts)
			r.Post("/", h.createAlert)
			r.Get("/stats", h.alertStats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getAlert)
				r.Post("/ack", h.acknowledgeAlert)
				r.Post("/progress", h.progressAlert)
				r.Post("/resolve", h.resolveAlert)
				r.Post("/escalate", h.escalateAlert)
				r.Post("/assign", h.assignAlert)
				r.Post("/false-positive", h.falsePositiveAlert)
			})
		})
		r.Get("/groups", h.listGroups)
		r.Get("/groups/{id}", h.getGroup)
		r.Get("/suppression-rules", h.listSuppressionRules)
		r.Post("/suppression-rules", h.addSuppressionRule)
		r.Delete("/suppression-rules/{id}", h.removeSuppressionRule)

		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", h.listIncidents)
			r.Post("/", h.createIncident)
			r.Get("/sla", h.checkSLA)
			r.Get("/metrics", h.incidentMetrics)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getIncident)
				r.Post("/status", h.updateIncidentStatus)
				r.Post("/severity", h.updateIncidentSeverity)
				r.Post("/assign", h.assignIncident)
				r.Post("/commander", h.setCommander)
				r.Post("/escalate", h.escalateIncident)
				r.Post("/notes", h.addNote)
				r.Post("/updates", h.postUpdate)
				r.Post("/runbooks", h.attachRunbook)
				r.Post("/runbooks/{rid}/steps/{sid}", h.completeRunbookStep)
				r.Get("/sla", h.checkIncidentSLA)
			})
		})
		r.Get("/runbooks", h.listRunbooks)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.listWorkflows)
			r.Post("/", h.registerWorkflow)
			r.Get("/{id}", h.getWorkflow)
			r.Put("/{id}", h.updateWorkflow)
			r.Post("/{id}/instances", h.startInstance)
		})
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", h.listInstances)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getInstance)
				r.Post("/approve", h.approveInstance)
				r.Post("/cancel", h.cancelInstance)
				r.Post("/pause", h.pauseInstance)
				r.Post("/resume", h.resumeInstance)
				r.Post("/signal", h.signalInstance)
			})
		})

		if h.loader != nil {
			r.Get("/config", h.getConfig)
			r.Post("/config/reload", h.reloadConfig)
		}
	})
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 if the workflow queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.workflows.QueueUtilization()
	stats := h.orch.Stats()
	body := map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
		"buffered_events":   stats.Buffered,
		"dlq_size":          stats.DLQSize,
	}
	if util > readyThreshold {
		body["status"] = "overloaded"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// GET /v1/config — the active configuration.
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.loader.Config())
}

// POST /v1/config/reload — re-read the config file; OnChange callbacks
// apply it to the engines.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":          true,
		"version":           cfg.Version,
		"workflows":         len(cfg.Workflows.Definitions),
		"suppression_rules": len(cfg.SuppressionRules),
		"playbooks":         len(cfg.Playbooks),
	})
}
