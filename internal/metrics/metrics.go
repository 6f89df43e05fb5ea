package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soarflow_events_ingested_total",
		Help: "Total number of events accepted into the orchestrator buffer.",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soarflow_events_rejected_total",
		Help: "Total number of events rejected at ingest, labelled by reason.",
	}, []string{"reason"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soarflow_events_processed_total",
		Help: "Total number of events run through the pipeline, labelled by terminal state.",
	}, []string{"state"})

	EventProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "soarflow_event_processing_duration_ms",
		Help:    "End-to-end event processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	EnrichmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soarflow_enrichment_failures_total",
		Help: "Total number of enricher failures or timeouts, labelled by enricher.",
	}, []string{"enricher"})

	RoutesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soarflow_routes_matched_total",
		Help: "Total number of route executions, labelled by route name.",
	}, []string{"route"})

	SubscriberErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soarflow_subscriber_errors_total",
		Help: "Total number of topic subscriber failures.",
	})

	BufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soarflow_event_buffer_size",
		Help: "Events currently waiting in the ingest buffer.",
	})

	DLQSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soarflow_dlq_size",
		Help: "Entries currently held in the dead-letter queue.",
	})

	AlertsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soarflow_alerts_processed_total",
		Help: "Total number of alerts processed, labelled by outcome (new, duplicate, suppressed).",
	}, []string{"outcome"})

	AlertGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soarflow_alert_groups",
		Help: "Current number of alert groups.",
	})

	AlertPriority = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "soarflow_alert_priority",
		Help:    "Priority score assigned to new alerts.",
		Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	IncidentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soarflow_incidents_created_total",
		Help: "Total number of incidents created, labelled by severity.",
	}, []string{"severity"})

	IncidentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soarflow_incident_transitions_total",
		Help: "Total number of incident status transitions, labelled by target status.",
	}, []string{"status"})

	SLABreaches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soarflow_sla_breaches",
		Help: "Open SLA breaches found by the last check, labelled by milestone.",
	}, []string{"milestone"})

	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soarflow_notification_failures_total",
		Help: "Total number of failed incident notifications.",
	})

	WorkflowInstances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soarflow_workflow_instances_total",
		Help: "Total number of workflow instances reaching a state, labelled by workflow and state.",
	}, []string{"workflow", "state"})

	WorkflowSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soarflow_workflow_steps_total",
		Help: "Total number of workflow step executions, labelled by step type and status.",
	}, []string{"type", "status"})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soarflow_actions_executed_total",
		Help: "Total number of actions executed, labelled by action and status.",
	}, []string{"action", "status"})

	WorkflowQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soarflow_workflow_queue_utilization_ratio",
		Help: "Current workflow execution queue utilization (0–1).",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soarflow_http_request_duration_seconds",
		Help:    "HTTP request latency, labelled by method, route pattern and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
