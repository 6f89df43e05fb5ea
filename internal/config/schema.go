package config

import (
	"time"

	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
	"github.com/gyaneshwarpardhi/soarflow/internal/correlate"
	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
	"github.com/gyaneshwarpardhi/soarflow/internal/orchestrator"
	"github.com/gyaneshwarpardhi/soarflow/internal/schema"
	"github.com/gyaneshwarpardhi/soarflow/internal/workflow"
)

// Config is the top-level YAML structure.
type Config struct {
	Version          string                  `yaml:"version"`
	Orchestrator     OrchestratorConf        `yaml:"orchestrator"`
	Aggregator       AggregatorConf          `yaml:"aggregator"`
	Incidents        IncidentsConf           `yaml:"incidents"`
	Workflows        WorkflowsConf           `yaml:"workflows"`
	Schemas          []schema.Schema         `yaml:"schemas"`
	SuppressionRules []alert.SuppressionRule `yaml:"suppression_rules"`
	Runbooks         []incident.Runbook      `yaml:"runbooks"`
	Playbooks        []Playbook              `yaml:"playbooks"`
}

// OrchestratorConf tunes the event pipeline.
type OrchestratorConf struct {
	BufferSize           int           `yaml:"buffer_size"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	Concurrency          int           `yaml:"concurrency"`
	HistorySize          int           `yaml:"history_size"`
	DLQSize              int           `yaml:"dlq_size"`
	RetryLimit           int           `yaml:"retry_limit"`
	IngestRate           float64       `yaml:"ingest_rate"` // events/s, 0 = unlimited
	IngestBurst          int           `yaml:"ingest_burst"`
	CorrelationWindow    time.Duration `yaml:"correlation_window"`
	CorrelationMaxEvents int           `yaml:"correlation_max_events"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
}

// AggregatorConf tunes alert deduplication, scoring and retention.
type AggregatorConf struct {
	DedupeWindow          time.Duration        `yaml:"dedupe_window"`
	Strategy              alert.Strategy       `yaml:"strategy"`
	SimilarityThreshold   float64              `yaml:"similarity_threshold"`
	FingerprintFields     []string             `yaml:"fingerprint_fields"`
	FingerprintDataFields []string             `yaml:"fingerprint_data_fields"`
	ContentFields         []string             `yaml:"content_fields"`
	MaxGroupSize          int                  `yaml:"max_group_size"`
	RetentionPeriod       time.Duration        `yaml:"retention_period"`
	FrequencyWindow       time.Duration        `yaml:"frequency_window"`
	AutoEscalateThreshold int                  `yaml:"auto_escalate_threshold"`
	CleanupInterval       time.Duration        `yaml:"cleanup_interval"`
	Weights               alert.Weights        `yaml:"weights"`
	Scoring               alert.ScoringContext `yaml:"scoring"`
}

// IncidentsConf holds SLA budgets per severity. Severities or milestones
// left out keep their defaults.
type IncidentsConf struct {
	SLACheckInterval time.Duration                      `yaml:"sla_check_interval"`
	SLAs             map[incident.Severity]incident.SLA `yaml:"slas"`
}

// WorkflowsConf tunes the workflow engine and carries the definitions
// registered at startup.
type WorkflowsConf struct {
	MaxConcurrent     int                    `yaml:"max_concurrent"`
	QueueSize         int                    `yaml:"queue_size"`
	RetryDelay        time.Duration          `yaml:"retry_delay"`
	StepTimeout       time.Duration          `yaml:"step_timeout"`
	MaxLoopIterations int                    `yaml:"max_loop_iterations"`
	MaxDepth          int                    `yaml:"max_depth"`
	Definitions       []*workflow.Definition `yaml:"definitions"`
}

// Playbook starts a workflow for every incident of a type opened from an
// escalated alert.
type Playbook struct {
	IncidentType incident.Type `yaml:"incident_type"`
	Workflow     string        `yaml:"workflow"`
}

// OrchestratorConfig maps the section onto the orchestrator's config.
// Clock, logger, validator and hooks are left for the caller.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	o := c.Orchestrator
	return orchestrator.Config{
		BufferSize:    o.BufferSize,
		FlushInterval: o.FlushInterval,
		Concurrency:   o.Concurrency,
		HistorySize:   o.HistorySize,
		DLQSize:       o.DLQSize,
		RetryLimit:    o.RetryLimit,
		IngestRate:    o.IngestRate,
		IngestBurst:   o.IngestBurst,

		CleanupInterval: o.CleanupInterval,
		Correlation: correlate.Config{
			TimeWindow: o.CorrelationWindow,
			MaxEvents:  o.CorrelationMaxEvents,
		},
	}
}

// AggregatorConfig maps the section onto the aggregator's config.
func (c *Config) AggregatorConfig() alert.Config {
	a := c.Aggregator
	return alert.Config{
		DedupeWindow:          a.DedupeWindow,
		Strategy:              a.Strategy,
		SimilarityThreshold:   a.SimilarityThreshold,
		FingerprintFields:     a.FingerprintFields,
		FingerprintDataFields: a.FingerprintDataFields,
		ContentFields:         a.ContentFields,
		MaxGroupSize:          a.MaxGroupSize,
		RetentionPeriod:       a.RetentionPeriod,
		FrequencyWindow:       a.FrequencyWindow,
		AutoEscalateThreshold: a.AutoEscalateThreshold,
		CleanupInterval:       a.CleanupInterval,
		Weights:               a.Weights,
		ScoringContext:        a.Scoring,
	}
}

// IncidentConfig maps the section onto the incident manager's config.
func (c *Config) IncidentConfig() incident.Config {
	conf := incident.Config{
		SLAs:          make(map[incident.Severity]incident.SLA, len(c.Incidents.SLAs)),
		CheckInterval: c.Incidents.SLACheckInterval,
	}
	for sev, sla := range c.Incidents.SLAs {
		conf.SLAs[sev] = sla
	}
	if len(c.Runbooks) > 0 {
		conf.Runbooks = append(incident.DefaultRunbooks(), c.Runbooks...)
	}
	return conf
}

// WorkflowConfig maps the section onto the workflow engine's config.
func (c *Config) WorkflowConfig() workflow.Config {
	w := c.Workflows
	return workflow.Config{
		MaxConcurrent:     w.MaxConcurrent,
		QueueSize:         w.QueueSize,
		RetryDelay:        w.RetryDelay,
		StepTimeout:       w.StepTimeout,
		MaxLoopIterations: w.MaxLoopIterations,
		MaxDepth:          w.MaxDepth,
	}
}

// PlaybookMap indexes the playbooks by incident type.
func (c *Config) PlaybookMap() map[incident.Type]string {
	out := make(map[incident.Type]string, len(c.Playbooks))
	for _, p := range c.Playbooks {
		out[p.IncidentType] = p.Workflow
	}
	return out
}
