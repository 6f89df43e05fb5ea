package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
	"github.com/gyaneshwarpardhi/soarflow/internal/schema"
	"github.com/gyaneshwarpardhi/soarflow/internal/workflow"
)

// Validate checks the config for:
//   - Required fields and value ranges
//   - Duplicate ids across schemas, suppression rules, runbooks and workflows
//   - Definitions that fail their own validation
//   - Playbooks naming unknown incident types or workflows
//
// Every problem is reported, not only the first.
func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if cfg.Version == "" {
		add("version is required")
	}

	o := cfg.Orchestrator
	for name, v := range map[string]int{
		"buffer_size":            o.BufferSize,
		"concurrency":            o.Concurrency,
		"history_size":           o.HistorySize,
		"dlq_size":               o.DLQSize,
		"retry_limit":            o.RetryLimit,
		"correlation_max_events": o.CorrelationMaxEvents,
	} {
		if v < 0 {
			add("orchestrator.%s must not be negative", name)
		}
	}
	if o.CleanupInterval < 0 {
		add("orchestrator.cleanup_interval must not be negative")
	}
	if o.IngestRate < 0 || o.IngestBurst < 0 {
		add("orchestrator.ingest_rate and ingest_burst must not be negative")
	}

	a := cfg.Aggregator
	if !a.Strategy.Valid() {
		add("aggregator.strategy %q is unknown", a.Strategy)
	}
	if a.SimilarityThreshold <= 0 || a.SimilarityThreshold > 1 {
		add("aggregator.similarity_threshold must be in (0, 1]")
	}
	if a.AutoEscalateThreshold < 1 || a.AutoEscalateThreshold > 101 {
		add("aggregator.auto_escalate_threshold must be between 1 and 101 (101 disables)")
	}
	w := a.Weights
	if w.Severity < 0 || w.Freshness < 0 || w.Asset < 0 || w.ThreatIntel < 0 || w.Frequency < 0 {
		add("aggregator.weights must not be negative")
	}

	for sev, sla := range cfg.Incidents.SLAs {
		if !sev.Valid() {
			add("incidents.slas: unknown severity %q", sev)
			continue
		}
		if sla.Acknowledge <= 0 || sla.Respond <= 0 || sla.Update <= 0 || sla.Resolve <= 0 {
			add("incidents.slas.%s: budgets must be positive", sev)
		}
		if sla.Acknowledge > sla.Resolve {
			add("incidents.slas.%s: acknowledge budget exceeds resolve budget", sev)
		}
	}

	seen := make(map[string]bool)
	for i, s := range cfg.Schemas {
		if s.Type == "" {
			add("schemas[%d]: type is required", i)
			continue
		}
		if seen[s.Type] {
			add("schemas: duplicate type %q", s.Type)
		}
		seen[s.Type] = true
	}
	if err := schema.NewRegistry().Replace(cfg.Schemas); err != nil {
		add("schemas: %v", err)
	}

	seen = make(map[string]bool)
	for i := range cfg.SuppressionRules {
		r := cfg.SuppressionRules[i]
		if err := r.Validate(); err != nil {
			add("suppression_rules[%d]: %v", i, err)
			continue
		}
		if seen[r.ID] {
			add("suppression_rules: duplicate id %q", r.ID)
		}
		seen[r.ID] = true
	}

	seen = make(map[string]bool)
	for i, rb := range cfg.Runbooks {
		if err := rb.Validate(); err != nil {
			add("runbooks[%d]: %s", i, flatten(err))
			continue
		}
		if seen[rb.ID] {
			add("runbooks: duplicate id %q", rb.ID)
		}
		seen[rb.ID] = true
	}

	workflows := make(map[string]bool)
	for i, d := range cfg.Workflows.Definitions {
		if d == nil {
			add("workflows.definitions[%d]: empty definition", i)
			continue
		}
		name := d.ID
		if name == "" {
			name = fmt.Sprintf("definitions[%d]", i)
		}
		if err := d.Validate(); err != nil {
			var verr *workflow.ValidationError
			if errors.As(err, &verr) {
				for _, p := range verr.Problems {
					add("workflow %s: %s", name, p)
				}
			} else {
				add("workflow %s: %v", name, err)
			}
		}
		if d.ID == "" {
			continue
		}
		if workflows[d.ID] {
			add("workflows: duplicate id %q", d.ID)
		}
		workflows[d.ID] = true
	}

	types := make(map[incident.Type]bool)
	for i, p := range cfg.Playbooks {
		if !p.IncidentType.Valid() {
			add("playbooks[%d]: unknown incident_type %q", i, p.IncidentType)
		} else if types[p.IncidentType] {
			add("playbooks: more than one playbook for %s", p.IncidentType)
		}
		types[p.IncidentType] = true
		if !workflows[p.Workflow] {
			add("playbooks[%d]: workflow %q is not defined", i, p.Workflow)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// flatten renders an errors.Join result on one line.
func flatten(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}
