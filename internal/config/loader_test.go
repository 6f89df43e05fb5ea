package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
)

func TestLoadExample(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join("testdata", "soarflow.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Orchestrator.BufferSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Orchestrator.FlushInterval)
	assert.Equal(t, 1000, cfg.Orchestrator.HistorySize, "defaulted")
	assert.Equal(t, alert.StrategyFuzzy, cfg.Aggregator.Strategy)
	assert.Equal(t, 100.0, cfg.Aggregator.Scoring.AssetValues["dc-01"])

	sev1 := cfg.Incidents.SLAs[incident.SEV1]
	assert.Equal(t, 2*time.Minute, sev1.Acknowledge)
	assert.Equal(t, 15*time.Minute, sev1.Respond, "unset milestones keep their defaults")
	assert.Equal(t, 96*time.Hour, cfg.Incidents.SLAs[incident.SEV4].Resolve)
	assert.Len(t, cfg.Incidents.SLAs, 5)

	require.Len(t, cfg.Workflows.Definitions, 1)
	def := cfg.Workflows.Definitions[0]
	assert.Equal(t, "note", def.StartStep)
	assert.Equal(t, 2, def.Steps["triage"].Retries)
	assert.Equal(t, time.Second, def.Steps["triage"].RetryDelay.Std())
	assert.Equal(t, "triage", def.Steps["triage"].ID, "step ids are filled from their keys")

	assert.Equal(t, map[incident.Type]string{incident.TypeMalware: "contain-malware"}, cfg.PlaybookMap())

	ic := cfg.IncidentConfig()
	assert.Equal(t, 30*time.Second, ic.CheckInterval)
	ids := make([]string, 0, len(ic.Runbooks))
	for _, rb := range ic.Runbooks {
		ids = append(ids, rb.ID)
	}
	assert.Contains(t, ids, "ransomware")
	assert.Contains(t, ids, "malware-response")

	oc := cfg.OrchestratorConfig()
	assert.Equal(t, 4, oc.Concurrency)
	assert.Equal(t, 2*time.Minute, oc.CleanupInterval)
	assert.Equal(t, time.Hour, oc.Correlation.TimeWindow)
	assert.Equal(t, 2*time.Second, cfg.WorkflowConfig().RetryDelay)
	assert.Equal(t, 95, cfg.AggregatorConfig().AutoEscalateThreshold)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`
orchestrator:
  buffer_size: -1
aggregator:
  strategy: psychic
  similarity_threshold: 2
incidents:
  slas:
    SEV9:
      acknowledge: 1m
schemas:
  - type: auth.failure
  - type: auth.failure
suppression_rules:
  - id: broken
    conditions:
      - field: source
        operator: roughly
runbooks:
  - id: empty
workflows:
  definitions:
    - id: wf
      startStep: a
      steps:
        a: {type: ACTION}
playbooks:
  - incident_type: ALIENS
    workflow: missing
`))
	require.Error(t, err)
	for _, want := range []string{
		"version is required",
		"orchestrator.buffer_size must not be negative",
		`aggregator.strategy "psychic" is unknown`,
		"similarity_threshold must be in (0, 1]",
		`unknown severity "SEV9"`,
		`duplicate type "auth.failure"`,
		`unknown operator "roughly"`,
		"runbooks[0]:",
		"workflow wf:",
		`unknown incident_type "ALIENS"`,
		`workflow "missing" is not defined`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseRejectsUnknownKeysAndEmptyFiles(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("version: \"1\"\norchestrater:\n  buffer_size: 5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrater")

	_, err = Parse(nil)
	assert.EqualError(t, err, "config is empty")
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 100, cfg.Orchestrator.BufferSize)
	assert.Equal(t, 90, cfg.Aggregator.AutoEscalateThreshold)
	assert.Equal(t, incident.DefaultSLAs(), cfg.Incidents.SLAs)
}

func TestWatchReloadsAndKeepsLastGoodConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "soarflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\n"), 0o600))

	l, err := NewLoader(path, nil)
	require.NoError(t, err)
	changes := make(chan *Config, 4)
	l.OnChange(func(c *Config) { changes <- c })

	stop, err := l.Watch()
	require.NoError(t, err)
	t.Cleanup(stop)

	require.NoError(t, os.WriteFile(path, []byte("version: \"2\"\norchestrator:\n  buffer_size: 7\n"), 0o600))
	select {
	case c := <-changes:
		assert.Equal(t, 7, c.Orchestrator.BufferSize)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	require.NoError(t, os.WriteFile(path, []byte("version: [\n"), 0o600))
	_, err = l.Reload()
	require.Error(t, err)
	assert.Equal(t, "2", l.Config().Version)
}
