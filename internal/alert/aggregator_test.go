package alert

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/soarflow/internal/clock"
)

func newTestAggregator(t *testing.T, conf Config) (*Aggregator, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Add(24 * time.Hour)
	conf.Clock = mock
	return New(conf), mock
}

func malware(host string) *Alert {
	return &Alert{
		Type:     "malware",
		Source:   "edr",
		Severity: SeverityHigh,
		Title:    "Trojan detected on " + host,
		Data:     map[string]interface{}{"host": host, "file": "invoice.exe"},
	}
}

func TestIdenticalAlertsDeduplicate(t *testing.T) {
	t.Parallel()

	agg, mock := newTestAggregator(t, Config{})
	ctx := context.Background()

	first, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeNew, first.Outcome)

	mock.Add(time.Minute)
	second, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Alert.ID, second.DuplicateOf)
	assert.Equal(t, first.GroupID, second.GroupID)

	alerts, err := agg.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 1, alerts[0].DuplicateCount)

	grp, err := agg.Group(ctx, first.GroupID)
	require.NoError(t, err)
	assert.Equal(t, 2, grp.Count)
	assert.Len(t, grp.Alerts, grp.Count)
}

func TestDedupeWindowExpires(t *testing.T) {
	t.Parallel()

	agg, mock := newTestAggregator(t, Config{DedupeWindow: 5 * time.Minute})
	ctx := context.Background()

	first, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	mock.Add(6 * time.Minute)
	second, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeNew, second.Outcome)
	assert.Equal(t, first.GroupID, second.GroupID, "same fingerprint joins the open group")

	grp, err := agg.Group(ctx, first.GroupID)
	require.NoError(t, err)
	assert.Equal(t, 2, grp.Count)
	assert.Equal(t, first.Alert.ID, grp.Representative())
}

func TestMaxGroupSize(t *testing.T) {
	t.Parallel()

	agg, mock := newTestAggregator(t, Config{DedupeWindow: time.Second, MaxGroupSize: 2})
	ctx := context.Background()

	var groups []string
	for i := 0; i < 3; i++ {
		res, err := agg.Process(ctx, malware("ws-1"))
		require.NoError(t, err)
		require.Equal(t, OutcomeNew, res.Outcome)
		groups = append(groups, res.GroupID)
		mock.Add(2 * time.Second)
	}
	assert.Equal(t, groups[0], groups[1])
	assert.NotEqual(t, groups[1], groups[2])

	all, err := agg.Groups(ctx)
	require.NoError(t, err)
	for _, g := range all {
		assert.LessOrEqual(t, g.Count, 2)
		assert.Equal(t, len(g.Alerts), g.Count)
	}
}

func TestFullGroupDuplicateOnlyBumpsCounters(t *testing.T) {
	t.Parallel()

	agg, _ := newTestAggregator(t, Config{MaxGroupSize: 1})
	ctx := context.Background()

	first, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	dup, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, dup.Outcome)

	grp, err := agg.Group(ctx, first.GroupID)
	require.NoError(t, err)
	assert.Equal(t, 1, grp.Count)
	orig, err := agg.Get(ctx, first.Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, orig.DuplicateCount)
}

func TestSuppression(t *testing.T) {
	t.Parallel()

	agg, mock := newTestAggregator(t, Config{})
	ctx := context.Background()
	past := mock.Now().Add(-time.Minute)

	require.NoError(t, agg.AddSuppressionRule(SuppressionRule{
		ID:         "expired",
		Enabled:    true,
		ExpiresAt:  &past,
		Conditions: []Condition{{Field: "type", Operator: "equals", Value: "malware"}},
	}))
	require.NoError(t, agg.AddSuppressionRule(SuppressionRule{
		ID:      "scanner",
		Enabled: true,
		Conditions: []Condition{
			{Field: "host", Operator: "starts_with", Value: "scan-"},
			{Field: "severity", Operator: "in", Value: []interface{}{"low", "high"}},
		},
	}))
	require.NoError(t, agg.AddSuppressionRule(SuppressionRule{
		ID:         "disabled",
		Conditions: []Condition{{Field: "type", Operator: "exists"}},
	}))

	res, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome, "expired and disabled rules never match")

	res, err = agg.Process(ctx, malware("scan-07"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, res.Outcome)
	assert.Equal(t, "scanner", res.RuleID)
	assert.Equal(t, StatusSuppressed, res.Alert.Status)
	assert.Empty(t, res.GroupID)

	rules := agg.SuppressionRules()
	require.Len(t, rules, 3)
	assert.Equal(t, 1, rules[1].MatchCount)
	assert.Zero(t, rules[0].MatchCount)

	assert.Error(t, agg.AddSuppressionRule(SuppressionRule{ID: "scanner", Conditions: []Condition{{Field: "x", Operator: "equals"}}}))
	assert.Error(t, agg.AddSuppressionRule(SuppressionRule{ID: "bad-op", Conditions: []Condition{{Field: "x", Operator: "between"}}}))
	require.NoError(t, agg.RemoveSuppressionRule("scanner"))
	assert.ErrorIs(t, agg.RemoveSuppressionRule("scanner"), ErrNotFound)
}

func TestExpiredRuleNeverMatches(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := now
	r := SuppressionRule{
		ID:         "r",
		Enabled:    true,
		ExpiresAt:  &expiry,
		Conditions: []Condition{{Field: "type", Operator: "exists"}},
	}
	require.NoError(t, r.Validate())
	a := &Alert{Type: "anything"}

	assert.True(t, r.Matches(a, now.Add(-time.Second)))
	assert.False(t, r.Matches(a, now))
	assert.False(t, r.Matches(a, now.Add(time.Hour)))
}

func TestSetSuppressionRulesKeepsStats(t *testing.T) {
	t.Parallel()

	agg, _ := newTestAggregator(t, Config{})
	ctx := context.Background()
	rule := SuppressionRule{ID: "r1", Enabled: true, Conditions: []Condition{{Field: "source", Operator: "equals", Value: "edr"}}}
	require.NoError(t, agg.SetSuppressionRules([]SuppressionRule{rule}))

	_, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)

	require.Error(t, agg.SetSuppressionRules([]SuppressionRule{rule, {ID: "broken"}}))
	require.NoError(t, agg.SetSuppressionRules([]SuppressionRule{rule, {ID: "r2", Conditions: []Condition{{Field: "x", Operator: "exists"}}}}))

	rules := agg.SuppressionRules()
	require.Len(t, rules, 2)
	assert.Equal(t, 1, rules[0].MatchCount)
}

func TestFuzzyAndContentStrategies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	fuzzy, _ := newTestAggregator(t, Config{Strategy: StrategyFuzzy, SimilarityThreshold: 0.9})
	_, err := fuzzy.Process(ctx, malware("workstation-0042"))
	require.NoError(t, err)
	res, err := fuzzy.Process(ctx, malware("workstation-0043"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	res, err = fuzzy.Process(ctx, &Alert{Type: "phishing", Source: "mail", Severity: SeverityLow})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome)

	content, _ := newTestAggregator(t, Config{Strategy: StrategyContent, SimilarityThreshold: 0.6})
	_, err = content.Process(ctx, &Alert{Type: "auth", Title: "Brute force against admin account", Data: map[string]interface{}{"host": "a"}})
	require.NoError(t, err)
	res, err = content.Process(ctx, &Alert{Type: "auth", Title: "Brute force against admin account detected", Data: map[string]interface{}{"host": "b"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	res, err = content.Process(ctx, &Alert{Type: "auth", Title: "Impossible travel for finance user"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome)
}

func TestWindowedStrategy(t *testing.T) {
	t.Parallel()

	agg, mock := newTestAggregator(t, Config{Strategy: StrategyWindowed, DedupeWindow: 10 * time.Minute})
	ctx := context.Background()

	// The mock starts on a bucket boundary.
	_, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	mock.Add(9 * time.Minute)
	res, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	mock.Add(2 * time.Minute)
	res, err = agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome, "next bucket starts fresh")
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	agg, _ := newTestAggregator(t, Config{})
	ctx := context.Background()
	res, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	id := res.Alert.ID

	a, err := agg.Acknowledge(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, a.Status)

	_, err = agg.Acknowledge(ctx, id, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	a, err = agg.Assign(ctx, id, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", a.Assignee)

	a, err = agg.StartProgress(ctx, id, "bob")
	require.NoError(t, err)
	a, err = agg.Resolve(ctx, id, "bob", "reimaged")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, a.Status)
	require.NotNil(t, a.ResolvedAt)
	assert.Len(t, a.History, 4)

	_, err = agg.Escalate(ctx, id, "bob", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = agg.Assign(ctx, id, "carol", "bob")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	grp, err := agg.Group(ctx, res.GroupID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, grp.Status, "group mirrors its representative")
	assert.Equal(t, "bob", grp.Assignee)

	_, err = agg.Acknowledge(ctx, "nope", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEscalationHooks(t *testing.T) {
	t.Parallel()

	var escalated []string
	agg, _ := newTestAggregator(t, Config{
		ScoringContext: ScoringContext{
			AssetValues: map[string]float64{"dc-01": 100},
			ThreatIntel: map[string]float64{"203.0.113.9": 100},
		},
		Hooks: Hooks{OnEscalated: func(a *Alert) { escalated = append(escalated, a.ID) }},
	})
	ctx := context.Background()

	hot, err := agg.Process(ctx, &Alert{
		Type:     "ransomware",
		Severity: SeverityCritical,
		Data:     map[string]interface{}{"host": "dc-01", "source_ip": "203.0.113.9"},
	})
	require.NoError(t, err)
	assert.Equal(t, 100, hot.Alert.Priority)
	assert.True(t, hot.Escalated)
	assert.Equal(t, StatusEscalated, hot.Alert.Status)

	cold, err := agg.Process(ctx, &Alert{Type: "policy", Severity: SeverityInfo})
	require.NoError(t, err)
	assert.False(t, cold.Escalated)

	_, err = agg.Escalate(ctx, cold.Alert.ID, "alice", "looks bad")
	require.NoError(t, err)
	assert.Equal(t, []string{hot.Alert.ID, cold.Alert.ID}, escalated)

	grp, err := agg.Group(ctx, hot.GroupID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, grp.Status)
	assert.Equal(t, SeverityCritical, grp.Severity)
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	agg, mock := newTestAggregator(t, Config{RetentionPeriod: time.Hour, FrequencyWindow: 30 * time.Minute})
	ctx := context.Background()

	done, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	open, err := agg.Process(ctx, malware("ws-2"))
	require.NoError(t, err)
	_, err = agg.Resolve(ctx, done.Alert.ID, "alice", "")
	require.NoError(t, err)

	mock.Add(2 * time.Hour)
	rep, err := agg.Cleanup(ctx, mock.Now())
	require.NoError(t, err)
	assert.Equal(t, CleanupReport{Alerts: 1, Groups: 1, FrequencyKeys: 2}, rep)

	_, err = agg.Get(ctx, done.Alert.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = agg.Get(ctx, open.Alert.ID)
	assert.NoError(t, err)
	_, err = agg.Group(ctx, open.GroupID)
	assert.NoError(t, err)

	res, err := agg.Process(ctx, malware("ws-1"))
	require.NoError(t, err)
	assert.NotEqual(t, done.GroupID, res.GroupID)
}

func TestStatsAndList(t *testing.T) {
	t.Parallel()

	agg, _ := newTestAggregator(t, Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := agg.Process(ctx, malware(fmt.Sprintf("ws-%d", i)))
		require.NoError(t, err)
	}
	_, err := agg.Process(ctx, malware("ws-0"))
	require.NoError(t, err)
	_, err = agg.Process(ctx, &Alert{Type: "policy", Severity: SeverityInfo})
	require.NoError(t, err)

	st, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Processed)
	assert.Equal(t, int64(4), st.Created)
	assert.Equal(t, int64(1), st.Duplicates)
	assert.Equal(t, 4, st.Alerts)
	assert.Equal(t, 3, st.BySeverity[SeverityHigh])

	list, err := agg.List(ctx, ListFilter{Type: "malware", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	all, err := agg.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, "malware", all[0].Type, "higher priority first")
}
