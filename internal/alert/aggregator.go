package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/soarflow/internal/clock"
	"github.com/gyaneshwarpardhi/soarflow/internal/metrics"
	"github.com/gyaneshwarpardhi/soarflow/internal/store"
	"github.com/gyaneshwarpardhi/soarflow/internal/store/memstore"
)

// Outcome of processing one alert.
type Outcome string

const (
	OutcomeNew        Outcome = "new"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeSuppressed Outcome = "suppressed"
)

// Hooks observe aggregator decisions. They run synchronously after the
// aggregator's lock is released.
type Hooks struct {
	OnNew        func(a *Alert)
	OnDuplicate  func(dup, original *Alert)
	OnSuppressed func(a *Alert, rule *SuppressionRule)
	OnEscalated  func(a *Alert)
}

// Config for the aggregator. Zero values take the defaults noted.
type Config struct {
	DedupeWindow          time.Duration // 5m
	Strategy              Strategy      // exact
	SimilarityThreshold   float64       // 0.8
	FingerprintFields     []string
	FingerprintDataFields []string
	ContentFields         []string
	MaxGroupSize          int           // 100
	RetentionPeriod       time.Duration // 24h
	FrequencyWindow       time.Duration // 1h
	AutoEscalateThreshold int           // 90
	CleanupInterval       time.Duration // 10m
	Weights               Weights
	ScoringContext        ScoringContext

	Alerts store.Repository[*Alert]
	Groups store.Repository[*Group]
	Hooks  Hooks
	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 5 * time.Minute
	}
	if !c.Strategy.Valid() {
		c.Strategy = StrategyExact
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.8
	}
	if c.FingerprintFields == nil {
		c.FingerprintFields = DefaultFingerprintFields
	}
	if c.FingerprintDataFields == nil {
		c.FingerprintDataFields = DefaultFingerprintDataFields
	}
	if c.ContentFields == nil {
		c.ContentFields = DefaultContentFields
	}
	if c.MaxGroupSize <= 0 {
		c.MaxGroupSize = 100
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 24 * time.Hour
	}
	if c.FrequencyWindow <= 0 {
		c.FrequencyWindow = time.Hour
	}
	if c.AutoEscalateThreshold <= 0 {
		c.AutoEscalateThreshold = 90
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.Weights.zero() {
		c.Weights = DefaultWeights
	}
	if c.Alerts == nil {
		c.Alerts = memstore.New[*Alert]()
	}
	if c.Groups == nil {
		c.Groups = memstore.New[*Group]()
	}
	c.Clock = clock.OrDefault(c.Clock)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ProcessResult reports what happened to one incoming alert.
type ProcessResult struct {
	Alert       *Alert  `json:"alert"`
	Outcome     Outcome `json:"outcome"`
	GroupID     string  `json:"group_id,omitempty"`
	DuplicateOf string  `json:"duplicate_of,omitempty"`
	RuleID      string  `json:"rule_id,omitempty"`
	Escalated   bool    `json:"escalated,omitempty"`
}

type recentAlert struct {
	alert *Alert // snapshot taken when first stored
	at    time.Time
}

type counters struct {
	processed, created, duplicates, suppressed, escalated int64
}

// Aggregator deduplicates, groups, suppresses and prioritizes alerts. All
// operations are serialized by one mutex so find-or-create on groups is
// atomic.
type Aggregator struct {
	conf    Config
	clock   clock.Clock
	logger  *slog.Logger
	matcher matcher

	mu        sync.Mutex
	recent    []recentAlert          // stored alerts inside the dedupe window, oldest first
	byFP      map[string]string      // fingerprint -> open group id
	frequency map[string][]time.Time // fingerprint -> sightings inside the frequency window
	rules     []*SuppressionRule
	stats     counters

	taskMu sync.Mutex
	task   *clock.Task
}

// New creates an Aggregator.
func New(conf Config) *Aggregator {
	conf.applyDefaults()
	return &Aggregator{
		conf:   conf,
		clock:  conf.Clock,
		logger: conf.Logger.With("component", "alert"),
		matcher: matcher{
			strategy:      conf.Strategy,
			threshold:     conf.SimilarityThreshold,
			window:        conf.DedupeWindow,
			fields:        conf.FingerprintFields,
			dataFields:    conf.FingerprintDataFields,
			contentFields: conf.ContentFields,
		},
		byFP:      make(map[string]string),
		frequency: make(map[string][]time.Time),
	}
}

// Fingerprint computes a's fingerprint with the configured fields.
func (g *Aggregator) Fingerprint(a *Alert) string {
	return Fingerprint(a, g.conf.FingerprintFields, g.conf.FingerprintDataFields)
}

// Process runs an incoming alert through suppression, deduplication,
// scoring and grouping.
func (g *Aggregator) Process(ctx context.Context, in *Alert) (ProcessResult, error) {
	now := g.clock.Now().UTC()
	a := in.Clone()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	a.Severity = ParseSeverity(string(a.Severity))
	a.ReceivedAt = now
	a.UpdatedAt = now
	a.LastSeen = now
	a.Status = StatusNew
	a.History = nil
	a.Fingerprint = g.Fingerprint(a)

	g.mu.Lock()
	res, notify, err := g.processLocked(ctx, a, now)
	g.mu.Unlock()
	if err != nil {
		return ProcessResult{}, err
	}

	metrics.AlertsProcessed.WithLabelValues(string(res.Outcome)).Inc()
	notify()
	return res, nil
}

func (g *Aggregator) processLocked(ctx context.Context, a *Alert, now time.Time) (ProcessResult, func(), error) {
	g.stats.processed++
	freq := g.recordSighting(a.Fingerprint, now)

	for _, r := range g.rules {
		if !r.Matches(a, now) {
			continue
		}
		r.MatchCount++
		matched := now
		r.LastMatched = &matched
		a.Status = StatusSuppressed
		a.SuppressedBy = r.ID
		if err := g.conf.Alerts.Set(ctx, a.ID, a); err != nil {
			return ProcessResult{}, nil, fmt.Errorf("store alert: %w", err)
		}
		g.stats.suppressed++
		out, rule := a.Clone(), r.clone()
		return ProcessResult{Alert: out, Outcome: OutcomeSuppressed, RuleID: r.ID}, func() {
			if h := g.conf.Hooks.OnSuppressed; h != nil {
				h(out, rule)
			}
		}, nil
	}

	g.trimRecent(now)
	if orig := g.findDuplicate(a); orig != nil {
		return g.attachDuplicate(ctx, a, orig, now)
	}

	a.Priority = Score(a, g.conf.Weights, g.conf.ScoringContext, freq, now).Total
	metrics.AlertPriority.Observe(float64(a.Priority))

	grp, err := g.groupFor(ctx, a, now)
	if err != nil {
		return ProcessResult{}, nil, err
	}
	grp.add(a, now)
	a.GroupID = grp.ID

	escalated := a.Priority >= g.conf.AutoEscalateThreshold
	if escalated {
		g.transition(a, StatusEscalated, "system", fmt.Sprintf("auto-escalated at priority %d", a.Priority), now)
		if grp.Representative() == a.ID {
			grp.Status = a.Status
		}
		g.stats.escalated++
	}

	if err := g.conf.Alerts.Set(ctx, a.ID, a); err != nil {
		return ProcessResult{}, nil, fmt.Errorf("store alert: %w", err)
	}
	if err := g.conf.Groups.Set(ctx, grp.ID, grp); err != nil {
		return ProcessResult{}, nil, fmt.Errorf("store group: %w", err)
	}
	g.recent = append(g.recent, recentAlert{alert: a.Clone(), at: now})
	g.stats.created++

	out := a.Clone()
	return ProcessResult{Alert: out, Outcome: OutcomeNew, GroupID: grp.ID, Escalated: escalated}, func() {
		if h := g.conf.Hooks.OnNew; h != nil {
			h(out)
		}
		if h := g.conf.Hooks.OnEscalated; escalated && h != nil {
			h(out)
		}
	}, nil
}

func (g *Aggregator) recordSighting(fp string, now time.Time) int {
	seen := trimTimes(g.frequency[fp], now.Add(-g.conf.FrequencyWindow))
	seen = append(seen, now)
	g.frequency[fp] = seen
	return len(seen)
}

func trimTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func (g *Aggregator) trimRecent(now time.Time) {
	cutoff := now.Add(-g.conf.DedupeWindow)
	i := 0
	for i < len(g.recent) && g.recent[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		g.recent = append([]recentAlert(nil), g.recent[i:]...)
	}
}

// findDuplicate returns the most recent in-window alert matching a.
func (g *Aggregator) findDuplicate(a *Alert) *Alert {
	for i := len(g.recent) - 1; i >= 0; i-- {
		if g.matcher.duplicate(a, g.recent[i].alert) {
			return g.recent[i].alert
		}
	}
	return nil
}

func (g *Aggregator) attachDuplicate(ctx context.Context, dup, snapshot *Alert, now time.Time) (ProcessResult, func(), error) {
	orig, ok, err := g.conf.Alerts.Get(ctx, snapshot.ID)
	if err != nil {
		return ProcessResult{}, nil, fmt.Errorf("load alert: %w", err)
	}
	if ok {
		orig = orig.Clone()
	} else {
		orig = snapshot.Clone()
	}
	orig.DuplicateCount++
	orig.LastSeen = now

	dup.GroupID = orig.GroupID
	dup.Priority = orig.Priority

	if grp, ok, err := g.conf.Groups.Get(ctx, orig.GroupID); err != nil {
		return ProcessResult{}, nil, fmt.Errorf("load group: %w", err)
	} else if ok {
		grp = grp.Clone()
		if len(grp.Alerts) < g.conf.MaxGroupSize {
			grp.add(dup, now)
		} else {
			grp.LastSeen = now
		}
		if err := g.conf.Groups.Set(ctx, grp.ID, grp); err != nil {
			return ProcessResult{}, nil, fmt.Errorf("store group: %w", err)
		}
	}
	if err := g.conf.Alerts.Set(ctx, orig.ID, orig); err != nil {
		return ProcessResult{}, nil, fmt.Errorf("store alert: %w", err)
	}
	g.stats.duplicates++

	out, original := dup.Clone(), orig.Clone()
	return ProcessResult{Alert: out, Outcome: OutcomeDuplicate, GroupID: orig.GroupID, DuplicateOf: orig.ID}, func() {
		if h := g.conf.Hooks.OnDuplicate; h != nil {
			h(out, original)
		}
	}, nil
}

// groupFor returns the open group for a's fingerprint, or a new one when
// none exists or it is full.
func (g *Aggregator) groupFor(ctx context.Context, a *Alert, now time.Time) (*Group, error) {
	if id, ok := g.byFP[a.Fingerprint]; ok {
		grp, found, err := g.conf.Groups.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load group: %w", err)
		}
		if found && len(grp.Alerts) < g.conf.MaxGroupSize {
			return grp.Clone(), nil
		}
	}
	grp := &Group{
		ID:          uuid.NewString(),
		Fingerprint: a.Fingerprint,
		Type:        a.Type,
		Title:       a.Title,
		FirstSeen:   now,
		LastSeen:    now,
		Severity:    a.Severity,
		Status:      StatusNew,
	}
	g.byFP[a.Fingerprint] = grp.ID
	return grp, nil
}

func (g *Aggregator) transition(a *Alert, to Status, actor, note string, now time.Time) {
	a.History = append(a.History, Transition{From: a.Status, To: to, Actor: actor, Note: note, At: now})
	a.Status = to
	a.UpdatedAt = now
	if to == StatusResolved || to == StatusFalsePositive {
		t := now
		a.ResolvedAt = &t
	}
}

// update loads id, applies fn under the lock, stores the alert and mirrors
// status and assignee onto its group when it is the representative.
func (g *Aggregator) update(ctx context.Context, id string, fn func(a *Alert, now time.Time) error) (*Alert, error) {
	now := g.clock.Now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok, err := g.conf.Alerts.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load alert: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a = a.Clone()
	if err := fn(a, now); err != nil {
		return nil, err
	}
	if err := g.conf.Alerts.Set(ctx, a.ID, a); err != nil {
		return nil, fmt.Errorf("store alert: %w", err)
	}
	if a.GroupID != "" {
		grp, ok, err := g.conf.Groups.Get(ctx, a.GroupID)
		if err != nil {
			return nil, fmt.Errorf("load group: %w", err)
		}
		if ok && grp.Representative() == a.ID {
			grp = grp.Clone()
			grp.Status = a.Status
			grp.Assignee = a.Assignee
			if err := g.conf.Groups.Set(ctx, grp.ID, grp); err != nil {
				return nil, fmt.Errorf("store group: %w", err)
			}
		}
	}
	return a.Clone(), nil
}

func (g *Aggregator) setStatus(ctx context.Context, id string, to Status, actor, note string) (*Alert, error) {
	return g.update(ctx, id, func(a *Alert, now time.Time) error {
		if !CanTransition(a.Status, to) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, a.Status, to)
		}
		g.transition(a, to, actor, note, now)
		return nil
	})
}

// Acknowledge moves an alert to ACKNOWLEDGED.
func (g *Aggregator) Acknowledge(ctx context.Context, id, actor string) (*Alert, error) {
	return g.setStatus(ctx, id, StatusAcknowledged, actor, "")
}

// StartProgress moves an alert to IN_PROGRESS.
func (g *Aggregator) StartProgress(ctx context.Context, id, actor string) (*Alert, error) {
	return g.setStatus(ctx, id, StatusInProgress, actor, "")
}

// Resolve moves an alert to RESOLVED.
func (g *Aggregator) Resolve(ctx context.Context, id, actor, note string) (*Alert, error) {
	return g.setStatus(ctx, id, StatusResolved, actor, note)
}

// MarkFalsePositive closes an alert as FALSE_POSITIVE.
func (g *Aggregator) MarkFalsePositive(ctx context.Context, id, actor, note string) (*Alert, error) {
	return g.setStatus(ctx, id, StatusFalsePositive, actor, note)
}

// Escalate moves an alert to ESCALATED and fires OnEscalated.
func (g *Aggregator) Escalate(ctx context.Context, id, actor, note string) (*Alert, error) {
	a, err := g.setStatus(ctx, id, StatusEscalated, actor, note)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.stats.escalated++
	g.mu.Unlock()
	if h := g.conf.Hooks.OnEscalated; h != nil {
		h(a.Clone())
	}
	return a, nil
}

// Assign sets the assignee of an open alert without changing its status.
func (g *Aggregator) Assign(ctx context.Context, id, assignee, actor string) (*Alert, error) {
	return g.update(ctx, id, func(a *Alert, now time.Time) error {
		if a.Status.Closed() {
			return fmt.Errorf("%w: cannot assign %s alert", ErrInvalidTransition, a.Status)
		}
		a.Assignee = assignee
		a.UpdatedAt = now
		a.History = append(a.History, Transition{From: a.Status, To: a.Status, Actor: actor, Note: "assigned to " + assignee, At: now})
		return nil
	})
}

// Get returns a copy of the alert with id.
func (g *Aggregator) Get(ctx context.Context, id string) (*Alert, error) {
	a, ok, err := g.conf.Alerts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Status   Status
	Severity Severity
	Type     string
	GroupID  string
	Assignee string
	Limit    int
}

func (f ListFilter) match(a *Alert) bool {
	return (f.Status == "" || a.Status == f.Status) &&
		(f.Severity == "" || a.Severity == f.Severity) &&
		(f.Type == "" || a.Type == f.Type) &&
		(f.GroupID == "" || a.GroupID == f.GroupID) &&
		(f.Assignee == "" || a.Assignee == f.Assignee)
}

// List returns matching alerts, highest priority first, newest first on ties.
func (g *Aggregator) List(ctx context.Context, f ListFilter) ([]*Alert, error) {
	all, err := g.conf.Alerts.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Alert
	for _, a := range all {
		if f.match(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Group returns a copy of the group with id.
func (g *Aggregator) Group(ctx context.Context, id string) (*Group, error) {
	grp, ok, err := g.conf.Groups.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	return grp.Clone(), nil
}

// Groups returns all groups, highest priority first.
func (g *Aggregator) Groups(ctx context.Context) ([]*Group, error) {
	all, err := g.conf.Groups.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Group, len(all))
	for i, grp := range all {
		out[i] = grp.Clone()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

// Stats summarizes aggregator state.
type Stats struct {
	Processed        int64            `json:"processed"`
	Created          int64            `json:"created"`
	Duplicates       int64            `json:"duplicates"`
	Suppressed       int64            `json:"suppressed"`
	Escalated        int64            `json:"escalated"`
	Alerts           int              `json:"alerts"`
	Groups           int              `json:"groups"`
	ByStatus         map[Status]int   `json:"by_status"`
	BySeverity       map[Severity]int `json:"by_severity"`
	SuppressionRules int              `json:"suppression_rules"`
}

// Stats returns counters and a breakdown of stored alerts.
func (g *Aggregator) Stats(ctx context.Context) (Stats, error) {
	alerts, err := g.conf.Alerts.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	groups, err := g.conf.Groups.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	g.mu.Lock()
	st := Stats{
		Processed:        g.stats.processed,
		Created:          g.stats.created,
		Duplicates:       g.stats.duplicates,
		Suppressed:       g.stats.suppressed,
		Escalated:        g.stats.escalated,
		SuppressionRules: len(g.rules),
	}
	g.mu.Unlock()

	st.Alerts = len(alerts)
	st.Groups = len(groups)
	st.ByStatus = make(map[Status]int)
	st.BySeverity = make(map[Severity]int)
	for _, a := range alerts {
		st.ByStatus[a.Status]++
		st.BySeverity[a.Severity]++
	}
	return st, nil
}

// UpdateScoringContext replaces asset values and threat-intel scores used
// for new alerts. nil maps leave the current value in place.
func (g *Aggregator) UpdateScoringContext(assets, intel map[string]float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if assets != nil {
		g.conf.ScoringContext.AssetValues = assets
	}
	if intel != nil {
		g.conf.ScoringContext.ThreatIntel = intel
	}
}

// AddSuppressionRule validates and appends r. Rule ids are unique.
func (g *Aggregator) AddSuppressionRule(r SuppressionRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.rules {
		if existing.ID == r.ID {
			return fmt.Errorf("suppression rule %q already exists", r.ID)
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = g.clock.Now().UTC()
	}
	g.rules = append(g.rules, &r)
	return nil
}

// RemoveSuppressionRule deletes the rule with id.
func (g *Aggregator) RemoveSuppressionRule(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range g.rules {
		if r.ID == id {
			g.rules = append(g.rules[:i], g.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: suppression rule %s", ErrNotFound, id)
}

// SetSuppressionRules replaces the rule set, keeping match statistics of
// rules whose id survives. Nothing changes when any rule is invalid.
func (g *Aggregator) SetSuppressionRules(rules []SuppressionRule) error {
	next := make([]*SuppressionRule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		if err := r.Validate(); err != nil {
			return err
		}
		next = append(next, &r)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := make(map[string]*SuppressionRule, len(g.rules))
	for _, r := range g.rules {
		prev[r.ID] = r
	}
	now := g.clock.Now().UTC()
	for _, r := range next {
		if old, ok := prev[r.ID]; ok {
			r.MatchCount = old.MatchCount
			r.LastMatched = old.LastMatched
			r.CreatedAt = old.CreatedAt
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	}
	g.rules = next
	return nil
}

// SuppressionRules returns copies of the current rules in evaluation order.
func (g *Aggregator) SuppressionRules() []SuppressionRule {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SuppressionRule, len(g.rules))
	for i, r := range g.rules {
		out[i] = *r.clone()
	}
	return out
}

// CleanupReport counts what Cleanup evicted.
type CleanupReport struct {
	Alerts        int `json:"alerts"`
	Groups        int `json:"groups"`
	FrequencyKeys int `json:"frequency_keys"`
}

// Cleanup evicts closed alerts older than RetentionPeriod, groups that are
// closed or emptied and idle past the same cutoff, and frequency entries
// with no sightings inside FrequencyWindow.
func (g *Aggregator) Cleanup(ctx context.Context, now time.Time) (CleanupReport, error) {
	var rep CleanupReport
	cutoff := now.Add(-g.conf.RetentionPeriod)

	g.mu.Lock()
	defer g.mu.Unlock()

	alerts, err := g.conf.Alerts.List(ctx)
	if err != nil {
		return rep, err
	}
	live := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		closedAt := a.UpdatedAt
		if a.ResolvedAt != nil {
			closedAt = *a.ResolvedAt
		}
		if a.Status.Closed() && closedAt.Before(cutoff) {
			if err := g.conf.Alerts.Delete(ctx, a.ID); err != nil {
				return rep, err
			}
			rep.Alerts++
			continue
		}
		live[a.ID] = true
	}

	groups, err := g.conf.Groups.List(ctx)
	if err != nil {
		return rep, err
	}
	for _, grp := range groups {
		if !grp.LastSeen.Before(cutoff) {
			continue
		}
		empty := true
		for _, id := range grp.Alerts {
			if live[id] {
				empty = false
				break
			}
		}
		if !empty && !grp.Status.Closed() {
			continue
		}
		if err := g.conf.Groups.Delete(ctx, grp.ID); err != nil {
			return rep, err
		}
		if g.byFP[grp.Fingerprint] == grp.ID {
			delete(g.byFP, grp.Fingerprint)
		}
		rep.Groups++
	}

	fcut := now.Add(-g.conf.FrequencyWindow)
	for fp, ts := range g.frequency {
		ts = trimTimes(ts, fcut)
		if len(ts) == 0 {
			delete(g.frequency, fp)
			rep.FrequencyKeys++
			continue
		}
		g.frequency[fp] = ts
	}
	g.trimRecent(now)

	if n := len(groups) - rep.Groups; n >= 0 {
		metrics.AlertGroups.Set(float64(n))
	}
	return rep, nil
}

// Start runs Cleanup every CleanupInterval until ctx is done or Stop is
// called.
func (g *Aggregator) Start(ctx context.Context) {
	g.taskMu.Lock()
	defer g.taskMu.Unlock()
	if g.task != nil {
		return
	}
	g.task = clock.Every(ctx, g.clock, g.conf.CleanupInterval, func(ctx context.Context) {
		rep, err := g.Cleanup(ctx, g.clock.Now().UTC())
		if err != nil {
			g.logger.Error("alert cleanup failed", "err", err)
			return
		}
		if rep.Alerts+rep.Groups+rep.FrequencyKeys > 0 {
			g.logger.Info("alert cleanup", "alerts", rep.Alerts, "groups", rep.Groups, "frequency_keys", rep.FrequencyKeys)
		}
	})
}

// Stop halts periodic cleanup.
func (g *Aggregator) Stop() {
	g.taskMu.Lock()
	task := g.task
	g.task = nil
	g.taskMu.Unlock()
	if task != nil {
		task.Stop()
	}
}
