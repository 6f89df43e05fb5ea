// Package orchestrator accepts security events, buffers them, and runs each
// through enrichment, correlation and routing, dead-lettering failures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/soarflow/internal/clock"
	"github.com/gyaneshwarpardhi/soarflow/internal/correlate"
	"github.com/gyaneshwarpardhi/soarflow/internal/dlq"
	"github.com/gyaneshwarpardhi/soarflow/internal/enrich"
	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/metrics"
	"github.com/gyaneshwarpardhi/soarflow/internal/router"
	"github.com/gyaneshwarpardhi/soarflow/internal/schema"
)

var tracer = otel.Tracer("github.com/gyaneshwarpardhi/soarflow/internal/orchestrator")

var (
	// ErrValidation is returned by Ingest for events without a type or
	// failing their schema. Such events are dropped, never retried.
	ErrValidation = errors.New("event validation failed")

	// ErrRateLimited is returned by Ingest when the configured ingest rate
	// is exceeded.
	ErrRateLimited = errors.New("ingest rate limit exceeded")
)

// Hooks are optional observers of pipeline outcomes. They run
// synchronously on the processing goroutine.
type Hooks struct {
	OnValidationFailed func(ev *event.Event, errs []string)
	OnCompleted        func(s event.Summary)
	OnDeadLettered     func(e dlq.Entry)
}

// Config for the orchestrator. Zero values take the defaults noted.
type Config struct {
	BufferSize    int           // 100; reaching it flushes
	FlushInterval time.Duration // 1s
	Concurrency   int           // 1: events in a batch are processed strictly in order
	HistorySize   int           // 1000
	DLQSize       int           // 1000
	RetryLimit    int           // 3
	IngestRate    float64       // events/s, 0 = unlimited
	IngestBurst   int
	// CleanupInterval is how often stale correlation keys are evicted; 1m.
	CleanupInterval time.Duration

	Correlation correlate.Config
	Validator   schema.Validator
	Hooks       Hooks
	Clock       clock.Clock
	Logger      *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.DLQSize <= 0 {
		c.DLQSize = dlq.DefaultMaxSize
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.IngestRate > 0 && c.IngestBurst <= 0 {
		c.IngestBurst = int(c.IngestRate) + 1
	}
	c.Clock = clock.OrDefault(c.Clock)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is the outcome of processing one event.
type Result struct {
	EventID         string      `json:"event_id"`
	Type            string      `json:"type"`
	State           event.State `json:"state"`
	CorrelationKeys []string    `json:"correlation_keys,omitempty"`
	RoutesMatched   []string    `json:"routes_matched,omitempty"`
	DLQEntryID      string      `json:"dlq_entry_id,omitempty"`
	Error           string      `json:"error,omitempty"`
	DurationMs      int64       `json:"duration_ms"`
}

// Stats is a point-in-time snapshot of orchestrator counters.
type Stats struct {
	Ingested     int64 `json:"ingested"`
	Rejected     int64 `json:"rejected"`
	Processed    int64 `json:"processed"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
	Replayed     int64 `json:"replayed"`
	Buffered     int   `json:"buffered"`
	DLQSize      int   `json:"dlq_size"`
	HistorySize  int   `json:"history_size"`
}

type counters struct {
	ingested, rejected, processed, completed atomic.Int64
	failed, deadLettered, replayed           atomic.Int64
}

// mode selects how a pipeline failure is recorded.
type mode int

const (
	modeNormal mode = iota // failure dead-letters the event
	modeReplay             // terminal state REPLAYED, failure marks FAILED
	modeRetry              // DLQ retry, failure bumps the existing entry
)

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	conf   Config
	clock  clock.Clock
	logger *slog.Logger

	enrichers  *enrich.Pipeline
	correlator *correlate.Engine
	router     *router.Router
	dlq        *dlq.Queue
	limiter    *rate.Limiter

	bufMu  sync.Mutex
	buffer []*event.Event

	flushMu sync.Mutex

	histMu  sync.RWMutex
	history []event.Summary

	taskMu  sync.Mutex
	task    *clock.Task
	cleanup *clock.Task

	stats counters
}

// New builds an Orchestrator with fresh leaves.
func New(conf Config) *Orchestrator {
	conf.applyDefaults()
	o := &Orchestrator{
		conf:       conf,
		clock:      conf.Clock,
		logger:     conf.Logger.With("component", "orchestrator"),
		enrichers:  enrich.NewPipeline(conf.Logger),
		correlator: correlate.New(conf.Correlation),
		router:     router.New(),
		dlq:        dlq.New(conf.DLQSize),
	}
	if conf.IngestRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(conf.IngestRate), conf.IngestBurst)
	}
	return o
}

// Enrichers returns the enrichment pipeline for registration.
func (o *Orchestrator) Enrichers() *enrich.Pipeline { return o.enrichers }

// Correlator returns the correlation engine.
func (o *Orchestrator) Correlator() *correlate.Engine { return o.correlator }

// Router returns the event router for route and subscriber registration.
func (o *Orchestrator) Router() *router.Router { return o.router }

// DLQ returns the dead-letter queue.
func (o *Orchestrator) DLQ() *dlq.Queue { return o.dlq }

// Ingest validates ev and buffers a copy of it, stamping id, timestamp and
// version when absent. The buffered copy is returned. Reaching BufferSize
// flushes the buffer on the calling goroutine.
func (o *Orchestrator) Ingest(ctx context.Context, ev *event.Event) (*event.Event, error) {
	if ev == nil {
		ev = &event.Event{}
	}
	if o.limiter != nil && !o.limiter.AllowN(o.clock.Now(), 1) {
		o.stats.rejected.Add(1)
		metrics.EventsRejected.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}
	if errs := o.validate(ev); len(errs) > 0 {
		o.stats.rejected.Add(1)
		metrics.EventsRejected.WithLabelValues("validation").Inc()
		o.logger.Debug("event rejected", "type", ev.Type, "errors", errs)
		if h := o.conf.Hooks.OnValidationFailed; h != nil {
			h(ev, errs)
		}
		return nil, fmt.Errorf("%w: %s", ErrValidation, strings.Join(errs, "; "))
	}

	stored := ev.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = o.clock.Now().UTC()
	}
	if stored.Version == "" {
		stored.Version = event.DefaultVersion
	}
	if stored.Data == nil {
		stored.Data = make(map[string]interface{})
	}
	stored.State = event.StatePending
	stored.Error = ""

	o.bufMu.Lock()
	o.buffer = append(o.buffer, stored)
	full := len(o.buffer) >= o.conf.BufferSize
	metrics.BufferSize.Set(float64(len(o.buffer)))
	o.bufMu.Unlock()

	o.stats.ingested.Add(1)
	metrics.EventsIngested.Inc()

	if full {
		o.Flush(ctx)
	}
	return stored.Clone(), nil
}

func (o *Orchestrator) validate(ev *event.Event) []string {
	if strings.TrimSpace(ev.Type) == "" {
		return []string{"type: required"}
	}
	if o.conf.Validator == nil {
		return nil
	}
	res := o.conf.Validator.Validate(ev.Type, ev.Data)
	if res.Valid {
		return nil
	}
	if len(res.Errors) == 0 {
		return []string{"schema validation failed"}
	}
	return res.Errors
}

// BatchResult reports the outcome of IngestBatch.
type BatchResult struct {
	Accepted []string `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// IngestBatch ingests each event independently; one rejection never blocks
// the rest.
func (o *Orchestrator) IngestBatch(ctx context.Context, evs []*event.Event) BatchResult {
	res := BatchResult{Accepted: make([]string, 0, len(evs))}
	for i, ev := range evs {
		stored, err := o.Ingest(ctx, ev)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("event %d: %v", i, err))
			continue
		}
		res.Accepted = append(res.Accepted, stored.ID)
	}
	return res
}

// Start flushes the buffer every FlushInterval until ctx is done or Stop
// is called.
func (o *Orchestrator) Start(ctx context.Context) {
	o.taskMu.Lock()
	defer o.taskMu.Unlock()
	if o.task != nil {
		return
	}
	o.task = clock.Every(ctx, o.clock, o.conf.FlushInterval, func(ctx context.Context) {
		o.Flush(ctx)
	})
	o.cleanup = clock.Every(ctx, o.clock, o.conf.CleanupInterval, func(context.Context) {
		if n := o.correlator.Cleanup(o.clock.Now()); n > 0 {
			o.logger.Debug("correlation keys evicted", "count", n)
		}
	})
}

// Stop halts the periodic tasks and processes whatever is still buffered.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.taskMu.Lock()
	task, cleanup := o.task, o.cleanup
	o.task, o.cleanup = nil, nil
	o.taskMu.Unlock()
	if task != nil {
		task.Stop()
	}
	if cleanup != nil {
		cleanup.Stop()
	}
	o.Flush(ctx)
}

// Flush drains the buffer and processes the batch. With Concurrency 1 the
// events are processed in ingest order, one at a time.
func (o *Orchestrator) Flush(ctx context.Context) []Result {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	o.bufMu.Lock()
	batch := o.buffer
	o.buffer = nil
	metrics.BufferSize.Set(0)
	o.bufMu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	results := make([]Result, len(batch))
	if o.conf.Concurrency == 1 {
		for i, ev := range batch {
			results[i] = o.process(ctx, ev, modeNormal, "")
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(o.conf.Concurrency)
	for i, ev := range batch {
		i, ev := i, ev
		g.Go(func() error {
			results[i] = o.process(ctx, ev, modeNormal, "")
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Process runs ev through the pipeline immediately, bypassing the buffer.
func (o *Orchestrator) Process(ctx context.Context, ev *event.Event) Result {
	ev = ev.Clone()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.clock.Now().UTC()
	}
	if ev.Version == "" {
		ev.Version = event.DefaultVersion
	}
	ev.State = event.StatePending
	return o.process(ctx, ev, modeNormal, "")
}

func (o *Orchestrator) process(ctx context.Context, ev *event.Event, m mode, dlqID string) Result {
	start := o.clock.Now()
	ctx, span := tracer.Start(ctx, "orchestrator.process", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.Type),
	))
	defer span.End()

	original := ev.Clone()
	routes, err := o.runStages(ctx, ev)

	res := Result{
		EventID:         ev.ID,
		Type:            ev.Type,
		CorrelationKeys: ev.CorrelationKeys,
		RoutesMatched:   routes,
	}
	o.stats.processed.Add(1)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.Error = err.Error()
		switch m {
		case modeReplay:
			res.State = event.StateFailed
			o.stats.failed.Add(1)
			o.logger.Warn("replay failed", "event_id", ev.ID, "type", ev.Type, "err", err)
		case modeRetry:
			res.State = event.StateDeadLettered
			res.DLQEntryID = dlqID
			o.stats.failed.Add(1)
			o.dlq.IncrementAttempts(dlqID, err, o.clock.Now())
			o.logger.Warn("dead-letter retry failed", "event_id", ev.ID, "dlq_id", dlqID, "err", err)
		default:
			res.State = event.StateDeadLettered
			o.stats.deadLettered.Add(1)
			original.State = event.StateDeadLettered
			original.Error = err.Error()
			entry := o.dlq.Add(original, err, o.clock.Now())
			res.DLQEntryID = entry.ID
			o.logger.Warn("event dead-lettered", "event_id", ev.ID, "type", ev.Type, "err", err)
			if h := o.conf.Hooks.OnDeadLettered; h != nil {
				h(entry)
			}
		}
		ev.State = res.State
		ev.Error = res.Error
	} else {
		res.State = event.StateCompleted
		if m == modeReplay {
			res.State = event.StateReplayed
			o.stats.replayed.Add(1)
		} else {
			o.stats.completed.Add(1)
		}
		ev.State = res.State
	}

	elapsed := o.clock.Now().Sub(start)
	res.DurationMs = elapsed.Milliseconds()
	metrics.EventsProcessed.WithLabelValues(string(res.State)).Inc()
	metrics.EventProcessingDuration.Observe(float64(elapsed.Microseconds()) / 1000)
	span.SetAttributes(attribute.String("event.state", string(res.State)))

	if err == nil {
		s := event.Summarize(ev, routes, o.clock.Now().UTC(), elapsed)
		o.record(s)
		if h := o.conf.Hooks.OnCompleted; h != nil {
			h(s)
		}
	}
	return res
}

// runStages executes enrich → correlate → route → notify for one event.
// Subscriber failures are logged and never fail the event.
func (o *Orchestrator) runStages(ctx context.Context, ev *event.Event) ([]string, error) {
	if err := o.enrichers.Run(ctx, ev); err != nil {
		return nil, fmt.Errorf("enrich: %w", err)
	}
	ev.State = event.StateEnriched

	corr := o.correlator.Correlate(ev, o.clock.Now())
	ev.CorrelationKeys = corr.Keys
	ev.State = event.StateCorrelated

	routes, err := o.router.Dispatch(ctx, ev)
	if err != nil {
		return routes, fmt.Errorf("route: %w", err)
	}
	ev.State = event.StateRouted

	if err := o.router.Publish(ctx, ev.Type, ev); err != nil {
		o.logger.Warn("subscriber failed", "event_id", ev.ID, "type", ev.Type, "err", err)
	}
	return routes, nil
}

func (o *Orchestrator) record(s event.Summary) {
	o.histMu.Lock()
	defer o.histMu.Unlock()
	o.history = append(o.history, s)
	if over := len(o.history) - o.conf.HistorySize; over > 0 {
		o.history = append([]event.Summary(nil), o.history[over:]...)
	}
}

// Filter selects history entries. Zero fields match everything; Limit
// keeps the most recent matches.
type Filter struct {
	Type   string    `json:"type,omitempty"`
	Source string    `json:"source,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Until  time.Time `json:"until,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

func (f Filter) match(s event.Summary) bool {
	if f.Type != "" && f.Type != s.Type {
		return false
	}
	if f.Source != "" && f.Source != s.Source {
		return false
	}
	if !f.Since.IsZero() && s.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && s.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// History returns matching summaries, oldest first.
func (o *Orchestrator) History(f Filter) []event.Summary {
	o.histMu.RLock()
	defer o.histMu.RUnlock()
	var out []event.Summary
	for _, s := range o.history {
		if f.match(s) {
			out = append(out, s)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Replay re-processes matching history entries as fresh events. A replay
// ends in REPLAYED, or FAILED without dead-lettering.
func (o *Orchestrator) Replay(ctx context.Context, f Filter) []Result {
	summaries := o.History(f)
	out := make([]Result, 0, len(summaries))
	for _, s := range summaries {
		if ctx.Err() != nil {
			break
		}
		out = append(out, o.process(ctx, s.Event(), modeReplay, ""))
	}
	return out
}

// RetryOptions narrow a dead-letter retry.
type RetryOptions struct {
	EventType string `json:"event_type,omitempty"`
	Max       int    `json:"max,omitempty"` // 0 = all retryable entries
}

// RetryReport summarizes a dead-letter retry.
type RetryReport struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results,omitempty"`
}

// RetryDLQ re-processes dead-lettered events whose attempt count is within
// RetryLimit. Successes leave the queue; failures stay with one more
// attempt recorded.
func (o *Orchestrator) RetryDLQ(ctx context.Context, opts RetryOptions) RetryReport {
	var rep RetryReport
	for _, entry := range o.dlq.Retryable(o.conf.RetryLimit) {
		if ctx.Err() != nil {
			break
		}
		if opts.EventType != "" && entry.Event.Type != opts.EventType {
			continue
		}
		if opts.Max > 0 && rep.Attempted >= opts.Max {
			break
		}
		rep.Attempted++

		ev := entry.Event
		ev.State = event.StatePending
		ev.Error = ""
		ev.Enrichments = nil
		ev.CorrelationKeys = nil
		res := o.process(ctx, ev, modeRetry, entry.ID)
		rep.Results = append(rep.Results, res)
		if res.Error != "" {
			rep.Failed++
			continue
		}
		rep.Succeeded++
		o.dlq.Remove(entry.ID)
	}
	return rep
}

// Stats returns a snapshot of counters.
func (o *Orchestrator) Stats() Stats {
	o.bufMu.Lock()
	buffered := len(o.buffer)
	o.bufMu.Unlock()
	o.histMu.RLock()
	hist := len(o.history)
	o.histMu.RUnlock()

	return Stats{
		Ingested:     o.stats.ingested.Load(),
		Rejected:     o.stats.rejected.Load(),
		Processed:    o.stats.processed.Load(),
		Completed:    o.stats.completed.Load(),
		Failed:       o.stats.failed.Load(),
		DeadLettered: o.stats.deadLettered.Load(),
		Replayed:     o.stats.replayed.Load(),
		Buffered:     buffered,
		DLQSize:      o.dlq.Len(),
		HistorySize:  hist,
	}
}
