// Package enrich runs ordered enrichers that attach derived context to an
// event before it is correlated and routed.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/metrics"
)

// ErrEnrichmentTimeout is returned when an enricher does not finish within
// its timeout.
var ErrEnrichmentTimeout = errors.New("enrichment timeout")

// DefaultTimeout applies when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Func computes an enrichment for ev. A nil result stores nothing. ev is a
// private copy; changes to it are discarded.
type Func func(ctx context.Context, ev *event.Event) (interface{}, error)

// Options control how an enricher is scheduled and how its failure is handled.
type Options struct {
	Priority int           // lower runs first
	Timeout  time.Duration // per call
	Optional bool          // failure degrades to an error marker instead of aborting
}

type enricher struct {
	name string
	fn   Func
	opts Options
	seq  int
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	mu        sync.RWMutex
	enrichers []*enricher
	seq       int
	logger    *slog.Logger
}

// NewPipeline creates an empty Pipeline. A nil logger uses slog.Default().
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger.With("component", "enrich")}
}

// Add registers fn under name. Re-adding a name replaces the enricher and
// moves it to the end of its priority band.
func (p *Pipeline) Add(name string, fn Func, opts Options) error {
	if name == "" || fn == nil {
		return fmt.Errorf("enrich: name and function are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(name)
	p.seq++
	p.enrichers = append(p.enrichers, &enricher{name: name, fn: fn, opts: opts, seq: p.seq})
	sort.SliceStable(p.enrichers, func(i, j int) bool {
		a, b := p.enrichers[i], p.enrichers[j]
		if a.opts.Priority != b.opts.Priority {
			return a.opts.Priority < b.opts.Priority
		}
		return a.seq < b.seq
	})
	return nil
}

// Remove unregisters name and reports whether it existed.
func (p *Pipeline) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(name)
}

func (p *Pipeline) removeLocked(name string) bool {
	for i, e := range p.enrichers {
		if e.name == name {
			p.enrichers = append(p.enrichers[:i], p.enrichers[i+1:]...)
			return true
		}
	}
	return false
}

// Names lists enrichers in execution order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.enrichers))
	for i, e := range p.enrichers {
		out[i] = e.name
	}
	return out
}

// Run applies every enricher to ev in order, storing results under
// ev.Enrichments[name]. A failing required enricher stops the run and its
// error is returned; optional ones record {"error": msg} and continue.
func (p *Pipeline) Run(ctx context.Context, ev *event.Event) error {
	p.mu.RLock()
	list := append([]*enricher(nil), p.enrichers...)
	p.mu.RUnlock()

	for _, e := range list {
		res, err := call(ctx, e, ev)
		if err != nil {
			metrics.EnrichmentFailures.WithLabelValues(e.name).Inc()
			if !e.opts.Optional {
				return fmt.Errorf("enricher %q: %w", e.name, err)
			}
			p.logger.Warn("optional enricher failed", "enricher", e.name, "event_id", ev.ID, "err", err)
			setEnrichment(ev, e.name, map[string]interface{}{"error": err.Error()})
			continue
		}
		if res != nil {
			setEnrichment(ev, e.name, res)
		}
	}
	return nil
}

func setEnrichment(ev *event.Event, name string, v interface{}) {
	if ev.Enrichments == nil {
		ev.Enrichments = make(map[string]interface{})
	}
	ev.Enrichments[name] = v
}

type outcome struct {
	res interface{}
	err error
}

// call runs e on a copy of ev so an enricher still running after its
// timeout never shares state with the rest of the pipeline.
func call(ctx context.Context, e *enricher, ev *event.Event) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	snapshot := ev.Clone()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := e.fn(ctx, snapshot)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrEnrichmentTimeout, e.opts.Timeout)
		}
		return nil, ctx.Err()
	}
}
