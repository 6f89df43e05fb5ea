// Package router dispatches events to routes matched on event type and
// fans them out to topic subscribers.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/metrics"
)

// ErrRouteNotFound is returned when removing a route that was never added.
var ErrRouteNotFound = errors.New("route not found")

// Handler consumes a routed event.
type Handler func(ctx context.Context, ev *event.Event) error

// Filter decides whether a matched route handles ev.
type Filter func(ev *event.Event) (bool, error)

// Transform rewrites the event passed to one route's handler. Other routes
// still see the original.
type Transform func(ev *event.Event) (*event.Event, error)

// Route binds an event-type pattern to a handler. Pattern is a glob where
// '*' matches any run of characters, or a regular expression when
// prefixed with "re:".
type Route struct {
	Name      string
	Pattern   string
	Priority  int // lower runs first
	Filter    Filter
	Transform Transform
	Handler   Handler
}

type compiledRoute struct {
	Route
	re  *regexp.Regexp
	seq int
}

// Subscriber is notified of every event published on a matching topic.
type Subscriber func(ctx context.Context, topic string, ev *event.Event) error

type subscription struct {
	id       int
	priority int
	fn       Subscriber
}

// Router is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes []*compiledRoute
	def    Handler
	seq    int
	subs   map[string][]*subscription
}

// New creates an empty Router.
func New() *Router {
	return &Router{subs: make(map[string][]*subscription)}
}

// CompilePattern turns a route pattern into an anchored regular expression.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if rest, ok := strings.CutPrefix(pattern, "re:"); ok {
		return regexp.Compile(rest)
	}
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// AddRoute compiles and registers r. Names must be unique.
func (r *Router) AddRoute(route Route) error {
	if route.Name == "" || route.Handler == nil {
		return fmt.Errorf("router: route name and handler are required")
	}
	re, err := CompilePattern(route.Pattern)
	if err != nil {
		return fmt.Errorf("router: route %q: %w", route.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.routes {
		if existing.Name == route.Name {
			return fmt.Errorf("router: duplicate route %q", route.Name)
		}
	}
	r.seq++
	r.routes = append(r.routes, &compiledRoute{Route: route, re: re, seq: r.seq})
	sort.SliceStable(r.routes, func(i, j int) bool {
		if r.routes[i].Priority != r.routes[j].Priority {
			return r.routes[i].Priority < r.routes[j].Priority
		}
		return r.routes[i].seq < r.routes[j].seq
	})
	return nil
}

// RemoveRoute unregisters the named route.
func (r *Router) RemoveRoute(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cr := range r.routes {
		if cr.Name == name {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrRouteNotFound, name)
}

// SetDefault sets the handler run when no route matches. nil clears it.
func (r *Router) SetDefault(h Handler) {
	r.mu.Lock()
	r.def = h
	r.mu.Unlock()
}

// Routes lists route names in execution order.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.routes))
	for i, cr := range r.routes {
		out[i] = cr.Name
	}
	return out
}

func (r *Router) matching(eventType string) ([]*compiledRoute, Handler) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*compiledRoute
	for _, cr := range r.routes {
		if cr.re.MatchString(eventType) {
			out = append(out, cr)
		}
	}
	return out, r.def
}

// Dispatch runs every route matching ev.Type in priority order and returns
// the names of the routes whose handler ran ("default" for the default
// handler). The first filter, transform or handler error stops dispatch.
func (r *Router) Dispatch(ctx context.Context, ev *event.Event) ([]string, error) {
	routes, def := r.matching(ev.Type)
	if len(routes) == 0 {
		if def == nil {
			return nil, nil
		}
		if err := def(ctx, ev); err != nil {
			return nil, fmt.Errorf("default route: %w", err)
		}
		return []string{"default"}, nil
	}

	var ran []string
	for _, cr := range routes {
		if cr.Filter != nil {
			ok, err := cr.Filter(ev)
			if err != nil {
				return ran, fmt.Errorf("route %q filter: %w", cr.Name, err)
			}
			if !ok {
				continue
			}
		}
		target := ev
		if cr.Transform != nil {
			t, err := cr.Transform(ev.Clone())
			if err != nil {
				return ran, fmt.Errorf("route %q transform: %w", cr.Name, err)
			}
			if t != nil {
				target = t
			}
		}
		if err := cr.Handler(ctx, target); err != nil {
			return ran, fmt.Errorf("route %q: %w", cr.Name, err)
		}
		metrics.RoutesMatched.WithLabelValues(cr.Name).Inc()
		ran = append(ran, cr.Name)
	}
	return ran, nil
}

// Subscribe registers fn for topic. topic is an exact event type, a
// "prefix.*" wildcard or "*" for every event. The returned func removes
// the subscription.
func (r *Router) Subscribe(topic string, priority int, fn Subscriber) func() {
	r.mu.Lock()
	r.seq++
	sub := &subscription{id: r.seq, priority: priority, fn: fn}
	list := append(r.subs[topic], sub)
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
	r.subs[topic] = list
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			list := r.subs[topic]
			for i, s := range list {
				if s.id == sub.id {
					r.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(r.subs[topic]) == 0 {
				delete(r.subs, topic)
			}
		})
	}
}

func (r *Router) subscribers(topic string) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]*subscription(nil), r.subs[topic]...)

	var wild []*subscription
	for pattern, list := range r.subs {
		prefix, ok := strings.CutSuffix(pattern, ".*")
		if ok && strings.HasPrefix(topic, prefix+".") {
			wild = append(wild, list...)
		}
	}
	sort.SliceStable(wild, func(i, j int) bool {
		if wild[i].priority != wild[j].priority {
			return wild[i].priority < wild[j].priority
		}
		return wild[i].id < wild[j].id
	})
	out = append(out, wild...)
	if topic != "*" {
		out = append(out, r.subs["*"]...)
	}
	return out
}

// Publish notifies subscribers of topic: exact matches, then wildcard, then
// global, each in priority order. Every subscriber runs; their errors are
// joined.
func (r *Router) Publish(ctx context.Context, topic string, ev *event.Event) error {
	var errs []error
	for _, s := range r.subscribers(topic) {
		if err := s.fn(ctx, topic, ev); err != nil {
			metrics.SubscriberErrors.Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
