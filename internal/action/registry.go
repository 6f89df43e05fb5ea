// Package action holds the named remediation actions that workflow steps
// and automation bindings invoke.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrActionNotFound is returned when executing an unregistered action.
	ErrActionNotFound = errors.New("action not found")
	// ErrActionTimeout is returned when a handler exceeds its timeout.
	ErrActionTimeout = errors.New("action timed out")
)

// DefaultTimeout applies when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Handler runs one action. params are already template-resolved; scope is a
// read-only view of the caller's context (a workflow instance's variables).
type Handler func(ctx context.Context, params, scope map[string]interface{}) (interface{}, error)

// Options for a registered action.
type Options struct {
	Timeout time.Duration
	// NoRetry marks actions with side effects that must not be repeated;
	// workflow steps invoking them ignore their retry budget.
	NoRetry bool
}

// Info describes a registered action.
type Info struct {
	Name      string        `json:"name"`
	Timeout   time.Duration `json:"timeout"`
	Retryable bool          `json:"retryable"`
}

type entry struct {
	handler Handler
	opts    Options
}

// Registry maps action names to handlers. It is safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	actions map[string]entry
}

// NewRegistry creates an empty Registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "action"),
		actions: make(map[string]entry),
	}
}

// Register adds a handler under name. Registering a name twice is an error.
func (r *Registry) Register(name string, h Handler, opts Options) error {
	if name == "" || h == nil {
		return errors.New("action name and handler are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	r.actions[name] = entry{handler: h, opts: opts}
	return nil
}

// MustRegister is Register that panics, for wiring at startup.
func (r *Registry) MustRegister(name string, h Handler, opts Options) {
	if err := r.Register(name, h, opts); err != nil {
		panic(fmt.Sprintf("action registry: %v", err))
	}
}

// Unregister removes name. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actions, name)
}

// Lookup describes a registered action.
func (r *Registry) Lookup(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.actions[name]
	if !ok {
		return Info{}, false
	}
	return Info{Name: name, Timeout: e.opts.Timeout, Retryable: !e.opts.NoRetry}, true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns all registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for k := range r.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
