package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader creates a Loader and performs the initial load. An invalid
// file is an error here; later reloads keep the previous config instead.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger.With("component", "config")}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file
// changes. The parent directory is watched so editors that replace the file
// are noticed. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					if _, err := l.Reload(); err != nil {
						l.logger.Warn("config reload failed; keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	l.logger.Info("config reloaded", "path", l.path)
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document, applies defaults and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config is empty")
		}
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Version: "1"}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	o := &c.Orchestrator
	if o.BufferSize == 0 {
		o.BufferSize = 100
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = time.Second
	}
	if o.Concurrency == 0 {
		o.Concurrency = 1
	}
	if o.HistorySize == 0 {
		o.HistorySize = 1000
	}
	if o.DLQSize == 0 {
		o.DLQSize = 1000
	}
	if o.RetryLimit == 0 {
		o.RetryLimit = 3
	}
	if o.CorrelationWindow == 0 {
		o.CorrelationWindow = time.Hour
	}
	if o.CorrelationMaxEvents == 0 {
		o.CorrelationMaxEvents = 100
	}

	a := &c.Aggregator
	if a.DedupeWindow == 0 {
		a.DedupeWindow = 5 * time.Minute
	}
	if a.Strategy == "" {
		a.Strategy = alert.StrategyExact
	}
	if a.SimilarityThreshold == 0 {
		a.SimilarityThreshold = 0.8
	}
	if a.MaxGroupSize == 0 {
		a.MaxGroupSize = 100
	}
	if a.RetentionPeriod == 0 {
		a.RetentionPeriod = 24 * time.Hour
	}
	if a.FrequencyWindow == 0 {
		a.FrequencyWindow = time.Hour
	}
	if a.AutoEscalateThreshold == 0 {
		a.AutoEscalateThreshold = 90
	}
	if a.CleanupInterval == 0 {
		a.CleanupInterval = 10 * time.Minute
	}

	in := &c.Incidents
	if in.SLACheckInterval == 0 {
		in.SLACheckInterval = time.Minute
	}
	slas := incident.DefaultSLAs()
	for sev, override := range in.SLAs {
		base := slas[sev]
		if override.Acknowledge != 0 {
			base.Acknowledge = override.Acknowledge
		}
		if override.Respond != 0 {
			base.Respond = override.Respond
		}
		if override.Update != 0 {
			base.Update = override.Update
		}
		if override.Resolve != 0 {
			base.Resolve = override.Resolve
		}
		slas[sev] = base
	}
	in.SLAs = slas

	w := &c.Workflows
	if w.MaxConcurrent == 0 {
		w.MaxConcurrent = 10
	}
	if w.QueueSize == 0 {
		w.QueueSize = 1000
	}
	if w.RetryDelay == 0 {
		w.RetryDelay = time.Second
	}
	if w.StepTimeout == 0 {
		w.StepTimeout = 5 * time.Minute
	}
	if w.MaxLoopIterations == 0 {
		w.MaxLoopIterations = 1000
	}
	if w.MaxDepth == 0 {
		w.MaxDepth = 5
	}
}
