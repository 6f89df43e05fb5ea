// Package correlate links events that share identifiers (IPs, users, hosts,
// indicators, ...) within a sliding time window.
package correlate

import (
	"sort"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

// Extractor derives keys of one kind from the listed event fields. Field
// paths are relative to the event (e.g. "data.source_ip").
type Extractor struct {
	Kind   string   `yaml:"kind" json:"kind"`
	Fields []string `yaml:"fields" json:"fields"`
}

// DefaultExtractors returns the built-in key extractors.
func DefaultExtractors() []Extractor {
	return []Extractor{
		{Kind: "ip", Fields: []string{"data.source_ip", "data.src_ip", "data.destination_ip", "data.dst_ip", "data.ip"}},
		{Kind: "user", Fields: []string{"data.user", "data.username", "data.user_id"}},
		{Kind: "host", Fields: []string{"data.host", "data.hostname"}},
		{Kind: "indicator", Fields: []string{"data.indicator", "data.ioc", "data.hash"}},
		{Kind: "threat", Fields: []string{"data.threat_id"}},
		{Kind: "alert", Fields: []string{"data.alert_id"}},
		{Kind: "incident", Fields: []string{"data.incident_id"}},
		{Kind: "mitre", Fields: []string{"data.mitre_technique", "data.technique_id"}},
	}
}

// Config for the correlation engine.
type Config struct {
	TimeWindow time.Duration // default 1h
	MaxEvents  int           // per key, default 100
	Extractors []Extractor   // default DefaultExtractors()
}

// Entry is one event remembered under a key.
type Entry struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	SeenAt    time.Time `json:"seen_at"`
}

// Correlation is the result of correlating one event.
type Correlation struct {
	Keys    []string       `json:"keys"`
	Related map[string]int `json:"related"` // other events in window per key
}

// Engine is safe for concurrent use.
type Engine struct {
	mu   sync.Mutex
	conf Config
	keys map[string][]Entry
}

// New creates an Engine, applying defaults to zero fields.
func New(conf Config) *Engine {
	if conf.TimeWindow <= 0 {
		conf.TimeWindow = time.Hour
	}
	if conf.MaxEvents <= 0 {
		conf.MaxEvents = 100
	}
	if len(conf.Extractors) == 0 {
		conf.Extractors = DefaultExtractors()
	}
	return &Engine{conf: conf, keys: make(map[string][]Entry)}
}

// Extract returns the distinct "kind:value" keys for ev, in extractor order.
func (e *Engine) Extract(ev *event.Event) []string {
	fields := ev.Fields()
	seen := make(map[string]bool)
	var out []string
	add := func(kind string, v interface{}) {
		s, ok := scalar(v)
		if !ok {
			return
		}
		k := kind + ":" + s
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, x := range e.conf.Extractors {
		for _, f := range x.Fields {
			v, ok := fieldpath.Lookup(fields, f)
			if !ok {
				continue
			}
			switch list := v.(type) {
			case []interface{}:
				for _, item := range list {
					add(x.Kind, item)
				}
			case []string:
				for _, item := range list {
					add(x.Kind, item)
				}
			default:
				add(x.Kind, v)
			}
		}
	}
	return out
}

func scalar(v interface{}) (string, bool) {
	s, ok := fieldpath.String(map[string]interface{}{"v": v}, "v")
	return s, ok
}

// Correlate extracts ev's keys, appends ev to each key's history and
// trims every touched history to the window and MaxEvents.
func (e *Engine) Correlate(ev *event.Event, now time.Time) Correlation {
	keys := e.Extract(ev)
	res := Correlation{Keys: keys, Related: make(map[string]int, len(keys))}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		hist := e.trim(e.keys[k], now)
		res.Related[k] = len(hist)
		hist = append(hist, Entry{
			EventID:   ev.ID,
			Type:      ev.Type,
			Source:    ev.Source,
			Timestamp: ev.Timestamp,
			SeenAt:    now,
		})
		if over := len(hist) - e.conf.MaxEvents; over > 0 {
			hist = hist[over:]
		}
		e.keys[k] = hist
	}
	return res
}

func (e *Engine) trim(hist []Entry, now time.Time) []Entry {
	cutoff := now.Add(-e.conf.TimeWindow)
	i := 0
	for i < len(hist) && hist[i].SeenAt.Before(cutoff) {
		i++
	}
	if i == 0 {
		return hist
	}
	return append([]Entry(nil), hist[i:]...)
}

// Related returns the in-window history for key, oldest first.
func (e *Engine) Related(key string, now time.Time) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.trim(e.keys[key], now)
	return append([]Entry(nil), hist...)
}

// Cleanup trims every key and drops keys left empty. It returns the
// number of keys removed.
func (e *Engine) Cleanup(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for k, hist := range e.keys {
		hist = e.trim(hist, now)
		if len(hist) == 0 {
			delete(e.keys, k)
			removed++
			continue
		}
		e.keys[k] = hist
	}
	return removed
}

// Keys lists tracked keys in sorted order.
func (e *Engine) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.keys))
	for k := range e.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
