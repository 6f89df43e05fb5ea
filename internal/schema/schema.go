// Package schema validates event payloads against per-type schemas.
package schema

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

// Result is the outcome of validating one payload.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validator is the schema-validation collaborator used by the orchestrator.
// A type with no schema validates.
type Validator interface {
	Validate(eventType string, payload map[string]interface{}) Result
}

// Kind names the expected type of a payload field.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindArray  Kind = "array"
	KindAny    Kind = "any"
)

// Schema describes the payload of one event type. Field names are dotted
// paths into the payload.
type Schema struct {
	Type     string            `yaml:"type" json:"type"`
	Required []string          `yaml:"required" json:"required,omitempty"`
	Fields   map[string]Kind   `yaml:"fields" json:"fields,omitempty"`
	Patterns map[string]string `yaml:"patterns" json:"patterns,omitempty"`

	compiled map[string]*regexp.Regexp
}

func (s *Schema) compile() error {
	s.compiled = make(map[string]*regexp.Regexp, len(s.Patterns))
	for field, p := range s.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("schema %q: field %q: invalid pattern: %w", s.Type, field, err)
		}
		s.compiled[field] = re
	}
	for field, k := range s.Fields {
		switch k {
		case KindString, KindNumber, KindBool, KindObject, KindArray, KindAny:
		default:
			return fmt.Errorf("schema %q: field %q: unknown kind %q", s.Type, field, k)
		}
	}
	return nil
}

// Registry is an in-process Validator keyed by event type.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds or replaces the schema for s.Type.
func (r *Registry) Register(s Schema) error {
	if s.Type == "" {
		return fmt.Errorf("schema: type is required")
	}
	if err := s.compile(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Type] = &s
	return nil
}

// Replace swaps the whole schema set; used on config reload. Nothing is
// replaced when any schema fails to compile.
func (r *Registry) Replace(schemas []Schema) error {
	next := make(map[string]*Schema, len(schemas))
	for i := range schemas {
		s := schemas[i]
		if err := s.compile(); err != nil {
			return err
		}
		next[s.Type] = &s
	}
	r.mu.Lock()
	r.schemas = next
	r.mu.Unlock()
	return nil
}

// Has reports whether a schema exists for eventType.
func (r *Registry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[eventType]
	return ok
}

// Types lists registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate implements Validator.
func (r *Registry) Validate(eventType string, payload map[string]interface{}) Result {
	r.mu.RLock()
	s, ok := r.schemas[eventType]
	r.mu.RUnlock()
	if !ok {
		return Result{Valid: true}
	}

	var errs []string
	for _, field := range s.Required {
		if v, ok := fieldpath.Lookup(payload, field); !ok || v == nil {
			errs = append(errs, fmt.Sprintf("%s: required", field))
		}
	}
	for _, field := range sortedKeys(s.Fields) {
		v, ok := fieldpath.Lookup(payload, field)
		if !ok || v == nil {
			continue
		}
		if !kindMatches(s.Fields[field], v) {
			errs = append(errs, fmt.Sprintf("%s: expected %s, got %T", field, s.Fields[field], v))
		}
	}
	for _, field := range sortedKeys(s.compiled) {
		v, ok := fieldpath.String(payload, field)
		if !ok {
			continue
		}
		if !s.compiled[field].MatchString(v) {
			errs = append(errs, fmt.Sprintf("%s: does not match %s", field, s.Patterns[field]))
		}
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

func kindMatches(k Kind, v interface{}) bool {
	switch k {
	case KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindObject:
		_, ok := v.(map[string]interface{})
		return ok
	case KindArray:
		switch v.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
