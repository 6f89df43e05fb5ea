// Package fieldpath resolves dot-separated paths such as "data.user.name"
// against nested map/slice values decoded from JSON or YAML.
package fieldpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Split breaks a dotted path into its segments. Empty segments are dropped.
func Split(path string) []string {
	raw := strings.Split(strings.TrimSpace(path), ".")
	out := raw[:0]
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Lookup walks path into root. The second result is false when any segment
// is missing or traverses a non-container value.
func Lookup(root map[string]any, path string) (any, bool) {
	return LookupParts(root, Split(path))
}

// LookupParts is Lookup over pre-split segments.
func LookupParts(root map[string]any, parts []string) (any, bool) {
	if len(parts) == 0 || root == nil {
		return nil, false
	}
	var cur any = root
	for _, p := range parts {
		next, ok := step(cur, p)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur any, key string) (any, bool) {
	switch c := cur.(type) {
	case map[string]any:
		v, ok := c[key]
		return v, ok
	case map[string]string:
		v, ok := c[key]
		return v, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	case []string:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	}
	return nil, false
}

// String resolves path and formats scalars as strings. nil and missing
// values report false.
func String(root map[string]any, path string) (string, bool) {
	v, ok := Lookup(root, path)
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, s != ""
	case fmt.Stringer:
		return s.String(), true
	case map[string]any, []any:
		return "", false
	}
	return fmt.Sprint(v), true
}

// Set assigns v at path, creating intermediate maps as needed. It fails when
// an intermediate segment holds a non-map value.
func Set(root map[string]any, path string, v any) error {
	parts := Split(path)
	if len(parts) == 0 {
		return fmt.Errorf("fieldpath: empty path")
	}
	cur := root
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok || next == nil {
			m := make(map[string]any)
			cur[p] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("fieldpath: %q is %T, not a map", p, next)
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = v
	return nil
}

// Copy returns a deep copy of m. Nested maps and slices are copied; other
// values are shared.
func Copy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

// CopyValue deep-copies v the way Copy copies map values.
func CopyValue(v any) any { return copyValue(v) }

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Copy(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	}
	return v
}
