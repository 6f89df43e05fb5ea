package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolve replaces {{ path }} placeholders in v with values from scope,
// descending into maps and lists. A string that is exactly one placeholder
// takes the resolved value with its type; embedded placeholders are
// formatted into the string, missing paths becoming empty. v is not
// modified.
func Resolve(v interface{}, scope map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return resolveString(t, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = Resolve(val, scope)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Resolve(val, scope)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = resolveString(val, scope)
		}
		return out
	}
	return v
}

// ResolveParams is Resolve for a parameter map.
func ResolveParams(params, scope map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	return Resolve(params, scope).(map[string]interface{})
}

func resolveString(s string, scope map[string]interface{}) interface{} {
	if !strings.Contains(s, "{{") {
		return s
	}
	if m := placeholder.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		v, _ := fieldpath.Lookup(scope, s[m[2]:m[3]])
		return v
	}
	return placeholder.ReplaceAllStringFunc(s, func(ph string) string {
		path := placeholder.FindStringSubmatch(ph)[1]
		v, ok := fieldpath.Lookup(scope, path)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}
