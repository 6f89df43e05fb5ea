package condition

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
)

// Operator represents a comparison operator.
type Operator string

const (
	OpEq          Operator = "=="
	OpNeq         Operator = "!="
	OpGt          Operator = ">"
	OpGte         Operator = ">="
	OpLt          Operator = "<"
	OpLte         Operator = "<="
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpMatches     Operator = "matches"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpExists      Operator = "exists"
)

// named maps the operator spellings used in YAML rule definitions onto
// operators. Symbolic spellings are accepted as well.
var named = map[string]Operator{
	"equals":       OpEq,
	"eq":           OpEq,
	"==":           OpEq,
	"not_equals":   OpNeq,
	"neq":          OpNeq,
	"!=":           OpNeq,
	"gt":           OpGt,
	">":            OpGt,
	"gte":          OpGte,
	">=":           OpGte,
	"lt":           OpLt,
	"<":            OpLt,
	"lte":          OpLte,
	"<=":           OpLte,
	"contains":     OpContains,
	"not_contains": OpNotContains,
	"regex":        OpMatches,
	"matches":      OpMatches,
	"starts_with":  OpStartsWith,
	"ends_with":    OpEndsWith,
	"in":           OpIn,
	"not_in":       OpNotIn,
	"exists":       OpExists,
}

// ParseOperator resolves a named or symbolic operator.
func ParseOperator(name string) (Operator, error) {
	op, ok := named[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unknown operator %q", name)
	}
	return op, nil
}

// Match applies op to a field value. present reports whether the field
// resolved at all; only OpExists and OpNotIn/OpNotContains/OpNeq accept a
// missing field.
func Match(op Operator, actual interface{}, present bool, expected interface{}) (bool, error) {
	if op == OpExists {
		want := true
		if b, ok := expected.(bool); ok {
			want = b
		}
		return present == want, nil
	}
	if !present {
		switch op {
		case OpNeq, OpNotIn, OpNotContains:
			return true, nil
		}
		return false, nil
	}
	return compare(op, actual, expected)
}

// toFloat64 coerces a numeric value to float64.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// ToFloat64 is the exported numeric coercion used by actions and scoring.
func ToFloat64(v interface{}) (float64, bool) { return toFloat64(v) }

// compare applies a binary comparison operator to two values.
func compare(op Operator, left, right interface{}) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right), nil
	case OpNeq:
		return !equal(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		return numericCompare(op, left, right)
	case OpContains:
		return containsOp(left, right)
	case OpNotContains:
		ok, err := containsOp(left, right)
		return !ok, err
	case OpMatches:
		return matchesOp(left, right)
	case OpStartsWith:
		return strings.HasPrefix(fmt.Sprint(left), fmt.Sprint(right)), nil
	case OpEndsWith:
		return strings.HasSuffix(fmt.Sprint(left), fmt.Sprint(right)), nil
	case OpIn:
		return inOp(left, right)
	case OpNotIn:
		ok, err := inOp(left, right)
		return !ok, err
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

// equal does deep-ish equality: numeric types are compared by value.
func equal(left, right interface{}) bool {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return math.Abs(lf-rf) < 1e-9
	}
	if lb, ok := left.(bool); ok {
		if rb, ok := right.(bool); ok {
			return lb == rb
		}
		return false
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func numericCompare(op Operator, left, right interface{}) (bool, error) {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if !lok || !rok {
		return false, fmt.Errorf("operator %s requires numeric operands, got %T and %T", op, left, right)
	}
	switch op {
	case OpGt:
		return lf > rf, nil
	case OpGte:
		return lf >= rf, nil
	case OpLt:
		return lf < rf, nil
	case OpLte:
		return lf <= rf, nil
	}
	return false, nil
}

// containsOp handles substring checks on strings and membership on lists.
func containsOp(left, right interface{}) (bool, error) {
	switch l := left.(type) {
	case string:
		return strings.Contains(l, fmt.Sprintf("%v", right)), nil
	case []interface{}:
		for _, item := range l {
			if equal(item, right) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		for _, item := range l {
			if equal(item, right) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("contains: left operand must be a string or list, got %T", left)
}

func inOp(left, right interface{}) (bool, error) {
	switch r := right.(type) {
	case []interface{}:
		for _, item := range r {
			if equal(left, item) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		for _, item := range r {
			if equal(left, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		for _, item := range strings.Split(r, ",") {
			if equal(left, strings.TrimSpace(item)) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("in: right operand must be a list, got %T", right)
}

var regexCache sync.Map // pattern -> *regexp.Regexp

func matchesOp(left, right interface{}) (bool, error) {
	ls, ok := left.(string)
	if !ok {
		return false, fmt.Errorf("matches: left operand must be a string, got %T", left)
	}
	pattern, ok := right.(string)
	if !ok {
		return false, fmt.Errorf("matches: right operand must be a string pattern, got %T", right)
	}
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp).MatchString(ls), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("matches: invalid regex %q: %w", pattern, err)
	}
	regexCache.Store(pattern, re)
	return re.MatchString(ls), nil
}
