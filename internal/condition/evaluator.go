package condition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

// ErrFieldNotFound is returned when an expression references a path that
// does not resolve in the evaluation context.
var ErrFieldNotFound = errors.New("field not found")

// EvalContext provides data for expression evaluation.
type EvalContext interface {
	Resolve(path []string) (interface{}, bool)
}

// MapContext evaluates expressions against a nested map, e.g. a workflow
// instance context or an alert rendered as a map.
type MapContext map[string]interface{}

// Resolve implements EvalContext.
func (m MapContext) Resolve(path []string) (interface{}, bool) {
	return fieldpath.LookupParts(m, path)
}

// Eval parses and evaluates expr in one call. Callers evaluating the same
// expression repeatedly should Parse once and keep the AST.
func Eval(expr string, ctx EvalContext) (bool, error) {
	ast, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return Evaluate(ast, ctx)
}

// Evaluate walks the AST and returns true/false or an error.
func Evaluate(expr Expr, ctx EvalContext) (bool, error) {
	switch e := expr.(type) {
	case *BinaryExpr:
		return evalBinary(e, ctx)
	case *NotExpr:
		v, err := Evaluate(e.Expr, ctx)
		if err != nil {
			return false, err
		}
		return !v, nil
	case *ComparisonExpr:
		return evalComparison(e, ctx)
	case *TruthyExpr:
		v, err := resolveOperand(e.Operand, ctx)
		if errors.Is(err, ErrFieldNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return Truthy(v), nil
	default:
		return false, fmt.Errorf("unknown expr type %T", expr)
	}
}

func evalBinary(e *BinaryExpr, ctx EvalContext) (bool, error) {
	left, err := Evaluate(e.Left, ctx)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(e.Op) {
	case "AND":
		if !left {
			return false, nil
		}
		return Evaluate(e.Right, ctx)
	case "OR":
		if left {
			return true, nil
		}
		return Evaluate(e.Right, ctx)
	default:
		return false, fmt.Errorf("unknown binary op %q", e.Op)
	}
}

func evalComparison(e *ComparisonExpr, ctx EvalContext) (bool, error) {
	left, lerr := resolveOperand(e.Left, ctx)
	right, rerr := resolveOperand(e.Right, ctx)
	// A missing field compares equal to null; anything else about it is an error.
	if lerr != nil || rerr != nil {
		if (e.Op == OpEq || e.Op == OpNeq) && isNullComparison(e, lerr, rerr) {
			return e.Op == OpEq, nil
		}
		return false, errors.Join(lerr, rerr)
	}
	return compare(e.Op, left, right)
}

func isNullComparison(e *ComparisonExpr, lerr, rerr error) bool {
	if lerr != nil && rerr == nil {
		lit, ok := e.Right.(*LiteralOperand)
		return ok && lit.Value == nil
	}
	if rerr != nil && lerr == nil {
		lit, ok := e.Left.(*LiteralOperand)
		return ok && lit.Value == nil
	}
	return false
}

func resolveOperand(op Operand, ctx EvalContext) (interface{}, error) {
	switch o := op.(type) {
	case *LiteralOperand:
		return o.Value, nil
	case *FieldOperand:
		val, ok := ctx.Resolve(o.Path)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrFieldNotFound, strings.Join(o.Path, "."))
		}
		return val, nil
	default:
		return nil, fmt.Errorf("unknown operand type %T", op)
	}
}

// Truthy reports the boolean reading of a context value.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	}
	if f, ok := toFloat64(v); ok {
		return f != 0
	}
	return true
}
