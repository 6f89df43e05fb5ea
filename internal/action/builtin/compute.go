package builtin

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gyaneshwarpardhi/soarflow/internal/condition"
	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

// compute evaluates a numeric operation. It supports two param modes:
//   - operation: add|subtract|multiply|divide|min|max, operands: [..]
//   - formula: "<operand> <op> <operand>", operands being numbers or
//     context paths, e.g. "alert.priority * 0.5"
//
// The result is rounded to params.precision decimals (2 by default).
func compute(_ context.Context, params, scope map[string]interface{}) (interface{}, error) {
	var (
		v   float64
		err error
	)
	if formula, ok := params["formula"].(string); ok && formula != "" {
		v, err = evalFormula(formula, scope)
	} else {
		v, err = evalOperation(params)
	}
	if err != nil {
		return nil, fmt.Errorf("compute: %w", err)
	}
	precision := 2.0
	if p, ok := condition.ToFloat64(params["precision"]); ok && p >= 0 {
		precision = p
	}
	scale := math.Pow(10, precision)
	return math.Round(v*scale) / scale, nil
}

func evalOperation(params map[string]interface{}) (float64, error) {
	op, _ := params["operation"].(string)
	raw, ok := params["operands"].([]interface{})
	if !ok || len(raw) == 0 {
		return 0, fmt.Errorf("operands must be a non-empty list")
	}
	nums := make([]float64, len(raw))
	for i, r := range raw {
		f, ok := condition.ToFloat64(r)
		if !ok {
			return 0, fmt.Errorf("operand %d (%v) is not numeric", i, r)
		}
		nums[i] = f
	}
	acc := nums[0]
	for _, n := range nums[1:] {
		var err error
		if acc, err = apply(op, acc, n); err != nil {
			return 0, err
		}
	}
	return acc, nil
}

func apply(op string, left, right float64) (float64, error) {
	switch op {
	case "add", "+":
		return left + right, nil
	case "subtract", "-":
		return left - right, nil
	case "multiply", "*":
		return left * right, nil
	case "divide", "/":
		if right == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return left / right, nil
	case "min":
		return math.Min(left, right), nil
	case "max":
		return math.Max(left, right), nil
	}
	return 0, fmt.Errorf("unsupported operation %q", op)
}

func evalFormula(formula string, scope map[string]interface{}) (float64, error) {
	parts := strings.Fields(formula)
	switch len(parts) {
	case 1:
		return operand(parts[0], scope)
	case 3:
		left, err := operand(parts[0], scope)
		if err != nil {
			return 0, err
		}
		right, err := operand(parts[2], scope)
		if err != nil {
			return 0, err
		}
		return apply(parts[1], left, right)
	}
	return 0, fmt.Errorf("formula %q: want \"<operand> <op> <operand>\"", formula)
}

func operand(tok string, scope map[string]interface{}) (float64, error) {
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f, nil
	}
	val, ok := fieldpath.Lookup(scope, tok)
	if !ok {
		return 0, fmt.Errorf("field %s not found", tok)
	}
	f, ok := condition.ToFloat64(val)
	if !ok {
		return 0, fmt.Errorf("field %s value %v is not numeric", tok, val)
	}
	return f, nil
}
