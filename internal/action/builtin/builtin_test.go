package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/soarflow/internal/action"
)

func newRegistry(t *testing.T) *action.Registry {
	t.Helper()
	r := action.NewRegistry(nil)
	require.NoError(t, Register(r, nil))
	return r
}

func TestCompute(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	scope := map[string]interface{}{
		"alert": map[string]interface{}{"priority": 87, "count": "x"},
	}
	tests := []struct {
		name    string
		params  map[string]interface{}
		want    float64
		wantErr bool
	}{
		{"sum", map[string]interface{}{"operation": "add", "operands": []interface{}{1, 2.5, 3}}, 6.5, false},
		{"max", map[string]interface{}{"operation": "max", "operands": []interface{}{4, 9, 2}}, 9, false},
		{"divide rounds", map[string]interface{}{"operation": "divide", "operands": []interface{}{10, 3}}, 3.33, false},
		{"precision", map[string]interface{}{"operation": "divide", "operands": []interface{}{10, 3}, "precision": 0}, 3, false},
		{"formula field", map[string]interface{}{"formula": "alert.priority * 0.5"}, 43.5, false},
		{"formula single", map[string]interface{}{"formula": "alert.priority"}, 87, false},
		{"divide by zero", map[string]interface{}{"operation": "divide", "operands": []interface{}{1, 0}}, 0, true},
		{"missing field", map[string]interface{}{"formula": "alert.missing + 1"}, 0, true},
		{"non numeric field", map[string]interface{}{"formula": "alert.count + 1"}, 0, true},
		{"unknown op", map[string]interface{}{"operation": "pow", "operands": []interface{}{1, 2}}, 0, true},
		{"no operands", map[string]interface{}{"operation": "add"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Execute(context.Background(), "compute", tt.params, scope)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSetAndLog(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	ctx := context.Background()

	got, err := r.Execute(ctx, "set", map[string]interface{}{"value": "blocked"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "blocked", got)

	got, err = r.Execute(ctx, "set", map[string]interface{}{"a": 1, "b": map[string]interface{}{"c": 2}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": map[string]interface{}{"c": 2}}, got)

	got, err = r.Execute(ctx, "log", map[string]interface{}{"message": "isolating host", "level": "warn"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "isolating host", got)

	_, err = r.Execute(ctx, "log", map[string]interface{}{"message": "x", "level": "loud"}, nil)
	require.Error(t, err)

	got, err = r.Execute(ctx, "noop", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.Error(t, Register(r, nil), "registering twice fails")
}
