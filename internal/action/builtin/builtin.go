// Package builtin registers the general-purpose actions every playbook can
// use: log, set, compute and noop.
package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gyaneshwarpardhi/soarflow/internal/action"
	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

// Register adds the built-in actions to r.
func Register(r *action.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "playbook")
	for _, a := range []struct {
		name string
		h    action.Handler
	}{
		{"log", logAction(logger)},
		{"set", set},
		{"compute", compute},
		{"noop", noop},
	} {
		if err := r.Register(a.name, a.h, action.Options{}); err != nil {
			return err
		}
	}
	return nil
}

// logAction writes params.message at params.level (info by default) and
// returns the message.
func logAction(logger *slog.Logger) action.Handler {
	return func(ctx context.Context, params, _ map[string]interface{}) (interface{}, error) {
		msg := fmt.Sprint(params["message"])
		level := slog.LevelInfo
		if lv, ok := params["level"].(string); ok {
			if err := level.UnmarshalText([]byte(strings.ToUpper(lv))); err != nil {
				return nil, fmt.Errorf("log: %w", err)
			}
		}
		var attrs []any
		if fields, ok := params["fields"].(map[string]interface{}); ok {
			for k, v := range fields {
				attrs = append(attrs, k, v)
			}
		}
		logger.Log(ctx, level, msg, attrs...)
		return msg, nil
	}
}

// set returns params.value when present, otherwise a copy of every param.
// Steps store the result with outputVar.
func set(_ context.Context, params, _ map[string]interface{}) (interface{}, error) {
	if v, ok := params["value"]; ok {
		return v, nil
	}
	return fieldpath.Copy(params), nil
}

func noop(context.Context, map[string]interface{}, map[string]interface{}) (interface{}, error) {
	return nil, nil
}
