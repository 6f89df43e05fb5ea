package action

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/soarflow/internal/metrics"
)

var tracer = otel.Tracer("github.com/gyaneshwarpardhi/soarflow/internal/action")

type outcome struct {
	val interface{}
	err error
}

// Execute runs the named action under its timeout. A handler that ignores
// ctx is abandoned when the timeout fires; its late result is discarded.
func (r *Registry) Execute(ctx context.Context, name string, params, scope map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	e, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		metrics.ActionsExecuted.WithLabelValues(name, "not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, name)
	}

	ctx, span := tracer.Start(ctx, "action.execute", trace.WithAttributes(attribute.String("action.name", name)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("action %s panicked: %v", name, p)}
			}
		}()
		v, err := e.handler(ctx, params, scope)
		done <- outcome{val: v, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("%w: %s after %s", ErrActionTimeout, name, e.opts.Timeout)
		if ctx.Err() == context.Canceled {
			res.err = ctx.Err()
		}
	}

	if res.err != nil {
		metrics.ActionsExecuted.WithLabelValues(name, "error").Inc()
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		r.logger.Debug("action failed", "action", name, "duration", time.Since(start), "err", res.err)
		return nil, res.err
	}
	metrics.ActionsExecuted.WithLabelValues(name, "success").Inc()
	return res.val, nil
}
