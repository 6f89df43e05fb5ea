package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/soarflow/internal/clock"
	"github.com/gyaneshwarpardhi/soarflow/internal/condition"
	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
	"github.com/gyaneshwarpardhi/soarflow/internal/metrics"
)

var tracer = otel.Tracer("github.com/gyaneshwarpardhi/soarflow/internal/workflow")

// stepOutcome is what the execution loop needs to know about a step.
type stepOutcome struct {
	next      string
	err       error
	suspended bool
}

// attemptResult is the outcome of running one step with retries. It does
// not touch the instance so parallel branches can run concurrently.
type attemptResult struct {
	result     interface{}
	next       string
	err        error
	attempts   int
	rolledBack bool
	started    time.Time
	logs       []LogEntry
}

func (r *attemptResult) logf(now time.Time, level LogLevel, stepID, format string, args ...interface{}) {
	r.logs = append(r.logs, LogEntry{Timestamp: now, Level: level, StepID: stepID, Message: fmt.Sprintf(format, args...)})
}

// runStep executes step against inst and records its state.
func (e *Engine) runStep(ctx context.Context, inst *Instance, def *Definition, step *Step, depth int) stepOutcome {
	ctx, span := tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.id", inst.WorkflowID),
		attribute.String("workflow.instance", inst.ID),
		attribute.String("workflow.step", step.ID),
		attribute.String("workflow.step_type", string(step.Type)),
	))
	defer span.End()

	now := e.clock.Now().UTC()
	inst.StepHistory = append(inst.StepHistory, step.ID)
	inst.log(now, LogInfo, step.ID, fmt.Sprintf("step %s (%s) started", step.ID, step.Type))

	switch {
	case step.Type == StepApproval:
		msg := ""
		approvers := []string(nil)
		if step.Approval != nil {
			msg, _ = Resolve(step.Approval.Message, inst.scope()).(string)
			approvers = append(approvers, step.Approval.Approvers...)
		}
		inst.StepStates[step.ID] = &StepState{Status: StepWaiting, Attempts: 1, StartedAt: now}
		inst.Waiting = &Waiting{StepID: step.ID, Kind: WaitApproval, Approvers: approvers, Message: msg}
		inst.State = StateWaitingApproval
		inst.log(now, LogInfo, step.ID, "waiting for approval")
		metrics.WorkflowSteps.WithLabelValues(string(step.Type), string(StepWaiting)).Inc()
		return stepOutcome{suspended: true}

	case step.Type == StepWait && step.Wait != nil && step.Wait.Event != "":
		inst.StepStates[step.ID] = &StepState{Status: StepWaiting, Attempts: 1, StartedAt: now}
		inst.Waiting = &Waiting{StepID: step.ID, Kind: WaitEvent, Event: step.Wait.Event}
		inst.State = StatePaused
		inst.log(now, LogInfo, step.ID, fmt.Sprintf("waiting for event %s", step.Wait.Event))
		metrics.WorkflowSteps.WithLabelValues(string(step.Type), string(StepWaiting)).Inc()
		return stepOutcome{suspended: true}

	case step.Type == StepParallel:
		return e.runParallel(ctx, inst, def, step, depth)
	}

	inst.StepStates[step.ID] = &StepState{Status: StepRunning, StartedAt: now}
	r := e.attempt(ctx, inst.scope(), step, inst.ID, depth)
	e.record(inst, step, r)
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
	}
	return stepOutcome{next: r.next, err: r.err}
}

// record applies an attempt result to inst.
func (e *Engine) record(inst *Instance, step *Step, r attemptResult) {
	now := e.clock.Now().UTC()
	ss := &StepState{
		Status:      StepCompleted,
		Result:      r.result,
		Attempts:    r.attempts,
		RolledBack:  r.rolledBack,
		StartedAt:   r.started,
		CompletedAt: &now,
	}
	inst.Logs = append(inst.Logs, r.logs...)
	if r.err != nil {
		ss.Status = StepFailed
		ss.Error = r.err.Error()
	} else {
		if step.OutputVar != "" {
			inst.Context[step.OutputVar] = fieldpath.CopyValue(r.result)
		}
		inst.log(now, LogInfo, step.ID, fmt.Sprintf("step %s completed", step.ID))
	}
	inst.StepStates[step.ID] = ss
	metrics.WorkflowSteps.WithLabelValues(string(step.Type), string(ss.Status)).Inc()
}

// runParallel runs the branch steps concurrently and waits for all of them.
// The step fails when any branch fails.
func (e *Engine) runParallel(ctx context.Context, inst *Instance, def *Definition, step *Step, depth int) stepOutcome {
	start := e.clock.Now().UTC()
	inst.StepStates[step.ID] = &StepState{Status: StepRunning, Attempts: 1, StartedAt: start}
	scope := inst.scope()

	branches := make([]*Step, len(step.ParallelSteps))
	results := make([]attemptResult, len(step.ParallelSteps))
	var g errgroup.Group
	g.SetLimit(e.conf.MaxConcurrent)
	for i, id := range step.ParallelSteps {
		i := i
		branches[i] = def.Steps[id]
		g.Go(func() error {
			results[i] = e.attempt(ctx, scope, branches[i], inst.ID, depth)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]interface{}, len(branches))
	var errs []error
	for i, b := range branches {
		inst.StepHistory = append(inst.StepHistory, b.ID)
		e.record(inst, b, results[i])
		out[b.ID] = results[i].result
		if results[i].err != nil {
			errs = append(errs, fmt.Errorf("branch %s: %w", b.ID, results[i].err))
		}
	}
	e.record(inst, step, attemptResult{
		result:   out,
		err:      errors.Join(errs...),
		attempts: 1,
		started:  start,
	})
	return stepOutcome{err: errors.Join(errs...)}
}

func (e *Engine) retryable(step *Step) bool {
	name := step.Action
	if step.Type == StepLoop && step.Loop != nil {
		name = step.Loop.Action
	}
	if name == "" {
		return true
	}
	info, ok := e.actions.Lookup(name)
	return !ok || info.Retryable
}

// attempt runs step until it succeeds or its retry budget is spent, then
// runs its rollback action on failure.
func (e *Engine) attempt(ctx context.Context, scope map[string]interface{}, step *Step, instanceID string, depth int) attemptResult {
	r := attemptResult{started: e.clock.Now().UTC()}
	delay := step.RetryDelay.Std()
	if delay <= 0 {
		delay = e.conf.RetryDelay
	}
	retry := e.retryable(step)

	for {
		r.attempts++
		res, next, err := e.exec(ctx, scope, step, instanceID, depth, &r)
		if err == nil {
			r.result, r.next, r.err = res, next, nil
			return r
		}
		r.err = err
		if ctx.Err() != nil || !retry || r.attempts > step.Retries {
			break
		}
		r.logf(e.clock.Now().UTC(), LogWarn, step.ID, "attempt %d failed: %v; retrying in %s", r.attempts, err, delay)
		if clock.Sleep(ctx, e.clock, delay) != nil {
			break
		}
	}

	r.logf(e.clock.Now().UTC(), LogError, step.ID, "step %s failed after %d attempt(s): %v", step.ID, r.attempts, r.err)
	if step.Rollback != nil {
		e.rollback(ctx, scope, step, &r)
	}
	return r
}

// rollback runs the compensating action. Its failure is logged and never
// replaces the step's own error.
func (e *Engine) rollback(ctx context.Context, scope map[string]interface{}, step *Step, r *attemptResult) {
	params := ResolveParams(step.Rollback.Params, scope)
	sctx, cancel := context.WithTimeout(ctx, e.stepTimeout(step))
	defer cancel()
	if _, err := e.actions.Execute(sctx, step.Rollback.Action, params, scope); err != nil {
		r.logf(e.clock.Now().UTC(), LogError, step.ID, "rollback %s failed: %v", step.Rollback.Action, err)
		e.logger.Error("workflow rollback failed", "instance", instanceIDFrom(scope), "step", step.ID, "action", step.Rollback.Action, "err", err)
		return
	}
	r.rolledBack = true
	r.logf(e.clock.Now().UTC(), LogInfo, step.ID, "rollback %s completed", step.Rollback.Action)
}

func instanceIDFrom(scope map[string]interface{}) string {
	id, _ := fieldpath.String(scope, "instance.id")
	return id
}

func (e *Engine) stepTimeout(step *Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout.Std()
	}
	return e.conf.StepTimeout
}

// exec performs one attempt of step. It returns the step result and an
// explicit next step when the step chose one.
func (e *Engine) exec(ctx context.Context, scope map[string]interface{}, step *Step, instanceID string, depth int, r *attemptResult) (interface{}, string, error) {
	switch step.Type {
	case StepAction:
		params := ResolveParams(step.Params, scope)
		sctx, cancel := context.WithTimeout(ctx, e.stepTimeout(step))
		defer cancel()
		res, err := e.actions.Execute(sctx, step.Action, params, scope)
		if err != nil {
			return nil, "", err
		}
		next := ""
		if m, ok := res.(map[string]interface{}); ok {
			next, _ = m["nextStep"].(string)
		}
		return res, next, nil

	case StepCondition:
		ok, err := condition.Eval(step.Condition, condition.MapContext(scope))
		if err != nil {
			return nil, "", fmt.Errorf("condition %q: %w", step.Condition, err)
		}
		next := step.OnFailure
		if ok {
			next = step.OnSuccess
		}
		if next == "" {
			next = step.Next
		}
		return ok, next, nil

	case StepLoop:
		return e.loop(ctx, scope, step, r)

	case StepWait:
		d := time.Duration(0)
		if step.Wait != nil {
			d = step.Wait.Duration.Std()
		}
		if err := clock.Sleep(ctx, e.clock, d); err != nil {
			return nil, "", err
		}
		return nil, "", nil

	case StepSubworkflow:
		input := ResolveParams(step.Subworkflow.Input, scope)
		child, err := e.runChild(ctx, step.Subworkflow.WorkflowID, input, instanceID, depth+1)
		if err != nil {
			return nil, "", err
		}
		if child.State != StateCompleted {
			return nil, "", fmt.Errorf("subworkflow %s ended %s: %s", child.ID, child.State, child.Error)
		}
		return map[string]interface{}{
			"instanceId": child.ID,
			"output":     fieldpath.Copy(child.Context),
		}, "", nil
	}
	return nil, "", fmt.Errorf("step type %s cannot be executed here", step.Type)
}

// loop invokes the loop action once per collection item, sequentially.
func (e *Engine) loop(ctx context.Context, scope map[string]interface{}, step *Step, r *attemptResult) (interface{}, string, error) {
	items, err := collection(step.Loop.Collection, scope)
	if err != nil {
		return nil, "", err
	}
	limit := step.Loop.MaxIterations
	if limit <= 0 {
		limit = e.conf.MaxLoopIterations
	}
	if len(items) > limit {
		r.logf(e.clock.Now().UTC(), LogWarn, step.ID, "collection has %d items; only the first %d are processed", len(items), limit)
		items = items[:limit]
	}
	itemVar := step.Loop.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}

	results := make([]interface{}, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return results, "", err
		}
		iscope := fieldpath.Copy(scope)
		iscope[itemVar] = item
		iscope["index"] = i
		params := ResolveParams(step.Loop.Params, iscope)
		sctx, cancel := context.WithTimeout(ctx, e.stepTimeout(step))
		res, err := e.actions.Execute(sctx, step.Loop.Action, params, iscope)
		cancel()
		if err != nil {
			return results, "", fmt.Errorf("iteration %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, "", nil
}

// collection resolves a loop collection: a literal list, a single
// placeholder, or a bare context path.
func collection(spec interface{}, scope map[string]interface{}) ([]interface{}, error) {
	v := spec
	if s, ok := spec.(string); ok {
		if resolved := Resolve(s, scope); resolved != s {
			v = resolved
		} else if found, ok := fieldpath.Lookup(scope, s); ok {
			v = found
		} else {
			return nil, fmt.Errorf("loop collection %q not found", s)
		}
	}
	switch t := v.(type) {
	case []interface{}:
		return t, nil
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("loop collection is %T, not a list", v)
}
