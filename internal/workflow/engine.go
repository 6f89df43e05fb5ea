// Package workflow executes DAG-structured automation playbooks with
// retries, rollback, approval gates and bounded concurrency.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/soarflow/internal/action"
	"github.com/gyaneshwarpardhi/soarflow/internal/clock"
	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
	"github.com/gyaneshwarpardhi/soarflow/internal/metrics"
	"github.com/gyaneshwarpardhi/soarflow/internal/store"
	"github.com/gyaneshwarpardhi/soarflow/internal/store/memstore"
)

var (
	// ErrNotFound is returned for unknown workflow or instance ids.
	ErrNotFound = errors.New("workflow not found")
	// ErrInvalidDefinition wraps every definition validation failure.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	// ErrInvalidState is returned when an operation does not apply to the
	// instance's current state.
	ErrInvalidState = errors.New("invalid workflow instance state")
	// ErrQueueFull is returned when the execution queue has no room.
	ErrQueueFull = errors.New("workflow queue full")
	// ErrNotApprover is returned when the caller may not decide an approval.
	ErrNotApprover = errors.New("not an approver for this step")
	// ErrAlreadyRegistered is returned by Register for a duplicate id.
	ErrAlreadyRegistered = errors.New("workflow already registered")
)

// Hooks observe instance state changes. They run after the engine's lock is
// released.
type Hooks struct {
	OnStateChange func(inst *Instance, from State)
}

// Config for the engine. Zero values take the defaults noted.
type Config struct {
	MaxConcurrent     int           // 10
	QueueSize         int           // 1000
	RetryDelay        time.Duration // 1s, when a step sets none
	StepTimeout       time.Duration // 5m, when a step sets none
	MaxLoopIterations int           // 1000
	MaxDepth          int           // 5 nested subworkflows

	Actions   *action.Registry
	Instances store.Repository[*Instance]
	Hooks     Hooks
	Clock     clock.Clock
	Logger    *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Minute
	}
	if c.MaxLoopIterations <= 0 {
		c.MaxLoopIterations = 1000
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Actions == nil {
		c.Actions = action.NewRegistry(c.Logger)
	}
	if c.Instances == nil {
		c.Instances = memstore.New[*Instance]()
	}
	c.Clock = clock.OrDefault(c.Clock)
}

// control carries external requests to the worker running an instance.
type control struct {
	cancel bool
	pause  bool
}

// Engine registers workflow definitions and runs their instances on a
// bounded worker pool.
type Engine struct {
	conf    Config
	clock   clock.Clock
	logger  *slog.Logger
	actions *action.Registry
	pool    *pool
	stop    context.CancelFunc

	mu      sync.Mutex
	defs    map[string]*Definition
	active  map[string]*control
	waiters map[string][]chan struct{}
}

// New creates an Engine and starts its worker pool.
func New(conf Config) *Engine {
	conf.applyDefaults()
	e := &Engine{
		conf:    conf,
		clock:   conf.Clock,
		logger:  conf.Logger.With("component", "workflow"),
		actions: conf.Actions,
		defs:    make(map[string]*Definition),
		active:  make(map[string]*control),
		waiters: make(map[string][]chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.stop = cancel
	e.pool = newPool(ctx, conf.MaxConcurrent, conf.QueueSize, e.run)
	return e
}

// Actions returns the registry steps invoke.
func (e *Engine) Actions() *action.Registry { return e.actions }

// QueueUtilization reports how full the execution queue is, from 0 to 1.
func (e *Engine) QueueUtilization() float64 {
	util := e.pool.utilization()
	metrics.WorkflowQueueUtilization.Set(util)
	return util
}

func (e *Engine) checkDefinition(d *Definition) error {
	err := d.Validate()
	var missing []string
	for _, name := range d.actions() {
		if !e.actions.Has(name) {
			missing = append(missing, fmt.Sprintf("unknown action %q", name))
		}
	}
	if len(missing) == 0 {
		return err
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		verr = &ValidationError{WorkflowID: d.ID}
	}
	verr.Problems = append(verr.Problems, missing...)
	return verr
}

// Register validates and adds a new definition.
func (e *Engine) Register(def *Definition) error {
	d := def.Clone()
	if d.Version <= 0 {
		d.Version = 1
	}
	if err := e.checkDefinition(d); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, d.ID)
	}
	e.defs[d.ID] = d
	e.logger.Info("workflow registered", "workflow", d.ID, "version", d.Version, "steps", len(d.Steps))
	return nil
}

// Update replaces a registered definition after validation. The version is
// bumped when the new definition does not carry a higher one. Instances
// pick up the new definition at their next scheduling.
func (e *Engine) Update(def *Definition) error {
	d := def.Clone()
	if err := e.checkDefinition(d); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old, ok := e.defs[d.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, d.ID)
	}
	if d.Version <= old.Version {
		d.Version = old.Version + 1
	}
	e.defs[d.ID] = d
	e.logger.Info("workflow updated", "workflow", d.ID, "version", d.Version)
	return nil
}

// Put registers def, or updates it when already registered.
func (e *Engine) Put(def *Definition) error {
	e.mu.Lock()
	_, exists := e.defs[def.ID]
	e.mu.Unlock()
	if exists {
		return e.Update(def)
	}
	return e.Register(def)
}

// Definition returns a copy of a registered definition.
func (e *Engine) Definition(id string) (*Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.Clone(), nil
}

// Definitions returns copies of all definitions sorted by id.
func (e *Engine) Definitions() []*Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Definition, 0, len(e.defs))
	for _, d := range e.defs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) newInstance(def *Definition, input map[string]interface{}, parentID string) *Instance {
	now := e.clock.Now().UTC()
	ctx := fieldpath.Copy(def.Variables)
	if ctx == nil {
		ctx = make(map[string]interface{})
	}
	for k, v := range input {
		ctx[k] = fieldpath.CopyValue(v)
	}
	inst := &Instance{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		ParentID:        parentID,
		State:           StateCreated,
		Input:           fieldpath.Copy(input),
		Context:         ctx,
		CurrentStep:     def.StartStep,
		StepStates:      make(map[string]*StepState),
		StepHistory:     []string{},
		Logs:            []LogEntry{},
		CreatedAt:       now,
	}
	inst.log(now, LogInfo, "", fmt.Sprintf("instance created for workflow %s v%d", def.ID, def.Version))
	return inst
}

// Start creates an instance of workflowID and queues it for execution.
func (e *Engine) Start(ctx context.Context, workflowID string, input map[string]interface{}) (*Instance, error) {
	e.mu.Lock()
	def, ok := e.defs[workflowID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	inst := e.newInstance(def, input, "")
	inst.State = StatePending
	err := e.saveLocked(ctx, inst)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.changed(inst, StateCreated)

	if err := e.enqueue(ctx, inst.ID); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// enqueue submits id, failing the instance when the queue is full.
func (e *Engine) enqueue(ctx context.Context, id string) error {
	if e.pool.submit(id) {
		metrics.WorkflowQueueUtilization.Set(e.pool.utilization())
		return nil
	}
	e.mu.Lock()
	inst, err := e.load(ctx, id)
	failed := err == nil && inst.State == StatePending
	if failed {
		e.fail(inst, "", "execution queue full")
		err = e.saveLocked(ctx, inst)
	}
	e.mu.Unlock()
	if failed && err == nil {
		e.changed(inst, StatePending)
	}
	return fmt.Errorf("%w: instance %s", ErrQueueFull, id)
}

func (e *Engine) fail(inst *Instance, stepID, msg string) {
	now := e.clock.Now().UTC()
	inst.State = StateFailed
	inst.Error = msg
	inst.CompletedAt = &now
	inst.log(now, LogError, stepID, msg)
}

// saveLocked persists a copy of inst and wakes Wait callers. e.mu must be
// held.
func (e *Engine) saveLocked(ctx context.Context, inst *Instance) error {
	if err := e.conf.Instances.Set(ctx, inst.ID, inst.Clone()); err != nil {
		return fmt.Errorf("store instance: %w", err)
	}
	if _, running := e.active[inst.ID]; !running {
		for _, ch := range e.waiters[inst.ID] {
			close(ch)
		}
		delete(e.waiters, inst.ID)
	}
	return nil
}

// changed records metrics and fires the hook after a state change.
func (e *Engine) changed(inst *Instance, from State) {
	if inst.State == from {
		return
	}
	metrics.WorkflowInstances.WithLabelValues(inst.WorkflowID, string(inst.State)).Inc()
	if h := e.conf.Hooks.OnStateChange; h != nil {
		h(inst.Clone(), from)
	}
}

func (e *Engine) load(ctx context.Context, id string) (*Instance, error) {
	inst, ok, err := e.conf.Instances.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	return inst.Clone(), nil
}

// run is the pool worker body: it takes a PENDING instance and executes it
// until it finishes or suspends.
func (e *Engine) run(ctx context.Context, id string) {
	metrics.WorkflowQueueUtilization.Set(e.pool.utilization())

	e.mu.Lock()
	inst, err := e.load(ctx, id)
	if err != nil || inst.State != StatePending {
		e.mu.Unlock()
		if err != nil {
			e.logger.Error("load queued instance", "instance", id, "err", err)
		}
		return
	}
	def, ok := e.defs[inst.WorkflowID]
	if !ok {
		e.fail(inst, "", fmt.Sprintf("workflow %s is no longer registered", inst.WorkflowID))
		if err := e.saveLocked(ctx, inst); err != nil {
			e.logger.Error("store instance", "instance", id, "err", err)
		}
		e.mu.Unlock()
		e.changed(inst, StatePending)
		return
	}
	def = def.Clone()
	ctl := &control{}
	e.active[id] = ctl
	now := e.clock.Now().UTC()
	inst.State = StateRunning
	if inst.StartedAt == nil {
		inst.StartedAt = &now
	}
	inst.log(now, LogInfo, "", "instance running")
	if err := e.saveLocked(ctx, inst); err != nil {
		e.logger.Error("store instance", "instance", id, "err", err)
	}
	e.mu.Unlock()
	e.changed(inst, StatePending)

	e.execute(ctx, inst, def, ctl, 0)
}

// execute drives inst from its current step while it is RUNNING, then
// persists the outcome. inst must be registered in e.active.
func (e *Engine) execute(ctx context.Context, inst *Instance, def *Definition, ctl *control, depth int) {
	runCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout.Std())
		defer cancel()
	}

	for inst.State == StateRunning && inst.CurrentStep != "" {
		if e.interrupted(inst, ctl) {
			break
		}
		if runCtx.Err() != nil {
			msg := fmt.Sprintf("workflow timed out after %s", def.Timeout)
			if ctx.Err() != nil {
				msg = "engine shutting down: " + ctx.Err().Error()
			}
			e.fail(inst, inst.CurrentStep, msg)
			break
		}
		step, ok := def.Steps[inst.CurrentStep]
		if !ok {
			e.fail(inst, inst.CurrentStep, fmt.Sprintf("step %s does not exist", inst.CurrentStep))
			break
		}

		out := e.runStep(runCtx, inst, def, step, depth)
		switch {
		case out.suspended:
		case out.err != nil:
			if next := failureStep(step); next != "" {
				inst.CurrentStep = next
			} else {
				e.fail(inst, step.ID, fmt.Sprintf("step %s failed: %v", step.ID, out.err))
			}
		default:
			inst.CurrentStep = nextStep(step, out.next)
		}

		e.mu.Lock()
		if err := e.saveLocked(ctx, inst); err != nil {
			e.logger.Error("checkpoint instance", "instance", inst.ID, "err", err)
		}
		e.mu.Unlock()
	}

	if inst.State == StateRunning && inst.CurrentStep == "" {
		now := e.clock.Now().UTC()
		inst.State = StateCompleted
		inst.CompletedAt = &now
		inst.log(now, LogInfo, "", "instance completed")
	}

	e.mu.Lock()
	delete(e.active, inst.ID)
	if err := e.saveLocked(ctx, inst); err != nil {
		e.logger.Error("store instance", "instance", inst.ID, "err", err)
	}
	e.mu.Unlock()

	switch inst.State {
	case StateFailed:
		e.logger.Warn("workflow instance failed", "workflow", inst.WorkflowID, "instance", inst.ID, "err", inst.Error)
	default:
		e.logger.Debug("workflow instance settled", "workflow", inst.WorkflowID, "instance", inst.ID, "state", inst.State)
	}
	e.changed(inst, StateRunning)
}

// nextStep picks the successor of a successful step: an explicit next from
// the execution result, else onSuccess, else next.
func nextStep(step *Step, explicit string) string {
	if explicit != "" || step.Type == StepCondition {
		return explicit
	}
	if step.OnSuccess != "" {
		return step.OnSuccess
	}
	return step.Next
}

// failureStep picks the successor of a failed step: onFailure, else next.
// Empty means the instance fails.
func failureStep(step *Step) string {
	if step.OnFailure != "" {
		return step.OnFailure
	}
	return step.Next
}

// interrupted applies a pending cancel or pause request.
func (e *Engine) interrupted(inst *Instance, ctl *control) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now().UTC()
	switch {
	case ctl.cancel:
		inst.State = StateCancelled
		inst.CompletedAt = &now
		inst.log(now, LogWarn, "", "instance cancelled")
		return true
	case ctl.pause:
		ctl.pause = false
		inst.State = StatePaused
		inst.log(now, LogInfo, inst.CurrentStep, "instance paused")
		return true
	}
	return false
}

// runChild executes a subworkflow inline on the caller's goroutine.
func (e *Engine) runChild(ctx context.Context, workflowID string, input map[string]interface{}, parentID string, depth int) (*Instance, error) {
	if depth > e.conf.MaxDepth {
		return nil, fmt.Errorf("subworkflow nesting exceeds %d", e.conf.MaxDepth)
	}
	e.mu.Lock()
	def, ok := e.defs[workflowID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	def = def.Clone()
	child := e.newInstance(def, input, parentID)
	now := e.clock.Now().UTC()
	child.State = StateRunning
	child.StartedAt = &now
	ctl := &control{}
	e.active[child.ID] = ctl
	err := e.saveLocked(ctx, child)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.changed(child, StateCreated)

	e.execute(ctx, child, def, ctl, depth)

	if child.State.Suspended() {
		e.mu.Lock()
		from := child.State
		end := e.clock.Now().UTC()
		child.State = StateCancelled
		child.CompletedAt = &end
		child.log(end, LogWarn, "", "subworkflow cannot suspend inside its parent; cancelled")
		err := e.saveLocked(ctx, child)
		e.mu.Unlock()
		if err != nil {
			return nil, err
		}
		e.changed(child, from)
		return child, fmt.Errorf("subworkflow %s suspended in %s", workflowID, from)
	}
	return child, nil
}

// Get returns a copy of an instance.
func (e *Engine) Get(ctx context.Context, id string) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(ctx, id)
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	WorkflowID string
	State      State
	Limit      int
}

// List returns matching instances, newest first.
func (e *Engine) List(ctx context.Context, f Filter) ([]*Instance, error) {
	e.mu.Lock()
	all, err := e.conf.Instances.List(ctx)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]*Instance, 0, len(all))
	for _, inst := range all {
		if f.WorkflowID != "" && inst.WorkflowID != f.WorkflowID {
			continue
		}
		if f.State != "" && inst.State != f.State {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// resume moves a suspended instance back to PENDING after fn mutates it
// under the lock, then queues it. fn may instead settle the instance (for
// example on a rejected approval), in which case nothing is queued.
func (e *Engine) resume(ctx context.Context, id string, fn func(inst *Instance, now time.Time) error) (*Instance, error) {
	e.mu.Lock()
	if _, running := e.active[id]; running {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: instance %s is running", ErrInvalidState, id)
	}
	inst, err := e.load(ctx, id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	from := inst.State
	if err := fn(inst, e.clock.Now().UTC()); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	err = e.saveLocked(ctx, inst)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.changed(inst, from)

	if inst.State == StatePending {
		if err := e.enqueue(ctx, id); err != nil {
			return nil, err
		}
	}
	return inst.Clone(), nil
}

// Approve records a decision on the approval step an instance waits on.
// Approval continues the workflow; rejection follows the step's onFailure
// edge when it has one and cancels the instance otherwise.
func (e *Engine) Approve(ctx context.Context, id, approver string, approved bool, comment string) (*Instance, error) {
	return e.resume(ctx, id, func(inst *Instance, now time.Time) error {
		w := inst.Waiting
		if inst.State != StateWaitingApproval || w == nil || w.Kind != WaitApproval {
			return fmt.Errorf("%w: instance %s is %s", ErrInvalidState, inst.ID, inst.State)
		}
		if len(w.Approvers) > 0 && !contains(w.Approvers, approver) {
			return fmt.Errorf("%w: %s", ErrNotApprover, approver)
		}
		step := e.stepOfLocked(inst, w.StepID)
		if step == nil {
			return fmt.Errorf("%w: step %s", ErrNotFound, w.StepID)
		}
		inst.Approvals = append(inst.Approvals, ApprovalDecision{
			StepID:    w.StepID,
			Approver:  approver,
			Approved:  approved,
			Comment:   comment,
			Timestamp: now,
		})
		result := map[string]interface{}{"approved": approved, "approver": approver, "comment": comment}
		ss := inst.StepStates[w.StepID]
		if ss == nil {
			ss = &StepState{StartedAt: now}
			inst.StepStates[w.StepID] = ss
		}
		ss.Result = result
		ss.CompletedAt = &now
		inst.Waiting = nil
		if step.OutputVar != "" {
			inst.Context[step.OutputVar] = fieldpath.CopyValue(result)
		}

		if approved {
			ss.Status = StepCompleted
			inst.CurrentStep = nextStep(step, "")
			inst.State = StatePending
			inst.log(now, LogInfo, step.ID, fmt.Sprintf("approved by %s", approver))
			return nil
		}
		ss.Status = StepFailed
		ss.Error = fmt.Sprintf("rejected by %s", approver)
		inst.log(now, LogWarn, step.ID, ss.Error)
		if step.OnFailure != "" {
			inst.CurrentStep = step.OnFailure
			inst.State = StatePending
			return nil
		}
		inst.State = StateCancelled
		inst.Error = "approval " + ss.Error
		inst.CompletedAt = &now
		return nil
	})
}

// stepOfLocked is stepOf for callers already holding e.mu.
func (e *Engine) stepOfLocked(inst *Instance, id string) *Step {
	if d, ok := e.defs[inst.WorkflowID]; ok {
		return d.Steps[id]
	}
	return nil
}

// Signal delivers event to an instance paused on a WAIT step for that
// event. payload becomes the step's result.
func (e *Engine) Signal(ctx context.Context, id, event string, payload map[string]interface{}) (*Instance, error) {
	return e.resume(ctx, id, func(inst *Instance, now time.Time) error {
		w := inst.Waiting
		if inst.State != StatePaused || w == nil || w.Kind != WaitEvent || w.Event != event {
			return fmt.Errorf("%w: instance %s is not waiting for %q", ErrInvalidState, inst.ID, event)
		}
		step := e.stepOfLocked(inst, w.StepID)
		if step == nil {
			return fmt.Errorf("%w: step %s", ErrNotFound, w.StepID)
		}
		if ss := inst.StepStates[w.StepID]; ss != nil {
			ss.Status = StepCompleted
			ss.Result = fieldpath.Copy(payload)
			ss.CompletedAt = &now
		}
		if step.OutputVar != "" {
			inst.Context[step.OutputVar] = fieldpath.Copy(payload)
		}
		inst.Waiting = nil
		inst.CurrentStep = nextStep(step, "")
		inst.State = StatePending
		inst.log(now, LogInfo, step.ID, fmt.Sprintf("received event %s", event))
		return nil
	})
}

// Resume re-queues a paused instance. Instances waiting on an event must be
// signalled instead.
func (e *Engine) Resume(ctx context.Context, id string) (*Instance, error) {
	e.mu.Lock()
	if ctl, running := e.active[id]; running && ctl.pause {
		ctl.pause = false
		inst, err := e.load(ctx, id)
		e.mu.Unlock()
		return inst, err
	}
	e.mu.Unlock()
	return e.resume(ctx, id, func(inst *Instance, now time.Time) error {
		if inst.State != StatePaused {
			return fmt.Errorf("%w: instance %s is %s", ErrInvalidState, inst.ID, inst.State)
		}
		if inst.Waiting != nil {
			return fmt.Errorf("%w: instance %s waits for event %q", ErrInvalidState, inst.ID, inst.Waiting.Event)
		}
		inst.State = StatePending
		inst.log(now, LogInfo, inst.CurrentStep, "instance resumed")
		return nil
	})
}

// Pause stops an instance before its next step. A running step finishes
// first.
func (e *Engine) Pause(ctx context.Context, id string) error {
	e.mu.Lock()
	if ctl, running := e.active[id]; running {
		ctl.pause = true
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	_, err := e.resume(ctx, id, func(inst *Instance, now time.Time) error {
		if inst.State != StatePending {
			return fmt.Errorf("%w: instance %s is %s", ErrInvalidState, inst.ID, inst.State)
		}
		inst.State = StatePaused
		inst.log(now, LogInfo, inst.CurrentStep, "instance paused")
		return nil
	})
	return err
}

// Cancel stops an instance. A running step is not interrupted; no further
// step is scheduled after it.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	if ctl, running := e.active[id]; running {
		ctl.cancel = true
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	_, err := e.resume(ctx, id, func(inst *Instance, now time.Time) error {
		if inst.State.Terminal() {
			return fmt.Errorf("%w: instance %s is %s", ErrInvalidState, inst.ID, inst.State)
		}
		inst.State = StateCancelled
		inst.Waiting = nil
		inst.CompletedAt = &now
		inst.log(now, LogWarn, inst.CurrentStep, "instance cancelled")
		return nil
	})
	return err
}

// Restore rehydrates a serialized instance. Instances captured while
// PENDING or RUNNING are queued again and re-run their current step.
func (e *Engine) Restore(ctx context.Context, data []byte) (*Instance, error) {
	inst, err := UnmarshalInstance(data)
	if err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	if inst.ID == "" {
		return nil, errors.New("instance id is required")
	}
	e.mu.Lock()
	if _, ok := e.defs[inst.WorkflowID]; !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, inst.WorkflowID)
	}
	if _, running := e.active[inst.ID]; running {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: instance %s is running", ErrInvalidState, inst.ID)
	}
	if inst.State == StateRunning || inst.State == StateCreated {
		inst.State = StatePending
		inst.log(e.clock.Now().UTC(), LogInfo, inst.CurrentStep, "instance restored")
	}
	err = e.saveLocked(ctx, inst)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if inst.State == StatePending {
		if err := e.enqueue(ctx, inst.ID); err != nil {
			return nil, err
		}
	}
	return inst.Clone(), nil
}

// Recover re-queues every stored instance left PENDING or RUNNING by a
// previous process, typically after a restart over a persistent store.
// Instances whose workflow is no longer registered are failed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	e.mu.Lock()
	all, err := e.conf.Instances.List(ctx)
	if err != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("list instances: %w", err)
	}
	now := e.clock.Now().UTC()
	var queue []string
	var failed []*Instance
	for _, stored := range all {
		if stored.State != StatePending && stored.State != StateRunning && stored.State != StateCreated {
			continue
		}
		if _, running := e.active[stored.ID]; running {
			continue
		}
		inst := stored.Clone()
		if _, ok := e.defs[inst.WorkflowID]; !ok {
			e.fail(inst, "", fmt.Sprintf("workflow %s is not registered", inst.WorkflowID))
			failed = append(failed, inst)
		} else {
			inst.State = StatePending
			inst.log(now, LogInfo, inst.CurrentStep, "instance recovered")
			queue = append(queue, inst.ID)
		}
		if err := e.saveLocked(ctx, inst); err != nil {
			e.mu.Unlock()
			return 0, err
		}
	}
	e.mu.Unlock()
	for _, inst := range failed {
		e.changed(inst, StatePending)
	}

	for i, id := range queue {
		if err := e.enqueue(ctx, id); err != nil {
			return i, err
		}
	}
	if len(queue) > 0 {
		e.logger.Info("workflow instances recovered", "count", len(queue))
	}
	return len(queue), nil
}

// Wait blocks until the instance finishes or suspends, returning its state
// at that point.
func (e *Engine) Wait(ctx context.Context, id string) (*Instance, error) {
	for {
		e.mu.Lock()
		inst, err := e.load(ctx, id)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		_, running := e.active[id]
		if !running && (inst.State.Terminal() || inst.State.Suspended()) {
			e.mu.Unlock()
			return inst, nil
		}
		ch := make(chan struct{})
		e.waiters[id] = append(e.waiters[id], ch)
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Shutdown stops accepting work and waits for queued and running instances.
// When ctx expires first, in-flight steps are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pool.drain()
		close(done)
	}()
	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
		e.stop()
		<-done
		return ctx.Err()
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
