package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/soarflow/internal/action"
	"github.com/gyaneshwarpardhi/soarflow/internal/store/memstore"
)

type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func newTestEngine(t *testing.T, conf Config) (*Engine, *calls) {
	t.Helper()
	c := &calls{}
	reg := action.NewRegistry(nil)
	reg.MustRegister("record", func(_ context.Context, params, _ map[string]interface{}) (interface{}, error) {
		c.add(params["name"].(string))
		return params, nil
	}, action.Options{})
	reg.MustRegister("fail", func(_ context.Context, params, _ map[string]interface{}) (interface{}, error) {
		c.add("fail")
		return nil, errors.New("edr unreachable")
	}, action.Options{})
	reg.MustRegister("fail_once_only", func(_ context.Context, _, _ map[string]interface{}) (interface{}, error) {
		c.add("side-effect")
		return nil, errors.New("partial write")
	}, action.Options{NoRetry: true})
	reg.MustRegister("undo", func(_ context.Context, params, _ map[string]interface{}) (interface{}, error) {
		c.add("undo")
		return nil, nil
	}, action.Options{})

	conf.Actions = reg
	if conf.RetryDelay == 0 {
		conf.RetryDelay = time.Millisecond
	}
	e := New(conf)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, c
}

func run(t *testing.T, e *Engine, workflowID string, input map[string]interface{}) *Instance {
	t.Helper()
	inst, err := e.Start(context.Background(), workflowID, input)
	require.NoError(t, err)
	return wait(t, e, inst.ID)
}

func wait(t *testing.T, e *Engine, id string) *Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return inst
}

func rec(name string) map[string]interface{} {
	return map[string]interface{}{"name": name}
}

func TestLinearWorkflowCompletes(t *testing.T) {
	t.Parallel()

	e, c := newTestEngine(t, Config{})
	var states []State
	var mu sync.Mutex
	e.conf.Hooks.OnStateChange = func(inst *Instance, _ State) {
		mu.Lock()
		states = append(states, inst.State)
		mu.Unlock()
	}
	require.NoError(t, e.Register(&Definition{
		ID:        "triage",
		StartStep: "enrich",
		Steps: map[string]*Step{
			"enrich": {Type: StepAction, Action: "record", Params: map[string]interface{}{"name": "{{ host }}"}, OutputVar: "enriched", Next: "notify"},
			"notify": {Type: StepAction, Action: "record", Params: map[string]interface{}{"name": "notified {{ enriched.name }}"}},
		},
	}))

	inst := run(t, e, "triage", map[string]interface{}{"host": "ws-7"})
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, []string{"ws-7", "notified ws-7"}, c.list())
	assert.Equal(t, []string{"enrich", "notify"}, inst.StepHistory)
	assert.Equal(t, StepCompleted, inst.StepStates["notify"].Status)
	assert.NotNil(t, inst.CompletedAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StatePending, StateRunning, StateCompleted}, states)
}

func TestStepRetriesThenRollsBack(t *testing.T) {
	t.Parallel()

	e, c := newTestEngine(t, Config{})
	require.NoError(t, e.Register(&Definition{
		ID:        "isolate",
		StartStep: "isolate",
		Steps: map[string]*Step{
			"isolate": {Type: StepAction, Action: "fail", Retries: 2, Rollback: &Rollback{Action: "undo"}},
		},
	}))

	inst := run(t, e, "isolate", nil)
	assert.Equal(t, []string{"fail", "fail", "fail", "undo"}, c.list())

	ss := inst.StepStates["isolate"]
	require.NotNil(t, ss)
	assert.Equal(t, StepFailed, ss.Status)
	assert.Equal(t, 3, ss.Attempts)
	assert.True(t, ss.RolledBack)
	assert.Equal(t, "edr unreachable", ss.Error)
	assert.Equal(t, StateFailed, inst.State)
	assert.Contains(t, inst.Error, "step isolate failed")
}

func TestNonRetryableActionRunsOnce(t *testing.T) {
	t.Parallel()

	e, c := newTestEngine(t, Config{})
	require.NoError(t, e.Register(&Definition{
		ID:        "ticket",
		StartStep: "open",
		Steps: map[string]*Step{
			"open":     {Type: StepAction, Action: "fail_once_only", Retries: 5, OnFailure: "fallback"},
			"fallback": {Type: StepAction, Action: "record", Params: rec("fallback")},
		},
	}))

	inst := run(t, e, "ticket", nil)
	assert.Equal(t, []string{"side-effect", "fallback"}, c.list())
	assert.Equal(t, 1, inst.StepStates["open"].Attempts)
	assert.Equal(t, StateCompleted, inst.State, "onFailure edge recovers the instance")
}

func TestNextStepSelection(t *testing.T) {
	t.Parallel()

	failing := func(next, onSuccess, onFailure string) *Step {
		return &Step{Type: StepAction, Action: "fail", Next: next, OnSuccess: onSuccess, OnFailure: onFailure}
	}
	passing := func(params map[string]interface{}, next, onSuccess, onFailure string) *Step {
		return &Step{Type: StepAction, Action: "record", Params: params, Next: next, OnSuccess: onSuccess, OnFailure: onFailure}
	}

	tests := []struct {
		name    string
		steps   map[string]*Step
		state   State
		history []string
		calls   []string
	}{
		{
			name: "failure follows onFailure before next",
			steps: map[string]*Step{
				"a": failing("b", "", "c"),
				"b": passing(rec("b"), "", "", ""),
				"c": passing(rec("c"), "", "", ""),
			},
			state:   StateCompleted,
			history: []string{"a", "c"},
			calls:   []string{"fail", "c"},
		},
		{
			name: "failure falls back to next",
			steps: map[string]*Step{
				"a": failing("b", "", ""),
				"b": passing(rec("b"), "", "", ""),
			},
			state:   StateCompleted,
			history: []string{"a", "b"},
			calls:   []string{"fail", "b"},
		},
		{
			name: "failure with no edge fails the instance",
			steps: map[string]*Step{
				"a": failing("", "b", ""),
				"b": passing(rec("b"), "", "", ""),
			},
			state:   StateFailed,
			history: []string{"a"},
			calls:   []string{"fail"},
		},
		{
			name: "explicit nextStep overrides onSuccess",
			steps: map[string]*Step{
				"a": passing(map[string]interface{}{"name": "a", "nextStep": "c"}, "", "b", ""),
				"b": passing(rec("b"), "c", "", ""),
				"c": passing(rec("c"), "", "", ""),
			},
			state:   StateCompleted,
			history: []string{"a", "c"},
			calls:   []string{"a", "c"},
		},
		{
			name: "success follows onSuccess before next",
			steps: map[string]*Step{
				"a": passing(rec("a"), "b", "c", ""),
				"b": passing(rec("b"), "", "", ""),
				"c": passing(rec("c"), "", "", ""),
			},
			state:   StateCompleted,
			history: []string{"a", "c"},
			calls:   []string{"a", "c"},
		},
		{
			name: "success falls back to next",
			steps: map[string]*Step{
				"a": passing(rec("a"), "b", "", "c"),
				"b": passing(rec("b"), "", "", ""),
				"c": passing(rec("c"), "", "", ""),
			},
			state:   StateCompleted,
			history: []string{"a", "b"},
			calls:   []string{"a", "b"},
		},
		{
			name: "success with no edge completes",
			steps: map[string]*Step{
				"a": passing(rec("a"), "", "", ""),
			},
			state:   StateCompleted,
			history: []string{"a"},
			calls:   []string{"a"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, c := newTestEngine(t, Config{})
			require.NoError(t, e.Register(&Definition{ID: "edges", StartStep: "a", Steps: tt.steps}))

			inst := run(t, e, "edges", nil)
			assert.Equal(t, tt.state, inst.State, inst.Error)
			assert.Equal(t, tt.history, inst.StepHistory)
			assert.Equal(t, tt.calls, c.list())
		})
	}
}

func TestConditionBranches(t *testing.T) {
	t.Parallel()

	e, c := newTestEngine(t, Config{})
	require.NoError(t, e.Register(&Definition{
		ID:        "route",
		StartStep: "check",
		Steps: map[string]*Step{
			"check":  {Type: StepCondition, Condition: `severity == "critical" && score >= 80`, OnSuccess: "page", OnFailure: "ticket"},
			"page":   {Type: StepAction, Action: "record", Params: rec("page")},
			"ticket": {Type: StepAction, Action: "record", Params: rec("ticket")},
		},
	}))

	hi := run(t, e, "route", map[string]interface{}{"severity": "critical", "score": 91})
	lo := run(t, e, "route", map[string]interface{}{"severity": "critical", "score": 10})
	assert.Equal(t, StateCompleted, hi.State)
	assert.Equal(t, StateCompleted, lo.State)
	assert.Equal(t, []string{"page", "ticket"}, c.list())
	assert.Equal(t, true, hi.StepStates["check"].Result)
}

func TestParallelWaitsForAllBranches(t *testing.T) {
	t.Parallel()

	e, c := newTestEngine(t, Config{})
	require.NoError(t, e.Register(&Definition{
		ID:        "fanout",
		StartStep: "split",
		Steps: map[string]*Step{
			"split": {Type: StepParallel, ParallelSteps: []string{"edr", "fw"}, OutputVar: "branches", Next: "done"},
			"edr":   {Type: StepAction, Action: "record", Params: rec("edr")},
			"fw":    {Type: StepAction, Action: "fail"},
			"done":  {Type: StepAction, Action: "record", Params: rec("done")},
		},
	}))

	inst := run(t, e, "fanout", nil)
	assert.Equal(t, StateCompleted, inst.State, "failed split falls through to next")
	assert.ElementsMatch(t, []string{"edr", "fail", "done"}, c.list())
	assert.Equal(t, "done", c.list()[2])
	assert.Equal(t, StepCompleted, inst.StepStates["edr"].Status)
	assert.Equal(t, StepFailed, inst.StepStates["fw"].Status)
	assert.Equal(t, StepFailed, inst.StepStates["split"].Status)
	assert.Equal(t, []string{"split", "edr", "fw", "done"}, inst.StepHistory)
}

func TestLoopCollectsResults(t *testing.T) {
	t.Parallel()

	e, c := newTestEngine(t, Config{})
	require.NoError(t, e.Register(&Definition{
		ID:        "block",
		StartStep: "each",
		Steps: map[string]*Step{
			"each": {
				Type: StepLoop,
				Loop: &Loop{
					Collection:    "alert.ips",
					Action:        "record",
					Params:        map[string]interface{}{"name": "{{ index }}:{{ ip }}"},
					ItemVar:       "ip",
					MaxIterations: 2,
				},
				OutputVar: "blocked",
			},
		},
	}))

	inst := run(t, e, "block", map[string]interface{}{
		"alert": map[string]interface{}{"ips": []interface{}{"10.0.0.1", "10.0.0.2", "10.0.0.3"}},
	})
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, []string{"0:10.0.0.1", "1:10.0.0.2"}, c.list())
	assert.Len(t, inst.Context["blocked"], 2)
}

func TestApprovalGate(t *testing.T) {
	t.Parallel()

	e, c := newTestEngine(t, Config{})
	require.NoError(t, e.Register(&Definition{
		ID:        "wipe",
		StartStep: "approve",
		Steps: map[string]*Step{
			"approve": {Type: StepApproval, Approval: &Approval{Approvers: []string{"lead"}, Message: "Wipe {{ host }}?"}, Next: "wipe"},
			"wipe":    {Type: StepAction, Action: "record", Params: rec("wipe")},
		},
	}))
	ctx := context.Background()

	inst := run(t, e, "wipe", map[string]interface{}{"host": "ws-7"})
	require.Equal(t, StateWaitingApproval, inst.State)
	require.NotNil(t, inst.Waiting)
	assert.Equal(t, "Wipe ws-7?", inst.Waiting.Message)
	assert.Empty(t, c.list())

	_, err := e.Approve(ctx, inst.ID, "intern", true, "")
	require.ErrorIs(t, err, ErrNotApprover)

	_, err = e.Approve(ctx, inst.ID, "lead", true, "go")
	require.NoError(t, err)
	inst = wait(t, e, inst.ID)
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, []string{"wipe"}, c.list())
	require.Len(t, inst.Approvals, 1)
	assert.Equal(t, "lead", inst.Approvals[0].Approver)

	_, err = e.Approve(ctx, inst.ID, "lead", true, "")
	require.ErrorIs(t, err, ErrInvalidState)

	rejected := run(t, e, "wipe", map[string]interface{}{"host": "db-1"})
	got, err := e.Approve(ctx, rejected.ID, "lead", false, "too risky")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, StepFailed, got.StepStates["approve"].Status)
	assert.Equal(t, []string{"wipe"}, c.list())
}

func TestWaitForSignal(t *testing.T) {
	t.Parallel()

	e, c := newTestEngine(t, Config{})
	require.NoError(t, e.Register(&Definition{
		ID:        "scan",
		StartStep: "wait",
		Steps: map[string]*Step{
			"wait":   {Type: StepWait, Wait: &Wait{Event: "scan.finished"}, OutputVar: "scan", Next: "report"},
			"report": {Type: StepAction, Action: "record", Params: map[string]interface{}{"name": "{{ scan.verdict }}"}},
		},
	}))
	ctx := context.Background()

	inst := run(t, e, "scan", nil)
	require.Equal(t, StatePaused, inst.State)

	_, err := e.Resume(ctx, inst.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = e.Signal(ctx, inst.ID, "scan.started", nil)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = e.Signal(ctx, inst.ID, "scan.finished", map[string]interface{}{"verdict": "clean"})
	require.NoError(t, err)
	inst = wait(t, e, inst.ID)
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, []string{"clean"}, c.list())
}

func TestSubworkflowRunsInline(t *testing.T) {
	t.Parallel()

	e, c := newTestEngine(t, Config{})
	require.NoError(t, e.Register(&Definition{
		ID:        "child",
		StartStep: "do",
		Steps: map[string]*Step{
			"do": {Type: StepAction, Action: "record", Params: map[string]interface{}{"name": "child {{ target }}"}, OutputVar: "res"},
		},
	}))
	require.NoError(t, e.Register(&Definition{
		ID:        "parent",
		StartStep: "call",
		Steps: map[string]*Step{
			"call": {Type: StepSubworkflow, Subworkflow: &Subworkflow{WorkflowID: "child", Input: map[string]interface{}{"target": "{{ host }}"}}, OutputVar: "child"},
		},
	}))

	inst := run(t, e, "parent", map[string]interface{}{"host": "ws-1"})
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, []string{"child ws-1"}, c.list())

	children, err := e.List(context.Background(), Filter{WorkflowID: "child"})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, inst.ID, children[0].ParentID)
	assert.Equal(t, StateCompleted, children[0].State)
}

func TestCancelAndPauseQueuedInstance(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	var started atomic.Int32
	e, _ := newTestEngine(t, Config{MaxConcurrent: 1})
	e.Actions().MustRegister("block", func(ctx context.Context, _, _ map[string]interface{}) (interface{}, error) {
		started.Add(1)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	}, action.Options{})
	require.NoError(t, e.Register(&Definition{
		ID:        "slow",
		StartStep: "a",
		Steps: map[string]*Step{
			"a": {Type: StepAction, Action: "block", Next: "b"},
			"b": {Type: StepAction, Action: "block"},
		},
	}))
	ctx := context.Background()

	first, err := e.Start(ctx, "slow", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return started.Load() == 1 }, 5*time.Second, time.Millisecond)

	queued, err := e.Start(ctx, "slow", nil)
	require.NoError(t, err)
	require.NoError(t, e.Pause(ctx, queued.ID))
	paused, err := e.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, paused.State)
	require.NoError(t, e.Cancel(ctx, queued.ID))

	// Cancelling the running instance lets its current step finish.
	require.NoError(t, e.Cancel(ctx, first.ID))
	close(block)

	got := wait(t, e, first.ID)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, []string{"a"}, got.StepHistory)

	got = wait(t, e, queued.ID)
	assert.Equal(t, StateCancelled, got.State)
	assert.Empty(t, got.StepHistory)
	require.ErrorIs(t, e.Cancel(ctx, queued.ID), ErrInvalidState)
}

func TestRestoreResumesInterruptedInstance(t *testing.T) {
	t.Parallel()

	e, c := newTestEngine(t, Config{})
	require.NoError(t, e.Register(&Definition{
		ID:        "two",
		StartStep: "a",
		Steps: map[string]*Step{
			"a": {Type: StepAction, Action: "record", Params: rec("a"), Next: "b"},
			"b": {Type: StepAction, Action: "record", Params: rec("b")},
		},
	}))

	snapshot := &Instance{
		ID:          "restored-1",
		WorkflowID:  "two",
		State:       StateRunning,
		Context:     map[string]interface{}{},
		CurrentStep: "b",
		StepStates:  map[string]*StepState{"a": {Status: StepCompleted, Attempts: 1}},
		StepHistory: []string{"a"},
	}
	data, err := snapshot.Marshal()
	require.NoError(t, err)

	_, err = e.Restore(context.Background(), data)
	require.NoError(t, err)
	inst := wait(t, e, "restored-1")
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, []string{"b"}, c.list())
	assert.Equal(t, []string{"a", "b"}, inst.StepHistory)
}

func TestRecoverRequeuesStoredInstances(t *testing.T) {
	t.Parallel()

	repo := memstore.New[*Instance]()
	ctx := context.Background()
	require.NoError(t, repo.Set(ctx, "mid-run", &Instance{
		ID:          "mid-run",
		WorkflowID:  "two",
		State:       StateRunning,
		Context:     map[string]interface{}{},
		CurrentStep: "b",
		StepStates:  map[string]*StepState{"a": {Status: StepCompleted, Attempts: 1}},
		StepHistory: []string{"a"},
	}))
	require.NoError(t, repo.Set(ctx, "orphan", &Instance{
		ID:          "orphan",
		WorkflowID:  "retired",
		State:       StatePending,
		Context:     map[string]interface{}{},
		CurrentStep: "x",
		StepStates:  map[string]*StepState{},
	}))
	require.NoError(t, repo.Set(ctx, "done", &Instance{ID: "done", WorkflowID: "two", State: StateCompleted}))

	e, c := newTestEngine(t, Config{Instances: repo})
	require.NoError(t, e.Register(&Definition{
		ID:        "two",
		StartStep: "a",
		Steps: map[string]*Step{
			"a": {Type: StepAction, Action: "record", Params: rec("a"), Next: "b"},
			"b": {Type: StepAction, Action: "record", Params: rec("b")},
		},
	}))

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst := wait(t, e, "mid-run")
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, []string{"b"}, c.list())

	orphan, err := e.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, orphan.State)
	assert.Contains(t, orphan.Error, "retired")
}

func TestRegisterRejectsUnknownActions(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, Config{})
	err := e.Register(&Definition{
		ID:        "bad",
		StartStep: "a",
		Steps:     map[string]*Step{"a": {Type: StepAction, Action: "edr.isolate"}},
	})
	require.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Contains(t, err.Error(), `unknown action "edr.isolate"`)

	_, err = e.Start(context.Background(), "bad", nil)
	require.ErrorIs(t, err, ErrNotFound)

	def := &Definition{ID: "ok", StartStep: "a", Steps: map[string]*Step{"a": {Type: StepAction, Action: "undo"}}}
	require.NoError(t, e.Register(def))
	require.Error(t, e.Register(def))
	require.NoError(t, e.Update(def))
	got, err := e.Definition("ok")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	e, _ := newTestEngine(t, Config{MaxConcurrent: 1, QueueSize: 1})
	t.Cleanup(func() { close(block) })
	var started atomic.Int32
	e.Actions().MustRegister("block", func(context.Context, map[string]interface{}, map[string]interface{}) (interface{}, error) {
		started.Add(1)
		<-block
		return nil, nil
	}, action.Options{})
	require.NoError(t, e.Register(&Definition{
		ID: "slow", StartStep: "a",
		Steps: map[string]*Step{"a": {Type: StepAction, Action: "block"}},
	}))
	ctx := context.Background()

	_, err := e.Start(ctx, "slow", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return started.Load() == 1 }, 5*time.Second, time.Millisecond)
	_, err = e.Start(ctx, "slow", nil)
	require.NoError(t, err)
	_, err = e.Start(ctx, "slow", nil)
	require.ErrorIs(t, err, ErrQueueFull)

	failed, err := e.List(ctx, Filter{State: StateFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "execution queue full", failed[0].Error)
}
