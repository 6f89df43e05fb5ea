package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateReportsOrphanStep(t *testing.T) {
	t.Parallel()

	d := &Definition{
		ID:        "orphan",
		StartStep: "A",
		Steps: map[string]*Step{
			"A": {Type: StepAction, Action: "noop", Next: "B"},
			"B": {Type: StepAction, Action: "noop"},
			"C": {Type: StepAction, Action: "noop"},
		},
	}
	err := d.Validate()
	require.ErrorIs(t, err, ErrInvalidDefinition)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"C"}, verr.Unreachable)
	assert.Contains(t, err.Error(), `step "C" is unreachable`)
	assert.Equal(t, "A", d.Steps["A"].ID, "ids are filled from keys")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		def  Definition
		want string
	}{
		{
			name: "missing start",
			def:  Definition{ID: "w", Steps: map[string]*Step{"a": {Type: StepAction, Action: "noop"}}},
			want: "startStep is required",
		},
		{
			name: "unknown start",
			def:  Definition{ID: "w", StartStep: "x", Steps: map[string]*Step{"a": {Type: StepAction, Action: "noop"}}},
			want: `startStep "x" does not exist`,
		},
		{
			name: "unknown type",
			def:  Definition{ID: "w", StartStep: "a", Steps: map[string]*Step{"a": {Type: "SCRIPT"}}},
			want: `unknown type "SCRIPT"`,
		},
		{
			name: "dangling edge",
			def:  Definition{ID: "w", StartStep: "a", Steps: map[string]*Step{"a": {Type: StepAction, Action: "noop", OnFailure: "z"}}},
			want: `references unknown step "z"`,
		},
		{
			name: "action without name",
			def:  Definition{ID: "w", StartStep: "a", Steps: map[string]*Step{"a": {Type: StepAction}}},
			want: "action is required",
		},
		{
			name: "bad condition",
			def:  Definition{ID: "w", StartStep: "a", Steps: map[string]*Step{"a": {Type: StepCondition, Condition: "severity =="}}},
			want: "condition",
		},
		{
			name: "empty parallel",
			def:  Definition{ID: "w", StartStep: "a", Steps: map[string]*Step{"a": {Type: StepParallel}}},
			want: "parallelSteps must not be empty",
		},
		{
			name: "approval in parallel",
			def: Definition{ID: "w", StartStep: "a", Steps: map[string]*Step{
				"a": {Type: StepParallel, ParallelSteps: []string{"b"}},
				"b": {Type: StepApproval},
			}},
			want: "cannot run in parallel",
		},
		{
			name: "subworkflow without id",
			def:  Definition{ID: "w", StartStep: "a", Steps: map[string]*Step{"a": {Type: StepSubworkflow}}},
			want: "workflowId is required",
		},
		{
			name: "wait without target",
			def:  Definition{ID: "w", StartStep: "a", Steps: map[string]*Step{"a": {Type: StepWait, Wait: &Wait{}}}},
			want: "wait needs a duration or an event",
		},
		{
			name: "loop without collection",
			def:  Definition{ID: "w", StartStep: "a", Steps: map[string]*Step{"a": {Type: StepLoop, Loop: &Loop{Action: "noop"}}}},
			want: "loop collection is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			require.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParallelBranchesAreReachable(t *testing.T) {
	t.Parallel()

	d := &Definition{
		ID:        "fanout",
		StartStep: "split",
		Steps: map[string]*Step{
			"split":  {Type: StepParallel, ParallelSteps: []string{"left", "right"}, Next: "join"},
			"left":   {Type: StepAction, Action: "noop"},
			"right":  {Type: StepAction, Action: "noop"},
			"join":   {Type: StepCondition, Condition: "ok", OnSuccess: "done", OnFailure: "failed"},
			"done":   {Type: StepAction, Action: "noop"},
			"failed": {Type: StepAction, Action: "noop"},
		},
	}
	require.NoError(t, d.Validate())
}

func TestParseDefinition(t *testing.T) {
	t.Parallel()

	d, err := ParseDefinition([]byte(`
id: contain-host
name: Contain host
startStep: isolate
timeout: 10m
steps:
  isolate:
    type: ACTION
    action: edr.isolate
    params:
      host: "{{ alert.host }}"
    retries: 2
    retryDelay: 5s
    rollback:
      action: edr.release
    next: approve
  approve:
    type: APPROVAL
    approval:
      approvers: [soc-lead]
      message: "Keep {{ alert.host }} isolated?"
`))
	require.NoError(t, err)
	assert.Equal(t, "contain-host", d.ID)
	assert.Equal(t, "10m0s", d.Timeout.String())
	isolate := d.Steps["isolate"]
	require.NotNil(t, isolate)
	assert.Equal(t, 2, isolate.Retries)
	assert.Equal(t, "5s", isolate.RetryDelay.String())
	assert.Equal(t, "edr.release", isolate.Rollback.Action)
	assert.Equal(t, []string{"soc-lead"}, d.Steps["approve"].Approval.Approvers)
	require.NoError(t, d.Validate())
}
