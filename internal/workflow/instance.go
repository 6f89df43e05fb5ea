package workflow

import (
	"encoding/json"
	"time"

	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

// State of a workflow instance.
type State string

const (
	StateCreated         State = "CREATED"
	StatePending         State = "PENDING"
	StateRunning         State = "RUNNING"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
	StateCancelled       State = "CANCELLED"
	StatePaused          State = "PAUSED"
	StateWaitingApproval State = "WAITING_APPROVAL"
)

// Terminal reports whether no further steps will ever run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Suspended reports whether the instance waits for an external call.
func (s State) Suspended() bool {
	return s == StatePaused || s == StateWaitingApproval
}

// StepStatus of one step within an instance.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepWaiting   StepStatus = "WAITING"
	StepSkipped   StepStatus = "SKIPPED"
)

// StepState records the latest execution of one step.
type StepState struct {
	Status      StepStatus  `json:"status"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	Attempts    int         `json:"attempts"`
	RolledBack  bool        `json:"rolledBack,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// ApprovalDecision is one recorded decision on an approval step.
type ApprovalDecision struct {
	StepID    string    `json:"stepId"`
	Approver  string    `json:"approver"`
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogLevel of an instance log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one line of an instance's execution log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	StepID    string    `json:"stepId,omitempty"`
	Message   string    `json:"message"`
}

// Wait kinds recorded in Instance.Waiting.
const (
	WaitApproval = "approval"
	WaitEvent    = "event"
)

// Waiting describes what a suspended instance is blocked on.
type Waiting struct {
	StepID    string   `json:"stepId"`
	Kind      string   `json:"kind"`
	Event     string   `json:"event,omitempty"`
	Approvers []string `json:"approvers,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Instance is one execution of a workflow definition.
type Instance struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflowId"`
	WorkflowVersion int                    `json:"workflowVersion"`
	ParentID        string                 `json:"parentId,omitempty"`
	State           State                  `json:"state"`
	Input           map[string]interface{} `json:"input,omitempty"`
	Context         map[string]interface{} `json:"context"`
	CurrentStep     string                 `json:"currentStep,omitempty"`
	StepStates      map[string]*StepState  `json:"stepStates"`
	StepHistory     []string               `json:"stepHistory"`
	Approvals       []ApprovalDecision     `json:"approvals,omitempty"`
	Waiting         *Waiting               `json:"waiting,omitempty"`
	Logs            []LogEntry             `json:"logs"`
	Error           string                 `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	StartedAt       *time.Time             `json:"startedAt,omitempty"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of inst.
func (inst *Instance) Clone() *Instance {
	cp := *inst
	cp.Input = fieldpath.Copy(inst.Input)
	cp.Context = fieldpath.Copy(inst.Context)
	cp.StepStates = make(map[string]*StepState, len(inst.StepStates))
	for id, ss := range inst.StepStates {
		s := *ss
		s.Result = fieldpath.CopyValue(ss.Result)
		if ss.CompletedAt != nil {
			t := *ss.CompletedAt
			s.CompletedAt = &t
		}
		cp.StepStates[id] = &s
	}
	cp.StepHistory = append([]string(nil), inst.StepHistory...)
	cp.Approvals = append([]ApprovalDecision(nil), inst.Approvals...)
	cp.Logs = append([]LogEntry(nil), inst.Logs...)
	if inst.Waiting != nil {
		w := *inst.Waiting
		w.Approvers = append([]string(nil), inst.Waiting.Approvers...)
		cp.Waiting = &w
	}
	if inst.StartedAt != nil {
		t := *inst.StartedAt
		cp.StartedAt = &t
	}
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Marshal serializes the instance for storage or transfer.
func (inst *Instance) Marshal() ([]byte, error) { return json.Marshal(inst) }

// UnmarshalInstance reconstructs an instance written by Marshal.
func UnmarshalInstance(data []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	if inst.Context == nil {
		inst.Context = make(map[string]interface{})
	}
	if inst.StepStates == nil {
		inst.StepStates = make(map[string]*StepState)
	}
	return &inst, nil
}

func (inst *Instance) log(now time.Time, level LogLevel, stepID, msg string) {
	inst.Logs = append(inst.Logs, LogEntry{Timestamp: now, Level: level, StepID: stepID, Message: msg})
}

// scope is the template and condition view of the instance: its context
// variables, plus input, instance.{id,workflowId} and
// steps.<id>.{result,status,error}.
func (inst *Instance) scope() map[string]interface{} {
	sc := fieldpath.Copy(inst.Context)
	if sc == nil {
		sc = make(map[string]interface{})
	}
	if _, ok := sc["input"]; !ok {
		sc["input"] = fieldpath.Copy(inst.Input)
	}
	steps := make(map[string]interface{}, len(inst.StepStates))
	for id, ss := range inst.StepStates {
		steps[id] = map[string]interface{}{
			"result": fieldpath.CopyValue(ss.Result),
			"status": string(ss.Status),
			"error":  ss.Error,
		}
	}
	sc["steps"] = steps
	sc["instance"] = map[string]interface{}{"id": inst.ID, "workflowId": inst.WorkflowID}
	return sc
}
