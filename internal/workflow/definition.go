package workflow

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/soarflow/internal/condition"
	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

// StepType discriminates workflow steps.
type StepType string

const (
	StepAction      StepType = "ACTION"
	StepCondition   StepType = "CONDITION"
	StepParallel    StepType = "PARALLEL"
	StepLoop        StepType = "LOOP"
	StepWait        StepType = "WAIT"
	StepApproval    StepType = "APPROVAL"
	StepSubworkflow StepType = "SUBWORKFLOW"
)

func (t StepType) valid() bool {
	switch t {
	case StepAction, StepCondition, StepParallel, StepLoop, StepWait, StepApproval, StepSubworkflow:
		return true
	}
	return false
}

// Rollback is the compensating action run once a step exhausts its retries.
type Rollback struct {
	Action string                 `json:"action" yaml:"action"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params"`
}

// Loop runs Action once per element of Collection.
type Loop struct {
	// Collection is a context path ("alert.hosts"), a single placeholder, or
	// a literal list.
	Collection    interface{}            `json:"collection" yaml:"collection"`
	Action        string                 `json:"action" yaml:"action"`
	Params        map[string]interface{} `json:"params,omitempty" yaml:"params"`
	ItemVar       string                 `json:"itemVar,omitempty" yaml:"itemVar"`
	MaxIterations int                    `json:"maxIterations,omitempty" yaml:"maxIterations"`
}

// Wait pauses for Duration, or until Event is signalled.
type Wait struct {
	Duration Duration `json:"duration,omitempty" yaml:"duration"`
	Event    string   `json:"event,omitempty" yaml:"event"`
}

// Approval gates execution on a human decision.
type Approval struct {
	Approvers []string `json:"approvers,omitempty" yaml:"approvers"`
	Message   string   `json:"message,omitempty" yaml:"message"`
}

// Subworkflow runs another registered workflow inline.
type Subworkflow struct {
	WorkflowID string                 `json:"workflowId" yaml:"workflowId"`
	Input      map[string]interface{} `json:"input,omitempty" yaml:"input"`
}

// Step is one node of a workflow graph.
type Step struct {
	ID            string                 `json:"id" yaml:"id"`
	Name          string                 `json:"name,omitempty" yaml:"name"`
	Type          StepType               `json:"type" yaml:"type"`
	Action        string                 `json:"action,omitempty" yaml:"action"`
	Params        map[string]interface{} `json:"params,omitempty" yaml:"params"`
	Condition     string                 `json:"condition,omitempty" yaml:"condition"`
	Next          string                 `json:"next,omitempty" yaml:"next"`
	OnSuccess     string                 `json:"onSuccess,omitempty" yaml:"onSuccess"`
	OnFailure     string                 `json:"onFailure,omitempty" yaml:"onFailure"`
	Retries       int                    `json:"retries,omitempty" yaml:"retries"`
	RetryDelay    Duration               `json:"retryDelay,omitempty" yaml:"retryDelay"`
	Timeout       Duration               `json:"timeout,omitempty" yaml:"timeout"`
	Rollback      *Rollback              `json:"rollback,omitempty" yaml:"rollback"`
	ParallelSteps []string               `json:"parallelSteps,omitempty" yaml:"parallelSteps"`
	Loop          *Loop                  `json:"loop,omitempty" yaml:"loop"`
	Wait          *Wait                  `json:"wait,omitempty" yaml:"wait"`
	Approval      *Approval              `json:"approval,omitempty" yaml:"approval"`
	Subworkflow   *Subworkflow           `json:"subworkflow,omitempty" yaml:"subworkflow"`
	OutputVar     string                 `json:"outputVar,omitempty" yaml:"outputVar"`
}

func (s *Step) edges() []string {
	out := make([]string, 0, 3+len(s.ParallelSteps))
	for _, e := range []string{s.Next, s.OnSuccess, s.OnFailure} {
		if e != "" {
			out = append(out, e)
		}
	}
	return append(out, s.ParallelSteps...)
}

func (s *Step) clone() *Step {
	cp := *s
	cp.Params = fieldpath.Copy(s.Params)
	cp.ParallelSteps = append([]string(nil), s.ParallelSteps...)
	if s.Rollback != nil {
		rb := *s.Rollback
		rb.Params = fieldpath.Copy(s.Rollback.Params)
		cp.Rollback = &rb
	}
	if s.Loop != nil {
		l := *s.Loop
		l.Params = fieldpath.Copy(s.Loop.Params)
		cp.Loop = &l
	}
	if s.Wait != nil {
		w := *s.Wait
		cp.Wait = &w
	}
	if s.Approval != nil {
		a := *s.Approval
		a.Approvers = append([]string(nil), s.Approval.Approvers...)
		cp.Approval = &a
	}
	if s.Subworkflow != nil {
		sw := *s.Subworkflow
		sw.Input = fieldpath.Copy(s.Subworkflow.Input)
		cp.Subworkflow = &sw
	}
	return &cp
}

// Definition is a registered workflow graph.
type Definition struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name,omitempty" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description"`
	Version     int                    `json:"version" yaml:"version"`
	StartStep   string                 `json:"startStep" yaml:"startStep"`
	Steps       map[string]*Step       `json:"steps" yaml:"steps"`
	Variables   map[string]interface{} `json:"variables,omitempty" yaml:"variables"`
	Timeout     Duration               `json:"timeout,omitempty" yaml:"timeout"`
}

// ParseDefinition decodes a YAML (or JSON) workflow document.
func ParseDefinition(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return &d, nil
}

// Clone returns a deep copy of d.
func (d *Definition) Clone() *Definition {
	cp := *d
	cp.Variables = fieldpath.Copy(d.Variables)
	cp.Steps = make(map[string]*Step, len(d.Steps))
	for id, s := range d.Steps {
		cp.Steps[id] = s.clone()
	}
	return &cp
}

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	WorkflowID  string
	Problems    []string
	Unreachable []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %q is invalid: %s", e.WorkflowID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidDefinition }

// Validate checks structure and reachability. Step ids left empty are
// filled from their map keys. The returned error is a *ValidationError.
func (d *Definition) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if d.ID == "" {
		add("id is required")
	}
	if len(d.Steps) == 0 {
		add("at least one step is required")
	}
	if d.StartStep == "" {
		add("startStep is required")
	} else if _, ok := d.Steps[d.StartStep]; !ok {
		add("startStep %q does not exist", d.StartStep)
	}

	ids := make([]string, 0, len(d.Steps))
	for id := range d.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := d.Steps[id]
		if s == nil {
			add("step %q is empty", id)
			continue
		}
		if s.ID == "" {
			s.ID = id
		} else if s.ID != id {
			add("step %q: id %q does not match its key", id, s.ID)
		}
		if !s.Type.valid() {
			add("step %q: unknown type %q", id, s.Type)
		}
		for _, e := range s.edges() {
			if _, ok := d.Steps[e]; !ok {
				add("step %q: references unknown step %q", id, e)
			}
		}
		if s.Retries < 0 {
			add("step %q: retries must not be negative", id)
		}
		if s.Rollback != nil && s.Rollback.Action == "" {
			add("step %q: rollback action is required", id)
		}
		switch s.Type {
		case StepAction:
			if s.Action == "" {
				add("step %q: action is required", id)
			}
		case StepLoop:
			if s.Loop == nil || s.Loop.Action == "" {
				add("step %q: loop action is required", id)
			} else if s.Loop.Collection == nil {
				add("step %q: loop collection is required", id)
			}
		case StepCondition:
			if s.Condition == "" {
				add("step %q: condition is required", id)
			} else if _, err := condition.Parse(s.Condition); err != nil {
				add("step %q: condition %q: %v", id, s.Condition, err)
			}
		case StepParallel:
			if len(s.ParallelSteps) == 0 {
				add("step %q: parallelSteps must not be empty", id)
			}
			for _, c := range s.ParallelSteps {
				if child := d.Steps[c]; child != nil && !child.parallelSafe() {
					add("step %q: %s step %q cannot run in parallel", id, child.Type, c)
				}
			}
		case StepSubworkflow:
			if s.Subworkflow == nil || s.Subworkflow.WorkflowID == "" {
				add("step %q: subworkflow workflowId is required", id)
			}
		case StepWait:
			if s.Wait == nil || (s.Wait.Duration <= 0 && s.Wait.Event == "") {
				add("step %q: wait needs a duration or an event", id)
			}
		}
	}

	var unreachable []string
	if _, ok := d.Steps[d.StartStep]; ok {
		unreachable = newGraph(d).unreachable(d.StartStep)
		for _, id := range unreachable {
			add("step %q is unreachable from %q", id, d.StartStep)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{WorkflowID: d.ID, Problems: problems, Unreachable: unreachable}
}

// parallelSafe reports whether s can run as a branch of a PARALLEL step;
// branches must finish without suspending the instance.
func (s *Step) parallelSafe() bool {
	switch s.Type {
	case StepApproval, StepParallel:
		return false
	case StepWait:
		return s.Wait == nil || s.Wait.Event == ""
	}
	return true
}

// actions lists every action name the definition invokes.
func (d *Definition) actions() []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, s := range d.Steps {
		if s == nil {
			continue
		}
		add(s.Action)
		if s.Loop != nil {
			add(s.Loop.Action)
		}
		if s.Rollback != nil {
			add(s.Rollback.Action)
		}
	}
	sort.Strings(out)
	return out
}
