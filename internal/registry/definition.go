package registry

import (
	"sort"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
)

// Canonical terminal state names. Definitions may pick other names; these are
// the defaults resolved by SuccessState and FailureState.
const (
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Transition labels with coordinator-level meaning.
const (
	LabelSuccess = "success"
	LabelFailure = "failure"
	LabelSkip    = "skip"
)

// StateSpec describes one node of a workflow graph. Non-final states bind a
// worker type and at least one labelled transition; final states carry
// neither.
type StateSpec struct {
	Worker      string            `json:"worker,omitempty" yaml:"worker,omitempty"`
	Final       bool              `json:"final,omitempty" yaml:"final,omitempty"`
	Transitions map[string]string `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// WorkflowDefinition is a registered workflow graph. Immutable after
// registration; re-registering a type replaces the whole definition.
type WorkflowDefinition struct {
	Type         string               `json:"type" yaml:"type"`
	Name         string               `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string               `json:"description,omitempty" yaml:"description,omitempty"`
	InitialState string               `json:"initialState" yaml:"initialState"`
	States       map[string]StateSpec `json:"states" yaml:"states"`
}

// Validate enforces the registration invariants: the initial state exists,
// every transition target exists, at least one final state exists, and every
// non-final state binds a worker and at least one transition.
func (d *WorkflowDefinition) Validate() error {
	if d.Type == "" {
		return invalid("workflow type is required")
	}
	if len(d.States) == 0 {
		return invalid("workflow " + d.Type + " declares no states")
	}
	if _, ok := d.States[d.InitialState]; !ok {
		return invalid("workflow " + d.Type + ": initial state " + d.InitialState + " is not declared")
	}
	hasFinal := false
	for name, state := range d.States {
		if state.Final {
			hasFinal = true
			continue
		}
		if state.Worker == "" {
			return invalid("workflow " + d.Type + ": state " + name + " has no worker")
		}
		if len(state.Transitions) == 0 {
			return invalid("workflow " + d.Type + ": state " + name + " has no transitions")
		}
		for label, next := range state.Transitions {
			if _, ok := d.States[next]; !ok {
				return invalid("workflow " + d.Type + ": state " + name + " transition " + label + " targets unknown state " + next)
			}
		}
	}
	if !hasFinal {
		return invalid("workflow " + d.Type + " has no final state")
	}
	return nil
}

// UnreachableStates returns states not reachable from the initial state.
// Unreachable states are a warning, not a registration error.
func (d *WorkflowDefinition) UnreachableStates() []string {
	reachable := map[string]bool{d.InitialState: true}
	frontier := []string{d.InitialState}
	for len(frontier) > 0 {
		name := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for _, next := range d.States[name].Transitions {
			if !reachable[next] {
				reachable[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	var unreachable []string
	for name := range d.States {
		if !reachable[name] {
			unreachable = append(unreachable, name)
		}
	}
	sort.Strings(unreachable)
	return unreachable
}

// State looks up one state spec.
func (d *WorkflowDefinition) State(name string) (StateSpec, bool) {
	state, ok := d.States[name]
	return state, ok
}

// Next resolves a transition label from a state.
func (d *WorkflowDefinition) Next(from, label string) (string, bool) {
	state, ok := d.States[from]
	if !ok {
		return "", false
	}
	next, ok := state.Transitions[label]
	return next, ok
}

// SuccessState is the terminal success state: "completed" when declared,
// otherwise the first final state by name.
func (d *WorkflowDefinition) SuccessState() string {
	if state, ok := d.States[StateCompleted]; ok && state.Final {
		return StateCompleted
	}
	for _, name := range d.finalStates() {
		return name
	}
	return ""
}

// FailureState is the terminal failure state: "failed" when declared,
// otherwise the first final state that is not the success state. Workflows
// with a single terminal state fail into it.
func (d *WorkflowDefinition) FailureState() string {
	if state, ok := d.States[StateFailed]; ok && state.Final {
		return StateFailed
	}
	success := d.SuccessState()
	for _, name := range d.finalStates() {
		if name != success {
			return name
		}
	}
	return success
}

func (d *WorkflowDefinition) finalStates() []string {
	var finals []string
	for name, state := range d.States {
		if state.Final {
			finals = append(finals, name)
		}
	}
	sort.Strings(finals)
	return finals
}

func invalid(msg string) error {
	return coorderr.New(coorderr.CategoryValidation, coorderr.CodeInvalidDefinition, msg)
}
