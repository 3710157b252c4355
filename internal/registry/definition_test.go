package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
)

func contentCreationDefinition() WorkflowDefinition {
	return WorkflowDefinition{
		Type:         "content-creation",
		Name:         "Content creation",
		InitialState: "draft",
		States: map[string]StateSpec{
			"draft":     {Worker: "writer", Transitions: map[string]string{"success": "review", "failure": "failed"}},
			"review":    {Worker: "reviewer", Transitions: map[string]string{"success": "completed", "failure": "failed"}},
			"completed": {Final: true},
			"failed":    {Final: true},
		},
	}
}

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	def := contentCreationDefinition()
	require.NoError(t, def.Validate())
	assert.Empty(t, def.UnreachableStates())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*WorkflowDefinition)
	}{
		{"missing type", func(d *WorkflowDefinition) { d.Type = "" }},
		{"initial state not declared", func(d *WorkflowDefinition) { d.InitialState = "ghost" }},
		{"no states", func(d *WorkflowDefinition) { d.States = nil }},
		{"transition to unknown state", func(d *WorkflowDefinition) {
			d.States["draft"] = StateSpec{Worker: "writer", Transitions: map[string]string{"success": "nowhere"}}
		}},
		{"non-final state without worker", func(d *WorkflowDefinition) {
			d.States["draft"] = StateSpec{Transitions: map[string]string{"success": "review"}}
		}},
		{"non-final state without transitions", func(d *WorkflowDefinition) {
			d.States["draft"] = StateSpec{Worker: "writer"}
		}},
		{"no final state", func(d *WorkflowDefinition) {
			d.States = map[string]StateSpec{
				"draft": {Worker: "writer", Transitions: map[string]string{"loop": "draft"}},
			}
			d.InitialState = "draft"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := contentCreationDefinition()
			tt.mutate(&def)
			err := def.Validate()
			require.Error(t, err)
			assert.Equal(t, coorderr.CategoryValidation, coorderr.CategoryOf(err))
			assert.Equal(t, coorderr.CodeInvalidDefinition, coorderr.CodeOf(err))
		})
	}
}

func TestUnreachableStatesFlagged(t *testing.T) {
	def := contentCreationDefinition()
	def.States["orphan"] = StateSpec{Worker: "writer", Transitions: map[string]string{"success": "completed"}}
	require.NoError(t, def.Validate())
	assert.Equal(t, []string{"orphan"}, def.UnreachableStates())
}

func TestNextResolvesDeclaredTransitions(t *testing.T) {
	def := contentCreationDefinition()

	next, ok := def.Next("draft", "success")
	require.True(t, ok)
	assert.Equal(t, "review", next)

	_, ok = def.Next("draft", "weird")
	assert.False(t, ok)

	_, ok = def.Next("ghost", "success")
	assert.False(t, ok)
}

func TestTerminalStateResolution(t *testing.T) {
	def := contentCreationDefinition()
	assert.Equal(t, "completed", def.SuccessState())
	assert.Equal(t, "failed", def.FailureState())
}

func TestTerminalStateResolutionCustomNames(t *testing.T) {
	def := WorkflowDefinition{
		Type:         "pipeline",
		InitialState: "work",
		States: map[string]StateSpec{
			"work":     {Worker: "w", Transitions: map[string]string{"success": "done", "failure": "rejected"}},
			"done":     {Final: true},
			"rejected": {Final: true},
		},
	}
	require.NoError(t, def.Validate())
	assert.Equal(t, "done", def.SuccessState())
	assert.Equal(t, "rejected", def.FailureState())
}

func TestSingleTerminalFailsIntoItself(t *testing.T) {
	def := WorkflowDefinition{
		Type:         "one-way",
		InitialState: "work",
		States: map[string]StateSpec{
			"work": {Worker: "w", Transitions: map[string]string{"success": "done"}},
			"done": {Final: true},
		},
	}
	require.NoError(t, def.Validate())
	assert.Equal(t, "done", def.SuccessState())
	assert.Equal(t, "done", def.FailureState())
}
