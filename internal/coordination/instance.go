package coordination

import (
	"time"

	"github.com/LandingPadAI/agent-coordinator/internal/store"
)

const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusArchived  = "archived"
)

// Instance is the hot-map view of one running workflow. Payload and history
// live in the state store; the instance carries only what dispatch needs.
type Instance struct {
	WorkflowID   string    `json:"workflowId"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	CurrentState string    `json:"currentState"`
	StartedAt    time.Time `json:"startedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// StatusView is the answer to a workflow status query, merged from the hot
// map and the state store.
type StatusView struct {
	Exists       bool                 `json:"exists"`
	WorkflowID   string               `json:"workflowId,omitempty"`
	Type         string               `json:"type,omitempty"`
	Status       string               `json:"status,omitempty"`
	CurrentState string               `json:"currentState,omitempty"`
	History      []store.HistoryEntry `json:"history,omitempty"`
	StartedAt    time.Time            `json:"startedAt,omitempty"`
	UpdatedAt    time.Time            `json:"updatedAt,omitempty"`
}

// StartResult is returned by StartWorkflow.
type StartResult struct {
	WorkflowID   string `json:"workflowId"`
	InitialState string `json:"initialState"`
}

// TransitionResult reports the applied edge.
type TransitionResult struct {
	From string `json:"from"`
	To   string `json:"to"`
}
