// Package store persists workflow state: one record per workflow id with the
// current graph state, the merged payload and the transition history. Every
// mutation is atomic and per-id serialized; a lost update is a correctness
// bug, so implementations use an optimistic version (sql/mongo) or a keyed
// mutex (memory).
package store

import (
	"context"
	"time"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
)

// LabelInitial is the history label of the synthetic entry written on save.
const LabelInitial = "initial"

// HistoryEntry is one applied transition.
type HistoryEntry struct {
	FromState string    `json:"fromState" bson:"fromState"`
	ToState   string    `json:"toState" bson:"toState"`
	Label     string    `json:"label" bson:"label"`
	At        time.Time `json:"at" bson:"at"`
}

// Record is the persisted view of one workflow.
type Record struct {
	WorkflowID  string                 `json:"workflowId"`
	State       string                 `json:"state"`
	Payload     map[string]interface{} `json:"payload"`
	History     []HistoryEntry         `json:"history"`
	Version     int64                  `json:"version"`
	CreatedAt   time.Time              `json:"createdAt"`
	LastUpdated time.Time              `json:"lastUpdated"`
}

// Move is an optional state change applied by Update; it appends a history
// entry from the record's current state.
type Move struct {
	To    string
	Label string
}

// StateStore is the durable workflow-state contract.
type StateStore interface {
	// Save creates the record in initialState with one synthetic history
	// entry. Fails with an already-exists error when the id is taken.
	Save(ctx context.Context, workflowID, initialState string, payload map[string]interface{}) error
	// Update merges patch into the payload (top-level keys) and, when move is
	// non-nil, advances the state and appends a history entry. Returns the
	// updated record.
	Update(ctx context.Context, workflowID string, patch map[string]interface{}, move *Move) (Record, error)
	Get(ctx context.Context, workflowID string) (Record, error)
	History(ctx context.Context, workflowID string) ([]HistoryEntry, error)
	Exists(ctx context.Context, workflowID string) (bool, error)
	// FindByState pages records in a given graph state, ordered by creation.
	FindByState(ctx context.Context, state string, limit, offset int) ([]Record, error)
	// PurgeTerminal deletes records whose state is in terminalStates and
	// whose last update is older than the cutoff. Returns the delete count.
	PurgeTerminal(ctx context.Context, olderThan time.Time, terminalStates []string) (int64, error)
}

func notFoundErr(workflowID string) error {
	return coorderr.Wrap(coorderr.ErrNotFound, coorderr.CategoryNotFound, coorderr.CodeWorkflowNotFound, "workflow "+workflowID+" not found")
}

func alreadyExistsErr(workflowID string) error {
	return coorderr.Wrap(coorderr.ErrAlreadyExists, coorderr.CategoryWorkflow, coorderr.CodeWorkflowExists, "workflow "+workflowID+" already exists")
}

func mergePayload(payload, patch map[string]interface{}) map[string]interface{} {
	if payload == nil {
		payload = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		payload[k] = v
	}
	return payload
}
