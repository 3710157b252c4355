package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/LandingPadAI/agent-coordinator/internal/repositories/sql/workflowstate"
	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
	"github.com/LandingPadAI/agent-coordinator/pkg/infra"
)

// casRetries bounds the optimistic-version retry loop in Update.
const casRetries = 5

// SQLStore persists records to the workflow_states table through gorm.
// Per-id serialization uses the version column: Update re-reads and retries
// when a concurrent writer advanced the row.
type SQLStore struct {
	repo workflowstate.Repository
}

func NewSQLStore(connection *infra.SQLConnection) (*SQLStore, error) {
	repo, err := workflowstate.NewRepository(connection)
	if err != nil {
		return nil, err
	}
	return &SQLStore{repo: repo}, nil
}

func (s *SQLStore) Save(ctx context.Context, workflowID, initialState string, payload map[string]interface{}) error {
	now := time.Now()
	rec := Record{
		WorkflowID: workflowID,
		State:      initialState,
		Payload:    payload,
		History: []HistoryEntry{
			{FromState: "", ToState: initialState, Label: LabelInitial, At: now},
		},
		Version: 1,
	}
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	if err := s.repo.Create(row); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return alreadyExistsErr(workflowID)
		}
		return dbErr(err, "save workflow "+workflowID)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, workflowID string, patch map[string]interface{}, move *Move) (Record, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := s.Get(ctx, workflowID)
		if err != nil {
			return Record{}, err
		}
		expected := rec.Version
		rec.Payload = mergePayload(rec.Payload, patch)
		now := time.Now()
		if move != nil {
			rec.History = append(rec.History, HistoryEntry{
				FromState: rec.State,
				ToState:   move.To,
				Label:     move.Label,
				At:        now,
			})
			rec.State = move.To
		}
		rec.Version++
		rec.LastUpdated = now

		row, err := toRow(rec)
		if err != nil {
			return Record{}, err
		}
		updated, err := s.repo.UpdateCAS(row, expected)
		if err != nil {
			return Record{}, dbErr(err, "update workflow "+workflowID)
		}
		if updated {
			return rec, nil
		}
	}
	return Record{}, coorderr.Wrap(coorderr.ErrVersionConflict, coorderr.CategoryDatabase, coorderr.CodeVersionConflict,
		"update workflow "+workflowID+" lost the version race")
}

func (s *SQLStore) Get(ctx context.Context, workflowID string) (Record, error) {
	row, err := s.repo.GetByID(workflowID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, notFoundErr(workflowID)
		}
		return Record{}, dbErr(err, "get workflow "+workflowID)
	}
	return fromRow(row)
}

func (s *SQLStore) History(ctx context.Context, workflowID string) ([]HistoryEntry, error) {
	rec, err := s.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return rec.History, nil
}

func (s *SQLStore) Exists(ctx context.Context, workflowID string) (bool, error) {
	ok, err := s.repo.Exists(workflowID)
	if err != nil {
		return false, dbErr(err, "check workflow "+workflowID)
	}
	return ok, nil
}

func (s *SQLStore) FindByState(ctx context.Context, state string, limit, offset int) ([]Record, error) {
	rows, err := s.repo.FindByState(state, limit, offset)
	if err != nil {
		return nil, dbErr(err, "find workflows in state "+state)
	}
	out := make([]Record, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLStore) PurgeTerminal(ctx context.Context, olderThan time.Time, terminalStates []string) (int64, error) {
	if len(terminalStates) == 0 {
		return 0, nil
	}
	purged, err := s.repo.DeleteInStatesBefore(terminalStates, olderThan)
	if err != nil {
		return 0, dbErr(err, "purge terminal workflows")
	}
	return purged, nil
}

func toRow(rec Record) (*workflowstate.WorkflowState, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, coorderr.Wrap(err, coorderr.CategoryInternal, coorderr.CodeInternal, "encode payload for "+rec.WorkflowID)
	}
	history, err := json.Marshal(rec.History)
	if err != nil {
		return nil, coorderr.Wrap(err, coorderr.CategoryInternal, coorderr.CodeInternal, "encode history for "+rec.WorkflowID)
	}
	return &workflowstate.WorkflowState{
		WorkflowID:  rec.WorkflowID,
		State:       rec.State,
		Payload:     payload,
		History:     history,
		Version:     rec.Version,
		CreatedAt:   rec.CreatedAt,
		LastUpdated: rec.LastUpdated,
	}, nil
}

func fromRow(row *workflowstate.WorkflowState) (Record, error) {
	rec := Record{
		WorkflowID:  row.WorkflowID,
		State:       row.State,
		Version:     row.Version,
		CreatedAt:   row.CreatedAt,
		LastUpdated: row.LastUpdated,
	}
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &rec.Payload); err != nil {
			return Record{}, coorderr.Wrap(err, coorderr.CategoryInternal, coorderr.CodeInternal, "decode payload for "+row.WorkflowID)
		}
	}
	if len(row.History) > 0 {
		if err := json.Unmarshal(row.History, &rec.History); err != nil {
			return Record{}, coorderr.Wrap(err, coorderr.CategoryInternal, coorderr.CodeInternal, "decode history for "+row.WorkflowID)
		}
	}
	return rec, nil
}

func dbErr(err error, msg string) error {
	return coorderr.Wrap(err, coorderr.CategoryDatabase, coorderr.CodeInternal, msg)
}
