package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LandingPadAI/agent-coordinator/pkg/ds"
)

// MemoryStore keeps records in a map. Mutations take a per-id striped lock so
// concurrent updates to one workflow serialize exactly like the durable
// backends. Backs tests and single-process deployments.
type MemoryStore struct {
	locks *ds.KeyedMutex

	mu   sync.RWMutex
	recs map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: ds.NewKeyedMutex(0),
		recs:  make(map[string]*Record),
	}
}

func (s *MemoryStore) Save(ctx context.Context, workflowID, initialState string, payload map[string]interface{}) error {
	s.locks.Lock(workflowID)
	defer s.locks.Unlock(workflowID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[workflowID]; ok {
		return alreadyExistsErr(workflowID)
	}
	now := time.Now()
	s.recs[workflowID] = &Record{
		WorkflowID: workflowID,
		State:      initialState,
		Payload:    deepCopyMap(payload),
		History: []HistoryEntry{
			{FromState: "", ToState: initialState, Label: LabelInitial, At: now},
		},
		Version:     1,
		CreatedAt:   now,
		LastUpdated: now,
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, workflowID string, patch map[string]interface{}, move *Move) (Record, error) {
	s.locks.Lock(workflowID)
	defer s.locks.Unlock(workflowID)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[workflowID]
	if !ok {
		return Record{}, notFoundErr(workflowID)
	}
	rec.Payload = mergePayload(rec.Payload, deepCopyMap(patch))
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
	return copyRecord(rec), nil
}

func (s *MemoryStore) Get(ctx context.Context, workflowID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[workflowID]
	if !ok {
		return Record{}, notFoundErr(workflowID)
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) History(ctx context.Context, workflowID string) ([]HistoryEntry, error) {
	rec, err := s.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return rec.History, nil
}

func (s *MemoryStore) Exists(ctx context.Context, workflowID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.recs[workflowID]
	return ok, nil
}

func (s *MemoryStore) FindByState(ctx context.Context, state string, limit, offset int) ([]Record, error) {
	s.mu.RLock()
	var matched []Record
	for _, rec := range s.recs {
		if rec.State == state {
			matched = append(matched, copyRecord(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].WorkflowID < matched[j].WorkflowID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) PurgeTerminal(ctx context.Context, olderThan time.Time, terminalStates []string) (int64, error) {
	terminal := make(map[string]bool, len(terminalStates))
	for _, st := range terminalStates {
		terminal[st] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, rec := range s.recs {
		if terminal[rec.State] && rec.LastUpdated.Before(olderThan) {
			delete(s.recs, id)
			purged++
		}
	}
	return purged, nil
}

func copyRecord(rec *Record) Record {
	out := *rec
	out.Payload = deepCopyMap(rec.Payload)
	out.History = append([]HistoryEntry(nil), rec.History...)
	return out
}

// deepCopyMap clones nested maps and slices so callers never alias stored
// payloads.
func deepCopyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
