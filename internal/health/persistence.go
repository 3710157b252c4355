package health

import (
	"encoding/json"
	"time"

	"github.com/LandingPadAI/agent-coordinator/internal/repositories/scylla/heartbeats"
	"github.com/LandingPadAI/agent-coordinator/internal/repositories/sql/workerhealth"
)

// Persistence stores the worker view across coordinator restarts.
type Persistence interface {
	SaveWorker(rec WorkerRecord) error
	LoadWorkers() ([]WorkerRecord, error)
}

// HeartbeatHistory keeps a rolling window of heartbeat samples for
// diagnostics. Writes are best-effort.
type HeartbeatHistory interface {
	Record(workerID, status string, metrics map[string]interface{}, at time.Time) error
}

type sqlPersistence struct {
	repo workerhealth.Repository
}

// NewSQLPersistence adapts the worker_health table to the monitor.
func NewSQLPersistence(repo workerhealth.Repository) Persistence {
	return &sqlPersistence{repo: repo}
}

func (p *sqlPersistence) SaveWorker(rec WorkerRecord) error {
	row := &workerhealth.WorkerHealth{
		WorkerID:         rec.WorkerID,
		Status:           rec.Status,
		Reason:           rec.StatusReason,
		LastHeartbeat:    rec.LastHeartbeat,
		LastStatusChange: rec.LastStatusChange,
		RecoveryAttempts: rec.RecoveryAttempts,
		Registered:       rec.Registered,
	}
	if !rec.LastRecoveryAttempt.IsZero() {
		t := rec.LastRecoveryAttempt
		row.LastRecoveryAttempt = &t
	}
	if !rec.NextRecoveryAttempt.IsZero() {
		t := rec.NextRecoveryAttempt
		row.NextRecoveryAttempt = &t
	}
	if rec.Metrics != nil {
		b, err := json.Marshal(rec.Metrics)
		if err != nil {
			return err
		}
		row.Metrics = b
	}
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return err
		}
		row.Metadata = b
	}
	return p.repo.Upsert(row)
}

func (p *sqlPersistence) LoadWorkers() ([]WorkerRecord, error) {
	rows, err := p.repo.ListAll()
	if err != nil {
		return nil, err
	}
	out := make([]WorkerRecord, 0, len(rows))
	for _, row := range rows {
		rec := WorkerRecord{
			WorkerID:         row.WorkerID,
			Status:           row.Status,
			StatusReason:     row.Reason,
			LastHeartbeat:    row.LastHeartbeat,
			LastStatusChange: row.LastStatusChange,
			RecoveryAttempts: row.RecoveryAttempts,
			Registered:       row.Registered,
			LastUpdated:      row.LastUpdated,
		}
		if row.LastRecoveryAttempt != nil {
			rec.LastRecoveryAttempt = *row.LastRecoveryAttempt
		}
		if row.NextRecoveryAttempt != nil {
			rec.NextRecoveryAttempt = *row.NextRecoveryAttempt
		}
		if len(row.Metrics) > 0 {
			_ = json.Unmarshal(row.Metrics, &rec.Metrics)
		}
		if len(row.Metadata) > 0 {
			_ = json.Unmarshal(row.Metadata, &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, nil
}

type scyllaHistory struct {
	repo heartbeats.Repository
}

// NewScyllaHistory adapts the heartbeat_metrics table to the monitor.
func NewScyllaHistory(repo heartbeats.Repository) HeartbeatHistory {
	return &scyllaHistory{repo: repo}
}

func (h *scyllaHistory) Record(workerID, status string, metrics map[string]interface{}, at time.Time) error {
	return h.repo.Insert(workerID, status, metrics, at)
}
