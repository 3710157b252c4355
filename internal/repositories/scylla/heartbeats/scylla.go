// Package heartbeats keeps a TTL-bounded history of worker heartbeat metrics
// in Scylla. The table is append-only; retention is enforced by the row TTL
// derived from the metrics retention setting.
package heartbeats

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gocql/gocql"

	"github.com/LandingPadAI/agent-coordinator/pkg/infra"
)

const (
	insertStmt = `INSERT INTO heartbeat_metrics (worker_id, at, status, metrics) VALUES (?, ?, ?, ?) USING TTL ?`
	recentStmt = `SELECT at, status, metrics FROM heartbeat_metrics WHERE worker_id = ? ORDER BY at DESC LIMIT ?`
)

// Sample is one recorded heartbeat.
type Sample struct {
	WorkerID string                 `json:"workerId"`
	Status   string                 `json:"status"`
	Metrics  map[string]interface{} `json:"metrics,omitempty"`
	At       time.Time              `json:"at"`
}

type Repository interface {
	Insert(workerID, status string, metrics map[string]interface{}, at time.Time) error
	RecentByWorker(workerID string, limit int) ([]Sample, error)
}

type heartbeatRepo struct {
	session    *gocql.Session
	ttlSeconds int
}

func NewRepository(connection *infra.ScyllaConnection, retentionDays int) (Repository, error) {
	if connection == nil {
		return nil, errors.New("connection cannot be nil")
	}
	conn, err := connection.GetConn()
	if err != nil {
		return nil, err
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &heartbeatRepo{
		session:    conn.(*gocql.Session),
		ttlSeconds: retentionDays * 24 * 60 * 60,
	}, nil
}

func (r *heartbeatRepo) Insert(workerID, status string, metrics map[string]interface{}, at time.Time) error {
	raw, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	return r.session.Query(insertStmt, workerID, at, status, string(raw), r.ttlSeconds).Exec()
}

func (r *heartbeatRepo) RecentByWorker(workerID string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	iter := r.session.Query(recentStmt, workerID, limit).Iter()

	var out []Sample
	var at time.Time
	var status, rawMetrics string
	for iter.Scan(&at, &status, &rawMetrics) {
		sample := Sample{WorkerID: workerID, Status: status, At: at}
		if rawMetrics != "" {
			_ = json.Unmarshal([]byte(rawMetrics), &sample.Metrics)
		}
		out = append(out, sample)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}
