package health

import (
	"time"
)

// Worker statuses. Workers report starting/online/degraded/failed/offline
// themselves; unresponsive is assigned by the periodic scan, recovering and
// isolated by the recovery service.
const (
	StatusStarting     = "starting"
	StatusOnline       = "online"
	StatusDegraded     = "degraded"
	StatusUnresponsive = "unresponsive"
	StatusFailed       = "failed"
	StatusRecovering   = "recovering"
	StatusIsolated     = "isolated"
	StatusOffline      = "offline"
)

// WorkerRecord is the live view of one worker. Owned by the Monitor; all
// mutation goes through it, serialized per worker id.
type WorkerRecord struct {
	WorkerID            string                 `json:"workerId"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	Status              string                 `json:"status"`
	StatusReason        string                 `json:"statusReason,omitempty"`
	Metrics             map[string]interface{} `json:"metrics,omitempty"`
	LastHeartbeat       time.Time              `json:"lastHeartbeat"`
	LastStatusChange    time.Time              `json:"lastStatusChange"`
	RecoveryAttempts    int                    `json:"recoveryAttempts"`
	LastRecoveryAttempt time.Time              `json:"lastRecoveryAttempt"`
	NextRecoveryAttempt time.Time              `json:"nextRecoveryAttempt"`
	Registered          time.Time              `json:"registered"`
	LastUpdated         time.Time              `json:"lastUpdated"`
}

// Critical reports whether the worker's metadata marks it essential. Any
// non-online critical worker degrades the system summary.
func (r *WorkerRecord) Critical() bool {
	if r.Metadata == nil {
		return false
	}
	critical, _ := r.Metadata["critical"].(bool)
	return critical
}

// Type returns the declared worker type, falling back to the worker id.
func (r *WorkerRecord) Type() string {
	if r.Metadata != nil {
		if t, ok := r.Metadata["type"].(string); ok && t != "" {
			return t
		}
	}
	return r.WorkerID
}

// Issue describes one non-online worker in the system summary.
type Issue struct {
	WorkerID string `json:"workerId"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Critical bool   `json:"critical"`
}

// Summary is the aggregate health view. Status is healthy unless a critical
// worker is non-online; Score is the online fraction.
type Summary struct {
	Status        string    `json:"status"`
	Score         float64   `json:"score"`
	TotalWorkers  int       `json:"totalWorkers"`
	OnlineWorkers int       `json:"onlineWorkers"`
	Issues        []Issue   `json:"issues,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Summary statuses.
const (
	SummaryHealthy  = "healthy"
	SummaryDegraded = "degraded"
)
