package wire

import "time"

// ExecuteTask dispatches one workflow state to a worker type.
type ExecuteTask struct {
	WorkflowID string                 `json:"workflowId"`
	TaskType   string                 `json:"taskType"`
	Payload    map[string]interface{} `json:"payload"`
	Retry      bool                   `json:"retry,omitempty"`
}

// Restart asks a worker (or one of its modules) to restart. ResourceConfig is
// set when failure metrics indicated memory or cpu pressure.
type Restart struct {
	ModuleID          string                 `json:"moduleId,omitempty"`
	OptimizeResources bool                   `json:"optimizeResources,omitempty"`
	ResourceConfig    map[string]interface{} `json:"resourceConfig,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`
}

// RetryTask republishes the failed task to its worker, marked as a retry.
type RetryTask struct {
	TaskID       string                 `json:"taskId"`
	OriginalData map[string]interface{} `json:"originalData,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// UseFallback asks the worker to switch to a named alternate implementation.
type UseFallback struct {
	FallbackMethod string                 `json:"fallbackMethod"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Recover asks an unresponsive worker to run its self-recovery routine.
type Recover struct {
	WorkerID  string    `json:"workerId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// HandleDelegation hands a failing worker's task to a delegate.
type HandleDelegation struct {
	FromWorkerID string                 `json:"fromWorkerId"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Reason       string                 `json:"reason"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Heartbeat is the periodic liveness event a worker publishes.
type Heartbeat struct {
	WorkerID  string                 `json:"workerId"`
	Status    string                 `json:"status"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// StatusChange records a worker moving to a new status.
type StatusChange struct {
	WorkerID  string    `json:"workerId"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Register announces a worker and its metadata.
type Register struct {
	WorkerID string                 `json:"workerId"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Status   string                 `json:"status,omitempty"`
}

// TaskCompleted reports a finished task. TransitionType selects the next
// workflow state; unknown labels are treated as failure.
type TaskCompleted struct {
	WorkflowID     string                 `json:"workflowId"`
	TaskID         string                 `json:"taskId,omitempty"`
	TaskType       string                 `json:"taskType"`
	WorkerID       string                 `json:"workerId,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	TransitionType string                 `json:"transitionType"`
}

// TaskFailed reports a failed task with its error category.
type TaskFailed struct {
	WorkflowID string `json:"workflowId"`
	TaskID     string `json:"taskId,omitempty"`
	TaskType   string `json:"taskType,omitempty"`
	WorkerID   string `json:"workerId,omitempty"`
	ModuleID   string `json:"moduleId,omitempty"`
	Error      string `json:"error"`
	Category   string `json:"category,omitempty"`
}

// WorkflowEvent is the summary published on workflow.* topics.
type WorkflowEvent struct {
	WorkflowID      string    `json:"workflowId"`
	Type            string    `json:"type"`
	Status          string    `json:"status"`
	CurrentState    string    `json:"currentState"`
	FromState       string    `json:"fromState,omitempty"`
	Label           string    `json:"label,omitempty"`
	DurationSeconds float64   `json:"durationSeconds,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// RecoveryFailed is emitted when recovery gives up on a worker or task.
type RecoveryFailed struct {
	WorkerID  string    `json:"workerId"`
	ModuleID  string    `json:"moduleId,omitempty"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is the system.notification payload for operator alerts.
type Notification struct {
	Type    string                 `json:"type"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
