// Package wire defines the dot-separated routing keys and payload shapes the
// coordinator exchanges with workers over the message bus.
package wire

// Event keys. Workers publish agent.*; the coordinator publishes workflow.*,
// agent.status-changed (unresponsive detection), agent.recovery-failed,
// system.notification and error.{category}.
const (
	EventHeartbeat      = "agent.heartbeat"
	EventStatusChanged  = "agent.status-changed"
	EventRegister       = "agent.register"
	EventTaskCompleted  = "agent.task-completed"
	EventTaskFailed     = "agent.task-failed"
	EventRecoveryFailed = "agent.recovery-failed"

	EventWorkflowStarted      = "workflow.started"
	EventWorkflowStateChanged = "workflow.state-changed"
	EventWorkflowCompleted    = "workflow.completed"
	EventWorkflowFailed       = "workflow.failed"

	EventSystemNotification = "system.notification"
)

// ErrorEvent is the key for standardized error envelopes, one topic per
// error category.
func ErrorEvent(category string) string {
	return "error." + category
}

// Commands resolves the command keys a worker answers to. Workers are
// addressed by plain strings; the default dot scheme below can be swapped
// per deployment without touching the services.
type Commands interface {
	ExecuteTask(workerType string) string
	Restart(workerID string) string
	RestartModule(workerID string) string
	RetryTask(workerID string) string
	UseFallback(workerID string) string
	Recover(workerID string) string
	HandleDelegation(workerID string) string
}

// DotCommands is the canonical {worker}.{action} addressing.
type DotCommands struct{}

func (DotCommands) ExecuteTask(workerType string) string { return workerType + ".execute-task" }
func (DotCommands) Restart(workerID string) string       { return workerID + ".restart" }
func (DotCommands) RestartModule(workerID string) string { return workerID + ".restart-module" }
func (DotCommands) RetryTask(workerID string) string     { return workerID + ".retry-task" }
func (DotCommands) UseFallback(workerID string) string   { return workerID + ".use-fallback" }
func (DotCommands) Recover(workerID string) string       { return workerID + ".recover" }
func (DotCommands) HandleDelegation(workerID string) string {
	return workerID + ".handle-delegation"
}
