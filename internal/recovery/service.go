package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/LandingPadAI/agent-coordinator/internal/health"
	"github.com/LandingPadAI/agent-coordinator/internal/wire"
	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
	"github.com/LandingPadAI/agent-coordinator/pkg/messagebus"
	"github.com/LandingPadAI/agent-coordinator/pkg/metric"
	"github.com/LandingPadAI/agent-coordinator/pkg/retry"
)

// Coordinator is the slice of the coordination service recovery drives.
type Coordinator interface {
	RedispatchTask(ctx context.Context, id string) error
	SkipTask(ctx context.Context, id, reason string) error
	FailWorkflow(ctx context.Context, id, reason string) error
}

// HealthControl is the slice of the health monitor recovery drives.
type HealthControl interface {
	GetWorkerStatus(workerID string) (health.WorkerRecord, bool)
	RecordRecoveryAttempt(workerID string, next time.Time) int
	SetWorkerStatus(workerID, status, reason string)
	FirstAvailable(types []string) (string, bool)
}

// A worker whose heartbeat metrics cross this fraction gets a
// resource-optimized restart instead of a plain one.
const resourcePressureThreshold = 0.90

// Config holds the recovery bounds. Zero values take the documented defaults.
type Config struct {
	// MaxRecoveryAttempts bounds worker recoveries per failure category
	// inside AttemptWindow. One more failure quarantines the worker.
	MaxRecoveryAttempts int
	// AttemptWindow is the trailing span failures are counted over.
	AttemptWindow time.Duration
	// MaxTaskRetries bounds retries of a single task before it dead-letters.
	MaxTaskRetries int
	// AutoRecovery gates the worker-recovery path. Task strategies always run.
	AutoRecovery bool
	// RetryPolicy names the backoff policy for recovery and retry delays.
	RetryPolicy string
	// CommandRate and CommandBurst shape the outbound command limiter so a
	// failure storm cannot flood workers with recovery commands.
	CommandRate  float64
	CommandBurst int
	// ResourceMemoryLimit is the memory cap sent with resource-optimized
	// restarts.
	ResourceMemoryLimit string
	// Strategies seeds the strategy table, Delegation the per-type delegate
	// routes. Both are replaceable at runtime.
	Strategies map[string]string
	Delegation map[string][]string
}

// Deps wires the recovery service to its collaborators.
type Deps struct {
	Bus         messagebus.Bus
	Coordinator Coordinator
	Health      HealthControl
	Commands    wire.Commands
	Window      FailureWindow
	Policies    *retry.PolicyTable
	Clock       func() time.Time
}

// Service turns failure events into recovery actions. Task failures resolve
// through the strategy table (worker:module:category, then worker:category,
// then category, then restart); worker failures get bounded recover commands.
// Either path dead-letters and raises agent.recovery-failed once its bound is
// exhausted.
type Service struct {
	// boundsMu guards the hot-reloadable bounds within cfg
	// (MaxRecoveryAttempts, AutoRecovery); the rest is fixed at construction.
	boundsMu sync.RWMutex
	cfg      Config

	bus      messagebus.Bus
	coord    Coordinator
	health   HealthControl
	commands wire.Commands
	window   FailureWindow
	policies *retry.PolicyTable
	clock    func() time.Time

	strategies *StrategyTable
	delegMu    sync.RWMutex
	delegation map[string][]string

	dlq     *DeadLetterQueue
	limiter *rate.Limiter

	subs     []messagebus.Subscription
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewService builds the recovery service. Call Start to begin consuming
// failure events.
func NewService(cfg Config, deps Deps) *Service {
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = 3
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = time.Hour
	}
	if cfg.MaxTaskRetries <= 0 {
		cfg.MaxTaskRetries = 3
	}
	if cfg.RetryPolicy == "" {
		cfg.RetryPolicy = retry.PolicyDefault
	}
	if cfg.CommandRate <= 0 {
		cfg.CommandRate = 10
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = 20
	}
	if cfg.ResourceMemoryLimit == "" {
		cfg.ResourceMemoryLimit = "512Mi"
	}
	if deps.Commands == nil {
		deps.Commands = wire.DotCommands{}
	}
	if deps.Window == nil {
		deps.Window = NewMemoryWindow(cfg.AttemptWindow)
	}
	if deps.Policies == nil {
		deps.Policies = retry.NewPolicyTable()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	delegation := make(map[string][]string, len(cfg.Delegation))
	for workerType, targets := range cfg.Delegation {
		delegation[workerType] = append([]string(nil), targets...)
	}
	return &Service{
		cfg:        cfg,
		bus:        deps.Bus,
		coord:      deps.Coordinator,
		health:     deps.Health,
		commands:   deps.Commands,
		window:     deps.Window,
		policies:   deps.Policies,
		clock:      deps.Clock,
		strategies: NewStrategyTable(cfg.Strategies),
		delegation: delegation,
		dlq:        NewDeadLetterQueue(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.CommandRate), cfg.CommandBurst),
		stopped:    make(chan struct{}),
	}
}

// Start subscribes to task-failed and status-changed events.
func (s *Service) Start() error {
	sub, err := s.bus.SubscribeEvent(wire.EventTaskFailed, s.onTaskFailed)
	if err != nil {
		return coorderr.Wrap(err, coorderr.CategoryMessaging, coorderr.CodeBusDisconnected,
			"subscribe "+wire.EventTaskFailed)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.bus.SubscribeEvent(wire.EventStatusChanged, s.onStatusChanged)
	if err != nil {
		return coorderr.Wrap(err, coorderr.CategoryMessaging, coorderr.CodeBusDisconnected,
			"subscribe "+wire.EventStatusChanged)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Int("maxRecoveryAttempts", s.maxRecoveryAttempts()).
		Dur("attemptWindow", s.cfg.AttemptWindow).
		Int("maxTaskRetries", s.cfg.MaxTaskRetries).
		Bool("autoRecovery", s.autoRecovery()).
		Msg("recovery service started")
	return nil
}

// Stop unsubscribes and cancels pending scheduled actions.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("recovery unsubscribe failed")
		}
	}
	s.subs = nil
	log.Info().Msg("recovery service stopped")
}

// UpdateStrategies replaces the strategy rules.
func (s *Service) UpdateStrategies(rules map[string]string) {
	s.strategies.Replace(rules)
	log.Info().Int("rules", len(rules)).Msg("recovery strategies replaced")
}

// UpdateBounds applies hot-reloaded recovery bounds. Zero attempts or a nil
// autoRecovery keep the current setting.
func (s *Service) UpdateBounds(maxRecoveryAttempts int, autoRecovery *bool) {
	s.boundsMu.Lock()
	if maxRecoveryAttempts > 0 {
		s.cfg.MaxRecoveryAttempts = maxRecoveryAttempts
	}
	if autoRecovery != nil {
		s.cfg.AutoRecovery = *autoRecovery
	}
	s.boundsMu.Unlock()
	log.Info().Int("maxRecoveryAttempts", s.maxRecoveryAttempts()).
		Bool("autoRecovery", s.autoRecovery()).
		Msg("recovery bounds updated")
}

func (s *Service) maxRecoveryAttempts() int {
	s.boundsMu.RLock()
	defer s.boundsMu.RUnlock()
	return s.cfg.MaxRecoveryAttempts
}

func (s *Service) autoRecovery() bool {
	s.boundsMu.RLock()
	defer s.boundsMu.RUnlock()
	return s.cfg.AutoRecovery
}

// UpdateDelegation replaces the delegate routes.
func (s *Service) UpdateDelegation(routes map[string][]string) {
	next := make(map[string][]string, len(routes))
	for workerType, targets := range routes {
		next[workerType] = append([]string(nil), targets...)
	}
	s.delegMu.Lock()
	s.delegation = next
	s.delegMu.Unlock()
	log.Info().Int("routes", len(routes)).Msg("delegation routes replaced")
}

// Strategies exposes the current rules for the ops API.
func (s *Service) Strategies() map[string]string {
	return s.strategies.Rules()
}

// DeadLetters lists dead-letter entries matching the filter, oldest first.
func (s *Service) DeadLetters(filter DeadLetterFilter) []DeadLetterEntry {
	return s.dlq.List(filter)
}

// RetryDeadLetter replays one dead-letter entry: worker entries get their
// failure window cleared and a restart, task entries are redispatched. The
// entry is removed once the replay is issued.
func (s *Service) RetryDeadLetter(ctx context.Context, key string) error {
	entry, ok := s.dlq.Get(key)
	if !ok {
		return coorderr.New(coorderr.CategoryNotFound, coorderr.CodeDeadLetterNotFound,
			"no dead letter entry for "+key)
	}
	switch entry.Kind {
	case KindWorker:
		if err := s.window.Reset(ctx, workerKey(entry.WorkerID, entry.Category)); err != nil {
			log.Warn().Err(err).Str("workerId", entry.WorkerID).Msg("failure window reset failed")
		}
		s.health.SetWorkerStatus(entry.WorkerID, health.StatusRecovering, "operator retry")
		routingKey := s.commands.Restart(entry.WorkerID)
		if entry.ModuleID != "" {
			routingKey = s.commands.RestartModule(entry.WorkerID)
		}
		cmd := wire.Restart{ModuleID: entry.ModuleID, Timestamp: s.clock()}
		if err := s.publishCommand(ctx, routingKey, cmd); err != nil {
			return err
		}
	case KindTask:
		if err := s.window.Reset(ctx, entry.Key); err != nil {
			log.Warn().Err(err).Str("key", entry.Key).Msg("failure window reset failed")
		}
		if entry.WorkflowID != "" {
			if err := s.coord.RedispatchTask(ctx, entry.WorkflowID); err != nil {
				return err
			}
		} else {
			cmd := wire.RetryTask{
				TaskID:       stringField(entry.OriginalMessage, "taskId"),
				OriginalData: entry.OriginalMessage,
				Timestamp:    s.clock(),
			}
			if err := s.publishCommand(ctx, s.commands.RetryTask(entry.WorkerID), cmd); err != nil {
				return err
			}
		}
	}
	s.dlq.Delete(key)
	s.reportQueueSize()
	log.Info().Str("key", key).Str("kind", entry.Kind).Msg("dead letter retried")
	return nil
}

// DeleteDeadLetter drops one entry without replaying it.
func (s *Service) DeleteDeadLetter(key string) bool {
	deleted := s.dlq.Delete(key)
	if deleted {
		s.reportQueueSize()
	}
	return deleted
}

func (s *Service) onStatusChanged(ctx context.Context, d *messagebus.Delivery) {
	var ev wire.StatusChange
	if err := d.Message.Decode(&ev); err != nil {
		log.Warn().Err(err).Msg("bad status-changed payload")
		d.Nack(false)
		return
	}
	if ev.Status != health.StatusFailed && ev.Status != health.StatusUnresponsive {
		d.Ack()
		return
	}
	if !s.autoRecovery() {
		log.Debug().Str("workerId", ev.WorkerID).Str("status", ev.Status).
			Msg("auto recovery disabled, leaving worker to operators")
		d.Ack()
		return
	}
	s.recoverWorker(ctx, ev.WorkerID, ev.Status, ev.Reason)
	d.Ack()
}

// recoverWorker issues one bounded recover command. Failures of the same
// category inside the trailing window count against the worker; crossing the
// bound quarantines it.
func (s *Service) recoverWorker(ctx context.Context, workerID, status, reason string) {
	now := s.clock()
	if rec, ok := s.health.GetWorkerStatus(workerID); ok {
		if rec.Status == health.StatusIsolated {
			return
		}
		if now.Before(rec.NextRecoveryAttempt) {
			log.Debug().Str("workerId", workerID).Time("nextAttempt", rec.NextRecoveryAttempt).
				Msg("recovery backoff in effect")
			return
		}
	}

	key := workerKey(workerID, status)
	failures, err := s.window.Add(ctx, key, now)
	if err != nil {
		log.Error().Err(err).Str("workerId", workerID).Msg("failure window unavailable")
		return
	}
	if failures > s.maxRecoveryAttempts() {
		s.quarantine(ctx, quarantineRequest{
			WorkerID: workerID,
			Category: status,
			Attempts: failures,
			Reason:   fmt.Sprintf("%d %s failures within %s", failures, status, s.cfg.AttemptWindow),
		})
		return
	}

	policy := s.policies.Get(s.cfg.RetryPolicy)
	next := now.Add(policy.DelayFor(failures))
	attempts := s.health.RecordRecoveryAttempt(workerID, next)
	cmd := wire.Recover{WorkerID: workerID, Reason: reason, Timestamp: now}
	if err := s.publishCommand(ctx, s.commands.Recover(workerID), cmd); err != nil {
		log.Error().Err(err).Str("workerId", workerID).Msg("recover command failed")
		return
	}
	metric.Incr(metric.RecoveryStrategyCount, []string{
		metric.TagAsString(metric.TagStrategy, "recover"),
		metric.TagAsString(metric.TagCategory, status),
	})
	log.Info().Str("workerId", workerID).Str("status", status).
		Int("attempt", attempts).Time("nextAttempt", next).
		Msg("recover command sent")
}

func (s *Service) onTaskFailed(ctx context.Context, d *messagebus.Delivery) {
	var ev wire.TaskFailed
	if err := d.Message.Decode(&ev); err != nil {
		log.Warn().Err(err).Msg("bad task-failed payload")
		d.Nack(false)
		return
	}
	strategy := s.strategies.Resolve(ev.WorkerID, ev.ModuleID, ev.Category)
	effective := s.applyStrategy(ctx, strategy, ev)
	metric.Incr(metric.RecoveryStrategyCount, []string{
		metric.TagAsString(metric.TagStrategy, effective),
		metric.TagAsString(metric.TagCategory, categoryOf(ev)),
	})
	log.Info().Str("workflowId", ev.WorkflowID).Str("taskType", ev.TaskType).
		Str("workerId", ev.WorkerID).Str("category", ev.Category).
		Str("strategy", effective).Msg("task failure handled")
	d.Ack()
}

// applyStrategy runs one strategy and reports the name that actually applied,
// which can differ from the resolved one (restart upgrades to
// resource_optimization under memory or cpu pressure, delegation without a
// live delegate falls back to manual).
func (s *Service) applyStrategy(ctx context.Context, strategy Strategy, ev wire.TaskFailed) string {
	switch strategy.Name {
	case StrategyRetry:
		return s.retryTask(ctx, ev)
	case StrategyRestart:
		return s.restartWorker(ctx, ev)
	case StrategyDelegate:
		return s.delegateTask(ctx, ev)
	case StrategySkip:
		return s.skipTask(ctx, ev)
	case StrategyFallback:
		return s.useFallback(ctx, ev, strategy.FallbackMethod)
	default:
		return s.escalate(ctx, ev, "strategy "+strategy.Name)
	}
}

// retryTask schedules a backed-off redispatch, dead-lettering the task once
// its retries inside the window are spent.
func (s *Service) retryTask(ctx context.Context, ev wire.TaskFailed) string {
	now := s.clock()
	failures, err := s.window.Add(ctx, taskKey(ev), now)
	if err != nil {
		log.Error().Err(err).Str("workflowId", ev.WorkflowID).Msg("failure window unavailable")
		return StrategyRetry
	}
	if failures > s.cfg.MaxTaskRetries {
		s.taskExhausted(ctx, ev, failures)
		return StrategyManual
	}
	delay := s.policies.Get(s.cfg.RetryPolicy).DelayFor(failures)
	s.schedule(delay, func() { s.redispatch(context.Background(), ev) })
	log.Info().Str("workflowId", ev.WorkflowID).Str("taskType", ev.TaskType).
		Int("attempt", failures).Dur("delay", delay).Msg("task retry scheduled")
	return StrategyRetry
}

// restartWorker restarts the failing worker (or module) and redispatches the
// task once the backoff elapses. Repeated restarts inside the window
// quarantine the worker and fail the workflow.
func (s *Service) restartWorker(ctx context.Context, ev wire.TaskFailed) string {
	now := s.clock()
	category := categoryOf(ev)
	failures, err := s.window.Add(ctx, workerKey(ev.WorkerID, category), now)
	if err != nil {
		log.Error().Err(err).Str("workerId", ev.WorkerID).Msg("failure window unavailable")
		return StrategyRestart
	}
	if failures > s.maxRecoveryAttempts() {
		s.quarantine(ctx, quarantineRequest{
			WorkerID:   ev.WorkerID,
			ModuleID:   ev.ModuleID,
			WorkflowID: ev.WorkflowID,
			Category:   category,
			Attempts:   failures,
			Reason:     fmt.Sprintf("%d restarts within %s: %s", failures-1, s.cfg.AttemptWindow, ev.Error),
			Original:   taskDetails(ev),
		})
		if ev.WorkflowID != "" {
			if err := s.coord.FailWorkflow(ctx, ev.WorkflowID, "worker "+ev.WorkerID+" isolated"); err != nil {
				log.Warn().Err(err).Str("workflowId", ev.WorkflowID).Msg("fail workflow after quarantine")
			}
		}
		return StrategyManual
	}

	effective := StrategyRestart
	cmd := wire.Restart{ModuleID: ev.ModuleID, Timestamp: now}
	if s.underResourcePressure(ev.WorkerID) {
		cmd.OptimizeResources = true
		cmd.ResourceConfig = map[string]interface{}{"memoryLimit": s.cfg.ResourceMemoryLimit}
		effective = StrategyResourceOptimization
	}
	routingKey := s.commands.Restart(ev.WorkerID)
	if ev.ModuleID != "" {
		routingKey = s.commands.RestartModule(ev.WorkerID)
	}
	delay := s.policies.Get(s.cfg.RetryPolicy).DelayFor(failures)
	s.health.RecordRecoveryAttempt(ev.WorkerID, now.Add(delay))
	if err := s.publishCommand(ctx, routingKey, cmd); err != nil {
		log.Error().Err(err).Str("workerId", ev.WorkerID).Msg("restart command failed")
		return effective
	}
	if ev.WorkflowID != "" {
		s.schedule(delay, func() { s.redispatch(context.Background(), ev) })
	}
	log.Info().Str("workerId", ev.WorkerID).Str("moduleId", ev.ModuleID).
		Bool("optimizeResources", cmd.OptimizeResources).Int("attempt", failures).
		Msg("restart command sent")
	return effective
}

// delegateTask hands the failed task to the first available delegate for the
// worker's type. No delegate means manual escalation.
func (s *Service) delegateTask(ctx context.Context, ev wire.TaskFailed) string {
	targets := s.delegatesFor(s.workerType(ev.WorkerID))
	delegate, ok := s.health.FirstAvailable(targets)
	if !ok {
		return s.escalate(ctx, ev, "no delegate available")
	}
	cmd := wire.HandleDelegation{
		FromWorkerID: ev.WorkerID,
		Payload:      taskDetails(ev),
		Reason:       ev.Error,
		Timestamp:    s.clock(),
	}
	if err := s.publishCommand(ctx, s.commands.HandleDelegation(delegate), cmd); err != nil {
		log.Error().Err(err).Str("delegate", delegate).Msg("delegation command failed")
		return StrategyDelegate
	}
	log.Info().Str("workerId", ev.WorkerID).Str("delegate", delegate).
		Str("taskType", ev.TaskType).Msg("task delegated")
	return StrategyDelegate
}

// skipTask advances the workflow over the failed state.
func (s *Service) skipTask(ctx context.Context, ev wire.TaskFailed) string {
	if ev.WorkflowID == "" {
		return s.escalate(ctx, ev, "skip without workflow")
	}
	reason := fmt.Sprintf("skipped after %s failure: %s", ev.TaskType, ev.Error)
	if err := s.coord.SkipTask(ctx, ev.WorkflowID, reason); err != nil {
		log.Warn().Err(err).Str("workflowId", ev.WorkflowID).Msg("skip task failed")
	}
	return StrategySkip
}

// useFallback tells the worker to switch to its named alternate method.
func (s *Service) useFallback(ctx context.Context, ev wire.TaskFailed, method string) string {
	if method == "" {
		method = "default"
	}
	cmd := wire.UseFallback{
		FallbackMethod: method,
		Data:           taskDetails(ev),
		Timestamp:      s.clock(),
	}
	if err := s.publishCommand(ctx, s.commands.UseFallback(ev.WorkerID), cmd); err != nil {
		log.Error().Err(err).Str("workerId", ev.WorkerID).Msg("fallback command failed")
	}
	return StrategyFallback
}

// escalate dead-letters the task for an operator.
func (s *Service) escalate(ctx context.Context, ev wire.TaskFailed, reason string) string {
	now := s.clock()
	s.addDeadLetter(DeadLetterEntry{
		Key:             taskKey(ev),
		Kind:            KindTask,
		WorkerID:        ev.WorkerID,
		ModuleID:        ev.ModuleID,
		WorkflowID:      ev.WorkflowID,
		Error:           ev.Error,
		Category:        ev.Category,
		OriginalMessage: taskDetails(ev),
		EnqueuedAt:      now,
	})
	s.notify(ctx, "critical",
		fmt.Sprintf("manual intervention required for task %s on %s: %s", ev.TaskType, ev.WorkerID, reason),
		taskDetails(ev))
	log.Warn().Str("workflowId", ev.WorkflowID).Str("taskType", ev.TaskType).
		Str("workerId", ev.WorkerID).Str("reason", reason).Msg("task escalated to dead letter queue")
	return StrategyManual
}

// taskExhausted dead-letters a task that spent its retry budget and fails its
// workflow.
func (s *Service) taskExhausted(ctx context.Context, ev wire.TaskFailed, attempts int) {
	now := s.clock()
	s.addDeadLetter(DeadLetterEntry{
		Key:             taskKey(ev),
		Kind:            KindTask,
		WorkerID:        ev.WorkerID,
		ModuleID:        ev.ModuleID,
		WorkflowID:      ev.WorkflowID,
		Error:           ev.Error,
		Category:        ev.Category,
		OriginalMessage: taskDetails(ev),
		EnqueuedAt:      now,
	})
	event := wire.RecoveryFailed{
		WorkerID:  ev.WorkerID,
		ModuleID:  ev.ModuleID,
		Reason:    coorderr.CodeMaxAttemptsExceeded,
		Attempts:  attempts - 1,
		Timestamp: now,
	}
	if err := s.bus.PublishEvent(ctx, wire.EventRecoveryFailed, event); err != nil {
		log.Warn().Err(err).Msg("recovery-failed event publish failed")
	}
	if ev.WorkflowID != "" {
		reason := fmt.Sprintf("task %s exhausted %d retries: %s", ev.TaskType, attempts-1, ev.Error)
		if err := s.coord.FailWorkflow(ctx, ev.WorkflowID, reason); err != nil {
			log.Warn().Err(err).Str("workflowId", ev.WorkflowID).Msg("fail workflow after retry exhaustion")
		}
	}
	s.notify(ctx, "critical",
		fmt.Sprintf("task %s dead-lettered after %d retries", ev.TaskType, attempts-1),
		taskDetails(ev))
	metric.Incr(metric.RecoveryFailedCount, []string{
		metric.TagAsString(metric.TagCategory, categoryOf(ev)),
	})
	log.Error().Str("workflowId", ev.WorkflowID).Str("taskType", ev.TaskType).
		Int("attempts", attempts-1).Msg("task retries exhausted")
}

type quarantineRequest struct {
	WorkerID   string
	ModuleID   string
	WorkflowID string
	Category   string
	Attempts   int
	Reason     string
	Original   map[string]interface{}
}

// quarantine isolates the worker, dead-letters it for an operator and raises
// agent.recovery-failed. No further automatic recovery targets an isolated
// worker until an operator retries the entry.
func (s *Service) quarantine(ctx context.Context, req quarantineRequest) {
	now := s.clock()
	s.health.SetWorkerStatus(req.WorkerID, health.StatusIsolated, req.Reason)
	s.addDeadLetter(DeadLetterEntry{
		Key:             "worker:" + req.WorkerID,
		Kind:            KindWorker,
		WorkerID:        req.WorkerID,
		ModuleID:        req.ModuleID,
		WorkflowID:      req.WorkflowID,
		Error:           req.Reason,
		Category:        req.Category,
		OriginalMessage: req.Original,
		EnqueuedAt:      now,
	})
	event := wire.RecoveryFailed{
		WorkerID:  req.WorkerID,
		ModuleID:  req.ModuleID,
		Reason:    coorderr.CodeMaxAttemptsExceeded,
		Attempts:  req.Attempts,
		Timestamp: now,
	}
	if err := s.bus.PublishEvent(ctx, wire.EventRecoveryFailed, event); err != nil {
		log.Warn().Err(err).Msg("recovery-failed event publish failed")
	}
	s.notify(ctx, "critical",
		fmt.Sprintf("worker %s isolated: %s", req.WorkerID, req.Reason),
		map[string]interface{}{"workerId": req.WorkerID, "category": req.Category, "attempts": req.Attempts})
	metric.Incr(metric.RecoveryFailedCount, []string{
		metric.TagAsString(metric.TagWorker, req.WorkerID),
		metric.TagAsString(metric.TagCategory, req.Category),
	})
	log.Error().Str("workerId", req.WorkerID).Str("category", req.Category).
		Int("attempts", req.Attempts).Msg("worker quarantined")
}

// redispatch replays a failed task, through the coordinator when the failure
// belongs to a workflow and directly to the worker otherwise.
func (s *Service) redispatch(ctx context.Context, ev wire.TaskFailed) {
	if ev.WorkflowID != "" {
		if err := s.coord.RedispatchTask(ctx, ev.WorkflowID); err != nil {
			log.Warn().Err(err).Str("workflowId", ev.WorkflowID).Msg("redispatch failed")
		}
		return
	}
	cmd := wire.RetryTask{
		TaskID:       ev.TaskID,
		OriginalData: taskDetails(ev),
		Timestamp:    s.clock(),
	}
	if err := s.publishCommand(ctx, s.commands.RetryTask(ev.WorkerID), cmd); err != nil {
		log.Warn().Err(err).Str("workerId", ev.WorkerID).Msg("retry-task command failed")
	}
}

func (s *Service) underResourcePressure(workerID string) bool {
	rec, ok := s.health.GetWorkerStatus(workerID)
	if !ok {
		return false
	}
	for _, key := range []string{"memoryUsage", "cpuUsage"} {
		if v, ok := rec.Metrics[key].(float64); ok && v >= resourcePressureThreshold {
			return true
		}
	}
	return false
}

func (s *Service) workerType(workerID string) string {
	if rec, ok := s.health.GetWorkerStatus(workerID); ok {
		return rec.Type()
	}
	return workerID
}

func (s *Service) delegatesFor(workerType string) []string {
	s.delegMu.RLock()
	defer s.delegMu.RUnlock()
	return s.delegation[workerType]
}

// schedule runs fn after delay unless the service stops first.
func (s *Service) schedule(delay time.Duration, fn func()) {
	run := func() {
		select {
		case <-s.stopped:
			return
		default:
		}
		fn()
	}
	if delay <= 0 {
		go run()
		return
	}
	time.AfterFunc(delay, run)
}

// publishCommand rate-limits and sends one command.
func (s *Service) publishCommand(ctx context.Context, key string, payload interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return coorderr.Wrap(err, coorderr.CategoryRateLimit, coorderr.CodeInternal,
			"rate limit wait for "+key)
	}
	if err := s.bus.PublishCommand(ctx, key, payload); err != nil {
		metric.Incr(metric.BusPublishFailureCount, nil)
		return err
	}
	return nil
}

func (s *Service) notify(ctx context.Context, level, message string, details map[string]interface{}) {
	n := wire.Notification{Type: "recovery", Level: level, Message: message, Details: details}
	if err := s.bus.PublishEvent(ctx, wire.EventSystemNotification, n); err != nil {
		log.Warn().Err(err).Msg("notification publish failed")
	}
}

func (s *Service) addDeadLetter(entry DeadLetterEntry) {
	s.dlq.Add(entry)
	s.reportQueueSize()
}

func (s *Service) reportQueueSize() {
	metric.Gauge(metric.DeadLetterQueueSize, float64(s.dlq.Len()), nil)
}

// workerKey scopes the failure window per worker and failure category.
func workerKey(workerID, category string) string {
	return "worker:" + workerID + ":" + category
}

// taskKey scopes the retry window per workflow task, falling back to the task
// id and then the worker for workflow-less failures.
func taskKey(ev wire.TaskFailed) string {
	scope := ev.WorkflowID
	if scope == "" {
		scope = ev.TaskID
	}
	if scope == "" {
		scope = ev.WorkerID
	}
	return "task:" + scope + ":" + ev.TaskType
}

func categoryOf(ev wire.TaskFailed) string {
	if ev.Category == "" {
		return "unknown"
	}
	return ev.Category
}

func taskDetails(ev wire.TaskFailed) map[string]interface{} {
	details := map[string]interface{}{
		"workflowId": ev.WorkflowID,
		"taskType":   ev.TaskType,
		"error":      ev.Error,
	}
	if ev.TaskID != "" {
		details["taskId"] = ev.TaskID
	}
	if ev.ModuleID != "" {
		details["moduleId"] = ev.ModuleID
	}
	return details
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
