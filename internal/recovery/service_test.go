package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LandingPadAI/agent-coordinator/internal/health"
	"github.com/LandingPadAI/agent-coordinator/internal/wire"
	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
	"github.com/LandingPadAI/agent-coordinator/pkg/messagebus"
	"github.com/LandingPadAI/agent-coordinator/pkg/retry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCoordinator struct {
	mu           sync.Mutex
	redispatched []string
	failed       map[string]string
	skipped      map[string]string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{failed: map[string]string{}, skipped: map[string]string{}}
}

func (c *fakeCoordinator) RedispatchTask(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redispatched = append(c.redispatched, id)
	return nil
}

func (c *fakeCoordinator) SkipTask(_ context.Context, id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped[id] = reason
	return nil
}

func (c *fakeCoordinator) FailWorkflow(_ context.Context, id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[id] = reason
	return nil
}

func (c *fakeCoordinator) redispatchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.redispatched)
}

func (c *fakeCoordinator) failedReason(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed[id]
}

func (c *fakeCoordinator) skippedReason(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipped[id]
}

// fakeHealth never sets NextRecoveryAttempt, so the backoff gate stays open
// for repeated direct calls.
type fakeHealth struct {
	mu        sync.Mutex
	records   map[string]health.WorkerRecord
	attempts  map[string]int
	available map[string]string
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{
		records:   map[string]health.WorkerRecord{},
		attempts:  map[string]int{},
		available: map[string]string{},
	}
}

func (h *fakeHealth) put(rec health.WorkerRecord) {
	h.mu.Lock()
	h.records[rec.WorkerID] = rec
	h.mu.Unlock()
}

func (h *fakeHealth) setAvailable(workerType, workerID string) {
	h.mu.Lock()
	h.available[workerType] = workerID
	h.mu.Unlock()
}

func (h *fakeHealth) GetWorkerStatus(workerID string) (health.WorkerRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[workerID]
	return rec, ok
}

func (h *fakeHealth) RecordRecoveryAttempt(workerID string, _ time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts[workerID]++
	rec := h.records[workerID]
	rec.WorkerID = workerID
	rec.Status = health.StatusRecovering
	rec.RecoveryAttempts = h.attempts[workerID]
	h.records[workerID] = rec
	return h.attempts[workerID]
}

func (h *fakeHealth) SetWorkerStatus(workerID, status, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.records[workerID]
	rec.WorkerID = workerID
	rec.Status = status
	rec.StatusReason = reason
	h.records[workerID] = rec
}

func (h *fakeHealth) FirstAvailable(types []string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, workerType := range types {
		if id, ok := h.available[workerType]; ok {
			return id, true
		}
	}
	return "", false
}

func (h *fakeHealth) status(workerID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records[workerID].Status
}

func (h *fakeHealth) attemptCount(workerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[workerID]
}

type recoveryRig struct {
	bus    messagebus.Bus
	coord  *fakeCoordinator
	health *fakeHealth
	clock  *testClock
	svc    *Service
}

func newRecoveryRig(t *testing.T, cfg Config) *recoveryRig {
	t.Helper()
	bus := messagebus.NewMemoryBus(8)
	t.Cleanup(func() { _ = bus.Close() })

	policies := retry.NewPolicyTable()
	policies.Put(retry.Policy{Name: "instant", MaxRetries: 10, BaseDelayInMS: 1, MaxDelayInMS: 2, Factor: 1})
	policies.Put(retry.Policy{Name: "slow", MaxRetries: 10, BaseDelayInMS: 100, MaxDelayInMS: 200, Factor: 1})
	if cfg.RetryPolicy == "" {
		cfg.RetryPolicy = "instant"
	}
	if cfg.CommandRate == 0 {
		cfg.CommandRate = 1000
	}

	rig := &recoveryRig{
		bus:    bus,
		coord:  newFakeCoordinator(),
		health: newFakeHealth(),
		clock:  newTestClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	rig.svc = NewService(cfg, Deps{
		Bus:         bus,
		Coordinator: rig.coord,
		Health:      rig.health,
		Policies:    policies,
		Clock:       rig.clock.Now,
	})
	require.NoError(t, rig.svc.Start())
	t.Cleanup(rig.svc.Stop)
	return rig
}

func captureCommand(t *testing.T, bus messagebus.Bus, key string) <-chan messagebus.Message {
	t.Helper()
	ch := make(chan messagebus.Message, 16)
	sub, err := bus.SubscribeCommand(key, func(_ context.Context, d *messagebus.Delivery) {
		ch <- d.Message
		d.Ack()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

func captureEvent(t *testing.T, bus messagebus.Bus, pattern string) <-chan messagebus.Message {
	t.Helper()
	ch := make(chan messagebus.Message, 16)
	sub, err := bus.SubscribeEvent(pattern, func(_ context.Context, d *messagebus.Delivery) {
		ch <- d.Message
		d.Ack()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

func waitFor(t *testing.T, ch <-chan messagebus.Message, what string) messagebus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return messagebus.Message{}
	}
}

func TestUnresponsiveWorkerGetsRecoverCommand(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true})
	recovers := captureCommand(t, rig.bus, "w1.recover")

	err := rig.bus.PublishEvent(context.Background(), wire.EventStatusChanged, wire.StatusChange{
		WorkerID:  "w1",
		Status:    health.StatusUnresponsive,
		Reason:    "no heartbeat for 95s",
		Timestamp: rig.clock.Now(),
	})
	require.NoError(t, err)

	var cmd wire.Recover
	require.NoError(t, waitFor(t, recovers, "recover command").Decode(&cmd))
	assert.Equal(t, "w1", cmd.WorkerID)
	assert.Equal(t, "no heartbeat for 95s", cmd.Reason)
	assert.Equal(t, 1, rig.health.attemptCount("w1"))
}

func TestBenignStatusChangesIgnored(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true})

	statuses := []string{health.StatusOnline, health.StatusDegraded, health.StatusRecovering, health.StatusIsolated}
	for _, status := range statuses {
		require.NoError(t, rig.bus.PublishEvent(context.Background(), wire.EventStatusChanged, wire.StatusChange{
			WorkerID: "w1", Status: status, Timestamp: rig.clock.Now(),
		}))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rig.health.attemptCount("w1"))
}

func TestAutoRecoveryDisabledLeavesWorkerAlone(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: false})

	require.NoError(t, rig.bus.PublishEvent(context.Background(), wire.EventStatusChanged, wire.StatusChange{
		WorkerID: "w1", Status: health.StatusFailed, Timestamp: rig.clock.Now(),
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rig.health.attemptCount("w1"))
}

func TestRecoveryBackoffGateSkipsEarlyAttempt(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true})
	rig.health.put(health.WorkerRecord{
		WorkerID:            "w1",
		Status:              health.StatusFailed,
		NextRecoveryAttempt: rig.clock.Now().Add(time.Minute),
	})

	rig.svc.recoverWorker(context.Background(), "w1", health.StatusFailed, "crash")

	assert.Zero(t, rig.health.attemptCount("w1"))
}

func TestRepeatedFailuresQuarantineWorker(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true, MaxRecoveryAttempts: 3})
	failures := captureEvent(t, rig.bus, wire.EventRecoveryFailed)
	ctx := context.Background()

	// Three failures get recover commands, the fourth crosses the bound.
	for i := 0; i < 3; i++ {
		rig.svc.recoverWorker(ctx, "w1", health.StatusFailed, "crash")
		rig.clock.Advance(time.Second)
	}
	require.Equal(t, 3, rig.health.attemptCount("w1"))
	require.NotEqual(t, health.StatusIsolated, rig.health.status("w1"))

	rig.svc.recoverWorker(ctx, "w1", health.StatusFailed, "crash")

	assert.Equal(t, health.StatusIsolated, rig.health.status("w1"))
	assert.Equal(t, 3, rig.health.attemptCount("w1"))

	entries := rig.svc.DeadLetters(DeadLetterFilter{Kind: KindWorker})
	require.Len(t, entries, 1)
	assert.Equal(t, "worker:w1", entries[0].Key)
	assert.Equal(t, health.StatusFailed, entries[0].Category)

	var ev wire.RecoveryFailed
	require.NoError(t, waitFor(t, failures, "recovery-failed event").Decode(&ev))
	assert.Equal(t, "w1", ev.WorkerID)
	assert.Equal(t, coorderr.CodeMaxAttemptsExceeded, ev.Reason)
	assert.Equal(t, 4, ev.Attempts)

	// Further failures of an isolated worker change nothing.
	rig.svc.recoverWorker(ctx, "w1", health.StatusFailed, "crash")
	assert.Len(t, rig.svc.DeadLetters(DeadLetterFilter{}), 1)
	assert.Equal(t, 3, rig.health.attemptCount("w1"))
}

func TestTransientFailuresRetryWithoutDeadLetter(t *testing.T) {
	rig := newRecoveryRig(t, Config{
		AutoRecovery: true,
		Strategies:   map[string]string{"timeout": "retry"},
	})
	ctx := context.Background()

	fail := wire.TaskFailed{
		WorkflowID: "wf-1",
		TaskType:   "research",
		WorkerID:   "writer-1",
		Error:      "deadline exceeded",
		Category:   "timeout",
	}

	require.NoError(t, rig.bus.PublishEvent(ctx, wire.EventTaskFailed, fail))
	require.Eventually(t, func() bool { return rig.coord.redispatchCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, rig.bus.PublishEvent(ctx, wire.EventTaskFailed, fail))
	require.Eventually(t, func() bool { return rig.coord.redispatchCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, rig.svc.DeadLetters(DeadLetterFilter{}))
	assert.Empty(t, rig.coord.failedReason("wf-1"))
}

func TestTaskRetriesExhaustToDeadLetter(t *testing.T) {
	rig := newRecoveryRig(t, Config{
		AutoRecovery:   true,
		MaxTaskRetries: 3,
		Strategies:     map[string]string{"timeout": "retry"},
	})
	failures := captureEvent(t, rig.bus, wire.EventRecoveryFailed)
	ctx := context.Background()

	fail := wire.TaskFailed{
		WorkflowID: "wf-9",
		TaskType:   "publish",
		WorkerID:   "publisher-1",
		Error:      "api down",
		Category:   "timeout",
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, StrategyRetry, rig.svc.retryTask(ctx, fail))
		rig.clock.Advance(time.Second)
	}
	assert.Equal(t, StrategyManual, rig.svc.retryTask(ctx, fail))

	entries := rig.svc.DeadLetters(DeadLetterFilter{Kind: KindTask})
	require.Len(t, entries, 1)
	assert.Equal(t, "task:wf-9:publish", entries[0].Key)
	assert.Equal(t, "wf-9", entries[0].WorkflowID)

	assert.Contains(t, rig.coord.failedReason("wf-9"), "exhausted 3 retries")

	var ev wire.RecoveryFailed
	require.NoError(t, waitFor(t, failures, "recovery-failed event").Decode(&ev))
	assert.Equal(t, 3, ev.Attempts)
}

func TestRestartStrategySendsRestartAndRedispatches(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true})
	restarts := captureCommand(t, rig.bus, "writer-1.restart")

	fail := wire.TaskFailed{
		WorkflowID: "wf-2",
		TaskType:   "draft",
		WorkerID:   "writer-1",
		Error:      "exit 1",
		Category:   "crash",
	}
	assert.Equal(t, StrategyRestart, rig.svc.restartWorker(context.Background(), fail))

	var cmd wire.Restart
	require.NoError(t, waitFor(t, restarts, "restart command").Decode(&cmd))
	assert.False(t, cmd.OptimizeResources)
	assert.Empty(t, cmd.ModuleID)

	assert.Equal(t, 1, rig.health.attemptCount("writer-1"))
	require.Eventually(t, func() bool { return rig.coord.redispatchCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRestartUpgradesUnderResourcePressure(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true, ResourceMemoryLimit: "256Mi"})
	rig.health.put(health.WorkerRecord{
		WorkerID: "writer-1",
		Status:   health.StatusOnline,
		Metrics:  map[string]interface{}{"memoryUsage": 0.95},
	})
	restarts := captureCommand(t, rig.bus, "writer-1.restart")

	fail := wire.TaskFailed{
		WorkflowID: "wf-3",
		TaskType:   "draft",
		WorkerID:   "writer-1",
		Error:      "oom",
		Category:   "resource",
	}
	assert.Equal(t, StrategyResourceOptimization, rig.svc.restartWorker(context.Background(), fail))

	var cmd wire.Restart
	require.NoError(t, waitFor(t, restarts, "restart command").Decode(&cmd))
	assert.True(t, cmd.OptimizeResources)
	assert.Equal(t, "256Mi", cmd.ResourceConfig["memoryLimit"])
}

func TestModuleFailureRestartsModule(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true})
	restarts := captureCommand(t, rig.bus, "writer-1.restart-module")

	fail := wire.TaskFailed{
		WorkflowID: "wf-4",
		TaskType:   "draft",
		WorkerID:   "writer-1",
		ModuleID:   "nlp",
		Error:      "panic",
		Category:   "crash",
	}
	rig.svc.restartWorker(context.Background(), fail)

	var cmd wire.Restart
	require.NoError(t, waitFor(t, restarts, "restart-module command").Decode(&cmd))
	assert.Equal(t, "nlp", cmd.ModuleID)
}

func TestRepeatedRestartsQuarantineAndFailWorkflow(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true, MaxRecoveryAttempts: 2})
	ctx := context.Background()

	fail := wire.TaskFailed{
		WorkflowID: "wf-5",
		TaskType:   "draft",
		WorkerID:   "writer-1",
		Error:      "exit 1",
		Category:   "crash",
	}
	for i := 0; i < 2; i++ {
		assert.Equal(t, StrategyRestart, rig.svc.restartWorker(ctx, fail))
		rig.clock.Advance(time.Second)
	}
	assert.Equal(t, StrategyManual, rig.svc.restartWorker(ctx, fail))

	assert.Equal(t, health.StatusIsolated, rig.health.status("writer-1"))
	assert.Contains(t, rig.coord.failedReason("wf-5"), "isolated")
	require.Len(t, rig.svc.DeadLetters(DeadLetterFilter{Kind: KindWorker}), 1)
}

func TestDelegationRoutesToFirstAvailable(t *testing.T) {
	rig := newRecoveryRig(t, Config{
		AutoRecovery: true,
		Delegation:   map[string][]string{"writer": {"editor", "intern"}},
	})
	rig.health.put(health.WorkerRecord{
		WorkerID: "writer-1",
		Status:   health.StatusDegraded,
		Metadata: map[string]interface{}{"type": "writer"},
	})
	rig.health.setAvailable("editor", "editor-2")
	delegations := captureCommand(t, rig.bus, "editor-2.handle-delegation")

	fail := wire.TaskFailed{
		WorkflowID: "wf-6",
		TaskType:   "review",
		WorkerID:   "writer-1",
		Error:      "overloaded",
		Category:   "overload",
	}
	assert.Equal(t, StrategyDelegate, rig.svc.delegateTask(context.Background(), fail))

	var cmd wire.HandleDelegation
	require.NoError(t, waitFor(t, delegations, "delegation command").Decode(&cmd))
	assert.Equal(t, "writer-1", cmd.FromWorkerID)
	assert.Equal(t, "wf-6", cmd.Payload["workflowId"])
	assert.Equal(t, "overloaded", cmd.Reason)
}

func TestDelegationWithoutDelegateEscalates(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true})

	fail := wire.TaskFailed{
		WorkflowID: "wf-7",
		TaskType:   "review",
		WorkerID:   "writer-1",
		Error:      "overloaded",
		Category:   "overload",
	}
	assert.Equal(t, StrategyManual, rig.svc.delegateTask(context.Background(), fail))

	entries := rig.svc.DeadLetters(DeadLetterFilter{Kind: KindTask})
	require.Len(t, entries, 1)
	assert.Equal(t, "task:wf-7:review", entries[0].Key)
}

func TestSkipStrategyAdvancesWorkflow(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true})

	fail := wire.TaskFailed{
		WorkflowID: "wf-8",
		TaskType:   "seo-check",
		WorkerID:   "seo-1",
		Error:      "quota exhausted",
		Category:   "rate-limit",
	}
	assert.Equal(t, StrategySkip, rig.svc.skipTask(context.Background(), fail))
	assert.Contains(t, rig.coord.skippedReason("wf-8"), "seo-check")
}

func TestSkipWithoutWorkflowEscalates(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true})

	fail := wire.TaskFailed{TaskID: "t-1", TaskType: "ping", WorkerID: "w1", Error: "x"}
	assert.Equal(t, StrategyManual, rig.svc.skipTask(context.Background(), fail))
	assert.Len(t, rig.svc.DeadLetters(DeadLetterFilter{}), 1)
}

func TestFallbackCommandCarriesMethod(t *testing.T) {
	rig := newRecoveryRig(t, Config{
		AutoRecovery: true,
		Strategies:   map[string]string{"ai-1:timeout": "fallback:cached-model"},
	})
	fallbacks := captureCommand(t, rig.bus, "ai-1.use-fallback")

	strategy := rig.svc.strategies.Resolve("ai-1", "", "timeout")
	fail := wire.TaskFailed{
		WorkflowID: "wf-10",
		TaskType:   "generate",
		WorkerID:   "ai-1",
		Error:      "model timeout",
		Category:   "timeout",
	}
	assert.Equal(t, StrategyFallback, rig.svc.applyStrategy(context.Background(), strategy, fail))

	var cmd wire.UseFallback
	require.NoError(t, waitFor(t, fallbacks, "fallback command").Decode(&cmd))
	assert.Equal(t, "cached-model", cmd.FallbackMethod)
	assert.Equal(t, "wf-10", cmd.Data["workflowId"])
}

func TestManualStrategyDeadLettersImmediately(t *testing.T) {
	rig := newRecoveryRig(t, Config{
		AutoRecovery: true,
		Strategies:   map[string]string{"validation": "manual"},
	})
	notifications := captureEvent(t, rig.bus, wire.EventSystemNotification)
	ctx := context.Background()

	require.NoError(t, rig.bus.PublishEvent(ctx, wire.EventTaskFailed, wire.TaskFailed{
		WorkflowID: "wf-11",
		TaskType:   "legal-review",
		WorkerID:   "legal-1",
		Error:      "contradictory claims",
		Category:   "validation",
	}))

	require.Eventually(t, func() bool {
		return len(rig.svc.DeadLetters(DeadLetterFilter{Kind: KindTask})) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var n wire.Notification
	require.NoError(t, waitFor(t, notifications, "notification").Decode(&n))
	assert.Equal(t, "critical", n.Level)
	assert.Equal(t, "recovery", n.Type)
}

func TestDeadLetterRetryRestartsWorker(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true, MaxRecoveryAttempts: 1})
	ctx := context.Background()

	rig.svc.recoverWorker(ctx, "w1", health.StatusFailed, "crash")
	rig.clock.Advance(time.Second)
	rig.svc.recoverWorker(ctx, "w1", health.StatusFailed, "crash")
	require.Equal(t, health.StatusIsolated, rig.health.status("w1"))

	restarts := captureCommand(t, rig.bus, "w1.restart")
	require.NoError(t, rig.svc.RetryDeadLetter(ctx, "worker:w1"))

	assert.Equal(t, health.StatusRecovering, rig.health.status("w1"))
	assert.Empty(t, rig.svc.DeadLetters(DeadLetterFilter{}))
	waitFor(t, restarts, "restart command")

	// The reset window tolerates a fresh failure again.
	rig.svc.recoverWorker(ctx, "w1", health.StatusFailed, "crash")
	assert.NotEqual(t, health.StatusIsolated, rig.health.status("w1"))
}

func TestDeadLetterRetryRedispatchesTask(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true})
	ctx := context.Background()

	fail := wire.TaskFailed{WorkflowID: "wf-12", TaskType: "draft", WorkerID: "w1", Error: "x", Category: "validation"}
	rig.svc.escalate(ctx, fail, "manual rule")
	require.Len(t, rig.svc.DeadLetters(DeadLetterFilter{}), 1)

	require.NoError(t, rig.svc.RetryDeadLetter(ctx, "task:wf-12:draft"))

	assert.Equal(t, 1, rig.coord.redispatchCount())
	assert.Empty(t, rig.svc.DeadLetters(DeadLetterFilter{}))
}

func TestDeadLetterRetryWorkflowlessTask(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true})
	retries := captureCommand(t, rig.bus, "w1.retry-task")
	ctx := context.Background()

	fail := wire.TaskFailed{TaskID: "t-7", TaskType: "ping", WorkerID: "w1", Error: "x"}
	rig.svc.escalate(ctx, fail, "manual rule")
	require.NoError(t, rig.svc.RetryDeadLetter(ctx, "task:t-7:ping"))

	var cmd wire.RetryTask
	require.NoError(t, waitFor(t, retries, "retry-task command").Decode(&cmd))
	assert.Equal(t, "t-7", cmd.TaskID)
	assert.Zero(t, rig.coord.redispatchCount())
}

func TestDeadLetterUnknownKey(t *testing.T) {
	rig := newRecoveryRig(t, Config{AutoRecovery: true})

	err := rig.svc.RetryDeadLetter(context.Background(), "worker:ghost")
	require.Error(t, err)
	assert.Equal(t, coorderr.CodeDeadLetterNotFound, coorderr.CodeOf(err))
	assert.False(t, rig.svc.DeleteDeadLetter("worker:ghost"))
}

func TestStrategyAndDelegationHotReload(t *testing.T) {
	rig := newRecoveryRig(t, Config{
		AutoRecovery: true,
		Strategies:   map[string]string{"timeout": "retry"},
	})

	rig.svc.UpdateStrategies(map[string]string{"timeout": "skip"})
	assert.Equal(t, StrategySkip, rig.svc.strategies.Resolve("w", "", "timeout").Name)
	assert.Equal(t, map[string]string{"timeout": "skip"}, rig.svc.Strategies())

	rig.svc.UpdateDelegation(map[string][]string{"writer": {"editor"}})
	assert.Equal(t, []string{"editor"}, rig.svc.delegatesFor("writer"))
}

func TestStopCancelsScheduledRetries(t *testing.T) {
	rig := newRecoveryRig(t, Config{
		AutoRecovery: true,
		RetryPolicy:  "slow",
		Strategies:   map[string]string{"timeout": "retry"},
	})

	fail := wire.TaskFailed{WorkflowID: "wf-13", TaskType: "draft", WorkerID: "w1", Error: "x", Category: "timeout"}
	require.Equal(t, StrategyRetry, rig.svc.retryTask(context.Background(), fail))
	rig.svc.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, rig.coord.redispatchCount())
}

// End to end: the monitor notices a silent worker and the recovery service
// sends it a recover command, with the attempt recorded on the live record.
func TestMonitorDrivenRecovery(t *testing.T) {
	bus := messagebus.NewMemoryBus(8)
	t.Cleanup(func() { _ = bus.Close() })
	clock := newTestClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	monitor := health.NewMonitor(
		health.Config{HeartbeatTimeout: 90 * time.Second},
		health.Deps{Bus: bus, Clock: clock.Now},
	)
	require.NoError(t, monitor.Start())
	t.Cleanup(monitor.Stop)

	policies := retry.NewPolicyTable()
	policies.Put(retry.Policy{Name: "instant", MaxRetries: 10, BaseDelayInMS: 1, MaxDelayInMS: 2, Factor: 1})
	svc := NewService(
		Config{AutoRecovery: true, RetryPolicy: "instant", CommandRate: 1000},
		Deps{Bus: bus, Coordinator: newFakeCoordinator(), Health: monitor, Policies: policies, Clock: clock.Now},
	)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)

	recovers := captureCommand(t, bus, "research-agent.recover")

	monitor.HandleHeartbeat(wire.Heartbeat{
		WorkerID:  "research-agent",
		Status:    health.StatusOnline,
		Timestamp: clock.Now(),
	})
	clock.Advance(91 * time.Second)
	monitor.CheckWorkersHealth()

	var cmd wire.Recover
	require.NoError(t, waitFor(t, recovers, "recover command").Decode(&cmd))
	assert.Equal(t, "research-agent", cmd.WorkerID)

	require.Eventually(t, func() bool {
		rec, ok := monitor.GetWorkerStatus("research-agent")
		return ok && rec.RecoveryAttempts == 1
	}, 2*time.Second, 5*time.Millisecond)
}
