package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/LandingPadAI/agent-coordinator/internal/wire"
	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
	"github.com/LandingPadAI/agent-coordinator/pkg/ds"
	"github.com/LandingPadAI/agent-coordinator/pkg/messagebus"
	"github.com/LandingPadAI/agent-coordinator/pkg/metric"
)

// Config are the monitor thresholds. CheckInterval <= 0 disables the periodic
// scan (tests drive CheckWorkersHealth directly).
type Config struct {
	CheckInterval    time.Duration
	HeartbeatTimeout time.Duration
}

// Deps are the monitor's constructed dependencies. Persistence and History
// are optional; Clock defaults to time.Now.
type Deps struct {
	Bus         messagebus.Bus
	Persistence Persistence
	History     HeartbeatHistory
	Clock       func() time.Time
}

// Monitor maintains the live worker view: registrations, heartbeats, status
// changes, and the periodic liveness scan that turns silent workers
// unresponsive. Mutations are serialized per worker id.
type Monitor struct {
	bus     messagebus.Bus
	persist Persistence
	history HeartbeatHistory
	clock   func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	locks   *ds.KeyedMutex
	mu      sync.RWMutex
	workers map[string]*WorkerRecord

	subs []messagebus.Subscription

	cronMu sync.Mutex
	runner *cron.Cron
}

func NewMonitor(cfg Config, deps Deps) *Monitor {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{
		bus:     deps.Bus,
		persist: deps.Persistence,
		history: deps.History,
		clock:   clock,
		cfg:     cfg,
		locks:   ds.NewKeyedMutex(0),
		workers: make(map[string]*WorkerRecord),
	}
}

// Start reloads persisted workers, binds the agent.* event subscriptions and
// schedules the periodic scan.
func (m *Monitor) Start() error {
	if err := m.reload(); err != nil {
		return err
	}
	subscriptions := []struct {
		pattern string
		handler messagebus.Handler
	}{
		{wire.EventHeartbeat, m.onHeartbeat},
		{wire.EventStatusChanged, m.onStatusChange},
		{wire.EventRegister, m.onRegister},
	}
	for _, sub := range subscriptions {
		s, err := m.bus.SubscribeEvent(sub.pattern, sub.handler)
		if err != nil {
			m.Stop()
			return err
		}
		m.subs = append(m.subs, s)
	}
	m.scheduleScan()
	log.Info().Dur("checkInterval", m.config().CheckInterval).Msg("health monitor started")
	return nil
}

// Stop cancels the scan and the subscriptions.
func (m *Monitor) Stop() {
	m.cronMu.Lock()
	if m.runner != nil {
		m.runner.Stop()
		m.runner = nil
	}
	m.cronMu.Unlock()
	for _, s := range m.subs {
		_ = s.Unsubscribe()
	}
	m.subs = nil
}

// UpdateConfig applies hot-reloaded thresholds and reschedules the scan when
// the interval changed.
func (m *Monitor) UpdateConfig(cfg Config) {
	m.cfgMu.Lock()
	rescheduled := cfg.CheckInterval != m.cfg.CheckInterval
	m.cfg = cfg
	m.cfgMu.Unlock()
	if rescheduled {
		m.scheduleScan()
	}
	log.Info().
		Dur("checkInterval", cfg.CheckInterval).
		Dur("heartbeatTimeout", cfg.HeartbeatTimeout).
		Msg("health monitor config updated")
}

func (m *Monitor) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

func (m *Monitor) scheduleScan() {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.runner != nil {
		m.runner.Stop()
		m.runner = nil
	}
	interval := m.config().CheckInterval
	if interval <= 0 {
		return
	}
	runner := cron.New()
	_, err := runner.AddFunc(fmt.Sprintf("@every %s", interval), m.CheckWorkersHealth)
	if err != nil {
		log.Error().Err(err).Msg("failed to schedule health scan")
		return
	}
	runner.Start()
	m.runner = runner
}

// RegisterWorker upserts the worker with status starting.
func (m *Monitor) RegisterWorker(workerID string, metadata map[string]interface{}) {
	m.locks.Lock(workerID)
	defer m.locks.Unlock(workerID)

	now := m.clock()
	rec := m.getOrCreate(workerID, now)
	rec.Metadata = metadata
	if rec.Status != StatusStarting {
		rec.Status = StatusStarting
		rec.StatusReason = ""
		rec.LastStatusChange = now
	}
	rec.Registered = now
	rec.LastUpdated = now
	m.commit(rec)
	log.Info().Str("workerId", workerID).Msg("worker registered")
}

// HandleHeartbeat applies one liveness report. Heartbeats older than the
// record's last one are ignored. An online heartbeat resets the recovery
// attempt counter.
func (m *Monitor) HandleHeartbeat(hb wire.Heartbeat) {
	if hb.WorkerID == "" {
		return
	}
	m.locks.Lock(hb.WorkerID)
	defer m.locks.Unlock(hb.WorkerID)

	now := m.clock()
	rec := m.getOrCreate(hb.WorkerID, now)
	at := hb.Timestamp
	if at.IsZero() {
		at = now
	}
	if at.Before(rec.LastHeartbeat) {
		log.Debug().Str("workerId", hb.WorkerID).Msg("stale heartbeat ignored")
		return
	}
	rec.LastHeartbeat = at
	if hb.Metrics != nil {
		rec.Metrics = hb.Metrics
	}
	if hb.Status != "" && hb.Status != rec.Status {
		rec.Status = hb.Status
		rec.StatusReason = ""
		rec.LastStatusChange = now
	}
	if hb.Status == StatusOnline {
		rec.RecoveryAttempts = 0
		rec.NextRecoveryAttempt = time.Time{}
	}
	rec.LastUpdated = now
	m.commit(rec)
	if m.history != nil {
		if err := m.history.Record(hb.WorkerID, rec.Status, hb.Metrics, at); err != nil {
			log.Warn().Err(err).Str("workerId", hb.WorkerID).Msg("heartbeat history write failed")
		}
	}
	metric.Incr(metric.HeartbeatCount, []string{metric.TagAsString(metric.TagWorker, hb.WorkerID)})
}

// HandleStatusChange applies a reported status. Events older than the last
// recorded change are ignored.
func (m *Monitor) HandleStatusChange(sc wire.StatusChange) {
	if sc.WorkerID == "" || sc.Status == "" {
		return
	}
	m.locks.Lock(sc.WorkerID)
	defer m.locks.Unlock(sc.WorkerID)

	now := m.clock()
	rec := m.getOrCreate(sc.WorkerID, now)
	if !sc.Timestamp.IsZero() && sc.Timestamp.Before(rec.LastStatusChange) {
		log.Debug().Str("workerId", sc.WorkerID).Str("status", sc.Status).Msg("stale status change ignored")
		return
	}
	if rec.Status != sc.Status {
		log.Info().
			Str("workerId", sc.WorkerID).
			Str("from", rec.Status).
			Str("to", sc.Status).
			Str("reason", sc.Reason).
			Msg("worker status changed")
		rec.Status = sc.Status
		rec.LastStatusChange = now
	}
	rec.StatusReason = sc.Reason
	rec.LastUpdated = now
	m.commit(rec)
}

// SetWorkerStatus force-sets a status (recovery quarantine, operator action)
// and publishes the change.
func (m *Monitor) SetWorkerStatus(workerID, status, reason string) {
	m.HandleStatusChange(wire.StatusChange{
		WorkerID:  workerID,
		Status:    status,
		Reason:    reason,
		Timestamp: m.clock(),
	})
	m.publishStatusChange(workerID, status, reason)
}

// RecordRecoveryAttempt bumps the worker's attempt counter and returns the
// new count. The counter only resets on an online heartbeat.
func (m *Monitor) RecordRecoveryAttempt(workerID string, next time.Time) int {
	m.locks.Lock(workerID)
	defer m.locks.Unlock(workerID)

	now := m.clock()
	rec := m.getOrCreate(workerID, now)
	rec.RecoveryAttempts++
	rec.LastRecoveryAttempt = now
	rec.NextRecoveryAttempt = next
	if rec.Status != StatusIsolated {
		rec.Status = StatusRecovering
		rec.LastStatusChange = now
	}
	rec.LastUpdated = now
	m.commit(rec)
	return rec.RecoveryAttempts
}

// CheckWorkersHealth is the periodic scan: workers silent past the heartbeat
// timeout move to unresponsive through a published agent.status-changed
// event. Already-failed, isolated and offline workers are skipped.
func (m *Monitor) CheckWorkersHealth() {
	cfg := m.config()
	now := m.clock()

	m.mu.RLock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.locks.Lock(id)
		rec, ok := m.lookup(id)
		if !ok {
			m.locks.Unlock(id)
			continue
		}
		skip := rec.Status == StatusFailed || rec.Status == StatusUnresponsive ||
			rec.Status == StatusIsolated || rec.Status == StatusOffline
		silent := now.Sub(rec.LastHeartbeat) > cfg.HeartbeatTimeout
		if skip || !silent {
			m.locks.Unlock(id)
			continue
		}
		reason := fmt.Sprintf("no heartbeat for %s", now.Sub(rec.LastHeartbeat).Truncate(time.Millisecond))
		rec.Status = StatusUnresponsive
		rec.StatusReason = reason
		rec.LastStatusChange = now
		rec.LastUpdated = now
		m.commit(rec)
		m.locks.Unlock(id)

		log.Warn().Str("workerId", id).Str("reason", reason).Msg("worker unresponsive")
		metric.Incr(metric.WorkerUnresponsiveCount, []string{metric.TagAsString(metric.TagWorker, id)})
		m.publishStatusChange(id, StatusUnresponsive, reason)
	}
}

// GetWorkerStatus returns a copy of the record.
func (m *Monitor) GetWorkerStatus(workerID string) (WorkerRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return WorkerRecord{}, false
	}
	return *rec, true
}

// GetAllWorkers returns copies sorted by worker id.
func (m *Monitor) GetAllWorkers() []WorkerRecord {
	m.mu.RLock()
	out := make([]WorkerRecord, 0, len(m.workers))
	for _, rec := range m.workers {
		out = append(out, *rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// GetSystemHealthSummary aggregates the worker view. A single non-online
// critical worker degrades the system.
func (m *Monitor) GetSystemHealthSummary() Summary {
	workers := m.GetAllWorkers()
	summary := Summary{
		Status:       SummaryHealthy,
		Score:        1.0,
		TotalWorkers: len(workers),
		Timestamp:    m.clock(),
	}
	if len(workers) == 0 {
		return summary
	}
	for _, rec := range workers {
		if rec.Status == StatusOnline {
			summary.OnlineWorkers++
			continue
		}
		summary.Issues = append(summary.Issues, Issue{
			WorkerID: rec.WorkerID,
			Status:   rec.Status,
			Reason:   rec.StatusReason,
			Critical: rec.Critical(),
		})
		if rec.Critical() {
			summary.Status = SummaryDegraded
		}
	}
	summary.Score = float64(summary.OnlineWorkers) / float64(summary.TotalWorkers)
	return summary
}

// Dispatchable reports whether a worker type may receive execute-task
// commands: false only when every worker matching the type is isolated.
// Unknown types are dispatchable.
func (m *Monitor) Dispatchable(workerType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := false
	for _, rec := range m.workers {
		if rec.WorkerID != workerType && rec.Type() != workerType {
			continue
		}
		matched = true
		if rec.Status != StatusIsolated {
			return true
		}
	}
	return !matched
}

// FirstAvailable returns the first online worker of any of the given types,
// in type preference order.
func (m *Monitor) FirstAvailable(types []string) (string, bool) {
	workers := m.GetAllWorkers()
	for _, t := range types {
		for _, rec := range workers {
			if rec.Status == StatusOnline && (rec.WorkerID == t || rec.Type() == t) {
				return rec.WorkerID, true
			}
		}
	}
	return "", false
}

func (m *Monitor) onHeartbeat(ctx context.Context, d *messagebus.Delivery) {
	var hb wire.Heartbeat
	if err := d.Message.Decode(&hb); err != nil {
		log.Error().Err(err).Msg("undecodable heartbeat")
		d.Nack(false)
		return
	}
	m.HandleHeartbeat(hb)
	d.Ack()
}

func (m *Monitor) onStatusChange(ctx context.Context, d *messagebus.Delivery) {
	var sc wire.StatusChange
	if err := d.Message.Decode(&sc); err != nil {
		log.Error().Err(err).Msg("undecodable status change")
		d.Nack(false)
		return
	}
	m.HandleStatusChange(sc)
	d.Ack()
}

func (m *Monitor) onRegister(ctx context.Context, d *messagebus.Delivery) {
	var reg wire.Register
	if err := d.Message.Decode(&reg); err != nil {
		log.Error().Err(err).Msg("undecodable registration")
		d.Nack(false)
		return
	}
	if reg.WorkerID == "" {
		d.Ack()
		return
	}
	m.RegisterWorker(reg.WorkerID, reg.Metadata)
	if reg.Status != "" {
		m.HandleStatusChange(wire.StatusChange{WorkerID: reg.WorkerID, Status: reg.Status, Timestamp: m.clock()})
	}
	d.Ack()
}

func (m *Monitor) publishStatusChange(workerID, status, reason string) {
	err := m.bus.PublishEvent(context.Background(), wire.EventStatusChanged, wire.StatusChange{
		WorkerID:  workerID,
		Status:    status,
		Reason:    reason,
		Timestamp: m.clock(),
	})
	if err != nil {
		log.Error().Err(err).Str("workerId", workerID).Msg("failed to publish status change")
	}
}

// getOrCreate must run under the worker's keyed lock. Records in the map are
// never mutated in place: callers modify the returned copy and store it back
// with commit.
func (m *Monitor) getOrCreate(workerID string, now time.Time) WorkerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.workers[workerID]; ok {
		return *rec
	}
	rec := &WorkerRecord{
		WorkerID:         workerID,
		Status:           StatusStarting,
		Registered:       now,
		LastStatusChange: now,
		LastUpdated:      now,
	}
	m.workers[workerID] = rec
	return *rec
}

func (m *Monitor) lookup(workerID string) (WorkerRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return WorkerRecord{}, false
	}
	return *rec, true
}

// commit must run under the worker's keyed lock. It replaces the map entry
// and writes through to persistence; persistence failures are logged and
// retried implicitly on the next mutation, never propagated to workers.
func (m *Monitor) commit(rec WorkerRecord) {
	m.mu.Lock()
	m.workers[rec.WorkerID] = &rec
	m.mu.Unlock()
	if m.persist == nil {
		return
	}
	if err := m.persist.SaveWorker(rec); err != nil {
		log.Error().Err(err).Str("workerId", rec.WorkerID).Msg("worker health persistence failed")
	}
}

// reload restores the persisted worker view after a coordinator restart.
func (m *Monitor) reload() error {
	if m.persist == nil {
		return nil
	}
	workers, err := m.persist.LoadWorkers()
	if err != nil {
		return coorderr.Wrap(err, coorderr.CategoryDatabase, coorderr.CodeInternal, "reload worker health")
	}
	m.mu.Lock()
	for i := range workers {
		rec := workers[i]
		m.workers[rec.WorkerID] = &rec
	}
	m.mu.Unlock()
	if len(workers) > 0 {
		log.Info().Int("workers", len(workers)).Msg("worker health view reloaded")
	}
	return nil
}
