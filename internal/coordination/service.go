package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/LandingPadAI/agent-coordinator/internal/registry"
	"github.com/LandingPadAI/agent-coordinator/internal/store"
	"github.com/LandingPadAI/agent-coordinator/internal/wire"
	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
	"github.com/LandingPadAI/agent-coordinator/pkg/ds"
	"github.com/LandingPadAI/agent-coordinator/pkg/messagebus"
	"github.com/LandingPadAI/agent-coordinator/pkg/metric"
)

const (
	// Reserved payload keys written by the coordinator. Everything else in
	// the payload belongs to the workers.
	payloadKeyType     = "workflowType"
	payloadKeyMetadata = "metadata"
	payloadKeyError    = "lastError"

	// QueryWorkflowStatus answers {workflowId} with a StatusView.
	QueryWorkflowStatus = "coordinator.workflow-status"

	defaultMaxInflight = 32
	resumeBatchSize    = 100
	archivedViewTTL    = 10 * time.Minute
)

// DispatchGate vetoes task dispatch for quarantined worker types.
type DispatchGate interface {
	Dispatchable(workerType string) bool
}

// Config bounds the coordinator's dispatch concurrency.
type Config struct {
	MaxInflightDispatches int
}

// Deps are the constructed dependencies, in init order: bus, state store,
// registry. The dispatch gate arrives later via SetDispatchGate because the
// health monitor is built after the coordinator.
type Deps struct {
	Bus      messagebus.Bus
	Store    store.StateStore
	Registry *registry.Registry
	Commands wire.Commands
	Clock    func() time.Time
}

// Service drives live workflows from initial to terminal state: it owns the
// hot instance map, the dispatch loop and the workflow.* event stream.
type Service struct {
	bus      messagebus.Bus
	store    store.StateStore
	registry *registry.Registry
	commands wire.Commands
	clock    func() time.Time

	gateMu sync.RWMutex
	gate   DispatchGate

	locks  *ds.KeyedMutex
	mu     sync.RWMutex
	active map[string]*Instance

	inflightMu sync.Mutex
	inflight   map[string]struct{}
	slots      chan struct{}

	archived *ristretto.Cache

	subs []messagebus.Subscription
}

func NewService(cfg Config, deps Deps) *Service {
	maxInflight := cfg.MaxInflightDispatches
	if maxInflight <= 0 {
		maxInflight = defaultMaxInflight
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	commands := deps.Commands
	if commands == nil {
		commands = wire.DotCommands{}
	}
	cache, _ := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * 1024,
		MaxCost:     1024,
		BufferItems: 64,
	})
	return &Service{
		bus:      deps.Bus,
		store:    deps.Store,
		registry: deps.Registry,
		commands: commands,
		clock:    clock,
		locks:    ds.NewKeyedMutex(0),
		active:   make(map[string]*Instance),
		inflight: make(map[string]struct{}),
		slots:    make(chan struct{}, maxInflight),
		archived: cache,
	}
}

// SetDispatchGate installs the isolation check once the health monitor is up.
func (s *Service) SetDispatchGate(gate DispatchGate) {
	s.gateMu.Lock()
	s.gate = gate
	s.gateMu.Unlock()
}

// Start binds the task-result subscriptions and the status query handler.
func (s *Service) Start() error {
	taskCompleted, err := s.bus.SubscribeEvent(wire.EventTaskCompleted, s.onTaskCompleted)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, taskCompleted)

	taskFailed, err := s.bus.SubscribeEvent(wire.EventTaskFailed, s.onTaskFailed)
	if err != nil {
		s.Stop()
		return err
	}
	s.subs = append(s.subs, taskFailed)

	statusQuery, err := s.bus.HandleQuery(QueryWorkflowStatus, s.onStatusQuery)
	if err != nil {
		s.Stop()
		return err
	}
	s.subs = append(s.subs, statusQuery)
	log.Info().Int("maxInflight", cap(s.slots)).Msg("coordination service started")
	return nil
}

func (s *Service) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// StartWorkflow creates a record in the initial state, emits
// workflow.started, and dispatches the first task. On dispatch failure the
// workflow still exists; the returned id lets the caller reconcile.
func (s *Service) StartWorkflow(ctx context.Context, workflowType string, data, metadata map[string]interface{}) (StartResult, error) {
	def, ok := s.registry.Get(workflowType)
	if !ok {
		return StartResult{}, coorderr.New(coorderr.CategoryWorkflow, coorderr.CodeUnknownWorkflowType,
			"unknown workflow type "+workflowType)
	}

	id := "wf-" + uuid.NewString()
	payload := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload[payloadKeyType] = workflowType
	if len(metadata) > 0 {
		payload[payloadKeyMetadata] = metadata
	}

	if err := s.store.Save(ctx, id, def.InitialState, payload); err != nil {
		return StartResult{}, err
	}

	now := s.clock()
	inst := &Instance{
		WorkflowID:   id,
		Type:         workflowType,
		Status:       StatusActive,
		CurrentState: def.InitialState,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	s.mu.Lock()
	s.active[id] = inst
	s.mu.Unlock()

	log.Info().Str("workflowId", id).Str("type", workflowType).Str("state", def.InitialState).Msg("workflow started")
	metric.Incr(metric.WorkflowStartedCount, []string{metric.TagAsString(metric.TagWorkflow, workflowType)})
	s.emitWorkflowEvent(wire.EventWorkflowStarted, wire.WorkflowEvent{
		WorkflowID:   id,
		Type:         workflowType,
		Status:       StatusActive,
		CurrentState: def.InitialState,
		Timestamp:    now,
	})

	result := StartResult{WorkflowID: id, InitialState: def.InitialState}
	if err := s.dispatch(ctx, id, def.InitialState, def.States[def.InitialState].Worker, false); err != nil {
		return result, err
	}
	return result, nil
}

// TransitionWorkflow applies a declared transition: patch merged, state
// moved, workflow.state-changed emitted, next state dispatched or the
// instance finalized.
func (s *Service) TransitionWorkflow(ctx context.Context, id, label string, patch map[string]interface{}) (TransitionResult, error) {
	out, err := s.move(ctx, id, moveRequest{label: label, patch: patch})
	if err != nil {
		return TransitionResult{}, err
	}
	s.afterMove(ctx, out)
	return out.result, nil
}

// FailWorkflow forces the workflow onto its failure path: the declared
// failure transition when the current state has one, the global failure
// state otherwise. Used when a task's retry budget is exhausted or its
// worker is gone for good.
func (s *Service) FailWorkflow(ctx context.Context, id, reason string) error {
	out, err := s.move(ctx, id, moveRequest{
		label:      registry.LabelFailure,
		patch:      map[string]interface{}{payloadKeyError: reason},
		forced:     true,
		forceLabel: registry.LabelFailure,
	})
	if err != nil {
		return err
	}
	s.afterMove(ctx, out)
	return nil
}

// SkipTask advances past the current state with the skip label when
// declared, otherwise it fails the workflow.
func (s *Service) SkipTask(ctx context.Context, id, reason string) error {
	s.mu.RLock()
	inst, ok := s.active[id]
	var state, wfType string
	if ok {
		state, wfType = inst.CurrentState, inst.Type
	}
	s.mu.RUnlock()
	if !ok {
		return coorderr.Wrap(coorderr.ErrNotFound, coorderr.CategoryWorkflow, coorderr.CodeWorkflowNotFound,
			"workflow "+id+" not active")
	}
	if def, found := s.registry.Get(wfType); found {
		if _, declared := def.Next(state, registry.LabelSkip); declared {
			_, err := s.TransitionWorkflow(ctx, id, registry.LabelSkip, map[string]interface{}{payloadKeyError: reason})
			return err
		}
	}
	return s.FailWorkflow(ctx, id, reason)
}

// RedispatchTask republishes the execute-task command for the workflow's
// current state, marked as a retry.
func (s *Service) RedispatchTask(ctx context.Context, id string) error {
	s.mu.RLock()
	inst, ok := s.active[id]
	var state, wfType string
	if ok {
		state, wfType = inst.CurrentState, inst.Type
	}
	s.mu.RUnlock()
	if !ok {
		return coorderr.Wrap(coorderr.ErrNotFound, coorderr.CategoryWorkflow, coorderr.CodeWorkflowNotFound,
			"workflow "+id+" not active")
	}
	def, found := s.registry.Get(wfType)
	if !found {
		return coorderr.New(coorderr.CategoryWorkflow, coorderr.CodeUnknownWorkflowType,
			"definition "+wfType+" missing for "+id)
	}
	return s.dispatch(ctx, id, state, def.States[state].Worker, true)
}

// GetWorkflowStatus answers from the hot map for live instances and from
// the state store (as archived) otherwise.
func (s *Service) GetWorkflowStatus(ctx context.Context, id string) (StatusView, error) {
	s.mu.RLock()
	inst, live := s.active[id]
	var snapshot Instance
	if live {
		snapshot = *inst
	}
	s.mu.RUnlock()

	if live {
		history, err := s.store.History(ctx, id)
		if err != nil {
			return StatusView{}, err
		}
		return StatusView{
			Exists:       true,
			WorkflowID:   id,
			Type:         snapshot.Type,
			Status:       snapshot.Status,
			CurrentState: snapshot.CurrentState,
			History:      history,
			StartedAt:    snapshot.StartedAt,
			UpdatedAt:    snapshot.UpdatedAt,
		}, nil
	}

	if cached, found := s.archived.Get(id); found {
		if view, valid := cached.(StatusView); valid {
			return view, nil
		}
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if coorderr.CategoryOf(err) == coorderr.CategoryNotFound {
			return StatusView{Exists: false}, nil
		}
		return StatusView{}, err
	}
	view := archivedView(rec)
	s.archived.SetWithTTL(id, view, 1, archivedViewTTL)
	return view, nil
}

// ListActiveWorkflows returns hot-map snapshots, including failed instances
// retained for inspection.
func (s *Service) ListActiveWorkflows() []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Instance, 0, len(s.active))
	for _, inst := range s.active {
		out = append(out, *inst)
	}
	return out
}

// ArchiveWorkflow evicts the instance from the hot map; the durable record
// stays. Late task results for an archived workflow are ignored. Archiving
// an already-archived workflow is a no-op.
func (s *Service) ArchiveWorkflow(ctx context.Context, id string) (StatusView, error) {
	s.locks.Lock(id)
	s.mu.Lock()
	_, live := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	s.locks.Unlock(id)
	s.releaseDispatch(id)

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	view := archivedView(rec)
	s.archived.SetWithTTL(id, view, 1, archivedViewTTL)
	if live {
		log.Info().Str("workflowId", id).Msg("workflow archived")
	}
	return view, nil
}

// Resume re-adopts non-terminal workflows found in the state store after a
// coordinator restart and re-dispatches their current state.
func (s *Service) Resume(ctx context.Context) (int, error) {
	resumed := 0
	for _, summary := range s.registry.List() {
		def, ok := s.registry.Get(summary.Type)
		if !ok {
			continue
		}
		for name, spec := range def.States {
			if spec.Final {
				continue
			}
			n, err := s.resumeState(ctx, def, name)
			if err != nil {
				return resumed, err
			}
			resumed += n
		}
	}
	if resumed > 0 {
		log.Info().Int("workflows", resumed).Msg("workflows resumed after restart")
	}
	return resumed, nil
}

func (s *Service) resumeState(ctx context.Context, def registry.WorkflowDefinition, state string) (int, error) {
	resumed := 0
	for offset := 0; ; offset += resumeBatchSize {
		recs, err := s.store.FindByState(ctx, state, resumeBatchSize, offset)
		if err != nil {
			return resumed, err
		}
		for _, rec := range recs {
			wfType, _ := rec.Payload[payloadKeyType].(string)
			if wfType != def.Type {
				continue
			}
			s.mu.Lock()
			_, known := s.active[rec.WorkflowID]
			if !known {
				s.active[rec.WorkflowID] = &Instance{
					WorkflowID:   rec.WorkflowID,
					Type:         wfType,
					Status:       StatusActive,
					CurrentState: rec.State,
					StartedAt:    rec.CreatedAt,
					UpdatedAt:    rec.LastUpdated,
				}
			}
			s.mu.Unlock()
			if known {
				continue
			}
			resumed++
			if err := s.dispatch(ctx, rec.WorkflowID, rec.State, def.States[rec.State].Worker, true); err != nil {
				log.Error().Err(err).Str("workflowId", rec.WorkflowID).Msg("resume dispatch failed")
			}
		}
		if len(recs) < resumeBatchSize {
			return resumed, nil
		}
	}
}

type moveRequest struct {
	// expectedFrom guards task-result moves: the move is discarded when the
	// instance has already advanced past this state.
	expectedFrom string
	label        string
	patch        map[string]interface{}
	// forced moves may target the global failure state even when the label
	// is not declared on the current state.
	forced     bool
	forceLabel string
}

type moveOutcome struct {
	result   TransitionResult
	instance Instance
	def      registry.WorkflowDefinition
	final    bool
	success  bool
}

var errStaleResult = coorderr.New(coorderr.CategoryWorkflow, coorderr.CodeInvalidRequest, "stale task result")

// move performs the single atomic unit of a transition: resolve the target,
// write the store, mutate the hot map. Event emission and the follow-up
// dispatch happen outside the per-workflow lock in afterMove. The keyed lock
// serializes workflow logic; instance fields are touched only under mu.
func (s *Service) move(ctx context.Context, id string, req moveRequest) (moveOutcome, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	s.mu.RLock()
	inst, ok := s.active[id]
	var current Instance
	if ok {
		current = *inst
	}
	s.mu.RUnlock()
	if !ok {
		exists, err := s.store.Exists(ctx, id)
		if err == nil && exists {
			return moveOutcome{}, coorderr.Wrap(coorderr.ErrWorkflowTerminal, coorderr.CategoryWorkflow,
				coorderr.CodeWorkflowTerminal, "workflow "+id+" already finished")
		}
		return moveOutcome{}, coorderr.Wrap(coorderr.ErrNotFound, coorderr.CategoryWorkflow,
			coorderr.CodeWorkflowNotFound, "workflow "+id+" not found")
	}
	if current.Status != StatusActive {
		return moveOutcome{}, coorderr.Wrap(coorderr.ErrWorkflowTerminal, coorderr.CategoryWorkflow,
			coorderr.CodeWorkflowTerminal, "workflow "+id+" is "+current.Status)
	}
	if req.expectedFrom != "" && current.CurrentState != req.expectedFrom {
		return moveOutcome{}, errStaleResult
	}

	def, ok := s.registry.Get(current.Type)
	if !ok {
		return moveOutcome{}, coorderr.New(coorderr.CategoryWorkflow, coorderr.CodeUnknownWorkflowType,
			"definition "+current.Type+" missing for "+id)
	}

	from := current.CurrentState
	label := req.label
	to, declared := def.Next(from, label)
	if !declared {
		if !req.forced {
			return moveOutcome{}, coorderr.Wrap(coorderr.ErrUnknownTransition, coorderr.CategoryWorkflow,
				coorderr.CodeUnknownTransition, "state "+from+" does not declare transition "+label)
		}
		to = def.FailureState()
		label = req.forceLabel
	}

	if _, err := s.store.Update(ctx, id, req.patch, &store.Move{To: to, Label: label}); err != nil {
		s.selfHeal(ctx, id, def, to, err)
		return moveOutcome{}, err
	}

	now := s.clock()
	spec, _ := def.State(to)
	out := moveOutcome{
		result: TransitionResult{From: from, To: to},
		def:    def,
		final:  spec.Final,
	}
	status := StatusActive
	if spec.Final {
		out.success = to == def.SuccessState()
		if out.success {
			status = StatusCompleted
		} else {
			status = StatusFailed
		}
	}

	s.mu.Lock()
	inst.CurrentState = to
	inst.UpdatedAt = now
	inst.Status = status
	out.instance = *inst
	s.mu.Unlock()

	log.Info().
		Str("workflowId", id).
		Str("from", from).
		Str("to", to).
		Str("label", label).
		Msg("workflow transitioned")
	metric.Incr(metric.WorkflowTransitionCount, []string{
		metric.TagAsString(metric.TagWorkflow, out.instance.Type),
		metric.TagAsString(metric.TagState, to),
	})
	s.emitWorkflowEvent(wire.EventWorkflowStateChanged, wire.WorkflowEvent{
		WorkflowID:   id,
		Type:         out.instance.Type,
		Status:       out.instance.Status,
		CurrentState: to,
		FromState:    from,
		Label:        label,
		Timestamp:    now,
	})
	return out, nil
}

// selfHeal makes one attempt to park a workflow whose transition write
// failed onto the global failure state. Both errors are logged; the
// original failure still propagates to the caller. Runs under the
// per-workflow lock.
func (s *Service) selfHeal(ctx context.Context, id string, def registry.WorkflowDefinition, attemptedTo string, cause error) {
	failState := def.FailureState()
	if attemptedTo == failState {
		return
	}
	log.Error().Err(cause).Str("workflowId", id).Str("to", attemptedTo).Msg("transition write failed, forcing failure state")
	patch := map[string]interface{}{payloadKeyError: cause.Error()}
	if _, err := s.store.Update(ctx, id, patch, &store.Move{To: failState, Label: registry.LabelFailure}); err != nil {
		log.Error().Err(err).Str("workflowId", id).Msg("failure-state write also failed, leaving prior state")
		return
	}
	now := s.clock()
	s.mu.Lock()
	inst, ok := s.active[id]
	var wfType string
	if ok {
		inst.CurrentState = failState
		inst.Status = StatusFailed
		inst.UpdatedAt = now
		wfType = inst.Type
	}
	s.mu.Unlock()
	s.emitWorkflowEvent(wire.EventWorkflowFailed, wire.WorkflowEvent{
		WorkflowID:   id,
		Type:         wfType,
		Status:       StatusFailed,
		CurrentState: failState,
		Error:        cause.Error(),
		Timestamp:    now,
	})
	metric.Incr(metric.WorkflowFailedCount, []string{metric.TagAsString(metric.TagWorkflow, wfType)})
}

// afterMove runs the post-transition side effects outside the per-workflow
// lock: finalization or the next dispatch.
func (s *Service) afterMove(ctx context.Context, out moveOutcome) {
	if out.final {
		s.finalize(out)
		return
	}
	spec, _ := out.def.State(out.instance.CurrentState)
	if err := s.dispatch(ctx, out.instance.WorkflowID, out.instance.CurrentState, spec.Worker, false); err != nil {
		log.Error().Err(err).
			Str("workflowId", out.instance.WorkflowID).
			Str("state", out.instance.CurrentState).
			Msg("dispatch after transition failed")
	}
}

// finalize settles a terminal instance: completed workflows are evicted
// from the hot map, failed ones are retained for inspection until archived.
func (s *Service) finalize(out moveOutcome) {
	inst := out.instance
	duration := s.clock().Sub(inst.StartedAt)
	tags := []string{metric.TagAsString(metric.TagWorkflow, inst.Type)}

	if out.success {
		s.mu.Lock()
		delete(s.active, inst.WorkflowID)
		s.mu.Unlock()
		s.releaseDispatch(inst.WorkflowID)
		metric.Incr(metric.WorkflowCompletedCount, tags)
		metric.Timing(metric.WorkflowDuration, duration, tags)
		log.Info().Str("workflowId", inst.WorkflowID).Dur("took", duration).Msg("workflow completed")
		s.emitWorkflowEvent(wire.EventWorkflowCompleted, wire.WorkflowEvent{
			WorkflowID:      inst.WorkflowID,
			Type:            inst.Type,
			Status:          StatusCompleted,
			CurrentState:    inst.CurrentState,
			DurationSeconds: duration.Seconds(),
			Timestamp:       s.clock(),
		})
		return
	}

	s.releaseDispatch(inst.WorkflowID)
	metric.Incr(metric.WorkflowFailedCount, tags)
	metric.Timing(metric.WorkflowDuration, duration, tags)
	lastError, _ := s.lastErrorOf(inst.WorkflowID)
	log.Warn().Str("workflowId", inst.WorkflowID).Str("error", lastError).Msg("workflow failed")
	s.emitWorkflowEvent(wire.EventWorkflowFailed, wire.WorkflowEvent{
		WorkflowID:      inst.WorkflowID,
		Type:            inst.Type,
		Status:          StatusFailed,
		CurrentState:    inst.CurrentState,
		DurationSeconds: duration.Seconds(),
		Error:           lastError,
		Timestamp:       s.clock(),
	})
}

func (s *Service) lastErrorOf(id string) (string, bool) {
	rec, err := s.store.Get(context.Background(), id)
	if err != nil {
		return "", false
	}
	msg, ok := rec.Payload[payloadKeyError].(string)
	return msg, ok
}

// dispatch publishes execute-task for one state. At most one dispatch per
// workflow is outstanding, and the slot channel bounds the process-wide
// total to keep the state store sane under load.
func (s *Service) dispatch(ctx context.Context, id, state, worker string, retry bool) error {
	if worker == "" {
		return coorderr.New(coorderr.CategoryWorkflow, coorderr.CodeInvalidDefinition,
			"state "+state+" has no worker bound")
	}
	s.gateMu.RLock()
	gate := s.gate
	s.gateMu.RUnlock()
	if gate != nil && !gate.Dispatchable(worker) {
		return coorderr.New(coorderr.CategoryWorkflow, coorderr.CodeServiceUnavailable,
			"worker type "+worker+" is isolated, dispatch blocked")
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// The slot is held before the inflight mark so that a release racing
	// with this dispatch always finds its matching slot in the channel.
	s.inflightMu.Lock()
	if _, dup := s.inflight[id]; dup {
		s.inflightMu.Unlock()
		<-s.slots
		log.Debug().Str("workflowId", id).Str("state", state).Msg("dispatch already outstanding, skipped")
		return nil
	}
	s.inflight[id] = struct{}{}
	s.inflightMu.Unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		s.releaseDispatch(id)
		return err
	}
	cmd := wire.ExecuteTask{
		WorkflowID: id,
		TaskType:   state,
		Payload:    rec.Payload,
		Retry:      retry,
	}
	if err := s.bus.PublishCommand(ctx, s.commands.ExecuteTask(worker), cmd); err != nil {
		s.releaseDispatch(id)
		return coorderr.Wrap(err, coorderr.CategoryMessaging, coorderr.CodeBusDisconnected,
			"dispatch "+state+" for "+id)
	}
	metric.Incr(metric.TaskDispatchCount, []string{
		metric.TagAsString(metric.TagWorker, worker),
		metric.TagAsString(metric.TagState, state),
	})
	log.Debug().Str("workflowId", id).Str("state", state).Str("worker", worker).Bool("retry", retry).Msg("task dispatched")
	return nil
}

func (s *Service) clearInflight(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; !ok {
		return false
	}
	delete(s.inflight, id)
	return true
}

// releaseDispatch frees the workflow's dispatch slot once its task result
// arrived (or the instance went away).
func (s *Service) releaseDispatch(id string) {
	if s.clearInflight(id) {
		<-s.slots
	}
}

func (s *Service) onTaskCompleted(ctx context.Context, d *messagebus.Delivery) {
	var ev wire.TaskCompleted
	if err := d.Message.Decode(&ev); err != nil {
		log.Error().Err(err).Msg("undecodable task-completed event")
		d.Nack(false)
		return
	}
	s.releaseDispatch(ev.WorkflowID)
	metric.Incr(metric.TaskResultCount, []string{
		metric.TagAsString(metric.TagWorker, ev.WorkerID),
		metric.TagAsString(metric.TagResult, "completed"),
	})

	s.mu.RLock()
	inst, ok := s.active[ev.WorkflowID]
	var wfType string
	if ok {
		wfType = inst.Type
	}
	s.mu.RUnlock()
	if !ok {
		log.Debug().Str("workflowId", ev.WorkflowID).Msg("task result for unknown or archived workflow ignored")
		d.Ack()
		return
	}

	label := ev.TransitionType
	if def, found := s.registry.Get(wfType); found {
		if _, declared := def.Next(ev.TaskType, label); !declared {
			log.Warn().
				Str("workflowId", ev.WorkflowID).
				Str("state", ev.TaskType).
				Str("label", label).
				Msg("undeclared transition label, treated as failure")
			label = registry.LabelFailure
		}
	}

	out, err := s.move(ctx, ev.WorkflowID, moveRequest{
		expectedFrom: ev.TaskType,
		label:        label,
		patch:        ev.Result,
		forced:       true,
		forceLabel:   registry.LabelFailure,
	})
	if err != nil {
		if err == errStaleResult {
			log.Debug().Str("workflowId", ev.WorkflowID).Str("state", ev.TaskType).Msg("duplicate task result discarded")
			d.Ack()
			return
		}
		if coorderr.CategoryOf(err) == coorderr.CategoryDatabase {
			d.Nack(true)
			return
		}
		log.Error().Err(err).Str("workflowId", ev.WorkflowID).Msg("task result rejected")
		d.Ack()
		return
	}
	s.afterMove(ctx, out)
	d.Ack()
}

// onTaskFailed only settles dispatch accounting; the failure policy
// (retry, delegate, dead-letter, workflow failure) lives in the recovery
// service, which subscribes to the same event.
func (s *Service) onTaskFailed(ctx context.Context, d *messagebus.Delivery) {
	var ev wire.TaskFailed
	if err := d.Message.Decode(&ev); err != nil {
		log.Error().Err(err).Msg("undecodable task-failed event")
		d.Nack(false)
		return
	}
	s.releaseDispatch(ev.WorkflowID)
	metric.Incr(metric.TaskResultCount, []string{
		metric.TagAsString(metric.TagWorker, ev.WorkerID),
		metric.TagAsString(metric.TagResult, "failed"),
	})
	log.Warn().
		Str("workflowId", ev.WorkflowID).
		Str("taskType", ev.TaskType).
		Str("workerId", ev.WorkerID).
		Str("category", ev.Category).
		Str("error", ev.Error).
		Msg("task failed")
	d.Ack()
}

func (s *Service) onStatusQuery(ctx context.Context, msg messagebus.Message) (interface{}, error) {
	var req struct {
		WorkflowID string `json:"workflowId"`
	}
	if err := msg.Decode(&req); err != nil {
		return nil, coorderr.Wrap(err, coorderr.CategoryValidation, coorderr.CodeInvalidRequest, "decode status query")
	}
	if req.WorkflowID == "" {
		return nil, coorderr.New(coorderr.CategoryValidation, coorderr.CodeInvalidRequest, "workflowId is required")
	}
	return s.GetWorkflowStatus(ctx, req.WorkflowID)
}

func (s *Service) emitWorkflowEvent(key string, ev wire.WorkflowEvent) {
	if err := s.bus.PublishEvent(context.Background(), key, ev); err != nil {
		log.Error().Err(err).Str("key", key).Str("workflowId", ev.WorkflowID).Msg("workflow event publish failed")
	}
}

func archivedView(rec store.Record) StatusView {
	wfType, _ := rec.Payload[payloadKeyType].(string)
	return StatusView{
		Exists:       true,
		WorkflowID:   rec.WorkflowID,
		Type:         wfType,
		Status:       StatusArchived,
		CurrentState: rec.State,
		History:      rec.History,
		StartedAt:    rec.CreatedAt,
		UpdatedAt:    rec.LastUpdated,
	}
}
