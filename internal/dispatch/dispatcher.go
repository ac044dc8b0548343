// Package dispatch turns "stage X of build B is ready" into "agent A
// is executing it": it walks each build's DAG frontier, places ready
// stages on agents through the registry, parks gated stages with the
// approval coordinator, and records every outcome in the ledger.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/internal/approval"
	"github.com/conveyor-ci/conveyor/internal/dag"
	"github.com/conveyor-ci/conveyor/internal/event"
	"github.com/conveyor-ci/conveyor/internal/executor"
	"github.com/conveyor-ci/conveyor/internal/ledger"
	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/internal/registry"
	"github.com/conveyor-ci/conveyor/internal/worker"
	"github.com/conveyor-ci/conveyor/pkg/log"
	"github.com/conveyor-ci/conveyor/pkg/pipedef"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrUnknownBuild is returned for operations on a build the dispatcher
// is not tracking.
var ErrUnknownBuild = errors.New("build not tracked by dispatcher")

const defaultInterval = 2 * time.Second

// Config wires a dispatcher's collaborators.
type Config struct {
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Approvals *approval.Coordinator
	Executor  executor.Executor
	DB        *gorm.DB
	Bus       event.Bus
	PoolSize  int
	Interval  time.Duration
}

// Dispatcher owns the per-build frontier state. Dispatch decisions are
// quick, in-memory operations; executing a stage is delegated to the
// executor collaborator on a bounded pool.
type Dispatcher struct {
	ledger    *ledger.Ledger
	registry  *registry.Registry
	approvals *approval.Coordinator
	exec      executor.Executor
	db        *gorm.DB
	bus       event.Bus
	pool      *worker.Pool
	interval  time.Duration

	mu     sync.Mutex
	builds map[uuid.UUID]*buildState
	kick   chan struct{}
}

func New(cfg Config) *Dispatcher {
	if cfg.Ledger == nil || cfg.Registry == nil || cfg.Approvals == nil {
		panic("dispatcher requires ledger, registry and approval coordinator")
	}
	if cfg.DB == nil {
		panic("dispatcher requires a database connection")
	}
	if cfg.Executor == nil {
		cfg.Executor = &executor.Local{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	return &Dispatcher{
		ledger:    cfg.Ledger,
		registry:  cfg.Registry,
		approvals: cfg.Approvals,
		exec:      cfg.Executor,
		db:        cfg.DB,
		bus:       cfg.Bus,
		pool:      worker.NewPool(cfg.PoolSize),
		interval:  cfg.Interval,
		builds:    make(map[uuid.UUID]*buildState),
		kick:      make(chan struct{}, 1),
	}
}

// StartBuild moves a queued build to running, lays out its pipeline
// into layers, persists the per-stage projections and begins
// dispatching layer zero.
func (d *Dispatcher) StartBuild(ctx context.Context, build *models.Build, def *pipedef.Definition) error {
	nodes := make([]dag.Node, len(def.Stages))
	for i, stage := range def.Stages {
		nodes[i] = dag.Node{ID: stage.Name, DependsOn: stage.DependsOn}
	}
	layers, err := dag.Layout(nodes)
	if err != nil {
		return err
	}

	if _, err := d.ledger.Transition(ctx, build.ID, models.BuildStatusRunning); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, stage := range def.Stages {
		dependsOn, err := json.Marshal(stage.DependsOn)
		if err != nil {
			return err
		}
		row := &models.StageRun{
			ID:        uuid.New(),
			BuildID:   build.ID,
			Name:      stage.Name,
			DependsOn: dependsOn,
			Status:    models.StageStatusPending,
			Gated:     stage.Gate != nil,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.db.WithContext(ctx).Create(row).Error; err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.builds[build.ID] = newBuildState(build, def, layers)
	d.mu.Unlock()

	log.Info("build started",
		"build_id", build.ID, "job_id", build.JobID,
		"number", build.Number, "layers", len(layers))

	d.Tick(ctx)
	return nil
}

// Run dispatches until ctx is cancelled: periodic ticks, plus
// immediate wakeups on stage completions and gate resolutions.
func (d *Dispatcher) Run(ctx context.Context) error {
	gateEvents, err := d.bus.Subscribe(ctx, event.Filter{
		Types: []event.Type{event.TypeGateResolved},
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.pool.Wait()
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		case <-d.kick:
			d.Tick(ctx)
		case e, ok := <-gateEvents:
			if !ok {
				d.pool.Wait()
				return nil
			}
			d.handleGateEvent(ctx, e)
		}
	}
}

// Tick makes one scheduling pass over every tracked build. Open gates
// are reconciled against their stored status first, so a resolution
// whose event never arrived is picked up here at the latest.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.reconcileGates(ctx)

	launches, gates := d.collect(ctx)

	for _, g := range gates {
		d.openGate(ctx, g)
	}
	for _, l := range launches {
		d.launch(ctx, l)
	}
}

type launchDecision struct {
	buildID uuid.UUID
	jobID   uuid.UUID
	stage   string
	agent   *models.Agent
	ctx     context.Context
}

type gateDecision struct {
	buildID uuid.UUID
	stage   string
	spec    approval.GateSpec
}

// collect walks every frontier under the mutex and reserves agent
// slots for dispatchable stages. Slow work (row updates, executor
// start) happens outside the lock.
func (d *Dispatcher) collect(ctx context.Context) ([]launchDecision, []gateDecision) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var launches []launchDecision
	var gates []gateDecision

	for _, st := range d.builds {
		if st.done || st.frontier >= len(st.layers) {
			continue
		}

		for _, name := range st.layers[st.frontier] {
			if st.stages[name] != models.StageStatusPending {
				continue
			}
			stage := st.def.StageByName(name)
			if stage == nil {
				continue
			}

			if stage.Gate != nil {
				if _, opened := st.gates[name]; opened {
					continue
				}
				// placeholder blocks a second open while the insert runs
				st.gates[name] = uuid.Nil
				gates = append(gates, gateDecision{
					buildID: st.build.ID,
					stage:   name,
					spec: approval.GateSpec{
						RequiredRole: stage.Gate.RequiredRole,
						Approvers:    stage.Gate.Approvers,
						MinApprovals: stage.Gate.MinApprovals,
						Timeout:      stage.Gate.Timeout,
					},
				})
				continue
			}

			agent := d.reserveFor(ctx, stage.Labels)
			if agent == nil {
				// backpressure, not an error: retried next tick
				metrics.DispatchDecisionsTotal.WithLabelValues("deferred").Inc()
				continue
			}

			stageCtx, cancel := context.WithCancel(context.Background())
			st.stages[name] = models.StageStatusRunning
			st.agents[name] = agent.ID
			st.cancels[name] = cancel
			launches = append(launches, launchDecision{
				buildID: st.build.ID,
				jobID:   st.build.JobID,
				stage:   name,
				agent:   agent,
				ctx:     stageCtx,
			})
			metrics.DispatchDecisionsTotal.WithLabelValues("placed").Inc()
		}
	}

	return launches, gates
}

// reserveFor picks the least-loaded eligible agent and claims a slot,
// moving on when a reservation loses a race against the store.
func (d *Dispatcher) reserveFor(ctx context.Context, labels map[string]string) *models.Agent {
	for _, agent := range d.registry.Select(labels) {
		err := d.registry.Reserve(ctx, agent.ID)
		if err == nil {
			return agent
		}
		if errors.Is(err, registry.ErrReservationRace) ||
			errors.Is(err, registry.ErrCapacityExhausted) {
			continue
		}
		log.Error("slot reservation failed", "agent_id", agent.ID, "error", err)
	}
	return nil
}

func (d *Dispatcher) openGate(ctx context.Context, g gateDecision) {
	gate, err := d.approvals.Open(ctx, g.buildID, g.stage, g.spec)
	if err != nil {
		log.Error("failed to open approval gate",
			"build_id", g.buildID, "stage", g.stage, "error", err)
		d.mu.Lock()
		if st, ok := d.builds[g.buildID]; ok {
			delete(st.gates, g.stage)
		}
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	if st, ok := d.builds[g.buildID]; ok {
		st.gates[g.stage] = gate.ID
	}
	d.mu.Unlock()
}

func (d *Dispatcher) launch(ctx context.Context, l launchDecision) {
	now := time.Now().UTC()
	d.mu.Lock()
	if st, ok := d.builds[l.buildID]; ok {
		st.started[l.stage] = now
	}
	d.mu.Unlock()

	if err := d.updateStageRow(ctx, l.buildID, l.stage, map[string]interface{}{
		"status":     models.StageStatusRunning,
		"agent_id":   l.agent.ID,
		"started_at": now,
		"updated_at": now,
	}); err != nil {
		log.Error("failed to persist stage start",
			"build_id", l.buildID, "stage", l.stage, "error", err)
	}

	d.publish(event.TypeStageStarted, l.jobID, l.buildID, l.agent.ID, l.stage)
	log.Info("stage dispatched",
		"build_id", l.buildID, "stage", l.stage,
		"agent_id", l.agent.ID, "agent", l.agent.Name)

	row := &models.StageRun{}
	if err := d.db.WithContext(ctx).
		First(row, "build_id = ? AND name = ?", l.buildID, l.stage).Error; err != nil {
		log.Error("failed to load stage row", "build_id", l.buildID, "stage", l.stage, "error", err)
		row = &models.StageRun{BuildID: l.buildID, Name: l.stage}
	}

	buildID, stage := l.buildID, l.stage
	if err := d.pool.Submit(l.ctx, func() {
		d.exec.Start(l.ctx, row, l.agent, func(res executor.Result) {
			d.OnStageComplete(context.Background(), buildID, stage, res)
		})
	}); err != nil {
		// pool refused (shutdown): hand the slot back
		d.OnStageComplete(context.Background(), buildID, stage,
			executor.Result{Status: models.StageStatusSkipped, Detail: "not started"})
	}
}

// OnStageComplete records a stage result, releases the agent slot and
// advances the frontier. It is the single completion path for normal
// execution; aborts release slots independently.
func (d *Dispatcher) OnStageComplete(ctx context.Context, buildID uuid.UUID, stage string, res executor.Result) {
	status := res.Status
	if !status.Terminal() {
		status = models.StageStatusFailed
	}

	d.mu.Lock()
	st, ok := d.builds[buildID]
	if !ok || st.stages[stage].Terminal() {
		// aborted or already resolved: slot was released by the abort path
		d.mu.Unlock()
		return
	}

	st.stages[stage] = status
	if agentID, held := st.agents[stage]; held {
		if err := d.registry.Release(ctx, agentID); err != nil {
			log.Error("slot release failed", "agent_id", agentID, "error", err)
		}
		delete(st.agents, stage)
	}
	if cancel, held := st.cancels[stage]; held {
		cancel()
		delete(st.cancels, stage)
	}

	jobID := st.build.JobID
	startedAt, executed := st.started[stage]
	delete(st.started, stage)
	if status == models.StageStatusFailed {
		st.failed = true
		d.applyFailurePolicyLocked(ctx, st, stage)
	}
	d.advanceLocked(ctx, st)
	d.mu.Unlock()

	now := time.Now().UTC()
	if err := d.updateStageRow(ctx, buildID, stage, map[string]interface{}{
		"status":       status,
		"completed_at": now,
		"updated_at":   now,
	}); err != nil {
		log.Error("failed to persist stage result",
			"build_id", buildID, "stage", stage, "error", err)
	}

	metrics.StageRunsTotal.WithLabelValues(jobID.String(), stage, string(status)).Inc()
	if executed {
		metrics.StageDurationSeconds.WithLabelValues(jobID.String(), string(status)).
			Observe(now.Sub(startedAt).Seconds())
	}
	d.publish(event.TypeStageFinished, jobID, buildID, uuid.Nil, stage)
	d.wake()
}

// handleGateEvent resolves a gated stage from a gate outcome event.
func (d *Dispatcher) handleGateEvent(ctx context.Context, e event.Event) {
	var payload struct {
		GateStatus models.GateStatus `json:"gate_status"`
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			log.Error("malformed gate event payload", "error", err)
			return
		}
	}

	d.resolveGate(ctx, e.BuildID, e.Stage, payload.GateStatus)
}

// resolveGate applies a terminal gate status to its stage: approved
// counts as stage success, everything else as stage failure. It is the
// single resolution path shared by bus events, tick reconciliation and
// recovery, and is idempotent for an already-terminal stage.
func (d *Dispatcher) resolveGate(ctx context.Context, buildID uuid.UUID, stage string, gateStatus models.GateStatus) {
	status := models.StageStatusSucceeded
	if gateStatus != models.GateStatusApproved {
		status = models.StageStatusFailed
	}

	d.mu.Lock()
	st, ok := d.builds[buildID]
	if !ok || st.stages[stage].Terminal() {
		d.mu.Unlock()
		return
	}
	st.stages[stage] = status
	jobID := st.build.JobID
	if status == models.StageStatusFailed {
		st.failed = true
		d.applyFailurePolicyLocked(ctx, st, stage)
	}
	d.advanceLocked(ctx, st)
	d.mu.Unlock()

	now := time.Now().UTC()
	if err := d.updateStageRow(ctx, buildID, stage, map[string]interface{}{
		"status":       status,
		"completed_at": now,
		"updated_at":   now,
	}); err != nil {
		log.Error("failed to persist gate outcome",
			"build_id", buildID, "stage", stage, "error", err)
	}

	metrics.StageRunsTotal.WithLabelValues(jobID.String(), stage, string(status)).Inc()
	d.publish(event.TypeStageFinished, jobID, buildID, uuid.Nil, stage)
	d.wake()
}

// reconcileGates checks every open gate against its stored status. The
// bus is a lossy fan-out, so the gate row is the source of truth; a
// resolution that never reached us as an event is applied here.
func (d *Dispatcher) reconcileGates(ctx context.Context) {
	type openGate struct {
		buildID uuid.UUID
		stage   string
		gateID  uuid.UUID
	}

	d.mu.Lock()
	var open []openGate
	for _, st := range d.builds {
		for stage, gateID := range st.gates {
			if gateID == uuid.Nil || st.stages[stage].Terminal() {
				continue
			}
			open = append(open, openGate{buildID: st.build.ID, stage: stage, gateID: gateID})
		}
	}
	d.mu.Unlock()

	for _, g := range open {
		gate, err := d.approvals.Get(ctx, g.gateID)
		if err != nil {
			log.Error("gate reconciliation lookup failed",
				"gate_id", g.gateID, "build_id", g.buildID, "error", err)
			continue
		}
		if gate.Status.Terminal() {
			d.resolveGate(ctx, g.buildID, g.stage, gate.Status)
		}
	}
}

// applyFailurePolicyLocked skips what can no longer run. Under halt the
// whole remaining pipeline is cut and in-flight stages are cancelled;
// under continue only the failed stage's descendants are cut and
// independent branches keep running.
func (d *Dispatcher) applyFailurePolicyLocked(ctx context.Context, st *buildState, failedStage string) {
	var toSkip []string
	if st.def.Policy() == pipedef.FailurePolicyContinue {
		toSkip = descendants(st.adjacency(), failedStage)
	} else {
		for name, status := range st.stages {
			if status == models.StageStatusPending {
				toSkip = append(toSkip, name)
			}
		}
		for _, cancel := range st.cancels {
			cancel()
		}
	}

	now := time.Now().UTC()
	for _, name := range toSkip {
		if st.stages[name] != models.StageStatusPending {
			continue
		}
		st.stages[name] = models.StageStatusSkipped
		if err := d.updateStageRow(ctx, st.build.ID, name, map[string]interface{}{
			"status":       models.StageStatusSkipped,
			"completed_at": now,
			"updated_at":   now,
		}); err != nil {
			log.Error("failed to persist stage skip",
				"build_id", st.build.ID, "stage", name, "error", err)
		}
	}
}

// advanceLocked moves the frontier over completed layers and finishes
// the build once nothing is left to run.
func (d *Dispatcher) advanceLocked(ctx context.Context, st *buildState) {
	for st.frontier < len(st.layers) && st.frontierDone() {
		st.frontier++
	}

	if st.frontier >= len(st.layers) && !st.inFlight() && !st.done {
		st.done = true
		status := models.BuildStatusSucceeded
		if st.failed {
			status = models.BuildStatusFailed
		}
		if _, err := d.ledger.Transition(ctx, st.build.ID, status); err != nil &&
			!errors.Is(err, ledger.ErrInvalidTransition) {
			log.Error("failed to finish build", "build_id", st.build.ID, "error", err)
		}
		delete(d.builds, st.build.ID)
		log.Info("build finished", "build_id", st.build.ID, "status", status)
	}
}

// Abort stops a build: the ledger transition, cancellation of every
// in-flight stage and pending gate, and an unconditional release of
// every held slot, without waiting for completion callbacks that may
// never fire.
func (d *Dispatcher) Abort(ctx context.Context, buildID uuid.UUID) error {
	if _, err := d.ledger.Transition(ctx, buildID, models.BuildStatusAborted); err != nil {
		return err
	}

	if err := d.approvals.CancelForBuild(ctx, buildID); err != nil {
		log.Error("failed to cancel gates on abort", "build_id", buildID, "error", err)
	}

	d.mu.Lock()
	st, ok := d.builds[buildID]
	if !ok {
		d.mu.Unlock()
		return nil
	}

	for stage, cancel := range st.cancels {
		cancel()
		delete(st.cancels, stage)
	}
	for stage, agentID := range st.agents {
		if err := d.registry.Release(ctx, agentID); err != nil {
			log.Error("slot release on abort failed",
				"agent_id", agentID, "stage", stage, "error", err)
		}
		delete(st.agents, stage)
	}

	now := time.Now().UTC()
	var open []string
	for name, status := range st.stages {
		if !status.Terminal() {
			st.stages[name] = models.StageStatusSkipped
			open = append(open, name)
		}
	}
	st.done = true
	delete(d.builds, buildID)
	d.mu.Unlock()

	for _, name := range open {
		if err := d.updateStageRow(ctx, buildID, name, map[string]interface{}{
			"status":       models.StageStatusSkipped,
			"completed_at": now,
			"updated_at":   now,
		}); err != nil {
			log.Error("failed to persist stage skip on abort",
				"build_id", buildID, "stage", name, "error", err)
		}
	}

	log.Info("build aborted", "build_id", buildID)
	return nil
}

// Tracking reports whether the dispatcher currently owns the build.
func (d *Dispatcher) Tracking(buildID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.builds[buildID]
	return ok
}

func (d *Dispatcher) updateStageRow(ctx context.Context, buildID uuid.UUID, name string, updates map[string]interface{}) error {
	result := d.db.WithContext(ctx).Model(&models.StageRun{}).
		Where("build_id = ? AND name = ?", buildID, name).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("stage run %s/%s not found", buildID, name)
	}
	return nil
}

func (d *Dispatcher) publish(t event.Type, jobID, buildID, agentID uuid.UUID, stage string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(event.Event{
		Type:    t,
		JobID:   jobID,
		BuildID: buildID,
		AgentID: agentID,
		Stage:   stage,
	})
}

func (d *Dispatcher) wake() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}
