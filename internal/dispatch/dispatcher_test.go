package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/internal/approval"
	"github.com/conveyor-ci/conveyor/internal/event"
	"github.com/conveyor-ci/conveyor/internal/executor"
	"github.com/conveyor-ci/conveyor/internal/ledger"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/internal/registry"
	"github.com/conveyor-ci/conveyor/pkg/pipedef"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const diamondPipeline = `
apiVersion: v1
kind: Pipeline
metadata:
  name: diamond
stages:
  - name: checkout
  - name: lint
    dependsOn: [checkout]
  - name: test
    dependsOn: [checkout]
  - name: package
    dependsOn: [lint, test]
`

type harness struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	registry   *registry.Registry
	approvals  *approval.Coordinator
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, exec executor.Executor) *harness {
	t.Helper()

	conn, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{},
	)
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&models.Job{}, &models.Build{}, &models.StageRun{},
		&models.Agent{}, &models.ApprovalGate{}, &models.ApprovalResponse{},
	))

	bus := event.New()
	h := &harness{
		db:        conn,
		ledger:    ledger.New(conn, bus),
		registry:  registry.New(conn, bus, time.Minute),
		approvals: approval.New(conn, bus),
	}
	h.dispatcher = New(Config{
		Ledger:    h.ledger,
		Registry:  h.registry,
		Approvals: h.approvals,
		Executor:  exec,
		DB:        conn,
		Bus:       bus,
		PoolSize:  8,
		Interval:  10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.dispatcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) addAgent(t *testing.T, name string, slots int) *models.Agent {
	t.Helper()
	agent, err := h.registry.Register(context.Background(), &models.Agent{
		Name:      name,
		URL:       "http://" + name + ":7251",
		MaxBuilds: slots,
	})
	require.NoError(t, err)
	return agent
}

func (h *harness) startBuild(t *testing.T, pipeline string) (*models.Build, *pipedef.Definition) {
	t.Helper()
	def, err := pipedef.Parse([]byte(pipeline))
	require.NoError(t, err)

	build, err := h.ledger.Create(context.Background(), uuid.New(), nil)
	require.NoError(t, err)
	require.NoError(t, h.dispatcher.StartBuild(context.Background(), build, def))
	return build, def
}

func (h *harness) buildStatus(t *testing.T, id uuid.UUID) models.BuildStatus {
	t.Helper()
	build, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return build.Status
}

func (h *harness) stageRows(t *testing.T, buildID uuid.UUID) map[string]models.StageRun {
	t.Helper()
	var rows []models.StageRun
	require.NoError(t, h.db.Where("build_id = ?", buildID).Find(&rows).Error)
	out := make(map[string]models.StageRun, len(rows))
	for _, row := range rows {
		out[row.Name] = row
	}
	return out
}

func waitForStatus(t *testing.T, h *harness, id uuid.UUID, want models.BuildStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.buildStatus(t, id) == want
	}, 5*time.Second, 10*time.Millisecond, "build never reached %s", want)
}

func TestDiamondPipelineRunsLayersInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	exec := &executor.Local{Outcome: func(stage *models.StageRun) executor.Result {
		mu.Lock()
		order = append(order, stage.Name)
		mu.Unlock()
		return executor.Result{Status: models.StageStatusSucceeded}
	}}
	h := newHarness(t, exec)
	h.addAgent(t, "solo", 1)

	build, _ := h.startBuild(t, diamondPipeline)
	waitForStatus(t, h, build.ID, models.BuildStatusSucceeded)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	require.Equal(t, "checkout", order[0])
	require.Equal(t, "package", order[3])
	require.ElementsMatch(t, []string{"lint", "test"}, order[1:3])

	for name, row := range h.stageRows(t, build.ID) {
		require.Equal(t, models.StageStatusSucceeded, row.Status, name)
		require.NotNil(t, row.AgentID, name)
	}
}

func TestSingleSlotNeverRunsStagesConcurrently(t *testing.T) {
	var inFlight, peak int64
	exec := &executor.Local{
		Delay: 20 * time.Millisecond,
		Outcome: func(*models.StageRun) executor.Result {
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			atomic.AddInt64(&inFlight, -1)
			return executor.Result{Status: models.StageStatusSucceeded}
		},
	}
	h := newHarness(t, exec)
	h.addAgent(t, "solo", 1)

	build, _ := h.startBuild(t, diamondPipeline)
	waitForStatus(t, h, build.ID, models.BuildStatusSucceeded)

	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(1))

	agent, err := h.registry.Get(h.registry.Select(nil)[0].ID)
	require.NoError(t, err)
	require.Zero(t, agent.CurrentBuilds)
}

func TestGateBlocksStageUntilApproved(t *testing.T) {
	const pipeline = `
apiVersion: v1
kind: Pipeline
metadata:
  name: deploy-prod
stages:
  - name: build
  - name: deploy
    dependsOn: [build]
    gate:
      approvers: [alice]
      minApprovals: 1
`
	h := newHarness(t, &executor.Local{})
	h.addAgent(t, "worker-1", 2)

	build, _ := h.startBuild(t, pipeline)
	gate := waitForGate(t, h, build.ID)

	require.Equal(t, "deploy", gate.StageName)
	require.Equal(t, models.GateStatusPending, gate.Status)
	require.Equal(t, models.BuildStatusRunning, h.buildStatus(t, build.ID))
	require.Equal(t, models.StageStatusPending, h.stageRows(t, build.ID)["deploy"].Status)

	_, err := h.approvals.Respond(context.Background(), gate.ID, "alice", models.DecisionApproved, "ship it")
	require.NoError(t, err)

	waitForStatus(t, h, build.ID, models.BuildStatusSucceeded)
	rows := h.stageRows(t, build.ID)
	require.Equal(t, models.StageStatusSucceeded, rows["deploy"].Status)
	require.Nil(t, rows["deploy"].AgentID)
}

func TestGateRejectionFailsTheBuild(t *testing.T) {
	const pipeline = `
apiVersion: v1
kind: Pipeline
metadata:
  name: deploy-prod
stages:
  - name: build
  - name: deploy
    dependsOn: [build]
    gate:
      approvers: [alice, bob]
      minApprovals: 2
`
	h := newHarness(t, &executor.Local{})
	h.addAgent(t, "worker-1", 2)

	build, _ := h.startBuild(t, pipeline)
	gate := waitForGate(t, h, build.ID)

	_, err := h.approvals.Respond(context.Background(), gate.ID, "alice", models.DecisionRejected, "not today")
	require.NoError(t, err)

	waitForStatus(t, h, build.ID, models.BuildStatusFailed)
	require.Equal(t, models.StageStatusFailed, h.stageRows(t, build.ID)["deploy"].Status)
}

func TestHaltPolicySkipsEverythingDownstream(t *testing.T) {
	const pipeline = `
apiVersion: v1
kind: Pipeline
metadata:
  name: chain
stages:
  - name: compile
  - name: test
    dependsOn: [compile]
  - name: publish
    dependsOn: [test]
`
	exec := &executor.Local{Outcome: func(stage *models.StageRun) executor.Result {
		if stage.Name == "compile" {
			return executor.Result{Status: models.StageStatusFailed, Detail: "exit 2"}
		}
		return executor.Result{Status: models.StageStatusSucceeded}
	}}
	h := newHarness(t, exec)
	h.addAgent(t, "worker-1", 2)

	build, _ := h.startBuild(t, pipeline)
	waitForStatus(t, h, build.ID, models.BuildStatusFailed)

	rows := h.stageRows(t, build.ID)
	require.Equal(t, models.StageStatusFailed, rows["compile"].Status)
	require.Equal(t, models.StageStatusSkipped, rows["test"].Status)
	require.Equal(t, models.StageStatusSkipped, rows["publish"].Status)
}

func TestContinuePolicySparesIndependentBranches(t *testing.T) {
	const pipeline = `
apiVersion: v1
kind: Pipeline
metadata:
  name: fan-out
failurePolicy: continue
stages:
  - name: checkout
  - name: lint
    dependsOn: [checkout]
  - name: test
    dependsOn: [checkout]
  - name: package
    dependsOn: [test]
`
	exec := &executor.Local{Outcome: func(stage *models.StageRun) executor.Result {
		if stage.Name == "test" {
			return executor.Result{Status: models.StageStatusFailed, Detail: "3 failures"}
		}
		return executor.Result{Status: models.StageStatusSucceeded}
	}}
	h := newHarness(t, exec)
	h.addAgent(t, "worker-1", 4)

	build, _ := h.startBuild(t, pipeline)
	waitForStatus(t, h, build.ID, models.BuildStatusFailed)

	rows := h.stageRows(t, build.ID)
	require.Equal(t, models.StageStatusSucceeded, rows["checkout"].Status)
	require.Equal(t, models.StageStatusSucceeded, rows["lint"].Status)
	require.Equal(t, models.StageStatusFailed, rows["test"].Status)
	require.Equal(t, models.StageStatusSkipped, rows["package"].Status)
}

func TestAbortReleasesEveryHeldSlot(t *testing.T) {
	const pipeline = `
apiVersion: v1
kind: Pipeline
metadata:
  name: slow
stages:
  - name: soak-a
  - name: soak-b
`
	h := newHarness(t, &executor.Local{Delay: 10 * time.Second})
	agent := h.addAgent(t, "worker-1", 2)

	build, _ := h.startBuild(t, pipeline)

	require.Eventually(t, func() bool {
		a, err := h.registry.Get(agent.ID)
		require.NoError(t, err)
		return a.CurrentBuilds == 2
	}, 5*time.Second, 10*time.Millisecond, "both stages should hold a slot")

	require.NoError(t, h.dispatcher.Abort(context.Background(), build.ID))

	require.Equal(t, models.BuildStatusAborted, h.buildStatus(t, build.ID))
	require.False(t, h.dispatcher.Tracking(build.ID))

	a, err := h.registry.Get(agent.ID)
	require.NoError(t, err)
	require.Zero(t, a.CurrentBuilds)

	for name, row := range h.stageRows(t, build.ID) {
		require.Equal(t, models.StageStatusSkipped, row.Status, name)
	}
}

func TestRecoverResumesInterruptedBuild(t *testing.T) {
	h := newHarness(t, &executor.Local{})
	h.addAgent(t, "worker-1", 2)

	def, err := pipedef.Parse([]byte(diamondPipeline))
	require.NoError(t, err)

	job := &models.Job{
		ID:         uuid.New(),
		Name:       "diamond",
		Definition: mustJSON(t, def),
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, h.db.Create(job).Error)

	build, err := h.ledger.Create(context.Background(), job.ID, nil)
	require.NoError(t, err)
	_, err = h.ledger.Transition(context.Background(), build.ID, models.BuildStatusRunning)
	require.NoError(t, err)

	// simulate a crash after checkout finished and lint was mid-flight
	now := time.Now().UTC()
	for _, stage := range def.Stages {
		status := models.StageStatusPending
		switch stage.Name {
		case "checkout":
			status = models.StageStatusSucceeded
		case "lint":
			status = models.StageStatusRunning
		}
		require.NoError(t, h.db.Create(&models.StageRun{
			ID:        uuid.New(),
			BuildID:   build.ID,
			Name:      stage.Name,
			DependsOn: mustJSON(t, stage.DependsOn),
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error)
	}

	require.NoError(t, h.dispatcher.Recover(context.Background()))
	waitForStatus(t, h, build.ID, models.BuildStatusSucceeded)

	for name, row := range h.stageRows(t, build.ID) {
		require.Equal(t, models.StageStatusSucceeded, row.Status, name)
	}
}

const gatedDeployPipeline = `
apiVersion: v1
kind: Pipeline
metadata:
  name: deploy-prod
stages:
  - name: build
  - name: deploy
    dependsOn: [build]
    gate:
      approvers: [alice]
      minApprovals: 1
`

func waitForGate(t *testing.T, h *harness, buildID uuid.UUID) *models.ApprovalGate {
	t.Helper()
	var gate *models.ApprovalGate
	require.Eventually(t, func() bool {
		gates, err := h.approvals.ListByBuild(context.Background(), buildID)
		require.NoError(t, err)
		if len(gates) == 0 {
			return false
		}
		gate = gates[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return gate
}

func TestRecoverSettlesGateApprovedDuringOutage(t *testing.T) {
	h := newHarness(t, &executor.Local{})
	h.addAgent(t, "worker-1", 2)

	def, err := pipedef.Parse([]byte(gatedDeployPipeline))
	require.NoError(t, err)

	job := &models.Job{
		ID:         uuid.New(),
		Name:       "deploy-prod",
		Definition: mustJSON(t, def),
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, h.db.Create(job).Error)

	build, err := h.ledger.Create(context.Background(), job.ID, nil)
	require.NoError(t, err)
	_, err = h.ledger.Transition(context.Background(), build.ID, models.BuildStatusRunning)
	require.NoError(t, err)

	// the process died after the gate was approved but before the
	// resolution reached the frontier
	now := time.Now().UTC()
	for _, stage := range def.Stages {
		status := models.StageStatusPending
		if stage.Name == "build" {
			status = models.StageStatusSucceeded
		}
		require.NoError(t, h.db.Create(&models.StageRun{
			ID:        uuid.New(),
			BuildID:   build.ID,
			Name:      stage.Name,
			DependsOn: mustJSON(t, stage.DependsOn),
			Status:    status,
			Gated:     stage.Gate != nil,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error)
	}
	require.NoError(t, h.db.Create(&models.ApprovalGate{
		ID:            uuid.New(),
		BuildID:       build.ID,
		StageName:     "deploy",
		Status:        models.GateStatusApproved,
		ApproverGroup: mustJSON(t, []string{"alice"}),
		MinApprovals:  1,
		TimeoutSecs:   3600,
		CreatedAt:     now,
		ResolvedAt:    &now,
	}).Error)

	require.NoError(t, h.dispatcher.Recover(context.Background()))
	waitForStatus(t, h, build.ID, models.BuildStatusSucceeded)

	// the stored approval settled the stage, no second gate was opened
	gates, err := h.approvals.ListByBuild(context.Background(), build.ID)
	require.NoError(t, err)
	require.Len(t, gates, 1)
	require.Equal(t, models.GateStatusApproved, gates[0].Status)
	require.Equal(t, models.StageStatusSucceeded, h.stageRows(t, build.ID)["deploy"].Status)
}

func TestTickSettlesGateResolvedBehindTheBus(t *testing.T) {
	h := newHarness(t, &executor.Local{})
	h.addAgent(t, "worker-1", 2)

	build, _ := h.startBuild(t, gatedDeployPipeline)
	gate := waitForGate(t, h, build.ID)

	// resolve the row directly, as if the gate_resolved event was
	// dropped on a full subscriber buffer
	now := time.Now().UTC()
	require.NoError(t, h.db.Model(&models.ApprovalGate{}).
		Where("id = ?", gate.ID).
		Updates(map[string]interface{}{
			"status":      models.GateStatusApproved,
			"resolved_at": now,
		}).Error)

	waitForStatus(t, h, build.ID, models.BuildStatusSucceeded)
	require.Equal(t, models.StageStatusSucceeded, h.stageRows(t, build.ID)["deploy"].Status)
}

func TestAbortCancelsPendingGates(t *testing.T) {
	h := newHarness(t, &executor.Local{})
	h.addAgent(t, "worker-1", 2)

	build, _ := h.startBuild(t, gatedDeployPipeline)
	gate := waitForGate(t, h, build.ID)
	require.Equal(t, models.GateStatusPending, gate.Status)

	require.NoError(t, h.dispatcher.Abort(context.Background(), build.ID))

	got, err := h.approvals.Get(context.Background(), gate.ID)
	require.NoError(t, err)
	require.Equal(t, models.GateStatusCancelled, got.Status)
	require.NotNil(t, got.ResolvedAt)

	// a cancelled gate refuses late votes
	_, err = h.approvals.Respond(context.Background(), gate.ID, "alice", models.DecisionApproved, "too late")
	require.ErrorIs(t, err, approval.ErrGateResolved)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
