package dispatch

import (
	"context"

	"github.com/conveyor-ci/conveyor/internal/dag"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/pkg/log"
	"github.com/conveyor-ci/conveyor/pkg/pipedef"
)

// Recover re-adopts builds that were running when the process died.
// Stage statuses are rebuilt from the persisted rows; stages that were
// mid-execution are reset to pending because their executors are gone,
// and the next tick re-dispatches them.
func (d *Dispatcher) Recover(ctx context.Context) error {
	var builds []models.Build
	if err := d.db.WithContext(ctx).
		Where("status = ?", models.BuildStatusRunning).
		Find(&builds).Error; err != nil {
		return err
	}

	for i := range builds {
		if err := d.recoverBuild(ctx, &builds[i]); err != nil {
			log.Error("build recovery failed", "build_id", builds[i].ID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) recoverBuild(ctx context.Context, build *models.Build) error {
	job := &models.Job{}
	if err := d.db.WithContext(ctx).First(job, "id = ?", build.JobID).Error; err != nil {
		return err
	}
	def, err := pipedef.Parse(job.Definition)
	if err != nil {
		return err
	}

	nodes := make([]dag.Node, len(def.Stages))
	for i, stage := range def.Stages {
		nodes[i] = dag.Node{ID: stage.Name, DependsOn: stage.DependsOn}
	}
	layers, err := dag.Layout(nodes)
	if err != nil {
		return err
	}

	var rows []models.StageRun
	if err := d.db.WithContext(ctx).
		Where("build_id = ?", build.ID).
		Find(&rows).Error; err != nil {
		return err
	}

	st := newBuildState(build, def, layers)
	for i := range rows {
		row := &rows[i]
		status := row.Status
		if status == models.StageStatusRunning {
			// the executor died with the process
			status = models.StageStatusPending
			if err := d.updateStageRow(ctx, build.ID, row.Name, map[string]interface{}{
				"status":   models.StageStatusPending,
				"agent_id": nil,
			}); err != nil {
				return err
			}
		}
		st.stages[row.Name] = status
		if status == models.StageStatusFailed {
			st.failed = true
		}
	}

	// Re-bind every gate whose stage is still open. Pending gates keep
	// waiting on approvers; a gate resolved during the outage settles
	// its stage from the stored status below, so no stage ever asks for
	// a second approval it already has.
	gates, err := d.approvals.ListByBuild(ctx, build.ID)
	if err != nil {
		return err
	}
	type settledGate struct {
		stage  string
		status models.GateStatus
	}
	var settled []settledGate
	for i := range gates {
		gate := gates[i]
		if st.stages[gate.StageName].Terminal() {
			continue
		}
		st.gates[gate.StageName] = gate.ID
		if gate.Status.Terminal() {
			settled = append(settled, settledGate{stage: gate.StageName, status: gate.Status})
		}
	}

	for st.frontier < len(st.layers) && st.frontierDone() {
		st.frontier++
	}

	d.mu.Lock()
	d.builds[build.ID] = st
	d.mu.Unlock()

	for _, g := range settled {
		d.resolveGate(ctx, build.ID, g.stage, g.status)
	}

	log.Info("build recovered",
		"build_id", build.ID, "job_id", build.JobID,
		"frontier", st.frontier, "failed", st.failed)
	d.wake()
	return nil
}
