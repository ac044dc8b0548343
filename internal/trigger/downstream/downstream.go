// Package downstream chains jobs together: when an upstream build
// reaches the status a dependency edge names, a fresh build of the
// downstream job is created.
package downstream

import (
	"context"

	"github.com/conveyor-ci/conveyor/internal/event"
	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/internal/trigger"
	"github.com/conveyor-ci/conveyor/pkg/log"
	"gorm.io/gorm"
)

// Chainer watches terminal build events and fires dependent jobs.
type Chainer struct {
	db      *gorm.DB
	bus     event.Bus
	starter trigger.Starter
}

func New(conn *gorm.DB, bus event.Bus, starter trigger.Starter) *Chainer {
	return &Chainer{db: conn, bus: bus, starter: starter}
}

// Run consumes terminal build events until ctx is cancelled.
func (c *Chainer) Run(ctx context.Context) error {
	events, err := c.bus.Subscribe(ctx, event.Filter{
		Types: []event.Type{
			event.TypeBuildSucceeded,
			event.TypeBuildFailed,
			event.TypeBuildAborted,
		},
	})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.fire(ctx, e); err != nil {
				log.Error("downstream trigger failed",
					"job_id", e.JobID, "build_id", e.BuildID, "error", err)
			}
		}
	}
}

func (c *Chainer) fire(ctx context.Context, e event.Event) error {
	status := statusFor(e.Type)
	if status == "" {
		return nil
	}

	var edges []models.JobDependency
	if err := c.db.WithContext(ctx).
		Where("upstream_job_id = ? AND trigger_on = ?", e.JobID, status).
		Find(&edges).Error; err != nil {
		return err
	}

	for _, edge := range edges {
		build, err := c.starter.StartJob(ctx, edge.DownstreamJobID, nil)
		if err != nil {
			log.Error("downstream build creation failed",
				"upstream_job_id", e.JobID,
				"downstream_job_id", edge.DownstreamJobID,
				"error", err)
			continue
		}
		metrics.TriggerFiresTotal.WithLabelValues("downstream").Inc()
		log.Info("downstream build created",
			"upstream_job_id", e.JobID,
			"downstream_job_id", edge.DownstreamJobID,
			"build_id", build.ID, "number", build.Number)
	}
	return nil
}

func statusFor(t event.Type) models.BuildStatus {
	switch t {
	case event.TypeBuildSucceeded:
		return models.BuildStatusSucceeded
	case event.TypeBuildFailed:
		return models.BuildStatusFailed
	case event.TypeBuildAborted:
		return models.BuildStatusAborted
	default:
		return ""
	}
}
