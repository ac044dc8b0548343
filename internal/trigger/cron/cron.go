// Package cron arms one listener per scheduled job and fires a fresh
// build whenever the job's expression comes due.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/internal/trigger"
	"github.com/conveyor-ci/conveyor/pkg/log"
	"github.com/google/uuid"
	"github.com/robfig/cron"
	"gorm.io/gorm"
)

const rescanInterval = time.Minute

// Cron fires builds for one job on its five-field schedule.
type Cron struct {
	trigger.Trigger
	jobID    uuid.UUID
	schedule cron.Schedule
	starter  trigger.Starter
}

func New(job *models.Job, starter trigger.Starter) (*Cron, error) {
	if job.CronExpr == "" {
		return nil, fmt.Errorf("job %s has no cron expression", job.ID)
	}

	parser := cron.NewParser(
		cron.Minute |
			cron.Hour |
			cron.Dom |
			cron.Month |
			cron.Dow,
	)

	sched, err := parser.Parse(job.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("job %s cron expression: %w", job.ID, err)
	}

	return &Cron{jobID: job.ID, schedule: sched, starter: starter}, nil
}

func (c *Cron) Listen(ctx context.Context) {
	log.Info("cron trigger listening", "job_id", c.jobID)

	for {
		select {
		case <-time.After(time.Until(c.schedule.Next(time.Now()))):
			if err := c.Fire(ctx); err != nil {
				log.Error("cron trigger fire failure", "job_id", c.jobID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cron) Fire(ctx context.Context) error {
	log.Info("cron trigger firing", "job_id", c.jobID)

	build, err := c.starter.StartJob(ctx, c.jobID, nil)
	if err != nil {
		return err
	}

	metrics.TriggerFiresTotal.WithLabelValues("cron").Inc()
	log.Info("cron build created",
		"job_id", c.jobID, "build_id", build.ID, "number", build.Number)
	return nil
}

func (c *Cron) ID() uuid.UUID {
	return c.jobID
}

// Runner reconciles one listener per scheduled job, picking up jobs
// created or rescheduled after startup.
type Runner struct {
	db      *gorm.DB
	starter trigger.Starter

	mu      sync.Mutex
	armed   map[uuid.UUID]string // job → expression the listener was armed with
	cancels map[uuid.UUID]context.CancelFunc
}

func NewRunner(conn *gorm.DB, starter trigger.Starter) *Runner {
	return &Runner{
		db:      conn,
		starter: starter,
		armed:   make(map[uuid.UUID]string),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run rescans the job table until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	for {
		if err := r.reconcile(ctx); err != nil {
			log.Error("cron reconcile failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) reconcile(ctx context.Context) error {
	var jobs []models.Job
	if err := r.db.WithContext(ctx).
		Where("cron_expr <> ''").
		Find(&jobs).Error; err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[uuid.UUID]struct{}, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		current[job.ID] = struct{}{}

		if expr, ok := r.armed[job.ID]; ok {
			if expr == job.CronExpr {
				continue
			}
			// rescheduled: re-arm with the new expression
			r.cancels[job.ID]()
		}

		c, err := New(job, r.starter)
		if err != nil {
			log.Error("cron trigger rejected", "job_id", job.ID, "error", err)
			continue
		}

		listenCtx, cancel := context.WithCancel(ctx)
		r.armed[job.ID] = job.CronExpr
		r.cancels[job.ID] = cancel
		go c.Listen(listenCtx)
	}

	for id := range r.armed {
		if _, ok := current[id]; !ok {
			r.cancels[id]()
			delete(r.cancels, id)
			delete(r.armed, id)
		}
	}
	return nil
}
