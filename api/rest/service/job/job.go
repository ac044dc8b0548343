package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/conveyor-ci/conveyor/internal/dag"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/pkg/db"
	"github.com/conveyor-ci/conveyor/pkg/jsonmap"
	"github.com/conveyor-ci/conveyor/pkg/pipedef"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrDuplicateJob is returned when a pipeline name is already taken.
var ErrDuplicateJob = errors.New("job name already exists")

type Job interface {
	WithDatabase(*gorm.DB) Job
	List(*ListRequest) (models.Jobs, error)
	Get(uuid.UUID) (*models.Job, error)
	Create(*CreateRequest) (*models.Job, error)
	Delete(uuid.UUID) error
	Layers(uuid.UUID) ([][]string, error)
}

type jobService struct {
	ctx context.Context
	db  *gorm.DB
}

func Service(ctx context.Context) Job {
	return &jobService{ctx: ctx}
}

func (j *jobService) WithDatabase(conn *gorm.DB) Job {
	j.db = conn
	return j
}

func (j *jobService) conn() *gorm.DB {
	if j.db == nil {
		j.db = db.Connection()
	}
	return j.db
}

type ListRequest struct {
	Limit   uint64
	Offset  uint64
	OrderBy []string
	Name    string
}

func (j *jobService) List(req *ListRequest) (models.Jobs, error) {
	var (
		jobs = make(models.Jobs, 0)
		q    = j.conn().WithContext(j.ctx)
	)

	if req.Name != "" {
		q = q.Where("name = ?", req.Name)
	}

	for _, orderBy := range req.OrderBy {
		q = q.Order(orderBy)
	}

	if req.Limit > 0 {
		q = q.Limit(int(req.Limit))
	}

	if req.Offset > 0 {
		q = q.Offset(int(req.Offset))
	}

	return jobs, q.Find(&jobs).Error
}

func (j *jobService) Get(id uuid.UUID) (*models.Job, error) {
	var (
		job = &models.Job{ID: id}
		q   = j.conn().WithContext(j.ctx)
	)

	err := q.First(job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return job, err
}

type CreateRequest struct {
	Definition []byte `json:"definition"`
}

func (j *jobService) Create(req *CreateRequest) (*models.Job, error) {
	def, err := pipedef.Parse(req.Definition)
	if err != nil {
		return nil, err
	}

	doc, err := def.Canonical()
	if err != nil {
		return nil, err
	}

	var cronExpr string
	if def.Trigger != nil {
		cronExpr = def.Trigger.Cron
	}

	job := &models.Job{
		ID:         uuid.New(),
		Name:       def.Metadata.Name,
		Definition: doc,
		Labels:     jsonmap.FromStringMap(def.Metadata.Labels),
		CronExpr:   cronExpr,
	}

	err = j.conn().WithContext(j.ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Job{}).
			Where("name = ?", def.Metadata.Name).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, def.Metadata.Name)
		}
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (j *jobService) Delete(id uuid.UUID) error {
	return j.conn().WithContext(j.ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("upstream_job_id = ? OR downstream_job_id = ?", id, id).
			Delete(&models.JobDependency{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Job{ID: id}).Error
	})
}

// Layers returns the job's stages grouped by scheduling layer.
func (j *jobService) Layers(id uuid.UUID) ([][]string, error) {
	job, err := j.Get(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, gorm.ErrRecordNotFound
	}

	def, err := pipedef.Parse(job.Definition)
	if err != nil {
		return nil, err
	}

	nodes := make([]dag.Node, len(def.Stages))
	for i, stage := range def.Stages {
		nodes[i] = dag.Node{ID: stage.Name, DependsOn: stage.DependsOn}
	}
	return dag.Layout(nodes)
}
