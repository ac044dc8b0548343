package dependency

import (
	"context"
	"errors"
	"fmt"

	"github.com/conveyor-ci/conveyor/internal/dag"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/pkg/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrCycle is returned when a new edge would make the job graph
	// cyclic.
	ErrCycle = errors.New("dependency would create a cycle")
	// ErrInvalidTriggerStatus is returned for a trigger_on value that
	// is not a terminal build status.
	ErrInvalidTriggerStatus = errors.New("trigger_on must be a terminal build status")
)

type Dependency interface {
	WithDatabase(*gorm.DB) Dependency
	List(*ListRequest) (models.JobDependencies, error)
	Create(*CreateRequest) (*models.JobDependency, error)
	Delete(uuid.UUID) error
}

type dependencyService struct {
	ctx context.Context
	db  *gorm.DB
}

func Service(ctx context.Context) Dependency {
	return &dependencyService{ctx: ctx}
}

func (d *dependencyService) WithDatabase(conn *gorm.DB) Dependency {
	d.db = conn
	return d
}

func (d *dependencyService) conn() *gorm.DB {
	if d.db == nil {
		d.db = db.Connection()
	}
	return d.db
}

type ListRequest struct {
	UpstreamJobID   string
	DownstreamJobID string
}

func (d *dependencyService) List(req *ListRequest) (models.JobDependencies, error) {
	var (
		edges = make(models.JobDependencies, 0)
		q     = d.conn().WithContext(d.ctx)
	)

	if req.UpstreamJobID != "" {
		q = q.Where("upstream_job_id = ?", req.UpstreamJobID)
	}

	if req.DownstreamJobID != "" {
		q = q.Where("downstream_job_id = ?", req.DownstreamJobID)
	}

	return edges, q.Find(&edges).Error
}

type CreateRequest struct {
	UpstreamJobID   uuid.UUID          `json:"upstream_job_id"`
	DownstreamJobID uuid.UUID          `json:"downstream_job_id"`
	TriggerOn       models.BuildStatus `json:"trigger_on"`
}

// Create adds an edge after proving it keeps the job graph acyclic.
// The check and the insert share one transaction so two concurrent
// creates cannot race a cycle in.
func (d *dependencyService) Create(req *CreateRequest) (*models.JobDependency, error) {
	if !req.TriggerOn.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTriggerStatus, req.TriggerOn)
	}

	edge := &models.JobDependency{
		ID:              uuid.New(),
		UpstreamJobID:   req.UpstreamJobID,
		DownstreamJobID: req.DownstreamJobID,
		TriggerOn:       req.TriggerOn,
	}

	err := d.conn().WithContext(d.ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.JobDependencies
		if err := tx.Find(&existing).Error; err != nil {
			return err
		}

		edges := make(map[uuid.UUID][]uuid.UUID, len(existing))
		for _, e := range existing {
			edges[e.UpstreamJobID] = append(edges[e.UpstreamJobID], e.DownstreamJobID)
		}

		if req.UpstreamJobID == req.DownstreamJobID ||
			dag.WouldCreateCycleIDs(req.UpstreamJobID, req.DownstreamJobID, edges) {
			return fmt.Errorf("%w: %s -> %s", ErrCycle, req.UpstreamJobID, req.DownstreamJobID)
		}

		return tx.Create(edge).Error
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

func (d *dependencyService) Delete(id uuid.UUID) error {
	return d.conn().WithContext(d.ctx).Delete(&models.JobDependency{ID: id}).Error
}
