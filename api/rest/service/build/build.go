package build

import (
	"context"
	"errors"
	"fmt"

	"github.com/conveyor-ci/conveyor/internal/core"
	"github.com/conveyor-ci/conveyor/internal/dispatch"
	"github.com/conveyor-ci/conveyor/internal/ledger"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/pkg/db"
	"github.com/conveyor-ci/conveyor/pkg/pipedef"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrUnknownJob is returned when a build is requested for a job that
// does not exist.
var ErrUnknownJob = errors.New("unknown job")

type Build interface {
	WithDatabase(*gorm.DB) Build
	WithLedger(*ledger.Ledger) Build
	WithDispatcher(*dispatch.Dispatcher) Build
	List(*ListRequest) (models.Builds, error)
	Get(uuid.UUID) (*models.Build, error)
	Create(*CreateRequest) (*models.Build, error)
	Retry(uuid.UUID) (*models.Build, error)
	Abort(uuid.UUID) error
	Stages(uuid.UUID) (models.StageRuns, error)
	Attempts(uuid.UUID) (models.Builds, error)
	StartJob(ctx context.Context, jobID uuid.UUID, parentID *uuid.UUID) (*models.Build, error)
}

type buildService struct {
	ctx           context.Context
	db            *gorm.DB
	ledger        *ledger.Ledger
	dispatcher    *dispatch.Dispatcher
	dispatcherSet bool
}

func Service(ctx context.Context) Build {
	return &buildService{ctx: ctx}
}

func (b *buildService) WithDatabase(conn *gorm.DB) Build {
	b.db = conn
	return b
}

func (b *buildService) WithLedger(l *ledger.Ledger) Build {
	b.ledger = l
	return b
}

func (b *buildService) WithDispatcher(d *dispatch.Dispatcher) Build {
	b.dispatcher = d
	b.dispatcherSet = true
	return b
}

func (b *buildService) conn() *gorm.DB {
	if b.db == nil {
		b.db = db.Connection()
	}
	return b.db
}

func (b *buildService) led() *ledger.Ledger {
	if b.ledger == nil {
		b.ledger = core.Ledger()
	}
	return b.ledger
}

func (b *buildService) disp() *dispatch.Dispatcher {
	if b.dispatcher == nil && !b.dispatcherSet {
		b.dispatcher = core.Dispatcher()
	}
	return b.dispatcher
}

type ListRequest struct {
	Limit  uint64
	Offset uint64
	JobID  string
	Status string
}

func (b *buildService) List(req *ListRequest) (models.Builds, error) {
	var (
		builds = make(models.Builds, 0)
		q      = b.conn().WithContext(b.ctx)
	)

	if req.JobID != "" {
		q = q.Where("job_id = ?", req.JobID)
	}

	if req.Status != "" {
		q = q.Where("status = ?", req.Status)
	}

	q = q.Order("created_at DESC")

	if req.Limit > 0 {
		q = q.Limit(int(req.Limit))
	}

	if req.Offset > 0 {
		q = q.Offset(int(req.Offset))
	}

	return builds, q.Find(&builds).Error
}

func (b *buildService) Get(id uuid.UUID) (*models.Build, error) {
	build, err := b.led().Get(b.ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return build, err
}

type CreateRequest struct {
	JobID    uuid.UUID  `json:"job_id"`
	ParentID *uuid.UUID `json:"parent_id,omitempty"`
}

func (b *buildService) Create(req *CreateRequest) (*models.Build, error) {
	return b.StartJob(b.ctx, req.JobID, req.ParentID)
}

// Retry creates a new attempt chained to the given build.
func (b *buildService) Retry(id uuid.UUID) (*models.Build, error) {
	parent, err := b.Get(id)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return b.StartJob(b.ctx, parent.JobID, &parent.ID)
}

func (b *buildService) Abort(id uuid.UUID) error {
	if d := b.disp(); d != nil {
		return d.Abort(b.ctx, id)
	}
	_, err := b.led().Transition(b.ctx, id, models.BuildStatusAborted)
	return err
}

func (b *buildService) Stages(id uuid.UUID) (models.StageRuns, error) {
	stages := make(models.StageRuns, 0)
	return stages, b.conn().WithContext(b.ctx).
		Where("build_id = ?", id).
		Order("created_at ASC").
		Find(&stages).Error
}

// Attempts lists every build in the retry chain rooted at the given
// build's root, oldest first.
func (b *buildService) Attempts(id uuid.UUID) (models.Builds, error) {
	build, err := b.Get(id)
	if err != nil {
		return nil, err
	}
	if build == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return b.led().ListAttempts(b.ctx, build.RootID)
}

// StartJob creates a build and hands it to the dispatcher. It is the
// single entry point shared by the API, cron triggers and downstream
// chaining.
func (b *buildService) StartJob(ctx context.Context, jobID uuid.UUID, parentID *uuid.UUID) (*models.Build, error) {
	job := &models.Job{ID: jobID}
	err := b.conn().WithContext(ctx).First(job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if err != nil {
		return nil, err
	}

	def, err := pipedef.Parse(job.Definition)
	if err != nil {
		return nil, err
	}

	build, err := b.led().Create(ctx, jobID, parentID)
	if err != nil {
		return nil, err
	}

	if d := b.disp(); d != nil {
		if err := d.StartBuild(ctx, build, def); err != nil {
			return nil, err
		}
	}
	return build, nil
}
