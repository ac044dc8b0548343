// Package ledger owns build identity, the build state machine, and the
// retry/attempt chain bookkeeping. Persistence is delegated to gorm but
// the invariants (unique numbering per job, strictly increasing
// attempts, a single root per chain) are enforced here.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/internal/event"
	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrInvalidTransition is returned when a status change violates
	// the build state machine. The build is left untouched.
	ErrInvalidTransition = errors.New("invalid build transition")

	// ErrInvalidStatus is returned for a status outside the closed set.
	ErrInvalidStatus = errors.New("invalid build status")
)

// maxChainDepth bounds parent-link traversal so corrupt data cannot
// loop the resolver. Past the bound the new build becomes its own root.
const maxChainDepth = 100

// Ledger assigns build numbers, applies status transitions and answers
// retry-chain queries. It is the sole writer of build rows; numbering
// for one job is serialized by a per-job mutex around the transaction,
// with a unique (job_id, number) index as the loud-failure backstop.
type Ledger struct {
	db       *gorm.DB
	bus      event.Bus
	jobLocks sync.Map
}

func New(conn *gorm.DB, bus event.Bus) *Ledger {
	if conn == nil {
		panic("ledger requires a database connection")
	}
	return &Ledger{db: conn, bus: bus}
}

func (l *Ledger) jobLock(jobID uuid.UUID) *sync.Mutex {
	mu, _ := l.jobLocks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create inserts a new queued build for jobID. When parentID is set the
// build is a retry: it joins the parent's chain, inheriting the chain
// root and taking the next attempt number. Numbering is read-max-plus-
// one inside the same transaction as the insert, so two concurrent
// creates for one job can never share a number.
func (l *Ledger) Create(ctx context.Context, jobID uuid.UUID, parentID *uuid.UUID) (*models.Build, error) {
	mu := l.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	build := &models.Build{
		ID:        uuid.New(),
		JobID:     jobID,
		Status:    models.BuildStatusQueued,
		Attempt:   1,
		CreatedAt: time.Now().UTC(),
	}
	build.RootID = build.ID

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxNumber uint64
		err := tx.Model(&models.Build{}).
			Where("job_id = ?", jobID).
			Select("COALESCE(MAX(number), 0)").
			Scan(&maxNumber).Error
		if err != nil {
			return err
		}
		build.Number = maxNumber + 1

		if parentID != nil {
			if err := l.joinChain(tx, build, *parentID); err != nil {
				return err
			}
		}

		if err := tx.Create(build).Error; err != nil {
			// A unique index violation here means the numbering
			// transaction was not serialized. Surface it, never
			// renumber.
			return fmt.Errorf("build number assignment for job %s: %w", jobID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.publish(event.TypeBuildQueued, build)
	return build, nil
}

// joinChain resolves the chain head by walking parent links, bounded by
// maxChainDepth, and sets root and attempt on the new build. A chain
// deeper than the bound is treated as corrupt: the new build becomes
// its own root rather than looping forever.
func (l *Ledger) joinChain(tx *gorm.DB, build *models.Build, parentID uuid.UUID) error {
	parent := &models.Build{}
	if err := tx.First(parent, "id = ?", parentID).Error; err != nil {
		return fmt.Errorf("retry parent %s: %w", parentID, err)
	}
	if parent.JobID != build.JobID {
		return fmt.Errorf("retry parent %s belongs to job %s, not %s",
			parentID, parent.JobID, build.JobID)
	}

	root := parent
	for hops := 0; root.ParentID != nil; hops++ {
		if hops >= maxChainDepth {
			log.Warn("retry chain exceeds depth bound, treating build as its own root",
				"build_id", build.ID, "parent_id", parentID)
			return nil
		}
		next := &models.Build{}
		if err := tx.First(next, "id = ?", *root.ParentID).Error; err != nil {
			return fmt.Errorf("retry chain link %s: %w", *root.ParentID, err)
		}
		root = next
	}

	var maxAttempt int
	err := tx.Model(&models.Build{}).
		Where("root_id = ? OR id = ?", root.ID, root.ID).
		Select("COALESCE(MAX(attempt), 0)").
		Scan(&maxAttempt).Error
	if err != nil {
		return err
	}

	build.RootID = root.ID
	build.ParentID = &parentID
	build.Attempt = maxAttempt + 1
	return nil
}

// Transition applies one state machine step. Terminal builds never
// change; an attempt to move one reports ErrInvalidTransition and
// leaves the row untouched. Entering running stamps started_at,
// entering a terminal state stamps completed_at.
func (l *Ledger) Transition(ctx context.Context, id uuid.UUID, status models.BuildStatus) (*models.Build, error) {
	if !status.Valid() || status == models.BuildStatusQueued {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"status": status}
	if status == models.BuildStatusRunning {
		updates["started_at"] = now
	}
	if status.Terminal() {
		updates["completed_at"] = now
	}

	build := &models.Build{}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Build{}).
			Where("id = ? AND status IN ?", id, []models.BuildStatus{
				models.BuildStatusQueued,
				models.BuildStatusRunning,
			}).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if err := tx.First(build, "id = ?", id).Error; err != nil {
				return err
			}
			return fmt.Errorf("%w: %s is already %s",
				ErrInvalidTransition, id, build.Status)
		}
		return tx.First(build, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}

	if status.Terminal() {
		metrics.BuildsTotal.WithLabelValues(build.JobID.String(), string(status)).Inc()
		if build.StartedAt != nil && build.CompletedAt != nil {
			metrics.BuildDurationSeconds.
				WithLabelValues(build.JobID.String(), string(status)).
				Observe(build.CompletedAt.Sub(*build.StartedAt).Seconds())
		}
	}

	l.publish(eventTypeFor(status), build)
	return build, nil
}

// Get returns one build by id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.Build, error) {
	build := &models.Build{}
	return build, l.db.WithContext(ctx).First(build, "id = ?", id).Error
}

// ListByJob returns a job's builds, newest number first.
func (l *Ledger) ListByJob(ctx context.Context, jobID uuid.UUID) (models.Builds, error) {
	builds := make(models.Builds, 0)
	return builds, l.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("number DESC").
		Find(&builds).Error
}

// ListAttempts returns every build of a retry chain ordered by attempt.
func (l *Ledger) ListAttempts(ctx context.Context, rootID uuid.UUID) (models.Builds, error) {
	builds := make(models.Builds, 0)
	return builds, l.db.WithContext(ctx).
		Where("root_id = ? OR id = ?", rootID, rootID).
		Order("attempt ASC").
		Find(&builds).Error
}

func (l *Ledger) publish(t event.Type, build *models.Build) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(event.Event{
		Type:    t,
		JobID:   build.JobID,
		BuildID: build.ID,
	})
}

func eventTypeFor(status models.BuildStatus) event.Type {
	switch status {
	case models.BuildStatusRunning:
		return event.TypeBuildStarted
	case models.BuildStatusSucceeded:
		return event.TypeBuildSucceeded
	case models.BuildStatusFailed:
		return event.TypeBuildFailed
	case models.BuildStatusAborted:
		return event.TypeBuildAborted
	default:
		return event.TypeBuildQueued
	}
}
