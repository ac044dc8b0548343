// Package trigger contains the sources that start builds without a
// human pressing the button: cron schedules and upstream build
// completions.
package trigger

import (
	"context"

	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/google/uuid"
)

// Trigger is one armed build source.
type Trigger interface {
	Listen(ctx context.Context)
	Fire(ctx context.Context) error
	ID() uuid.UUID
}

// Starter creates a new build for a job and hands it to the
// dispatcher. parentID links retry chains and is nil for fresh runs.
type Starter interface {
	StartJob(ctx context.Context, jobID uuid.UUID, parentID *uuid.UUID) (*models.Build, error)
}
