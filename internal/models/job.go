package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Job is the immutable-until-edited template a build executes:
// a named pipeline definition plus trigger configuration.
type Job struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Name       string            `gorm:"uniqueIndex;not null" json:"name"`
	Definition datatypes.JSON    `gorm:"not null" json:"definition"`
	Labels     datatypes.JSONMap `json:"labels,omitempty"`
	CronExpr   string            `json:"cron_expr,omitempty"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"not null" json:"updated_at"`
}

type Jobs []*Job

// JobDependency declares that a terminal build of the upstream job
// triggers a new build of the downstream job. Edges are cycle-checked
// before they are persisted.
type JobDependency struct {
	ID              uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	UpstreamJobID   uuid.UUID   `gorm:"type:uuid;index;not null" json:"upstream_job_id"`
	DownstreamJobID uuid.UUID   `gorm:"type:uuid;index;not null" json:"downstream_job_id"`
	TriggerOn       BuildStatus `gorm:"not null" json:"trigger_on"`
	CreatedAt       time.Time   `gorm:"not null" json:"created_at"`
}

type JobDependencies []*JobDependency
