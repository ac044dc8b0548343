package models

import (
	"time"

	"github.com/google/uuid"
)

// BuildStatus enumerates the build state machine. Only Queued and
// Running accept further transitions.
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusAborted   BuildStatus = "aborted"
)

// Valid reports whether s is a member of the closed status set.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusQueued, BuildStatusRunning,
		BuildStatusSucceeded, BuildStatusFailed, BuildStatusAborted:
		return true
	}
	return false
}

// Terminal reports whether s is final.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusSucceeded, BuildStatusFailed, BuildStatusAborted:
		return true
	}
	return false
}

// Build is one execution attempt of a job's pipeline. Retries form a
// chain: every member shares RootID, attempts strictly increase, and
// ParentID points at the attempt that was retried.
type Build struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	JobID       uuid.UUID   `gorm:"type:uuid;index;not null;uniqueIndex:idx_builds_job_number,priority:1" json:"job_id"`
	Number      uint64      `gorm:"not null;uniqueIndex:idx_builds_job_number,priority:2" json:"number"`
	Status      BuildStatus `gorm:"not null" json:"status"`
	Attempt     int         `gorm:"not null" json:"attempt"`
	RootID      uuid.UUID   `gorm:"type:uuid;index;not null" json:"root_id"`
	ParentID    *uuid.UUID  `gorm:"type:uuid" json:"parent_id,omitempty"`
	CreatedAt   time.Time   `gorm:"not null" json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

type Builds []*Build
