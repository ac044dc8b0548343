package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// StageStatus enumerates the per-build stage state machine.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// Terminal reports whether s is final.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageStatusSucceeded, StageStatusFailed, StageStatusSkipped:
		return true
	}
	return false
}

// StageRun is the per-build projection of one pipeline stage.
type StageRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BuildID     uuid.UUID      `gorm:"type:uuid;index;not null;uniqueIndex:idx_stage_runs_build_name,priority:1" json:"build_id"`
	Name        string         `gorm:"not null;uniqueIndex:idx_stage_runs_build_name,priority:2" json:"name"`
	DependsOn   datatypes.JSON `json:"depends_on,omitempty"`
	Status      StageStatus    `gorm:"not null" json:"status"`
	AgentID     *uuid.UUID     `gorm:"type:uuid" json:"agent_id,omitempty"`
	Gated       bool           `gorm:"not null" json:"gated"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
}

type StageRuns []*StageRun
