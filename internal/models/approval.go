package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// GateStatus enumerates the approval gate state machine. Everything
// but Pending is terminal and immutable.
type GateStatus string

const (
	GateStatusPending  GateStatus = "pending"
	GateStatusApproved GateStatus = "approved"
	GateStatusRejected GateStatus = "rejected"
	GateStatusTimedOut GateStatus = "timed_out"
	// GateStatusCancelled closes a gate whose build was aborted before
	// anyone resolved it; it is never the result of a vote.
	GateStatusCancelled GateStatus = "cancelled"
)

// Terminal reports whether s is final.
func (s GateStatus) Terminal() bool {
	return s != GateStatusPending
}

// Decision is a single voter's verdict on a gate.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalGate blocks one gated stage of one build until enough human
// approvals arrive. ApproverGroup is a snapshot taken at creation;
// later membership changes never affect quorum math.
type ApprovalGate struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BuildID       uuid.UUID      `gorm:"type:uuid;index;not null" json:"build_id"`
	StageName     string         `gorm:"not null" json:"stage_name"`
	Status        GateStatus     `gorm:"not null" json:"status"`
	RequiredRole  string         `json:"required_role,omitempty"`
	ApproverGroup datatypes.JSON `json:"approver_group,omitempty"`
	MinApprovals  int            `gorm:"not null" json:"min_approvals"`
	TimeoutSecs   int64          `gorm:"not null" json:"timeout_secs"`
	CreatedAt     time.Time      `gorm:"not null" json:"created_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
}

type ApprovalGates []*ApprovalGate

// Approvers decodes the approver-group snapshot. An empty slice means
// the gate is open to any holder of the required role.
func (g *ApprovalGate) Approvers() ([]string, error) {
	if len(g.ApproverGroup) == 0 {
		return nil, nil
	}
	var approvers []string
	if err := json.Unmarshal(g.ApproverGroup, &approvers); err != nil {
		return nil, err
	}
	return approvers, nil
}

// ApprovalResponse records one voter's decision. At most one response
// exists per (gate, user), enforced by a unique index.
type ApprovalResponse struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GateID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_approval_responses_gate_user,priority:1" json:"gate_id"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_approval_responses_gate_user,priority:2" json:"user_id"`
	Decision  Decision  `gorm:"not null" json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

type ApprovalResponses []*ApprovalResponse
