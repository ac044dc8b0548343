package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AgentStatus enumerates the liveness states of a worker agent.
type AgentStatus string

const (
	AgentStatusOnline   AgentStatus = "online"
	AgentStatusOffline  AgentStatus = "offline"
	AgentStatusDraining AgentStatus = "draining"
)

// Agent is one worker in the dispatch pool. CurrentBuilds never
// exceeds MaxBuilds; a stale LastHeartbeat demotes the agent to
// offline without forgetting its identity.
type Agent struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Name          string            `gorm:"not null" json:"name"`
	URL           string            `json:"url,omitempty"`
	Labels        datatypes.JSONMap `json:"labels,omitempty"`
	Status        AgentStatus       `gorm:"not null" json:"status"`
	MaxBuilds     int               `gorm:"not null" json:"max_builds"`
	CurrentBuilds int               `gorm:"not null" json:"current_builds"`
	LastHeartbeat time.Time         `gorm:"not null" json:"last_heartbeat"`
	RegisteredAt  time.Time         `gorm:"not null" json:"registered_at"`
}

type Agents []*Agent
