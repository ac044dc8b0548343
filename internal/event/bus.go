package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type represents the type of event.
type Type string

const (
	TypeBuildQueued    Type = "build_queued"
	TypeBuildStarted   Type = "build_started"
	TypeBuildSucceeded Type = "build_succeeded"
	TypeBuildFailed    Type = "build_failed"
	TypeBuildAborted   Type = "build_aborted"
	TypeStageStarted   Type = "stage_started"
	TypeStageFinished  Type = "stage_finished"
	TypeGateOpened     Type = "gate_opened"
	TypeGateResolved   Type = "gate_resolved"
	TypeAgentOnline    Type = "agent_online"
	TypeAgentOffline   Type = "agent_offline"
)

// Event represents a system event.
type Event struct {
	Type      Type            `json:"type"`
	JobID     uuid.UUID       `json:"job_id,omitempty"`
	BuildID   uuid.UUID       `json:"build_id,omitempty"`
	AgentID   uuid.UUID       `json:"agent_id,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Filter defines criteria for receiving events.
type Filter struct {
	JobID   uuid.UUID
	BuildID uuid.UUID
	Types   []Type
}

// Bus is the fire-and-forget fan-out used to inform notification and
// audit consumers of every build/gate/agent transition. Publish never
// blocks the transition that produced the event.
type Bus interface {
	Publish(e Event)
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, error)
}

type bus struct {
	subscribers map[chan Event]Filter
	mu          sync.RWMutex
}

// New creates a new event bus.
func New() Bus {
	return &bus{
		subscribers: make(map[chan Event]Filter),
	}
}

func (b *bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if b.matches(filter, e) {
			select {
			case ch <- e:
			default:
				// Drop event if channel is full to prevent blocking
			}
		}
	}
}

func (b *bus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	ch := make(chan Event, 100)

	b.mu.Lock()
	b.subscribers[ch] = filter
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, ch)
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}

func (b *bus) matches(filter Filter, e Event) bool {
	if filter.JobID != uuid.Nil && filter.JobID != e.JobID {
		return false
	}
	if filter.BuildID != uuid.Nil && filter.BuildID != e.BuildID {
		return false
	}
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
