// Package registry keeps the authoritative view of the worker agent
// pool: identity, capability labels, capacity and liveness. The view
// lives in memory for dispatch-speed reads and is written through to
// the database so it survives a process restart.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/internal/event"
	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/pkg/jsonmap"
	"github.com/conveyor-ci/conveyor/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned for an unknown agent id.
	ErrNotFound = errors.New("agent not found")

	// ErrCapacityExhausted reports that an agent cannot take another
	// build right now. It is backpressure, not a failure: the
	// dispatcher retries on the next tick.
	ErrCapacityExhausted = errors.New("agent capacity exhausted")

	// ErrReservationRace reports that the write-through update observed
	// stale capacity. The in-memory counter is rolled back and the
	// individual reservation fails; the shared counter is never
	// corrupted.
	ErrReservationRace = errors.New("agent slot reservation lost race")
)

const defaultLivenessTimeout = 90 * time.Second

// Registry serializes every mutation of an agent's counters behind one
// mutex, so a liveness sweep can never race a mid-flight reservation.
type Registry struct {
	mu              sync.Mutex
	agents          map[uuid.UUID]*models.Agent
	db              *gorm.DB
	bus             event.Bus
	livenessTimeout time.Duration
}

func New(conn *gorm.DB, bus event.Bus, livenessTimeout time.Duration) *Registry {
	if conn == nil {
		panic("agent registry requires a database connection")
	}
	if livenessTimeout <= 0 {
		livenessTimeout = defaultLivenessTimeout
	}
	return &Registry{
		agents:          make(map[uuid.UUID]*models.Agent),
		db:              conn,
		bus:             bus,
		livenessTimeout: livenessTimeout,
	}
}

// Load rehydrates the in-memory view from the database. Call once at
// process start, before dispatch begins.
func (r *Registry) Load(ctx context.Context) error {
	agents := make(models.Agents, 0)
	if err := r.db.WithContext(ctx).Find(&agents).Error; err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[uuid.UUID]*models.Agent, len(agents))
	for _, agent := range agents {
		copied := *agent
		r.agents[agent.ID] = &copied
	}
	return nil
}

// Register upserts an agent by id. Registration is idempotent: a known
// id refreshes name, url, labels and capacity without touching the
// slot counter.
func (r *Registry) Register(ctx context.Context, req *models.Agent) (*models.Agent, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.MaxBuilds < 1 {
		req.MaxBuilds = 1
	}

	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, known := r.agents[req.ID]
	if !known {
		agent = &models.Agent{
			ID:           req.ID,
			RegisteredAt: now,
		}
	}
	agent.Name = req.Name
	agent.URL = req.URL
	agent.Labels = req.Labels
	agent.MaxBuilds = req.MaxBuilds
	agent.Status = models.AgentStatusOnline
	agent.LastHeartbeat = now

	if err := r.db.WithContext(ctx).Save(agent).Error; err != nil {
		return nil, err
	}
	r.agents[agent.ID] = agent
	r.refreshOnlineGauge()

	if !known {
		log.Info("agent registered",
			"agent_id", agent.ID, "name", agent.Name, "max_builds", agent.MaxBuilds)
	}
	r.publish(event.TypeAgentOnline, agent.ID)

	copied := *agent
	return &copied, nil
}

// Heartbeat refreshes liveness and flips the agent back online. An
// agent may report its own slot count, which overrides the registry's
// view (the agent is the ground truth after a master restart). The
// report is clamped to [0, MaxBuilds]: current_builds never exceeds
// max_builds no matter what the agent claims.
func (r *Registry) Heartbeat(ctx context.Context, id uuid.UUID, currentBuilds *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	wasOffline := agent.Status == models.AgentStatusOffline
	agent.LastHeartbeat = time.Now().UTC()
	agent.Status = models.AgentStatusOnline
	if currentBuilds != nil {
		reported := *currentBuilds
		if reported < 0 {
			reported = 0
		}
		if reported > agent.MaxBuilds {
			log.Warn("agent reported more builds than its capacity, clamping",
				"agent_id", id, "reported", reported, "max_builds", agent.MaxBuilds)
			reported = agent.MaxBuilds
		}
		agent.CurrentBuilds = reported
	}

	if err := r.db.WithContext(ctx).Save(agent).Error; err != nil {
		return err
	}
	r.refreshOnlineGauge()

	if wasOffline {
		log.Info("agent back online", "agent_id", id, "name", agent.Name)
		r.publish(event.TypeAgentOnline, id)
	}
	return nil
}

// Reserve claims one build slot: an atomic compare-and-increment that
// succeeds only while the agent is online and below capacity. The
// write-through update is guarded by the pre-reservation counter value;
// losing that guard rolls the in-memory counter back and fails the
// attempt without corrupting anything.
func (r *Registry) Reserve(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if agent.Status != models.AgentStatusOnline || agent.CurrentBuilds >= agent.MaxBuilds {
		return fmt.Errorf("%w: %s at %d/%d (%s)",
			ErrCapacityExhausted, id, agent.CurrentBuilds, agent.MaxBuilds, agent.Status)
	}

	before := agent.CurrentBuilds
	result := r.db.WithContext(ctx).Model(&models.Agent{}).
		Where("id = ? AND status = ? AND current_builds = ?",
			id, models.AgentStatusOnline, before).
		Update("current_builds", before+1)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Stale capacity: another writer touched the row. Re-read it so
		// the in-memory view converges, then fail this attempt only.
		metrics.ReservationRacesTotal.Inc()
		stored := &models.Agent{}
		if err := r.db.WithContext(ctx).First(stored, "id = ?", id).Error; err == nil {
			*agent = *stored
		}
		return fmt.Errorf("%w: %s", ErrReservationRace, id)
	}

	agent.CurrentBuilds = before + 1
	metrics.AgentSlotsInUse.WithLabelValues(id.String()).Set(float64(agent.CurrentBuilds))
	return nil
}

// Release returns one build slot, floored at zero. Called when a stage
// finishes or is aborted on that agent.
func (r *Registry) Release(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if agent.CurrentBuilds > 0 {
		agent.CurrentBuilds--
	}

	if err := r.db.WithContext(ctx).Model(&models.Agent{}).
		Where("id = ?", id).
		Update("current_builds", agent.CurrentBuilds).Error; err != nil {
		return err
	}
	metrics.AgentSlotsInUse.WithLabelValues(id.String()).Set(float64(agent.CurrentBuilds))
	return nil
}

// Select returns the online agents whose labels cover every required
// label and which still have a free slot, least-loaded first.
func (r *Registry) Select(required map[string]string) models.Agents {
	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := make(models.Agents, 0)
	for _, agent := range r.agents {
		if agent.Status != models.AgentStatusOnline {
			continue
		}
		if agent.CurrentBuilds >= agent.MaxBuilds {
			continue
		}
		if !matchesLabels(jsonmap.ToStringMap(agent.Labels), required) {
			continue
		}
		copied := *agent
		eligible = append(eligible, &copied)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CurrentBuilds != eligible[j].CurrentBuilds {
			return eligible[i].CurrentBuilds < eligible[j].CurrentBuilds
		}
		return eligible[i].Name < eligible[j].Name
	})
	return eligible
}

// List returns a copy of every known agent.
func (r *Registry) List() models.Agents {
	r.mu.Lock()
	defer r.mu.Unlock()

	agents := make(models.Agents, 0, len(r.agents))
	for _, agent := range r.agents {
		copied := *agent
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents
}

// Get returns a copy of one agent.
func (r *Registry) Get(id uuid.UUID) (*models.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *agent
	return &copied, nil
}

// Sweep demotes every agent whose heartbeat is older than the liveness
// timeout. It shares the registry mutex with Reserve, so a demotion
// can never interleave with a reservation for the same agent.
func (r *Registry) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.livenessTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, agent := range r.agents {
		if agent.Status != models.AgentStatusOnline {
			continue
		}
		if agent.LastHeartbeat.After(cutoff) {
			continue
		}

		agent.Status = models.AgentStatusOffline
		if err := r.db.WithContext(ctx).Model(&models.Agent{}).
			Where("id = ?", id).
			Update("status", models.AgentStatusOffline).Error; err != nil {
			log.Error("failed to persist agent demotion", "agent_id", id, "error", err)
			continue
		}
		log.Warn("agent missed liveness window, marked offline",
			"agent_id", id, "name", agent.Name, "last_heartbeat", agent.LastHeartbeat)
		r.publish(event.TypeAgentOffline, id)
	}
	r.refreshOnlineGauge()
}

// RunSweeper runs periodic liveness sweeps until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.livenessTimeout / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Registry) refreshOnlineGauge() {
	online := 0
	for _, agent := range r.agents {
		if agent.Status == models.AgentStatusOnline {
			online++
		}
	}
	metrics.AgentsOnline.Set(float64(online))
}

func (r *Registry) publish(t event.Type, id uuid.UUID) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.Event{Type: t, AgentID: id})
}

func matchesLabels(have, required map[string]string) bool {
	for key, value := range required {
		got, ok := have[key]
		if !ok || got != value {
			return false
		}
	}
	return true
}
