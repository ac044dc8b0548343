// Package approval manages gate lifecycle and multi-voter consensus. A
// gate resolves as soon as its outcome is mathematically determined: an
// approval that reaches quorum, or a rejection that leaves too few
// outstanding voters to ever reach it.
package approval

import (
	"context"
	"encoding/json"
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
	// ErrAlreadyResponded is returned when a user votes twice on the
	// same gate. Gate state is unchanged.
	ErrAlreadyResponded = errors.New("user already responded to gate")

	// ErrNotEligible is returned when an approver group is configured
	// and the user is not a member.
	ErrNotEligible = errors.New("user not eligible to respond")

	// ErrGateResolved is returned for a response to a terminal gate.
	ErrGateResolved = errors.New("gate already resolved")

	// ErrInvalidDecision is returned for a decision outside the closed set.
	ErrInvalidDecision = errors.New("invalid decision")
)

const defaultTimeout = 24 * time.Hour

// GateSpec is the gate configuration snapshotted from the pipeline
// definition when the gated stage is reached.
type GateSpec struct {
	RequiredRole string
	Approvers    []string
	MinApprovals int
	Timeout      time.Duration
}

// Outcome reports the gate state after one response.
type Outcome struct {
	Gate     *models.ApprovalGate
	Resolved bool
}

// Coordinator serializes all responses to one gate behind a per-gate
// mutex: two users voting in the same instant cannot both observe an
// unresolved gate and race the resolution.
type Coordinator struct {
	db             *gorm.DB
	bus            event.Bus
	defaultTimeout time.Duration
	gateLocks      sync.Map
}

func New(conn *gorm.DB, bus event.Bus) *Coordinator {
	if conn == nil {
		panic("approval coordinator requires a database connection")
	}
	return &Coordinator{db: conn, bus: bus, defaultTimeout: defaultTimeout}
}

// WithDefaultTimeout overrides the timeout applied to gates whose
// definition does not set one.
func (c *Coordinator) WithDefaultTimeout(d time.Duration) *Coordinator {
	if d > 0 {
		c.defaultTimeout = d
	}
	return c
}

func (c *Coordinator) gateLock(id uuid.UUID) *sync.Mutex {
	mu, _ := c.gateLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Open creates a pending gate for one gated stage of one build. The
// approver group is stored as an immutable snapshot; membership changes
// after this point never affect quorum math.
func (c *Coordinator) Open(ctx context.Context, buildID uuid.UUID, stageName string, spec GateSpec) (*models.ApprovalGate, error) {
	if spec.MinApprovals < 1 {
		spec.MinApprovals = 1
	}
	if spec.Timeout <= 0 {
		spec.Timeout = c.defaultTimeout
	}
	if len(spec.Approvers) > 0 && spec.MinApprovals > len(spec.Approvers) {
		return nil, fmt.Errorf("gate for stage %q requires %d approvals from %d approvers",
			stageName, spec.MinApprovals, len(spec.Approvers))
	}

	group, err := json.Marshal(spec.Approvers)
	if err != nil {
		return nil, err
	}

	gate := &models.ApprovalGate{
		ID:            uuid.New(),
		BuildID:       buildID,
		StageName:     stageName,
		Status:        models.GateStatusPending,
		RequiredRole:  spec.RequiredRole,
		ApproverGroup: group,
		MinApprovals:  spec.MinApprovals,
		TimeoutSecs:   int64(spec.Timeout / time.Second),
		CreatedAt:     time.Now().UTC(),
	}

	if err := c.db.WithContext(ctx).Create(gate).Error; err != nil {
		return nil, err
	}

	log.Info("approval gate opened",
		"gate_id", gate.ID, "build_id", buildID, "stage", stageName,
		"min_approvals", gate.MinApprovals, "approvers", len(spec.Approvers))
	c.publish(event.TypeGateOpened, gate)
	return gate, nil
}

// Respond records one user's decision and evaluates resolution. The
// single-approver approval resolves immediately; an approval reaching
// min_approvals resolves approved; a rejection resolves rejected as
// soon as the remaining possible voters can no longer reach quorum.
func (c *Coordinator) Respond(ctx context.Context, gateID uuid.UUID, userID string, decision models.Decision, comment string) (*Outcome, error) {
	if decision != models.DecisionApproved && decision != models.DecisionRejected {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDecision, decision)
	}

	mu := c.gateLock(gateID)
	mu.Lock()
	defer mu.Unlock()

	gate := &models.ApprovalGate{}
	if err := c.db.WithContext(ctx).First(gate, "id = ?", gateID).Error; err != nil {
		return nil, err
	}
	if gate.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrGateResolved, gateID, gate.Status)
	}

	approvers, err := gate.Approvers()
	if err != nil {
		return nil, err
	}
	if len(approvers) > 0 && !contains(approvers, userID) {
		return nil, fmt.Errorf("%w: %s on gate %s", ErrNotEligible, userID, gateID)
	}

	var existing int64
	err = c.db.WithContext(ctx).Model(&models.ApprovalResponse{}).
		Where("gate_id = ? AND user_id = ?", gateID, userID).
		Count(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, fmt.Errorf("%w: %s on gate %s", ErrAlreadyResponded, userID, gateID)
	}

	response := &models.ApprovalResponse{
		ID:        uuid.New(),
		GateID:    gateID,
		UserID:    userID,
		Decision:  decision,
		Comment:   comment,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.db.WithContext(ctx).Create(response).Error; err != nil {
		return nil, err
	}

	resolution, resolved := evaluate(gate, approvers, c.tally(ctx, gateID))
	if resolved {
		if err := c.resolve(ctx, gate, resolution); err != nil {
			return nil, err
		}
	}

	return &Outcome{Gate: gate, Resolved: resolved}, nil
}

type tally struct {
	approved int
	total    int
}

func (c *Coordinator) tally(ctx context.Context, gateID uuid.UUID) tally {
	var t tally
	var count int64

	if err := c.db.WithContext(ctx).Model(&models.ApprovalResponse{}).
		Where("gate_id = ?", gateID).
		Count(&count).Error; err == nil {
		t.total = int(count)
	}
	if err := c.db.WithContext(ctx).Model(&models.ApprovalResponse{}).
		Where("gate_id = ? AND decision = ?", gateID, models.DecisionApproved).
		Count(&count).Error; err == nil {
		t.approved = int(count)
	}
	return t
}

// evaluate decides whether the gate's outcome is now determined.
func evaluate(gate *models.ApprovalGate, approvers []string, t tally) (models.GateStatus, bool) {
	if t.approved >= gate.MinApprovals {
		return models.GateStatusApproved, true
	}

	rejected := t.total - t.approved
	if rejected == 0 {
		return models.GateStatusPending, false
	}

	if len(approvers) > 0 {
		// Fixed voter pool: reject once approval is unreachable even if
		// every remaining voter approves.
		remaining := len(approvers) - t.total
		if remaining+t.approved < gate.MinApprovals {
			return models.GateStatusRejected, true
		}
		return models.GateStatusPending, false
	}

	// Open gate: the pool of possible voters is unbounded, so the only
	// determined rejection is an explicit reject on a single-approver gate.
	if gate.MinApprovals == 1 {
		return models.GateStatusRejected, true
	}
	return models.GateStatusPending, false
}

// resolve moves the gate to a terminal status with an update guarded by
// the pending status, so a terminal gate can never be overwritten.
func (c *Coordinator) resolve(ctx context.Context, gate *models.ApprovalGate, status models.GateStatus) error {
	now := time.Now().UTC()
	result := c.db.WithContext(ctx).Model(&models.ApprovalGate{}).
		Where("id = ? AND status = ?", gate.ID, models.GateStatusPending).
		Updates(map[string]interface{}{
			"status":      status,
			"resolved_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrGateResolved, gate.ID)
	}

	gate.Status = status
	gate.ResolvedAt = &now
	metrics.GateResolutionsTotal.WithLabelValues(string(status)).Inc()
	log.Info("approval gate resolved",
		"gate_id", gate.ID, "build_id", gate.BuildID, "stage", gate.StageName, "status", status)
	c.publish(event.TypeGateResolved, gate)
	return nil
}

// CancelForBuild closes every pending gate of a build, used when the
// build is aborted so no actionable gate outlives it. Gates already
// terminal are left untouched.
func (c *Coordinator) CancelForBuild(ctx context.Context, buildID uuid.UUID) error {
	gates := make(models.ApprovalGates, 0)
	err := c.db.WithContext(ctx).
		Where("build_id = ? AND status = ?", buildID, models.GateStatusPending).
		Find(&gates).Error
	if err != nil {
		return err
	}

	for _, gate := range gates {
		mu := c.gateLock(gate.ID)
		mu.Lock()
		if err := c.resolve(ctx, gate, models.GateStatusCancelled); err != nil &&
			!errors.Is(err, ErrGateResolved) {
			log.Error("failed to cancel gate", "gate_id", gate.ID, "error", err)
		}
		mu.Unlock()
	}
	return nil
}

// SweepTimeouts resolves every pending gate whose timeout has elapsed
// to timed_out. The dispatcher treats timed_out like rejected, but the
// distinct value is kept for audit.
func (c *Coordinator) SweepTimeouts(ctx context.Context) error {
	gates := make(models.ApprovalGates, 0)
	err := c.db.WithContext(ctx).
		Where("status = ?", models.GateStatusPending).
		Find(&gates).Error
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, gate := range gates {
		deadline := gate.CreatedAt.Add(time.Duration(gate.TimeoutSecs) * time.Second)
		if deadline.After(now) {
			continue
		}

		mu := c.gateLock(gate.ID)
		mu.Lock()
		if err := c.resolve(ctx, gate, models.GateStatusTimedOut); err != nil &&
			!errors.Is(err, ErrGateResolved) {
			log.Error("failed to time out gate", "gate_id", gate.ID, "error", err)
		}
		mu.Unlock()
	}
	return nil
}

// RunSweeper runs periodic timeout sweeps until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SweepTimeouts(ctx); err != nil {
				log.Error("gate timeout sweep failed", "error", err)
			}
		}
	}
}

// Get returns one gate by id.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*models.ApprovalGate, error) {
	gate := &models.ApprovalGate{}
	return gate, c.db.WithContext(ctx).First(gate, "id = ?", id).Error
}

// ListPending returns every unresolved gate, oldest first.
func (c *Coordinator) ListPending(ctx context.Context) (models.ApprovalGates, error) {
	gates := make(models.ApprovalGates, 0)
	return gates, c.db.WithContext(ctx).
		Where("status = ?", models.GateStatusPending).
		Order("created_at ASC").
		Find(&gates).Error
}

// ListByBuild returns a build's gates, oldest first.
func (c *Coordinator) ListByBuild(ctx context.Context, buildID uuid.UUID) (models.ApprovalGates, error) {
	gates := make(models.ApprovalGates, 0)
	return gates, c.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("created_at ASC").
		Find(&gates).Error
}

// Responses returns a gate's recorded responses, oldest first.
func (c *Coordinator) Responses(ctx context.Context, gateID uuid.UUID) (models.ApprovalResponses, error) {
	responses := make(models.ApprovalResponses, 0)
	return responses, c.db.WithContext(ctx).
		Where("gate_id = ?", gateID).
		Order("created_at ASC").
		Find(&responses).Error
}

func (c *Coordinator) publish(t event.Type, gate *models.ApprovalGate) {
	if c.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"gate_status": string(gate.Status)})
	c.bus.Publish(event.Event{
		Type:    t,
		BuildID: gate.BuildID,
		Stage:   gate.StageName,
		Payload: payload,
	})
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
