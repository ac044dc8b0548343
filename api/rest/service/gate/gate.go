package gate

import (
	"context"

	"github.com/conveyor-ci/conveyor/internal/approval"
	"github.com/conveyor-ci/conveyor/internal/core"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/google/uuid"
)

type Gate interface {
	WithCoordinator(*approval.Coordinator) Gate
	ListPending() (models.ApprovalGates, error)
	ListByBuild(uuid.UUID) (models.ApprovalGates, error)
	Get(uuid.UUID) (*models.ApprovalGate, error)
	Responses(uuid.UUID) (models.ApprovalResponses, error)
	Respond(*RespondRequest) (*approval.Outcome, error)
}

type gateService struct {
	ctx       context.Context
	approvals *approval.Coordinator
}

func Service(ctx context.Context) Gate {
	return &gateService{ctx: ctx}
}

func (g *gateService) WithCoordinator(c *approval.Coordinator) Gate {
	g.approvals = c
	return g
}

func (g *gateService) coord() *approval.Coordinator {
	if g.approvals == nil {
		g.approvals = core.Approvals()
	}
	return g.approvals
}

func (g *gateService) ListPending() (models.ApprovalGates, error) {
	return g.coord().ListPending(g.ctx)
}

func (g *gateService) ListByBuild(buildID uuid.UUID) (models.ApprovalGates, error) {
	return g.coord().ListByBuild(g.ctx, buildID)
}

func (g *gateService) Get(id uuid.UUID) (*models.ApprovalGate, error) {
	return g.coord().Get(g.ctx, id)
}

func (g *gateService) Responses(id uuid.UUID) (models.ApprovalResponses, error) {
	return g.coord().Responses(g.ctx, id)
}

type RespondRequest struct {
	GateID   uuid.UUID       `json:"gate_id"`
	UserID   string          `json:"user_id"`
	Decision models.Decision `json:"decision"`
	Comment  string          `json:"comment,omitempty"`
}

func (g *gateService) Respond(req *RespondRequest) (*approval.Outcome, error) {
	return g.coord().Respond(g.ctx, req.GateID, req.UserID, req.Decision, req.Comment)
}
