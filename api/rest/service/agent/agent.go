package agent

import (
	"context"

	"github.com/conveyor-ci/conveyor/internal/core"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/internal/registry"
	"github.com/conveyor-ci/conveyor/pkg/jsonmap"
	"github.com/google/uuid"
)

type Agent interface {
	WithRegistry(*registry.Registry) Agent
	List() models.Agents
	Get(uuid.UUID) (*models.Agent, error)
	Register(*RegisterRequest) (*models.Agent, error)
	Heartbeat(*HeartbeatRequest) (*models.Agent, error)
}

type agentService struct {
	ctx      context.Context
	registry *registry.Registry
}

func Service(ctx context.Context) Agent {
	return &agentService{ctx: ctx}
}

func (a *agentService) WithRegistry(r *registry.Registry) Agent {
	a.registry = r
	return a
}

func (a *agentService) reg() *registry.Registry {
	if a.registry == nil {
		a.registry = core.Registry()
	}
	return a.registry
}

func (a *agentService) List() models.Agents {
	return a.reg().List()
}

func (a *agentService) Get(id uuid.UUID) (*models.Agent, error) {
	return a.reg().Get(id)
}

type RegisterRequest struct {
	ID        uuid.UUID         `json:"id,omitempty"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Labels    map[string]string `json:"labels,omitempty"`
	MaxBuilds int               `json:"max_builds"`
}

func (a *agentService) Register(req *RegisterRequest) (*models.Agent, error) {
	return a.reg().Register(a.ctx, &models.Agent{
		ID:        req.ID,
		Name:      req.Name,
		URL:       req.URL,
		Labels:    jsonmap.FromStringMap(req.Labels),
		MaxBuilds: req.MaxBuilds,
	})
}

type HeartbeatRequest struct {
	ID            uuid.UUID `json:"id"`
	CurrentBuilds *int      `json:"current_builds,omitempty"`
}

func (a *agentService) Heartbeat(req *HeartbeatRequest) (*models.Agent, error) {
	if err := a.reg().Heartbeat(a.ctx, req.ID, req.CurrentBuilds); err != nil {
		return nil, err
	}
	return a.reg().Get(req.ID)
}
