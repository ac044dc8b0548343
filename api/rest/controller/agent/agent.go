package agent

import (
	"errors"
	"net/http"

	"github.com/conveyor-ci/conveyor/api/rest/service/agent"
	"github.com/conveyor-ci/conveyor/internal/registry"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func List(c echo.Context) error {
	return c.JSON(http.StatusOK, agent.Service(c.Request().Context()).List())
}

func Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	a, err := agent.Service(c.Request().Context()).Get(id)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return echo.ErrNotFound
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	default:
		return c.JSON(http.StatusOK, a)
	}
}

// Register enrolls an agent, or refreshes its record when the same id
// re-registers after a restart.
func Register(c echo.Context) error {
	var req agent.RegisterRequest

	if err := c.Bind(&req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	if req.Name == "" || req.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and url are required")
	}

	a, err := agent.Service(c.Request().Context()).Register(&req)
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}

	return c.JSON(http.StatusCreated, a)
}

// Heartbeat refreshes an agent's liveness, optionally reconciling its
// slot count with what the agent itself reports.
func Heartbeat(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	var req agent.HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	req.ID = id

	a, err := agent.Service(c.Request().Context()).Heartbeat(&req)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return echo.ErrNotFound
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	default:
		return c.JSON(http.StatusOK, a)
	}
}
