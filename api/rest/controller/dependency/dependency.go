package dependency

import (
	"errors"
	"net/http"

	"github.com/conveyor-ci/conveyor/api/rest/service/dependency"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func List(c echo.Context) error {
	edges, err := dependency.Service(c.Request().Context()).List(&dependency.ListRequest{
		UpstreamJobID:   c.QueryParam("upstream_job_id"),
		DownstreamJobID: c.QueryParam("downstream_job_id"),
	})
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusOK, edges)
}

// Post declares a job-to-job trigger edge. An edge that would close a
// cycle is refused with a conflict.
func Post(c echo.Context) error {
	var req dependency.CreateRequest

	if err := c.Bind(&req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	edge, err := dependency.Service(c.Request().Context()).Create(&req)
	switch {
	case errors.Is(err, dependency.ErrCycle):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, dependency.ErrInvalidTriggerStatus):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	default:
		return c.JSON(http.StatusCreated, edge)
	}
}

func Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	if err := dependency.Service(c.Request().Context()).Delete(id); err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}

	return c.NoContent(http.StatusAccepted)
}
