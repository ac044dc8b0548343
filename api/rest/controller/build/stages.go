package build

import (
	"errors"
	"net/http"

	"github.com/conveyor-ci/conveyor/api/rest/service/build"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// Stages lists the per-stage runs of a build.
func Stages(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	stages, err := build.Service(c.Request().Context()).Stages(id)
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}

	return c.JSON(http.StatusOK, stages)
}

// Attempts lists the retry chain of a build, oldest first.
func Attempts(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	attempts, err := build.Service(c.Request().Context()).Attempts(id)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return echo.ErrNotFound
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	default:
		return c.JSON(http.StatusOK, attempts)
	}
}
