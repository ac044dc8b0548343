package build

import (
	"net/http"

	"github.com/conveyor-ci/conveyor/api/rest/service/build"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	b, err := build.Service(c.Request().Context()).Get(id)

	switch {
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	case b == nil:
		return echo.ErrNotFound
	default:
		return c.JSON(http.StatusOK, b)
	}
}
