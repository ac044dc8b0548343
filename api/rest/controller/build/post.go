package build

import (
	"errors"
	"net/http"

	"github.com/conveyor-ci/conveyor/api/rest/service/build"
	"github.com/labstack/echo/v4"
)

func Post(c echo.Context) error {
	var req build.CreateRequest

	if err := c.Bind(&req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	b, err := build.Service(c.Request().Context()).Create(&req)
	switch {
	case errors.Is(err, build.ErrUnknownJob):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	default:
		return c.JSON(http.StatusCreated, b)
	}
}
