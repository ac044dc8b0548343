package build

import (
	"errors"
	"net/http"

	"github.com/conveyor-ci/conveyor/api/rest/service/build"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// Retry starts a new attempt chained to the given build.
func Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	b, err := build.Service(c.Request().Context()).Retry(id)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return echo.ErrNotFound
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	default:
		return c.JSON(http.StatusCreated, b)
	}
}
