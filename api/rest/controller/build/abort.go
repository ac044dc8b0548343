package build

import (
	"errors"
	"net/http"

	"github.com/conveyor-ci/conveyor/api/rest/service/build"
	"github.com/conveyor-ci/conveyor/internal/ledger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Abort stops a running build and releases its agent slots.
func Abort(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	err = build.Service(c.Request().Context()).Abort(id)
	switch {
	case errors.Is(err, ledger.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	default:
		return c.NoContent(http.StatusAccepted)
	}
}
