package job

import (
	"errors"
	"io"
	"net/http"

	"github.com/conveyor-ci/conveyor/api/rest/service/job"
	"github.com/labstack/echo/v4"
)

// Post creates a job from the pipeline document in the request body.
// The body is the authored YAML, not a JSON wrapper around it.
func Post(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "pipeline definition is required")
	}

	j, err := job.Service(c.Request().Context()).Create(&job.CreateRequest{Definition: body})
	switch {
	case errors.Is(err, job.ErrDuplicateJob):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return c.JSON(http.StatusCreated, j)
	}
}
