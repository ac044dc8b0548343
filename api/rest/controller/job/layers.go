package job

import (
	"errors"
	"net/http"

	"github.com/conveyor-ci/conveyor/api/rest/service/job"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

type LayersResponse struct {
	JobID  uuid.UUID  `json:"job_id"`
	Layers [][]string `json:"layers"`
}

// Layers returns the job's stages grouped by scheduling layer, in the
// order the dispatcher will run them.
func Layers(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	layers, err := job.Service(c.Request().Context()).Layers(id)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return echo.ErrNotFound
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	default:
		return c.JSON(http.StatusOK, LayersResponse{JobID: id, Layers: layers})
	}
}
