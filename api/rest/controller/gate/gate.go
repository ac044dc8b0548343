package gate

import (
	"errors"
	"net/http"

	"github.com/conveyor-ci/conveyor/api/rest/service/gate"
	"github.com/conveyor-ci/conveyor/internal/approval"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// List returns pending gates, or a build's gates when build_id is
// given.
func List(c echo.Context) error {
	svc := gate.Service(c.Request().Context())

	if buildID := c.QueryParam("build_id"); buildID != "" {
		id, err := uuid.Parse(buildID)
		if err != nil {
			return echo.ErrBadRequest.SetInternal(err)
		}
		gates, err := svc.ListByBuild(id)
		if err != nil {
			return echo.ErrInternalServerError.SetInternal(err)
		}
		return c.JSON(http.StatusOK, gates)
	}

	gates, err := svc.ListPending()
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusOK, gates)
}

func Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	g, err := gate.Service(c.Request().Context()).Get(id)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return echo.ErrNotFound
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	default:
		return c.JSON(http.StatusOK, g)
	}
}

// Responses lists the recorded votes on a gate.
func Responses(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	responses, err := gate.Service(c.Request().Context()).Responses(id)
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusOK, responses)
}

// Respond records one approver's decision. Conflicts and eligibility
// failures map to their own status codes so clients can tell a retry
// from a rejection.
func Respond(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	var req gate.RespondRequest
	if err := c.Bind(&req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	req.GateID = id

	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	outcome, err := gate.Service(c.Request().Context()).Respond(&req)
	switch {
	case errors.Is(err, approval.ErrInvalidDecision):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, approval.ErrNotEligible):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, approval.ErrAlreadyResponded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrGateResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		return echo.ErrNotFound
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	default:
		return c.JSON(http.StatusOK, outcome)
	}
}
