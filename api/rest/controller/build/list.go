package build

import (
	"net/http"
	"strconv"

	"github.com/conveyor-ci/conveyor/api/rest/service/build"
	"github.com/labstack/echo/v4"
)

func List(c echo.Context) error {
	req, err := parseListRequest(c)
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	builds, err := build.Service(c.Request().Context()).List(req)
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}

	return c.JSON(http.StatusOK, builds)
}

func parseListRequest(c echo.Context) (req *build.ListRequest, err error) {
	req = &build.ListRequest{
		JobID:  c.QueryParam("job_id"),
		Status: c.QueryParam("status"),
	}

	if limit := c.QueryParam("limit"); limit != "" {
		if req.Limit, err = strconv.ParseUint(limit, 10, 32); err != nil {
			return nil, err
		}
	}

	if offset := c.QueryParam("offset"); offset != "" {
		if req.Offset, err = strconv.ParseUint(offset, 10, 64); err != nil {
			return nil, err
		}
	}

	return
}
