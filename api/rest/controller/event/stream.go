package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor/internal/core"
	"github.com/conveyor-ci/conveyor/internal/event"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Stream serves the event bus over SSE, filtered by job, build and
// event type query parameters.
func Stream(c echo.Context) error {
	ctx := c.Request().Context()

	filter := event.Filter{}

	if jobID := c.QueryParam("job_id"); jobID != "" {
		id, err := uuid.Parse(jobID)
		if err != nil {
			return echo.NewHTTPError(400, "invalid job_id")
		}
		filter.JobID = id
	}

	if buildID := c.QueryParam("build_id"); buildID != "" {
		id, err := uuid.Parse(buildID)
		if err != nil {
			return echo.NewHTTPError(400, "invalid build_id")
		}
		filter.BuildID = id
	}

	if types := c.QueryParam("types"); types != "" {
		for _, s := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, event.Type(strings.TrimSpace(s)))
		}
	}

	ch, err := core.Bus().Subscribe(ctx, filter)
	if err != nil {
		return echo.NewHTTPError(500, err.Error())
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable buffering in Nginx

	// Send a comment to keep the connection alive (and for testing connectivity)
	if _, err := fmt.Fprintf(c.Response(), ": ping\n\n"); err != nil {
		return nil
	}
	c.Response().Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Response(), ": ping\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		case e, ok := <-ch:
			if !ok {
				return nil
			}

			data, err := json.Marshal(e)
			if err != nil {
				c.Logger().Errorf("failed to marshal event for SSE stream: %v", err)
				continue
			}

			if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return nil
			}
			c.Response().Flush()
		}
	}
}
