package rest

import (
	"github.com/conveyor-ci/conveyor/api/rest/controller/agent"
	"github.com/conveyor-ci/conveyor/api/rest/controller/build"
	"github.com/conveyor-ci/conveyor/api/rest/controller/dependency"
	"github.com/conveyor-ci/conveyor/api/rest/controller/event"
	"github.com/conveyor-ci/conveyor/api/rest/controller/gate"
	"github.com/conveyor-ci/conveyor/api/rest/controller/job"
	"github.com/labstack/echo/v4"
)

// Bind the REST endpoints to the versioned endpoint group.
func Bind(group *echo.Group) {
	// jobs
	group.GET("/jobs", job.List)
	group.POST("/jobs", job.Post)
	group.GET("/jobs/:id", job.Get)
	group.DELETE("/jobs/:id", job.Delete)
	group.GET("/jobs/:id/layers", job.Layers)

	// builds
	group.GET("/builds", build.List)
	group.POST("/builds", build.Post)
	group.GET("/builds/:id", build.Get)
	group.POST("/builds/:id/retry", build.Retry)
	group.POST("/builds/:id/abort", build.Abort)
	group.GET("/builds/:id/stages", build.Stages)
	group.GET("/builds/:id/attempts", build.Attempts)

	// agents
	group.GET("/agents", agent.List)
	group.POST("/agents", agent.Register)
	group.GET("/agents/:id", agent.Get)
	group.POST("/agents/:id/heartbeat", agent.Heartbeat)

	// approval gates
	group.GET("/gates", gate.List)
	group.GET("/gates/:id", gate.Get)
	group.GET("/gates/:id/responses", gate.Responses)
	group.POST("/gates/:id/respond", gate.Respond)

	// job dependencies
	group.GET("/dependencies", dependency.List)
	group.POST("/dependencies", dependency.Post)
	group.DELETE("/dependencies/:id", dependency.Delete)

	// event stream
	group.GET("/events", event.Stream)
}
