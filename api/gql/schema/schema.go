// Package schema exposes a read-only GraphQL view over jobs, builds,
// agents and gates. Mutations go through the REST API.
package schema

import (
	"github.com/conveyor-ci/conveyor/api/rest/service/agent"
	"github.com/conveyor-ci/conveyor/api/rest/service/build"
	"github.com/conveyor-ci/conveyor/api/rest/service/gate"
	"github.com/conveyor-ci/conveyor/api/rest/service/job"
	"github.com/google/uuid"
	"github.com/graphql-go/graphql"
)

// New instantiates a fresh GraphQL schema for
// Conveyor's API.
func New() graphql.SchemaConfig {
	return graphql.SchemaConfig{
		Query: graphql.NewObject(
			graphql.ObjectConfig{
				Name:   "Query",
				Fields: fields(),
			},
		),
	}
}

var jobType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Job",
	Fields: graphql.Fields{
		"id":        &graphql.Field{Type: graphql.String},
		"name":      &graphql.Field{Type: graphql.String},
		"cron_expr": &graphql.Field{Type: graphql.String},
	},
})

var buildType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Build",
	Fields: graphql.Fields{
		"id":      &graphql.Field{Type: graphql.String},
		"job_id":  &graphql.Field{Type: graphql.String},
		"number":  &graphql.Field{Type: graphql.Int},
		"status":  &graphql.Field{Type: graphql.String},
		"attempt": &graphql.Field{Type: graphql.Int},
		"root_id": &graphql.Field{Type: graphql.String},
	},
})

var agentType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Agent",
	Fields: graphql.Fields{
		"id":             &graphql.Field{Type: graphql.String},
		"name":           &graphql.Field{Type: graphql.String},
		"url":            &graphql.Field{Type: graphql.String},
		"status":         &graphql.Field{Type: graphql.String},
		"max_builds":     &graphql.Field{Type: graphql.Int},
		"current_builds": &graphql.Field{Type: graphql.Int},
	},
})

var gateType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Gate",
	Fields: graphql.Fields{
		"id":            &graphql.Field{Type: graphql.String},
		"build_id":      &graphql.Field{Type: graphql.String},
		"stage_name":    &graphql.Field{Type: graphql.String},
		"status":        &graphql.Field{Type: graphql.String},
		"min_approvals": &graphql.Field{Type: graphql.Int},
	},
})

func fields() graphql.Fields {
	return graphql.Fields{
		"jobs": &graphql.Field{
			Type: graphql.NewList(jobType),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return job.Service(p.Context).List(&job.ListRequest{})
			},
		},
		"builds": &graphql.Field{
			Type: graphql.NewList(buildType),
			Args: graphql.FieldConfigArgument{
				"job_id": &graphql.ArgumentConfig{Type: graphql.String},
				"status": &graphql.ArgumentConfig{Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				req := &build.ListRequest{}
				if jobID, ok := p.Args["job_id"].(string); ok {
					req.JobID = jobID
				}
				if status, ok := p.Args["status"].(string); ok {
					req.Status = status
				}
				return build.Service(p.Context).List(req)
			},
		},
		"agents": &graphql.Field{
			Type: graphql.NewList(agentType),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return agent.Service(p.Context).List(), nil
			},
		},
		"pending_gates": &graphql.Field{
			Type: graphql.NewList(gateType),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return gate.Service(p.Context).ListPending()
			},
		},
		"gates": &graphql.Field{
			Type: graphql.NewList(gateType),
			Args: graphql.FieldConfigArgument{
				"build_id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				id, err := uuid.Parse(p.Args["build_id"].(string))
				if err != nil {
					return nil, err
				}
				return gate.Service(p.Context).ListByBuild(id)
			},
		},
	}
}
