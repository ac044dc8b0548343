package api

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Job mirrors the REST job resource.
type Job struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Labels   map[string]string `json:"labels,omitempty"`
	CronExpr string            `json:"cron_expr,omitempty"`
}

// Build mirrors the REST build resource.
type Build struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	Number      uint64     `json:"number"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Agent mirrors the REST agent resource.
type Agent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	Status        string    `json:"status"`
	MaxBuilds     int       `json:"max_builds"`
	CurrentBuilds int       `json:"current_builds"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Gate mirrors the REST approval gate resource.
type Gate struct {
	ID           string    `json:"id"`
	BuildID      string    `json:"build_id"`
	StageName    string    `json:"stage_name"`
	Status       string    `json:"status"`
	MinApprovals int       `json:"min_approvals"`
	CreatedAt    time.Time `json:"created_at"`
}

// Jobs lists every job.
func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	return jobs, c.do(ctx, http.MethodGet, c.resolve("/v1/jobs"), &jobs)
}

// Builds lists recent builds, newest first.
func (c *Client) Builds(ctx context.Context, limit int) ([]Build, error) {
	var builds []Build
	query := ""
	if limit > 0 {
		query = "limit=" + strconv.Itoa(limit)
	}
	return builds, c.do(ctx, http.MethodGet, c.resolve("/v1/builds", query), &builds)
}

// Agents lists the dispatch pool.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	return agents, c.do(ctx, http.MethodGet, c.resolve("/v1/agents"), &agents)
}

// PendingGates lists gates awaiting approvers.
func (c *Client) PendingGates(ctx context.Context) ([]Gate, error) {
	var gates []Gate
	return gates, c.do(ctx, http.MethodGet, c.resolve("/v1/gates"), &gates)
}
