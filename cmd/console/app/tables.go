package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/conveyor-ci/conveyor/cmd/console/api"
)

func newTable(t tab) table.Model {
	var columns []table.Column
	switch t {
	case tabBuilds:
		columns = []table.Column{
			{Title: "Job", Width: 20},
			{Title: "#", Width: 6},
			{Title: "Status", Width: 12},
			{Title: "Attempt", Width: 8},
			{Title: "Started", Width: 16},
			{Title: "Duration", Width: 10},
		}
	case tabJobs:
		columns = []table.Column{
			{Title: "Name", Width: 24},
			{Title: "Schedule", Width: 14},
			{Title: "Labels", Width: 28},
			{Title: "ID", Width: 10},
		}
	case tabAgents:
		columns = []table.Column{
			{Title: "Name", Width: 18},
			{Title: "Status", Width: 10},
			{Title: "Slots", Width: 8},
			{Title: "Heartbeat", Width: 16},
			{Title: "URL", Width: 28},
		}
	case tabGates:
		columns = []table.Column{
			{Title: "Stage", Width: 18},
			{Title: "Build", Width: 10},
			{Title: "Quorum", Width: 8},
			{Title: "Waiting", Width: 16},
		}
	}

	tbl := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
	)
	tbl.SetStyles(tableStyles())
	return tbl
}

func buildsToRows(builds []api.Build, jobNames map[string]string) []table.Row {
	rows := make([]table.Row, len(builds))
	for i, b := range builds {
		name := jobNames[b.JobID]
		if name == "" {
			name = shortID(b.JobID)
		}
		rows[i] = table.Row{
			name,
			fmt.Sprintf("%d", b.Number),
			statusGlyph(b.Status),
			fmt.Sprintf("%d", b.Attempt),
			relativeTime(b.StartedAt),
			buildDuration(b),
		}
	}
	return rows
}

func jobsToRows(jobs []api.Job) []table.Row {
	rows := make([]table.Row, len(jobs))
	for i, j := range jobs {
		schedule := j.CronExpr
		if schedule == "" {
			schedule = "-"
		}
		rows[i] = table.Row{j.Name, schedule, formatStringMap(j.Labels), shortID(j.ID)}
	}
	return rows
}

func agentsToRows(agents []api.Agent) []table.Row {
	rows := make([]table.Row, len(agents))
	for i, a := range agents {
		hb := a.LastHeartbeat
		rows[i] = table.Row{
			a.Name,
			statusGlyph(a.Status),
			fmt.Sprintf("%d/%d", a.CurrentBuilds, a.MaxBuilds),
			relativeTime(&hb),
			a.URL,
		}
	}
	return rows
}

func gatesToRows(gates []api.Gate) []table.Row {
	rows := make([]table.Row, len(gates))
	for i, g := range gates {
		created := g.CreatedAt
		rows[i] = table.Row{
			g.StageName,
			shortID(g.BuildID),
			fmt.Sprintf("%d", g.MinApprovals),
			relativeTime(&created),
		}
	}
	return rows
}

func statusGlyph(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "running", "online":
		return "● " + titleCase(status)
	case "succeeded":
		return "✔ Succeeded"
	case "failed", "offline":
		return "✘ " + titleCase(status)
	case "aborted":
		return "■ Aborted"
	default:
		return titleCase(status)
	}
}

func titleCase(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.ToUpper(value[:1]) + strings.ToLower(value[1:])
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatStringMap(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func relativeTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	d := time.Since(*t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 02 15:04")
	}
}

func buildDuration(b api.Build) string {
	if b.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if b.CompletedAt != nil {
		end = *b.CompletedAt
	}
	return end.Sub(*b.StartedAt).Round(time.Second).String()
}
