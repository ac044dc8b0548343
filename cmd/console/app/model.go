// Package app is the interactive console: a tabbed terminal view over
// jobs, builds, agents and pending gates, refreshed on an interval.
package app

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/conveyor-ci/conveyor/cmd/console/api"
)

const refreshInterval = 2 * time.Second

type tab int

const (
	tabBuilds tab = iota
	tabJobs
	tabAgents
	tabGates
	tabCount
)

func (t tab) title() string {
	switch t {
	case tabBuilds:
		return "Builds"
	case tabJobs:
		return "Jobs"
	case tabAgents:
		return "Agents"
	case tabGates:
		return "Gates"
	default:
		return ""
	}
}

type snapshot struct {
	jobs   []api.Job
	builds []api.Build
	agents []api.Agent
	gates  []api.Gate
	err    error
}

type tickMsg time.Time

// Model is the console's bubbletea model.
type Model struct {
	client *api.Client
	active tab
	tables [tabCount]table.Model
	data   snapshot
	width  int
	height int
}

// New constructs the console model around a REST client.
func New(client *api.Client) *Model {
	m := &Model{client: client}
	for t := tabBuilds; t < tabCount; t++ {
		m.tables[t] = newTable(t)
	}
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refresh fetches every pane in one command; a failed fetch keeps the
// previous data and surfaces the error in the footer.
func (m *Model) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
	defer cancel()

	snap := snapshot{}
	if snap.builds, snap.err = m.client.Builds(ctx, 50); snap.err != nil {
		return snap
	}
	if snap.jobs, snap.err = m.client.Jobs(ctx); snap.err != nil {
		return snap
	}
	if snap.agents, snap.err = m.client.Agents(ctx); snap.err != nil {
		return snap
	}
	snap.gates, snap.err = m.client.PendingGates(ctx)
	return snap
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "right", "l":
			m.active = (m.active + 1) % tabCount
		case "shift+tab", "left", "h":
			m.active = (m.active + tabCount - 1) % tabCount
		case "r":
			return m, m.refresh
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		for t := range m.tables {
			m.tables[t].SetWidth(msg.Width - 4)
			m.tables[t].SetHeight(msg.Height - 7)
		}

	case tickMsg:
		return m, tea.Batch(m.refresh, tick())

	case snapshot:
		if msg.err == nil {
			m.data = msg
		} else {
			m.data.err = msg.err
		}
		m.applySnapshot()
		return m, nil
	}

	var cmd tea.Cmd
	m.tables[m.active], cmd = m.tables[m.active].Update(msg)
	return m, cmd
}

func (m *Model) applySnapshot() {
	jobNames := make(map[string]string, len(m.data.jobs))
	for _, j := range m.data.jobs {
		jobNames[j.ID] = j.Name
	}

	m.tables[tabBuilds].SetRows(buildsToRows(m.data.builds, jobNames))
	m.tables[tabJobs].SetRows(jobsToRows(m.data.jobs))
	m.tables[tabAgents].SetRows(agentsToRows(m.data.agents))
	m.tables[tabGates].SetRows(gatesToRows(m.data.gates))
}
