package app

import (
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

var (
	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("57")).
			Padding(0, 2)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Padding(0, 2)

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

func tableStyles() table.Styles {
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		Bold(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(lipgloss.Color("240"))
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("57"))
	return styles
}

func (m *Model) View() string {
	tabs := make([]string, 0, int(tabCount))
	for t := tabBuilds; t < tabCount; t++ {
		style := tabInactiveStyle
		if t == m.active {
			style = tabActiveStyle
		}
		tabs = append(tabs, style.Render(t.title()))
	}

	header := lipgloss.JoinHorizontal(lipgloss.Bottom, tabs...)
	pane := paneStyle.Render(m.tables[m.active].View())

	footer := footerStyle.Render("tab: switch  r: refresh  q: quit")
	if m.data.err != nil {
		footer = errorStyle.Render("error: " + m.data.err.Error())
	}

	return strings.Join([]string{header, pane, footer}, "\n")
}
