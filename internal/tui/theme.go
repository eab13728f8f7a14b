// Package tui renders run results and the live watch dashboard.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/task"
)

// Theme centralizes styling for the run report and the dashboard.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusSkipped lipgloss.Style
	StatusPending lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusSkipped: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// State returns the style for a task state.
func (t Theme) State(s task.State) lipgloss.Style {
	switch s {
	case task.StateSucceeded:
		return t.StatusOK
	case task.StateRunning:
		return t.StatusRunning
	case task.StateFailed:
		return t.StatusFailed
	case task.StateSkipped:
		return t.StatusSkipped
	default:
		return t.StatusPending
	}
}

// StateIcon is a one-character marker for a task state.
func StateIcon(s task.State) string {
	switch s {
	case task.StateSucceeded:
		return "✓"
	case task.StateRunning:
		return "●"
	case task.StateFailed:
		return "✗"
	case task.StateSkipped:
		return "↷"
	default:
		return "○"
	}
}
