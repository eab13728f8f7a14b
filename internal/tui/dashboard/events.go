package dashboard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/tui"
)

const visibleEvents = 10

func renderEventStream(eventLog []events.Event, theme tui.Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for changes..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme tui.Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TaskSucceeded:
		typeStyle = theme.StatusOK
	case events.TaskFailed, events.WatchRunFailed:
		typeStyle = theme.StatusFailed
	case events.TaskStarted, events.RunStarted:
		typeStyle = theme.StatusRunning
	case events.TaskSkipped, events.TaskCoalesced, events.WatchPending:
		typeStyle = theme.StatusSkipped
	case events.WatchBatch, events.WatchTrigger:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-16s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if e.Task != "" {
		parts = append(parts, e.Task)
	}
	if root, ok := data["root"].(string); ok {
		parts = append(parts, root)
	}
	if ok, present := data["ok"].(bool); present {
		if ok {
			parts = append(parts, "ok")
		} else {
			parts = append(parts, "failed")
		}
	}
	if paths, ok := data["paths"].([]any); ok {
		parts = append(parts, fmt.Sprintf("%d changed", len(paths)))
	}
	if dep, ok := data["dependency"].(string); ok && dep != "" {
		parts = append(parts, "after "+dep)
	}
	if msg, ok := data["error"].(string); ok {
		first, _, _ := strings.Cut(msg, "\n")
		parts = append(parts, truncate(first, 50))
	}
	if e.RunID != "" {
		id := e.RunID
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, "["+id+"]")
	}
	return strings.Join(parts, " ")
}
