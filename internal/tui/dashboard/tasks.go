package dashboard

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/task"
	"github.com/mattjoyce/conduit/internal/tui"
)

// TaskView is what the dashboard knows about one task.
type TaskView struct {
	Name      string
	Deps      []string
	State     task.State
	Files     int
	Error     string
	StartedAt time.Time
	Elapsed   time.Duration
	// Queued is set while a watch follow-up run is waiting.
	Queued  bool
	LastRun time.Time
}

type taskData struct {
	Files      int    `json:"files"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error"`
	Dependency string `json:"dependency"`
	Reason     string `json:"reason"`
}

// applyTaskEvent folds one hub event into the task views.
func applyTaskEvent(views map[string]*TaskView, e events.Event) {
	if e.Task == "" {
		return
	}
	v, ok := views[e.Task]
	if !ok {
		v = &TaskView{Name: e.Task, State: task.StatePending}
		views[e.Task] = v
	}

	var data taskData
	_ = json.Unmarshal(e.Data, &data)

	switch e.Type {
	case events.TaskStarted:
		v.State = task.StateRunning
		v.StartedAt = e.At
		v.Error = ""
	case events.TaskSucceeded:
		v.State = task.StateSucceeded
		v.Files = data.Files
		v.Elapsed = time.Duration(data.DurationMS) * time.Millisecond
		v.LastRun = e.At
	case events.TaskFailed:
		v.State = task.StateFailed
		v.Error = data.Error
		v.Elapsed = time.Duration(data.DurationMS) * time.Millisecond
		v.LastRun = e.At
	case events.TaskSkipped:
		v.State = task.StateSkipped
		v.Error = data.Reason
		if data.Dependency != "" {
			v.Error = "dependency " + data.Dependency + " failed"
		}
		v.LastRun = e.At
	case events.WatchPending:
		v.Queued = true
	case events.WatchTrigger:
		v.Queued = false
	}
}

func renderTasks(order []string, views map[string]*TaskView, selected int, spin string, theme tui.Theme, width int, now time.Time) string {
	innerWidth := width - 4

	if len(order) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("TASKS"),
			theme.Dim.Render("  No tasks registered"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := []string{theme.Title.Render("TASKS")}
	for i, name := range order {
		lines = append(lines, renderTaskRow(views[name], i == selected, spin, theme, now))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderTaskRow(v *TaskView, isSelected bool, spin string, theme tui.Theme, now time.Time) string {
	icon := tui.StateIcon(v.State)
	if v.State == task.StateRunning {
		icon = spin
	}
	state := theme.State(v.State).Render(fmt.Sprintf("%s %-9s", icon, v.State))

	nameStyle := lipgloss.NewStyle()
	if isSelected {
		nameStyle = nameStyle.Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	}

	var detail string
	switch v.State {
	case task.StateRunning:
		detail = theme.Dim.Render(tui.FormatElapsed(now.Sub(v.StartedAt)))
	case task.StateSucceeded:
		detail = theme.Dim.Render(fmt.Sprintf("%d files in %s, %s", v.Files, tui.FormatElapsed(v.Elapsed), formatAgo(now.Sub(v.LastRun))))
	case task.StateFailed, task.StateSkipped:
		msg, _, _ := strings.Cut(v.Error, "\n")
		detail = theme.StatusFailed.Render(truncate(msg, 60))
	}
	if v.Queued {
		detail += " " + theme.Highlight.Render("[follow-up queued]")
	}

	return fmt.Sprintf(" %s %s  %s", state, nameStyle.Render(fmt.Sprintf("%-20s", v.Name)), detail)
}

// renderDetail shows the selected task's dependencies and last error.
func renderDetail(v *TaskView, theme tui.Theme, width int) string {
	if v == nil {
		return ""
	}
	deps := "none"
	if len(v.Deps) > 0 {
		deps = strings.Join(v.Deps, ", ")
	}
	lines := []string{
		theme.Title.Render(strings.ToUpper(v.Name)),
		" depends on: " + deps,
	}
	if v.Error != "" {
		lines = append(lines, theme.StatusFailed.Render(" "+v.Error))
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
