package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/tui"
)

// RunSummary is the outcome of the most recent run.
type RunSummary struct {
	Root      string
	OK        bool
	Succeeded int
	Failed    int
	Skipped   int
	At        time.Time
}

func renderHeader(title, profile string, last *RunSummary, running int, activity Activity, theme tui.Theme, width int, now time.Time, started time.Time) string {
	innerWidth := width - 4

	status := theme.StatusPending.Render("IDLE")
	switch {
	case running > 0:
		status = theme.StatusRunning.Render(fmt.Sprintf("BUILDING (%d)", running))
	case last != nil && last.OK:
		status = theme.StatusOK.Render("PASSING")
	case last != nil:
		status = theme.StatusFailed.Render("FAILING")
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := " " + strings.ToUpper(title)
	if profile != "" {
		titleText += theme.Dim.Render(" watch:" + profile)
	}
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	lastRun := "no runs yet"
	if last != nil {
		lastRun = fmt.Sprintf("%s: %d ok, %d failed, %d skipped (%s)",
			last.Root, last.Succeeded, last.Failed, last.Skipped, formatAgo(now.Sub(last.At)))
	}
	statsLine := fmt.Sprintf(" %s  up %s  last %s", status, formatDuration(now.Sub(started)), lastRun)

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = formatAgo(now.Sub(activity.LastEvent()))
	}
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
