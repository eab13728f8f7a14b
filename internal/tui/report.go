package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/conduit/internal/scheduler"
)

const maxNoteWidth = 72

// RenderResult formats a finished run as a table plus a one-line summary.
func RenderResult(res *scheduler.Result, theme Theme) string {
	rows := make([][]string, 0, len(res.Tasks))
	for _, tr := range res.Tasks {
		rows = append(rows, []string{
			StateIcon(tr.State) + " " + tr.Name,
			string(tr.State),
			strconv.Itoa(tr.Files),
			FormatElapsed(tr.Duration),
			note(tr),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(theme.Dim).
		Headers("TASK", "STATE", "FILES", "TIME", "NOTE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.Header.Padding(0, 1)
			}
			if col == 1 && row >= 0 && row < len(res.Tasks) {
				return theme.State(res.Tasks[row].State).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	return t.Render() + "\n" + Summary(res, theme) + "\n"
}

// Summary is the one-line outcome of a run.
func Summary(res *scheduler.Result, theme Theme) string {
	succeeded, failed, skipped := res.Counts()
	counts := fmt.Sprintf("%d succeeded, %d failed, %d skipped in %s",
		succeeded, failed, skipped, FormatElapsed(res.Duration))
	if res.OK() {
		return theme.StatusOK.Render("OK") + " " + res.Root + ": " + counts
	}
	return theme.StatusFailed.Render("FAILED") + " " + res.Root + ": " + counts
}

func note(tr scheduler.TaskResult) string {
	var parts []string
	if tr.Coalesced {
		parts = append(parts, "joined in-flight run")
	}
	if tr.Error != "" {
		// first line only; tool output is logged in full
		msg, _, _ := strings.Cut(tr.Error, "\n")
		parts = append(parts, msg)
	}
	out := strings.Join(parts, "; ")
	if len(out) > maxNoteWidth {
		out = out[:maxNoteWidth-3] + "..."
	}
	return out
}

// FormatElapsed renders short durations in ms and longer ones in seconds.
func FormatElapsed(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}
