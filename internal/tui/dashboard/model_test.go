package dashboard

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/task"
)

func testModel(t *testing.T, trigger func(string)) (*Model, *events.Hub) {
	t.Helper()
	reg := task.NewRegistry()
	noop := task.ActionFunc(func(context.Context) (task.Output, error) { return task.Output{}, nil })
	require.NoError(t, reg.Add(&task.Task{Name: "clean", Action: noop}))
	require.NoError(t, reg.Add(&task.Task{Name: "build", Dependencies: []string{"clean"}, Action: noop}))
	require.NoError(t, reg.Add(&task.Task{Name: "test", Dependencies: []string{"build"}, Action: noop}))

	hub := events.NewHub(32)
	m := New(Options{Title: "demo", Profile: "dev", Registry: reg, Events: hub, Trigger: trigger})
	t.Cleanup(m.cancel)
	return m, hub
}

// feed delivers every pending hub event to the model.
func feed(t *testing.T, m Model, n int) Model {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case ev := <-m.hubEvents:
			next, _ := m.Update(eventMsg(ev))
			m = next.(Model)
		case <-time.After(time.Second):
			t.Fatalf("expected %d events, got %d", n, i)
		}
	}
	return m
}

func TestTaskStatesFollowEvents(t *testing.T) {
	m, hub := testModel(t, nil)
	assert.Equal(t, []string{"clean", "build", "test"}, m.order)

	hub.Publish(events.RunStarted, "run-1", "", map[string]any{"root": "test"})
	hub.Publish(events.TaskStarted, "run-1", "clean", nil)
	hub.Publish(events.TaskSucceeded, "run-1", "clean", map[string]any{"files": 0, "duration_ms": 5})
	hub.Publish(events.TaskStarted, "run-1", "build", nil)
	hub.Publish(events.TaskFailed, "run-1", "build", map[string]any{"error": "exit status 2", "duration_ms": 40})
	hub.Publish(events.TaskSkipped, "run-1", "test", map[string]any{"dependency": "build"})
	hub.Publish(events.RunFinished, "run-1", "", map[string]any{"root": "test", "ok": false, "succeeded": 1, "failed": 1, "skipped": 1})

	got := feed(t, *m, 7)

	assert.Equal(t, task.StateSucceeded, got.tasks["clean"].State)
	assert.Equal(t, task.StateFailed, got.tasks["build"].State)
	assert.Equal(t, "exit status 2", got.tasks["build"].Error)
	assert.Equal(t, 40*time.Millisecond, got.tasks["build"].Elapsed)
	assert.Equal(t, task.StateSkipped, got.tasks["test"].State)
	assert.Equal(t, "dependency build failed", got.tasks["test"].Error)

	require.NotNil(t, got.lastRun)
	assert.False(t, got.lastRun.OK)
	assert.Equal(t, 1, got.lastRun.Skipped)
	assert.Len(t, got.eventLog, 7)
	assert.Equal(t, events.RunFinished, got.eventLog[0].Type, "newest first")
	assert.Equal(t, 0, got.running())
}

func TestFollowUpMarker(t *testing.T) {
	m, hub := testModel(t, nil)
	hub.Publish(events.WatchPending, "", "build", nil)
	got := feed(t, *m, 1)
	assert.True(t, got.tasks["build"].Queued)

	hub.Publish(events.WatchTrigger, "", "build", nil)
	got = feed(t, got, 1)
	assert.False(t, got.tasks["build"].Queued)
}

func TestUnknownTaskIsAppended(t *testing.T) {
	m, hub := testModel(t, nil)
	hub.Publish(events.TaskStarted, "run-1", "extra", nil)
	got := feed(t, *m, 1)
	assert.Equal(t, []string{"clean", "build", "test", "extra"}, got.order)
	assert.Equal(t, 1, got.running())
}

func TestKeysSelectAndTrigger(t *testing.T) {
	var triggered []string
	m, _ := testModel(t, func(name string) { triggered = append(triggered, name) })

	var model tea.Model = *m
	press := func(key string) {
		var msg tea.KeyMsg
		switch key {
		case "down":
			msg = tea.KeyMsg{Type: tea.KeyDown}
		case "up":
			msg = tea.KeyMsg{Type: tea.KeyUp}
		default:
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
		}
		model, _ = model.Update(msg)
	}

	press("down")
	press("down")
	press("down")
	assert.Equal(t, 2, model.(Model).selected, "selection stops at the last task")
	press("r")
	press("up")
	press("r")
	assert.Equal(t, []string{"test", "build"}, triggered)
}

func TestViewRenders(t *testing.T) {
	m, hub := testModel(t, func(string) {})
	assert.Equal(t, "Starting dashboard...", m.View())

	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	hub.Publish(events.TaskFailed, "run-1", "build", map[string]any{"error": "boom"})
	got := feed(t, next.(Model), 1)

	view := got.View()
	for _, want := range []string{"DEMO", "watch:dev", "TASKS", "clean", "build", "boom", "EVENT STREAM", "[r] Run selected"} {
		assert.Contains(t, view, want)
	}
}

func TestQuitCancelsSubscription(t *testing.T) {
	m, _ := testModel(t, nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	_, open := <-m.hubEvents
	assert.False(t, open)
}
