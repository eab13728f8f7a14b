// Package dashboard is the live terminal view shown by conduit watch --tui.
package dashboard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/task"
	"github.com/mattjoyce/conduit/internal/tui"
)

const maxEventLog = 50

// Options configures the dashboard.
type Options struct {
	Title    string
	Profile  string
	Registry *task.Registry
	Events   *events.Hub
	// Trigger queues a run of the named task. "r" is disabled when nil.
	Trigger func(name string)
}

// Model is the BubbleTea model for the dashboard.
type Model struct {
	title   string
	profile string
	trigger func(string)

	width  int
	height int

	order    []string
	tasks    map[string]*TaskView
	eventLog []events.Event
	lastRun  *RunSummary
	started  time.Time
	now      time.Time

	activity Activity
	spinner  spinner.Model
	theme    tui.Theme
	selected int

	hubEvents <-chan events.Event
	cancel    func()

	lastError string
}

type (
	eventMsg  events.Event
	tickMsg   time.Time
	closedMsg struct{}
)

// New subscribes to the hub immediately so no event between construction
// and the first frame is lost.
func New(opts Options) *Model {
	ch, cancel := opts.Events.Subscribe()
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	m := &Model{
		title:     opts.Title,
		profile:   opts.Profile,
		trigger:   opts.Trigger,
		tasks:     make(map[string]*TaskView),
		started:   time.Now(),
		now:       time.Now(),
		spinner:   sp,
		theme:     tui.NewDefaultTheme(),
		hubEvents: ch,
		cancel:    cancel,
	}
	if m.title == "" {
		m.title = "conduit"
	}
	if opts.Registry != nil {
		for _, name := range opts.Registry.Names() {
			t, err := opts.Registry.Lookup(name)
			if err != nil {
				continue
			}
			m.order = append(m.order, name)
			m.tasks[name] = &TaskView{Name: name, Deps: t.Dependencies, State: task.StatePending}
		}
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		receiveNextEvent(m.hubEvents),
		m.spinner.Tick,
		tick(),
		tea.EnterAltScreen,
	)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// receiveNextEvent waits for the next event from the hub.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.order)-1 {
				m.selected++
			}
		case "r", "enter":
			if m.trigger != nil && m.selected < len(m.order) {
				m.trigger(m.order[m.selected])
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.now = time.Time(msg)
		m.activity.Decay(m.now)
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case closedMsg:
		m.lastError = "event hub closed"
		return m, tea.Quit
	}

	return m, nil
}

// apply folds one event into the model state.
func (m *Model) apply(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	m.activity.OnEvent(e.At)

	if e.Task != "" {
		if _, ok := m.tasks[e.Task]; !ok {
			m.order = append(m.order, e.Task)
		}
		applyTaskEvent(m.tasks, e)
	}

	switch e.Type {
	case events.RunFinished:
		var data struct {
			Root      string `json:"root"`
			OK        bool   `json:"ok"`
			Succeeded int    `json:"succeeded"`
			Failed    int    `json:"failed"`
			Skipped   int    `json:"skipped"`
		}
		if err := json.Unmarshal(e.Data, &data); err == nil {
			m.lastRun = &RunSummary{
				Root:      data.Root,
				OK:        data.OK,
				Succeeded: data.Succeeded,
				Failed:    data.Failed,
				Skipped:   data.Skipped,
				At:        e.At,
			}
		}
		m.lastError = ""
	case events.WatchRunFailed:
		var data struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(e.Data, &data)
		m.lastError = fmt.Sprintf("%s: %s", e.Task, data.Error)
	}
}

func (m Model) running() int {
	n := 0
	for _, v := range m.tasks {
		if v.State == task.StateRunning {
			n++
		}
	}
	return n
}

func (m Model) View() string {
	if m.width == 0 {
		return "Starting dashboard..."
	}

	header := renderHeader(m.title, m.profile, m.lastRun, m.running(), m.activity, m.theme, m.width, m.now, m.started)
	tasks := renderTasks(m.order, m.tasks, m.selected, m.spinner.View(), m.theme, m.width, m.now)
	parts := []string{header, tasks}
	if m.selected < len(m.order) {
		parts = append(parts, renderDetail(m.tasks[m.order[m.selected]], m.theme, m.width))
	}
	parts = append(parts, renderEventStream(m.eventLog, m.theme, m.width))

	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}

	help := " [q] Quit • [↑/↓] Select task"
	if m.trigger != nil {
		help += " • [r] Run selected"
	}
	parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(help))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
