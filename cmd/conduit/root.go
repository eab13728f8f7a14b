package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/doctor"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/lock"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/metrics"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/project"
	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/tui"
)

const defaultTask = "default"

type cli struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	noLock     bool
	logLevel   string
	jsonOut    bool
	failFast   bool
	parallel   int

	exitCode int
}

func (c *cli) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conduit [task...]",
		Short: "Run build tasks and their dependencies",
		Long: `conduit runs the tasks declared in conduit.yaml. Each task runs after
its dependencies; a failed task skips everything that depends on it.

With no arguments the "default" task is run.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{defaultTask}
			}
			return c.runTasks(args)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "Path to conduit.yaml or its directory (default: discover)")
	pf.BoolVar(&c.noLock, "no-lock", false, "Do not take the project lock")
	pf.StringVar(&c.logLevel, "log-level", "", "Override project.log_level (debug, info, warn, error)")

	addRunFlags := func(cmd *cobra.Command) {
		cmd.Flags().BoolVar(&c.jsonOut, "json", false, "Print the run result as JSON")
		cmd.Flags().BoolVar(&c.failFast, "fail-fast", false, "Skip every pending task after the first failure")
		cmd.Flags().IntVarP(&c.parallel, "parallel", "j", 0, "Maximum tasks running at once (default: project.max_parallel or CPU count)")
	}
	addRunFlags(root)

	runCmd := &cobra.Command{
		Use:   "run <task...>",
		Short: "Run tasks and their dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runTasks(args)
		},
	}
	addRunFlags(runCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List declared tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.listTasks()
		},
	}
	listCmd.Flags().BoolVar(&c.jsonOut, "json", false, "Print tasks as JSON")

	planCmd := &cobra.Command{
		Use:   "plan <task...>",
		Short: "Show the order tasks would run in, without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.showPlan(args)
		},
	}
	planCmd.Flags().BoolVar(&c.jsonOut, "json", false, "Print the plan as JSON")

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check conduit.yaml against this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.doctor()
		},
	}
	doctorCmd.Flags().BoolVar(&c.jsonOut, "json", false, "Print the report as JSON")

	var versionJSON bool
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := currentVersionInfo()
			if versionJSON {
				return writeJSON(c.stdout, info)
			}
			fmt.Fprintf(c.stdout, "conduit %s\ncommit: %s\nbuilt_at: %s\n", info.Version, info.Commit, info.BuildTime)
			return nil
		},
	}
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output version metadata as JSON")

	root.AddCommand(runCmd, listCmd, planCmd, c.newWatchCmd(), doctorCmd, versionCmd)
	return root
}

// env is everything a command needs once the config is loaded.
type env struct {
	cfg     *config.Config
	project *project.Project
	logger  *slog.Logger
	lock    *lock.PIDLock
}

func (e *env) close() {
	if e.lock != nil {
		if err := e.lock.Release(); err != nil {
			e.logger.Warn("Failed to release project lock", "path", e.lock.Path(), "error", err)
		}
	}
}

// open loads the config and builds the project. The logger writes to w.
func (c *cli) open(takeLock bool, logTo io.Writer) (*env, error) {
	path := c.configPath
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := cfg.Project.LogLevel
	if c.logLevel != "" {
		level = c.logLevel
	}
	logger := log.New(logTo, level, cfg.Project.LogFormat).With("project", cfg.Project.Name)

	proj, err := project.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid task graph: %w", err)
	}

	e := &env{cfg: cfg, project: proj, logger: logger}
	if takeLock && !c.noLock {
		l, err := lock.AcquireProject(cfg.Dir)
		if err != nil {
			var held *lock.HeldError
			if errors.As(err, &held) {
				return nil, fmt.Errorf("another conduit (pid %d) is running in this project; wait for it or pass --no-lock", held.PID)
			}
			return nil, err
		}
		e.lock = l
		logger.Debug("Acquired project lock", "path", l.Path())
	}
	return e, nil
}

func (c *cli) newScheduler(e *env, hub *events.Hub, m *metrics.Collector) *scheduler.Scheduler {
	opts := scheduler.Options{
		MaxParallel: e.cfg.Project.MaxParallel,
		FailFast:    e.cfg.Project.FailFast || c.failFast,
	}
	if c.parallel > 0 {
		opts.MaxParallel = c.parallel
	}
	return scheduler.New(e.project.Registry(), opts, hub, m, e.logger)
}

func (c *cli) runTasks(targets []string) error {
	e, err := c.open(true, c.stderr)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signalContext()
	defer stop()

	sched := c.newScheduler(e, nil, nil)
	res, err := sched.RunAll(ctx, targets)
	if err != nil {
		return err
	}

	if c.jsonOut {
		if err := writeJSON(c.stdout, res); err != nil {
			return err
		}
	} else {
		fmt.Fprint(c.stdout, tui.RenderResult(res, tui.NewDefaultTheme()))
	}
	c.exitCode = res.ExitCode()
	return nil
}

type taskListing struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies"`
	Description  string   `json:"description"`
}

func (c *cli) listTasks() error {
	e, err := c.open(false, c.stderr)
	if err != nil {
		return err
	}
	defer e.close()

	reg := e.project.Registry()
	var out []taskListing
	for _, name := range reg.Names() {
		t, err := reg.Lookup(name)
		if err != nil {
			return err
		}
		out = append(out, taskListing{
			Name:         name,
			Dependencies: append([]string{}, t.Dependencies...),
			Description:  e.project.Describe(name),
		})
	}
	if c.jsonOut {
		return writeJSON(c.stdout, out)
	}

	theme := tui.NewDefaultTheme()
	rows := make([][]string, 0, len(out))
	for _, t := range out {
		rows = append(rows, []string{t.Name, strings.Join(t.Dependencies, ", "), t.Description})
	}
	tbl := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("TASK", "DEPENDS ON", "DOES").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.Header.PaddingRight(2)
			}
			return lipgloss.NewStyle().PaddingRight(2)
		})
	fmt.Fprintln(c.stdout, tbl.Render())
	return nil
}

func (c *cli) showPlan(targets []string) error {
	e, err := c.open(false, c.stderr)
	if err != nil {
		return err
	}
	defer e.close()

	p, err := plan.ResolveAll(e.project.Registry(), targets)
	if err != nil {
		return err
	}
	if c.jsonOut {
		return writeJSON(c.stdout, p)
	}
	for i, name := range p.Order {
		deps := p.Deps[name]
		if len(deps) == 0 {
			fmt.Fprintf(c.stdout, "%2d. %s\n", i+1, name)
			continue
		}
		fmt.Fprintf(c.stdout, "%2d. %s (after %s)\n", i+1, name, strings.Join(deps, ", "))
	}
	fmt.Fprintf(c.stdout, "fingerprint: %s\n", p.Fingerprint)
	return nil
}

func (c *cli) doctor() error {
	e, err := c.open(false, c.stderr)
	if err != nil {
		return err
	}
	defer e.close()

	r := doctor.New(e.cfg, e.project.Registry()).Validate()
	if c.jsonOut {
		out, err := doctor.FormatJSON(r)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, out)
	} else {
		fmt.Fprint(c.stdout, doctor.FormatHuman(r))
	}
	if !r.Valid {
		c.exitCode = 1
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
