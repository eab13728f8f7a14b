package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/metrics"
	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/tui/dashboard"
	"github.com/mattjoyce/conduit/internal/watch"
)

const (
	defaultProfile = "watch"
	stopTimeout    = 30 * time.Second
)

type watchFlags struct {
	binds    []string
	tui      bool
	listen   string
	logFile  string
	debounce time.Duration
}

func (c *cli) newWatchCmd() *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:   "watch [profile]",
		Short: "Re-run tasks when their source files change",
		Long: `watch runs the bindings of a watch profile from conduit.yaml, plus any
given with --bind, re-running a task whenever a matching file changes.

  conduit watch dev
  conduit watch --bind 'src/**/*.js,test/**/*.js=test'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := ""
			if len(args) == 1 {
				profile = args[0]
			}
			return c.watch(cmd.Context(), profile, f)
		},
	}
	cmd.Flags().StringArrayVarP(&f.binds, "bind", "b", nil, "Extra binding 'glob[,glob...]=task' (repeatable)")
	cmd.Flags().BoolVar(&f.tui, "tui", false, "Show the live dashboard")
	cmd.Flags().StringVar(&f.listen, "listen", "", "Serve the status API on this address (overrides status.listen)")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "Write logs here instead of stderr")
	cmd.Flags().DurationVar(&f.debounce, "debounce", 0, "Override the profile's debounce window")
	return cmd
}

// watchSetup resolves the profile and --bind flags into a loop config.
func watchSetup(cfg *config.Config, profile string, f watchFlags) (watch.Config, []string, error) {
	wc := watch.Config{Root: cfg.RootDir(), Debounce: watch.DefaultDebounce}
	var ignore []string

	name := profile
	if name == "" && len(f.binds) == 0 {
		name = defaultProfile
	}
	if name != "" {
		p, ok := cfg.Watch[name]
		if !ok {
			return wc, nil, fmt.Errorf("no watch profile %q in %s (have: %s)", name, config.FileName, profileNames(cfg))
		}
		for _, b := range p.Bindings {
			wc.Bindings = append(wc.Bindings, watch.Binding{Globs: b.Globs, Task: b.Task})
		}
		wc.Debounce = p.Debounce()
		ignore = append(ignore, p.Ignore...)
	}
	for _, raw := range f.binds {
		b, err := watch.ParseBinding(raw)
		if err != nil {
			return wc, nil, err
		}
		if _, ok := cfg.Tasks.Get(b.Task); !ok {
			return wc, nil, fmt.Errorf("--bind %q: unknown task %q", raw, b.Task)
		}
		wc.Bindings = append(wc.Bindings, b)
	}
	if f.debounce > 0 {
		wc.Debounce = f.debounce
	}

	// build output must never retrigger the build
	if rel, err := filepath.Rel(wc.Root, cfg.DestinationDir()); err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
		rel = filepath.ToSlash(rel)
		ignore = append(ignore, rel, rel+"/**")
	}
	return wc, ignore, nil
}

func profileNames(cfg *config.Config) string {
	if len(cfg.Watch) == 0 {
		return "none"
	}
	names := make([]string, 0, len(cfg.Watch))
	for n := range cfg.Watch {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (c *cli) watch(parent context.Context, profile string, f watchFlags) error {
	var logTo io.Writer = c.stderr
	if f.logFile != "" {
		file, err := os.OpenFile(f.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer file.Close()
		logTo = file
	} else if f.tui {
		logTo = io.Discard
	}

	e, err := c.open(true, logTo)
	if err != nil {
		return err
	}
	defer e.close()

	wc, ignore, err := watchSetup(e.cfg, profile, f)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(512)
	defer hub.Close()
	m := metrics.New()
	sched := c.newScheduler(e, hub, m)

	src, err := watch.NewFSNotifySource(wc.Root, append(append([]string{}, watch.DefaultIgnore...), ignore...), e.logger)
	if err != nil {
		return err
	}
	defer src.Close()

	loop := watch.New(src, wc, &staleCheck{exec: sched, cfg: e.cfg, logger: e.logger}, hub, m, e.logger)

	listen := f.listen
	if listen == "" {
		listen = e.cfg.Status.Listen
	}
	errCh := make(chan error, 2)
	if listen != "" {
		srv := api.New(api.Config{Listen: listen, Token: e.cfg.Status.Token}, api.Deps{
			Registry:  e.project.Registry(),
			Runner:    sched,
			Triggerer: loop,
			Events:    hub,
			Metrics:   m.Handler(),
			Describe:  e.project.Describe,
		}, e.logger)
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	go func() {
		err := loop.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, watch.ErrLoopStopped) {
			errCh <- err
		}
	}()

	if f.tui {
		title := e.cfg.Project.Name
		if title == "" {
			title = filepath.Base(e.cfg.Dir)
		}
		board := dashboard.New(dashboard.Options{
			Title:    title,
			Profile:  profile,
			Registry: e.project.Registry(),
			Events:   hub,
			Trigger:  func(name string) { loop.Trigger(ctx, name) },
		})
		prog := tea.NewProgram(*board, tea.WithContext(ctx), tea.WithOutput(c.stdout))
		if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			stop()
			return err
		}
		stop()
	} else {
		fmt.Fprintf(c.stderr, "Watching %s (%d bindings, debounce %s). Ctrl-C to stop.\n",
			wc.Root, len(wc.Bindings), wc.Debounce)
		select {
		case <-ctx.Done():
		case err := <-errCh:
			stop()
			c.waitStopped(loop, e)
			return err
		}
	}

	c.waitStopped(loop, e)
	return nil
}

// staleCheck warns once when conduit.yaml changes under a running watch
// session. The loaded task graph is kept until restart.
type staleCheck struct {
	exec   watch.Executor
	cfg    *config.Config
	logger *slog.Logger
	warned atomic.Bool
}

func (s *staleCheck) Run(ctx context.Context, target string) (*scheduler.Result, error) {
	if !s.warned.Load() {
		if stale, err := s.cfg.Stale(); err == nil && stale && s.warned.CompareAndSwap(false, true) {
			s.logger.Warn("Config changed since watch started; restart to pick it up", "path", s.cfg.Path)
		}
	}
	return s.exec.Run(ctx, target)
}

// waitStopped gives in-flight runs a bounded chance to finish.
func (c *cli) waitStopped(loop *watch.Loop, e *env) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := loop.Stop(ctx); err != nil {
		e.logger.Warn("Runs still in flight at exit", "error", err)
	}
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
