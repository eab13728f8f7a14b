package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/metrics"
	"github.com/mattjoyce/conduit/internal/scheduler"
)

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks github.com/mattjoyce/conduit/internal/watch Executor

// Executor runs a task by name. *scheduler.Scheduler satisfies it.
type Executor interface {
	Run(ctx context.Context, target string) (*scheduler.Result, error)
}

// ErrLoopStopped is returned by Run after Stop.
var ErrLoopStopped = errors.New("watch loop stopped")

// DefaultDebounce is the quiet period used when none is configured.
const DefaultDebounce = 200 * time.Millisecond

// Config describes one watch session.
type Config struct {
	// Root is the directory event paths are made relative to before matching.
	Root     string
	Bindings []Binding
	Debounce time.Duration
}

type targetState struct {
	running bool
	pending bool
}

// Loop collects change events into debounce windows and runs the bound
// tasks. A target triggered while its previous run is still going gets one
// follow-up run, however many triggers arrive meanwhile.
type Loop struct {
	src     Source
	cfg     Config
	exec    Executor
	events  *events.Hub
	metrics *metrics.Collector
	logger  *slog.Logger

	mu      sync.Mutex
	targets map[string]*targetState
	stopped bool
	runs    sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(src Source, cfg Config, exec Executor, hub *events.Hub, m *metrics.Collector, logger *slog.Logger) *Loop {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Loop{
		src:     src,
		cfg:     cfg,
		exec:    exec,
		events:  hub,
		metrics: m,
		logger:  logger.With("component", "watch"),
		targets: make(map[string]*targetState),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run processes events until Stop, context cancellation, or the source
// closing. Runs already started are waited for before Run returns; they are
// not cancelled by the loop ending.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.doneCh)

	runCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(l.cfg.Debounce)
	timer.Stop()
	var (
		batch  []Event
		timerC <-chan time.Time
	)
	evCh, errCh := l.src.Events(), l.src.Errors()

	l.logger.Info("Watching for changes",
		"root", l.cfg.Root,
		"bindings", len(l.cfg.Bindings),
		"debounce_ms", l.cfg.Debounce.Milliseconds(),
	)

	var result error
loop:
	for {
		select {
		case <-ctx.Done():
			result = ctx.Err()
			break loop
		case <-l.stopCh:
			result = ErrLoopStopped
			break loop
		case ev, ok := <-evCh:
			if !ok {
				// source is gone; what it already reported still counts
				l.flush(runCtx, batch)
				batch = nil
				break loop
			}
			batch = append(batch, ev)
			timer.Reset(l.cfg.Debounce)
			timerC = timer.C
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			l.logger.Warn("Watch source error", "error", err)
		case <-timerC:
			timerC = nil
			l.flush(runCtx, batch)
			batch = nil
		}
	}
	timer.Stop()

	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.runs.Wait()

	l.logger.Info("Watch stopped")
	return result
}

// Stop ends the loop and waits for in-flight runs, bounded by ctx.
func (l *Loop) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	select {
	case <-l.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.doneCh }

func (l *Loop) flush(ctx context.Context, batch []Event) {
	if len(batch) == 0 {
		return
	}
	paths := l.relPaths(batch)
	targets := Targets(l.cfg.Bindings, paths)

	l.events.Publish(events.WatchBatch, "", "", map[string]any{
		"events":  len(batch),
		"paths":   paths,
		"targets": targets,
	})
	l.logger.Debug("Debounce window closed", "events", len(batch), "paths", len(paths), "targets", targets)

	for _, target := range targets {
		l.Trigger(ctx, target)
	}
}

// relPaths returns the distinct slash-separated paths of batch relative to
// the root, in arrival order.
func (l *Loop) relPaths(batch []Event) []string {
	seen := make(map[string]bool, len(batch))
	out := make([]string, 0, len(batch))
	for _, ev := range batch {
		p := ev.Path
		if l.cfg.Root != "" && filepath.IsAbs(p) {
			if rel, err := filepath.Rel(l.cfg.Root, p); err == nil {
				p = rel
			}
		}
		p = filepath.ToSlash(p)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Trigger requests a run of target, or marks it pending when a run is
// already in flight. It is a no-op once the loop has stopped.
func (l *Loop) Trigger(ctx context.Context, target string) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	st, ok := l.targets[target]
	if !ok {
		st = &targetState{}
		l.targets[target] = st
	}
	if st.running {
		first := !st.pending
		st.pending = true
		l.mu.Unlock()
		if first {
			l.metrics.WatchCoalesced(target)
			l.events.Publish(events.WatchPending, "", target, nil)
			l.logger.Info("Run in progress, queued one follow-up", "task", target)
		}
		return
	}
	st.running = true
	l.runs.Add(1)
	l.mu.Unlock()

	go l.run(ctx, target, st)
}

func (l *Loop) run(ctx context.Context, target string, st *targetState) {
	defer l.runs.Done()
	for {
		l.metrics.WatchTriggered(target)
		l.events.Publish(events.WatchTrigger, "", target, nil)
		l.logger.Info("Change detected, running task", "task", target)

		res, err := l.exec.Run(ctx, target)
		switch {
		case err != nil:
			l.events.Publish(events.WatchRunFailed, "", target, map[string]any{"error": err.Error()})
			l.logger.Error("Task could not be run", "task", target, "error", err)
		case !res.OK():
			succeeded, failed, skipped := res.Counts()
			l.logger.Warn("Run finished with failures",
				"task", target,
				"run_id", res.RunID,
				"succeeded", succeeded,
				"failed", failed,
				"skipped", skipped,
			)
		default:
			l.logger.Info("Run finished", "task", target, "run_id", res.RunID, "duration_ms", res.Duration.Milliseconds())
		}

		l.mu.Lock()
		if st.pending && !l.stopped {
			st.pending = false
			l.mu.Unlock()
			continue
		}
		st.running = false
		st.pending = false
		l.mu.Unlock()
		return
	}
}
