// Package scheduler executes resolved plans: independent tasks run
// concurrently, dependents wait for their dependencies, and a failure skips
// everything downstream of it while unrelated branches carry on.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/metrics"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/task"
)

// Options tune execution.
type Options struct {
	// MaxParallel bounds concurrently running actions; <= 0 means NumCPU.
	MaxParallel int
	// FailFast skips every task not yet started after the first failure,
	// not just the failed task's dependents.
	FailFast bool
}

// Scheduler runs plans built from one registry. It is safe for concurrent
// use: overlapping runs share a per-task lease so a task never executes twice
// at the same time.
type Scheduler struct {
	registry *task.Registry
	opts     Options
	events   *events.Hub
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu     sync.Mutex
	leases map[string]*lease
	states map[string]task.State
	last   *Result
}

// lease is held by the run that is currently executing a task. Other runs
// asking for the same task wait on done and adopt the outcome.
type lease struct {
	runID string
	done  chan struct{}
	out   task.Output
	err   error
}

// New creates a Scheduler. hub, m and logger may be nil.
func New(reg *task.Registry, opts Options, hub *events.Hub, m *metrics.Collector, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = log.Discard()
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = runtime.NumCPU()
	}
	states := make(map[string]task.State, reg.Len())
	for _, name := range reg.Names() {
		states[name] = task.StatePending
	}
	return &Scheduler{
		registry: reg,
		opts:     opts,
		events:   hub,
		metrics:  m,
		logger:   logger.With("component", "scheduler"),
		leases:   make(map[string]*lease),
		states:   states,
	}
}

// Run resolves root and executes the resulting plan. Structural problems
// (unknown task, cycle) are returned as errors before anything starts.
func (s *Scheduler) Run(ctx context.Context, root string) (*Result, error) {
	p, err := plan.Resolve(s.registry, root)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, p), nil
}

// RunAll is Run for several roots merged into one plan.
func (s *Scheduler) RunAll(ctx context.Context, roots []string) (*Result, error) {
	p, err := plan.ResolveAll(s.registry, roots)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, p), nil
}

type completion struct {
	name string
	res  TaskResult
}

// Execute runs every task of p. A task starts once all of its own
// dependencies have succeeded. Tasks already running when a failure happens
// are allowed to finish. Once ctx is done nothing new starts: tasks still
// pending are skipped with the context error as cause.
func (s *Scheduler) Execute(ctx context.Context, p *plan.Plan) *Result {
	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID, "root", p.Root)
	started := time.Now()

	logger.Info("Run started", "plan", p.Order, "fingerprint", p.Fingerprint)
	s.events.Publish(events.RunStarted, runID, "", map[string]any{
		"root":        p.Root,
		"plan":        p.Order,
		"fingerprint": p.Fingerprint,
	})
	s.resetStates(p.Order)

	states := make(map[string]task.State, len(p.Order))
	for _, name := range p.Order {
		states[name] = task.StatePending
	}
	results := make(map[string]TaskResult, len(p.Order))

	doneCh := make(chan completion, len(p.Order))
	running := 0

	for {
		if err := ctx.Err(); err != nil {
			for _, name := range p.Order {
				if states[name] == task.StatePending {
					states[name] = task.StateSkipped
					results[name] = s.skip(runID, name, "", err, logger)
				}
			}
		}
		for _, name := range p.Order {
			if running >= s.opts.MaxParallel {
				break
			}
			if states[name] != task.StatePending || !depsSucceeded(p.Deps[name], states) {
				continue
			}
			states[name] = task.StateRunning
			running++
			go func(name string) {
				doneCh <- completion{name: name, res: s.runTask(ctx, runID, name, logger)}
			}(name)
		}

		if running == 0 {
			break
		}

		c := <-doneCh
		running--
		states[c.name] = c.res.State
		results[c.name] = c.res

		if c.res.State != task.StateFailed {
			continue
		}
		for _, dep := range p.Dependents(c.name) {
			if states[dep] == task.StatePending {
				states[dep] = task.StateSkipped
				results[dep] = s.skip(runID, dep, c.name, nil, logger)
			}
		}
		if s.opts.FailFast {
			for _, name := range p.Order {
				if states[name] == task.StatePending {
					states[name] = task.StateSkipped
					results[name] = s.skip(runID, name, "", nil, logger)
				}
			}
		}
	}

	res := &Result{
		RunID:       runID,
		Root:        p.Root,
		Fingerprint: p.Fingerprint,
		StartedAt:   started,
		Duration:    time.Since(started),
	}
	for _, name := range p.Order {
		r, ok := results[name]
		if !ok || !r.State.IsTerminal() {
			// Unreachable with a consistent plan; never report a hole.
			r = s.skip(runID, name, "", nil, logger)
		}
		res.Tasks = append(res.Tasks, r)
	}

	succeeded, failed, skipped := res.Counts()
	s.events.Publish(events.RunFinished, runID, "", map[string]any{
		"root":        p.Root,
		"ok":          res.OK(),
		"succeeded":   succeeded,
		"failed":      failed,
		"skipped":     skipped,
		"duration_ms": res.Duration.Milliseconds(),
	})
	logger.Info("Run finished",
		"ok", res.OK(),
		"succeeded", succeeded,
		"failed", failed,
		"skipped", skipped,
		"duration_ms", res.Duration.Milliseconds(),
	)

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res
}

func depsSucceeded(deps []string, states map[string]task.State) bool {
	for _, d := range deps {
		if states[d] != task.StateSucceeded {
			return false
		}
	}
	return true
}

func (s *Scheduler) skip(runID, name, failedDep string, abort error, logger *slog.Logger) TaskResult {
	cause := &task.SkippedDueToDependencyFailure{Task: name, Dependency: failedDep, Cause: abort}
	s.setState(name, task.StateSkipped)
	s.metrics.TaskSkipped(name)
	s.events.Publish(events.TaskSkipped, runID, name, map[string]any{
		"dependency": failedDep,
		"reason":     cause.Error(),
	})
	logger.Info("Task skipped", "task", name, "failed_dependency", failedDep, "reason", cause.Error())
	return TaskResult{Name: name, State: task.StateSkipped, Err: cause, Error: cause.Error()}
}

// runTask executes one task, or joins the run already executing it.
func (s *Scheduler) runTask(ctx context.Context, runID, name string, runLogger *slog.Logger) TaskResult {
	logger := runLogger.With("task", name)

	l, owner := s.acquire(runID, name)
	if !owner {
		logger.Info("Task already running, joining in-flight run", "owner_run_id", l.runID)
		s.events.Publish(events.TaskCoalesced, runID, name, map[string]any{"owner_run_id": l.runID})
		select {
		case <-l.done:
		case <-ctx.Done():
			return failedResult(name, ctx.Err(), time.Time{}, 0, true)
		}
		if l.err != nil {
			return failedResult(name, l.err, time.Time{}, 0, true)
		}
		return TaskResult{Name: name, State: task.StateSucceeded, Files: l.out.Files, Coalesced: true}
	}

	t, err := s.registry.Lookup(name)
	if err != nil {
		s.release(name, l, task.StateFailed)
		return failedResult(name, err, time.Now(), 0, false)
	}

	s.events.Publish(events.TaskStarted, runID, name, map[string]any{"dependencies": t.Dependencies})
	s.metrics.TaskStarted()
	logger.Info("Task started")

	start := time.Now()
	out, err := invoke(ctx, t)
	dur := time.Since(start)
	l.out, l.err = out, err

	if err != nil {
		s.metrics.TaskFinished(name, string(task.StateFailed), dur)
		s.events.Publish(events.TaskFailed, runID, name, map[string]any{
			"error":       err.Error(),
			"duration_ms": dur.Milliseconds(),
		})
		logger.Error("Task failed", "error", err, "duration_ms", dur.Milliseconds())
		s.release(name, l, task.StateFailed)
		return failedResult(name, err, start, dur, false)
	}

	s.metrics.TaskFinished(name, string(task.StateSucceeded), dur)
	s.events.Publish(events.TaskSucceeded, runID, name, map[string]any{
		"files":       out.Files,
		"duration_ms": dur.Milliseconds(),
	})
	logger.Info("Task succeeded", "files", out.Files, "duration_ms", dur.Milliseconds())
	s.release(name, l, task.StateSucceeded)
	return TaskResult{
		Name:      name,
		State:     task.StateSucceeded,
		Files:     out.Files,
		StartedAt: start,
		Duration:  dur,
	}
}

func failedResult(name string, err error, start time.Time, dur time.Duration, coalesced bool) TaskResult {
	return TaskResult{
		Name:      name,
		State:     task.StateFailed,
		Err:       err,
		Error:     err.Error(),
		StartedAt: start,
		Duration:  dur,
		Coalesced: coalesced,
	}
}

// invoke runs the task's action, turning panics into failures so one broken
// action cannot take down the whole run.
func invoke(ctx context.Context, t *task.Task) (out task.Output, err error) {
	if t.IsAlias() {
		return task.Output{}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.Action.Run(ctx)
}

// acquire returns the lease for name and whether the caller owns it.
func (s *Scheduler) acquire(runID, name string) (*lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok {
		return l, false
	}
	l := &lease{runID: runID, done: make(chan struct{})}
	s.leases[name] = l
	s.states[name] = task.StateRunning
	return l, true
}

func (s *Scheduler) release(name string, l *lease, final task.State) {
	s.mu.Lock()
	delete(s.leases, name)
	s.states[name] = final
	s.mu.Unlock()
	close(l.done)
}

func (s *Scheduler) setState(name string, st task.State) {
	s.mu.Lock()
	s.states[name] = st
	s.mu.Unlock()
}

// resetStates marks tasks pending for a new run, leaving tasks that another
// run is still executing alone.
func (s *Scheduler) resetStates(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, busy := s.leases[name]; !busy {
			s.states[name] = task.StatePending
		}
	}
}

// States returns the latest known state of every registered task.
func (s *Scheduler) States() map[string]task.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]task.State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// Last returns the most recently finished run, or nil.
func (s *Scheduler) Last() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Registry exposes the registry the scheduler was built with.
func (s *Scheduler) Registry() *task.Registry { return s.registry }
