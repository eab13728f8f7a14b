package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/metrics"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/task"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.String()
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

// recorder is a fake action that records how often it ran.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) action(name string, err error) task.Action {
	return task.ActionFunc(func(ctx context.Context) (task.Output, error) {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		if err != nil {
			return task.Output{}, err
		}
		return task.Output{Files: 1}, nil
	})
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func newScheduler(t *testing.T, reg *task.Registry, opts Options) (*Scheduler, *events.Hub, *TestLogBuffer) {
	t.Helper()
	require.NoError(t, reg.Validate())
	logger, buf := NewTestSlogger()
	hub := events.NewHub(512)
	return New(reg, opts, hub, metrics.New(), logger), hub, buf
}

func TestRunLinearChainSucceeds(t *testing.T) {
	rec := &recorder{}
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("clean", nil, rec.action("clean", nil)))
	require.NoError(t, reg.Register("build", []string{"clean"}, rec.action("build", nil)))
	require.NoError(t, reg.Register("test", []string{"build"}, rec.action("test", nil)))

	s, _, logBuf := newScheduler(t, reg, Options{MaxParallel: 4})
	res, err := s.Run(context.Background(), "test")
	require.NoError(t, err)

	assert.True(t, res.OK())
	assert.Equal(t, 0, res.ExitCode())
	assert.Equal(t, []string{"clean", "build", "test"}, rec.ran())
	assert.Equal(t, map[string]task.State{
		"clean": task.StateSucceeded,
		"build": task.StateSucceeded,
		"test":  task.StateSucceeded,
	}, res.States())
	assert.Contains(t, logBuf.String(), "Run finished")
	assert.Same(t, res, s.Last())
}

func TestFailureSkipsDependents(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("rm: permission denied")
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("clean", nil, rec.action("clean", boom)))
	require.NoError(t, reg.Register("build", []string{"clean"}, rec.action("build", nil)))
	require.NoError(t, reg.Register("test", []string{"build"}, rec.action("test", nil)))

	s, hub, _ := newScheduler(t, reg, Options{})
	res, err := s.Run(context.Background(), "test")
	require.NoError(t, err)

	assert.False(t, res.OK())
	assert.Equal(t, []string{"clean"}, rec.ran())

	clean, _ := res.Task("clean")
	assert.Equal(t, task.StateFailed, clean.State)
	assert.ErrorIs(t, clean.Err, boom)

	build, _ := res.Task("build")
	assert.Equal(t, task.StateSkipped, build.State)
	var skipped *task.SkippedDueToDependencyFailure
	require.True(t, errors.As(build.Err, &skipped))
	assert.Equal(t, "clean", skipped.Dependency)

	testRes, _ := res.Task("test")
	assert.Equal(t, task.StateSkipped, testRes.State)

	// one failure, two skips
	assert.Equal(t, 3, res.ExitCode())

	var types []string
	for _, ev := range hub.Since(0) {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.TaskFailed)
	assert.Contains(t, types, events.TaskSkipped)
	assert.Equal(t, events.RunFinished, types[len(types)-1])
}

func TestCancelledContextStartsNothing(t *testing.T) {
	rec := &recorder{}
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("clean", nil, rec.action("clean", nil)))
	require.NoError(t, reg.Register("build", []string{"clean"}, rec.action("build", nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, _, _ := newScheduler(t, reg, Options{})
	res, err := s.Run(ctx, "build")
	require.NoError(t, err)

	assert.Empty(t, rec.ran())
	assert.False(t, res.OK())
	assert.Equal(t, map[string]task.State{
		"clean": task.StateSkipped,
		"build": task.StateSkipped,
	}, res.States())
	for _, tr := range res.Tasks {
		assert.ErrorIs(t, tr.Err, context.Canceled, tr.Name)
		assert.Contains(t, tr.Error, "run aborted")
	}
	assert.Equal(t, 2, res.ExitCode())
}

func TestCancelDuringRunLetsRunningTaskFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("clean", nil, task.ActionFunc(func(context.Context) (task.Output, error) {
		// ignores ctx, like os.RemoveAll
		cancel()
		return task.Output{Files: 1}, nil
	})))
	require.NoError(t, reg.Register("build", []string{"clean"}, rec.action("build", nil)))
	require.NoError(t, reg.Register("test", []string{"build"}, rec.action("test", nil)))

	s, hub, _ := newScheduler(t, reg, Options{})
	res, err := s.Run(ctx, "test")
	require.NoError(t, err)

	assert.Empty(t, rec.ran())
	assert.Equal(t, map[string]task.State{
		"clean": task.StateSucceeded,
		"build": task.StateSkipped,
		"test":  task.StateSkipped,
	}, res.States())

	build, _ := res.Task("build")
	var skipped *task.SkippedDueToDependencyFailure
	require.True(t, errors.As(build.Err, &skipped))
	assert.Empty(t, skipped.Dependency)
	assert.ErrorIs(t, build.Err, context.Canceled)

	var reasons []string
	for _, ev := range hub.Since(0) {
		if ev.Type == events.TaskSkipped {
			reasons = append(reasons, string(ev.Data))
		}
	}
	require.Len(t, reasons, 2)
	assert.Contains(t, reasons[0], "context canceled")
}

func TestNilLoggerIsAllowed(t *testing.T) {
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("a", nil, nil))
	res, err := New(reg, Options{}, nil, nil, nil).Run(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestSiblingBranchesCompleteIndependently(t *testing.T) {
	rec := &recorder{}
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("lint", nil, rec.action("lint", nil)))
	require.NoError(t, reg.Register("clean", nil, rec.action("clean", errors.New("nope"))))
	require.NoError(t, reg.Register("build", []string{"clean"}, rec.action("build", nil)))
	require.NoError(t, reg.Register("all", []string{"lint", "build"}, nil))

	s, _, _ := newScheduler(t, reg, Options{MaxParallel: 1})
	res, err := s.Run(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, map[string]task.State{
		"lint":  task.StateSucceeded,
		"clean": task.StateFailed,
		"build": task.StateSkipped,
		"all":   task.StateSkipped,
	}, res.States())
	assert.ElementsMatch(t, []string{"lint", "clean"}, rec.ran())
}

func TestIndependentTasksRunConcurrently(t *testing.T) {
	var active, peak atomic.Int32
	gate := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(3)

	slow := task.ActionFunc(func(ctx context.Context) (task.Output, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		arrived.Done()
		<-gate
		active.Add(-1)
		return task.Output{}, nil
	})

	reg := task.NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, reg.Register(name, nil, slow))
	}
	require.NoError(t, reg.Register("all", []string{"a", "b", "c"}, nil))

	s, _, _ := newScheduler(t, reg, Options{MaxParallel: 3})
	done := make(chan *Result)
	go func() {
		res, _ := s.Run(context.Background(), "all")
		done <- res
	}()

	arrived.Wait()
	close(gate)

	res := <-done
	assert.True(t, res.OK())
	assert.Equal(t, int32(3), peak.Load())
}

func TestMaxParallelBoundsActions(t *testing.T) {
	var active, peak atomic.Int32
	act := task.ActionFunc(func(ctx context.Context) (task.Output, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return task.Output{}, nil
	})

	reg := task.NewRegistry()
	names := []string{"a", "b", "c", "d", "e"}
	for _, name := range names {
		require.NoError(t, reg.Register(name, nil, act))
	}
	require.NoError(t, reg.Register("all", names, nil))

	s, _, _ := newScheduler(t, reg, Options{MaxParallel: 2})
	res, err := s.Run(context.Background(), "all")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFailFastSkipsUnstartedTasks(t *testing.T) {
	rec := &recorder{}
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("a", nil, rec.action("a", errors.New("broken"))))
	require.NoError(t, reg.Register("b", nil, rec.action("b", nil)))
	require.NoError(t, reg.Register("c", nil, rec.action("c", nil)))
	require.NoError(t, reg.Register("all", []string{"a", "b", "c"}, nil))

	s, _, _ := newScheduler(t, reg, Options{MaxParallel: 1, FailFast: true})
	res, err := s.Run(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, rec.ran())
	b, _ := res.Task("b")
	assert.Equal(t, task.StateSkipped, b.State)
	var skipped *task.SkippedDueToDependencyFailure
	require.True(t, errors.As(b.Err, &skipped))
	assert.Empty(t, skipped.Dependency)
}

func TestWithoutFailFastUnrelatedTasksStillRun(t *testing.T) {
	rec := &recorder{}
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("a", nil, rec.action("a", errors.New("broken"))))
	require.NoError(t, reg.Register("b", nil, rec.action("b", nil)))
	require.NoError(t, reg.Register("all", []string{"a", "b"}, nil))

	s, _, _ := newScheduler(t, reg, Options{MaxParallel: 1})
	res, err := s.Run(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, rec.ran())
	assert.Equal(t, 2, res.ExitCode())
}

func TestOverlappingRunsShareInFlightTask(t *testing.T) {
	var calls, active, peak atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	compile := task.ActionFunc(func(ctx context.Context) (task.Output, error) {
		calls.Add(1)
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		started <- struct{}{}
		<-release
		active.Add(-1)
		return task.Output{Files: 7}, nil
	})

	reg := task.NewRegistry()
	require.NoError(t, reg.Register("compile", nil, compile))
	s, hub, logBuf := newScheduler(t, reg, Options{})

	sub, cancel := hub.Subscribe()
	defer cancel()

	p, err := plan.Resolve(reg, "compile")
	require.NoError(t, err)

	results := make(chan *Result, 2)
	go func() { results <- s.Execute(context.Background(), p) }()
	<-started

	go func() { results <- s.Execute(context.Background(), p) }()

	timeout := time.After(2 * time.Second)
waitCoalesced:
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.TaskCoalesced {
				break waitCoalesced
			}
		case <-timeout:
			t.Fatal("second run never joined the first")
		}
	}
	close(release)

	r1, r2 := <-results, <-results
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), peak.Load())

	c1, _ := r1.Task("compile")
	c2, _ := r2.Task("compile")
	assert.Equal(t, task.StateSucceeded, c1.State)
	assert.Equal(t, task.StateSucceeded, c2.State)
	assert.NotEqual(t, c1.Coalesced, c2.Coalesced)
	assert.Equal(t, 7, c1.Files)
	assert.Equal(t, 7, c2.Files)
	assert.NotEqual(t, r1.RunID, r2.RunID)
	assert.Contains(t, logBuf.String(), "joining in-flight run")
}

func TestCoalescedRunAdoptsFailure(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	boom := errors.New("compile error")

	reg := task.NewRegistry()
	require.NoError(t, reg.Register("compile", nil, task.ActionFunc(func(ctx context.Context) (task.Output, error) {
		started <- struct{}{}
		<-release
		return task.Output{}, boom
	})))
	s, hub, _ := newScheduler(t, reg, Options{})
	sub, cancel := hub.Subscribe()
	defer cancel()

	results := make(chan *Result, 2)
	go func() {
		r, _ := s.Run(context.Background(), "compile")
		results <- r
	}()
	<-started
	go func() {
		r, _ := s.Run(context.Background(), "compile")
		results <- r
	}()
	for ev := range sub {
		if ev.Type == events.TaskCoalesced {
			break
		}
	}
	close(release)

	for range 2 {
		r := <-results
		c, _ := r.Task("compile")
		assert.Equal(t, task.StateFailed, c.State)
		assert.ErrorIs(t, c.Err, boom)
	}
}

func TestPanickingActionFails(t *testing.T) {
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("bad", nil, task.ActionFunc(func(ctx context.Context) (task.Output, error) {
		panic("kaboom")
	})))
	s, _, _ := newScheduler(t, reg, Options{})

	res, err := s.Run(context.Background(), "bad")
	require.NoError(t, err)
	bad, _ := res.Task("bad")
	assert.Equal(t, task.StateFailed, bad.State)
	assert.Contains(t, bad.Error, "kaboom")
}

func TestRunStructuralErrors(t *testing.T) {
	reg := task.NewRegistry(task.WithDeferredValidation())
	require.NoError(t, reg.Register("a", []string{"b"}, nil))
	require.NoError(t, reg.Register("b", []string{"a"}, nil))
	logger, _ := NewTestSlogger()
	s := New(reg, Options{}, nil, nil, logger)

	_, err := s.Run(context.Background(), "a")
	var cyc *task.CyclicDependencyError
	assert.True(t, errors.As(err, &cyc))

	_, err = s.Run(context.Background(), "missing")
	var nf *task.TaskNotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.Nil(t, s.Last())
}

func TestStatesTrackLatestRun(t *testing.T) {
	rec := &recorder{}
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("a", nil, rec.action("a", nil)))
	require.NoError(t, reg.Register("b", nil, rec.action("b", errors.New("x"))))
	s, _, _ := newScheduler(t, reg, Options{})

	assert.Equal(t, task.StatePending, s.States()["a"])

	_, err := s.Run(context.Background(), "a")
	require.NoError(t, err)
	_, err = s.Run(context.Background(), "b")
	require.NoError(t, err)

	states := s.States()
	assert.Equal(t, task.StateSucceeded, states["a"])
	assert.Equal(t, task.StateFailed, states["b"])
}

func TestResultExitCode(t *testing.T) {
	tests := []struct {
		name   string
		states []task.State
		want   int
	}{
		{name: "all succeeded", states: []task.State{task.StateSucceeded, task.StateSucceeded}, want: 0},
		{name: "one failed", states: []task.State{task.StateFailed, task.StateSucceeded}, want: 1},
		{name: "failed and skipped", states: []task.State{task.StateFailed, task.StateSkipped, task.StateSkipped}, want: 3},
		{name: "empty", states: nil, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Result{}
			for i, st := range tt.states {
				r.Tasks = append(r.Tasks, TaskResult{Name: string(rune('a' + i)), State: st})
			}
			assert.Equal(t, tt.want, r.ExitCode())
		})
	}

	big := &Result{}
	for range 200 {
		big.Tasks = append(big.Tasks, TaskResult{State: task.StateFailed})
	}
	assert.Equal(t, maxExitCode, big.ExitCode())
}
