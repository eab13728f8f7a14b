// Package tool wraps external programs (linters, transpilers, test runners)
// as pipeline stages. Tools are opaque: conduit only feeds them file contents
// or paths and observes exit status and output.
package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// maxStderrBytes caps the amount of stderr kept from a tool run.
	maxStderrBytes = 64 * 1024

	defaultTimeout         = 2 * time.Minute
	terminationGracePeriod = 5 * time.Second
)

// Command describes one tool invocation. Args may contain placeholders that
// stages expand per file.
type Command struct {
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

func (c Command) String() string { return strings.Join(c.Args, " ") }

// Outcome is the observable result of a finished process.
type Outcome struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExitError reports a non-zero exit status.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + firstLine(s)
	}
	return msg
}

// ErrTimeout is returned when a tool outlives its timeout.
var ErrTimeout = errors.New("tool timed out")

// Runner spawns tool processes.
type Runner struct {
	logger *slog.Logger
	grace  time.Duration
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logger.With("component", "tool"),
		grace:  terminationGracePeriod,
	}
}

// Run executes cmd with stdin, waits for it, and returns its output. A
// non-zero exit is reported through Outcome.ExitCode, not as an error, so
// lenient stages can decide what to do with it.
func (r *Runner) Run(ctx context.Context, cmd Command, stdin []byte) (Outcome, error) {
	if len(cmd.Args) == 0 {
		return Outcome{}, fmt.Errorf("empty command")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Termination is handled below rather than with CommandContext so the
	// process gets SIGTERM and a grace period first.
	proc := exec.Command(cmd.Args[0], cmd.Args[1:]...)
	proc.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		proc.Env = append(proc.Environ(), cmd.Env...)
	}
	proc.Stdin = bytes.NewReader(stdin)
	// Own process group, so signals reach whatever the tool forked.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Children that outlive the tool must not hold Wait on our pipes.
	proc.WaitDelay = r.grace

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	logger := r.logger.With("command", cmd.String())
	logger.Debug("spawning tool", "dir", cmd.Dir, "timeout", timeout)

	start := time.Now()
	if err := proc.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start %s: %w", cmd.Args[0], err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- proc.Wait()
	}()

	var stopErr error
	select {
	case err := <-waitErr:
		out := Outcome{
			Stdout:   stdout.Bytes(),
			Stderr:   truncateStderr(stderr.String()),
			Duration: time.Since(start),
		}
		if errors.Is(err, exec.ErrWaitDelay) {
			logger.Warn("tool exited but left a child holding its output", "grace", r.grace)
			err = nil
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return out, fmt.Errorf("wait for %s: %w", cmd.Args[0], err)
			}
			out.ExitCode = exitErr.ExitCode()
			logger.Debug("tool exited with non-zero status", "exit_code", out.ExitCode)
		}
		return out, nil

	case <-timeoutTimer.C:
		logger.Warn("tool timed out, sending SIGTERM", "timeout", timeout)
		stopErr = fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, cmd.String())
	case <-ctx.Done():
		logger.Info("tool cancelled, sending SIGTERM")
		stopErr = ctx.Err()
	}

	r.terminate(proc, waitErr, logger)
	return Outcome{Stderr: truncateStderr(stderr.String()), Duration: time.Since(start), ExitCode: -1}, stopErr
}

func (r *Runner) terminate(proc *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if proc.Process == nil {
		return
	}
	pgid := proc.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
	case <-grace.C:
		logger.Warn("tool did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
