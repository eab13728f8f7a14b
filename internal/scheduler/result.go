package scheduler

import (
	"time"

	"github.com/mattjoyce/conduit/internal/task"
)

// maxExitCode keeps failure counts inside the range shells treat as a plain
// exit status.
const maxExitCode = 120

// TaskResult is the final record of one task in a run.
type TaskResult struct {
	Name  string     `json:"name"`
	State task.State `json:"state"`
	// Err is the first underlying cause for failed and skipped tasks.
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
	Files     int           `json:"files"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration"`
	// Coalesced is set when the task joined a run already in flight
	// instead of starting its own.
	Coalesced bool `json:"coalesced,omitempty"`
}

// Result aggregates a whole execution, listing tasks in plan order.
type Result struct {
	RunID       string        `json:"run_id"`
	Root        string        `json:"root"`
	Fingerprint string        `json:"fingerprint"`
	Tasks       []TaskResult  `json:"tasks"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// OK reports whether every task that was not skipped succeeded. A run with
// skipped tasks always has a failure behind it, so OK is false then too.
func (r *Result) OK() bool {
	for _, t := range r.Tasks {
		if t.State != task.StateSucceeded {
			return false
		}
	}
	return true
}

// Counts returns the number of tasks in each final state.
func (r *Result) Counts() (succeeded, failed, skipped int) {
	for _, t := range r.Tasks {
		switch t.State {
		case task.StateSucceeded:
			succeeded++
		case task.StateFailed:
			failed++
		case task.StateSkipped:
			skipped++
		}
	}
	return
}

// ExitCode is 0 on success, otherwise the number of failed and skipped tasks.
func (r *Result) ExitCode() int {
	if r.OK() {
		return 0
	}
	_, failed, skipped := r.Counts()
	code := failed + skipped
	if code == 0 {
		code = 1
	}
	if code > maxExitCode {
		code = maxExitCode
	}
	return code
}

// Task looks up one task's record.
func (r *Result) Task(name string) (TaskResult, bool) {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskResult{}, false
}

// States maps task names to their final state.
func (r *Result) States() map[string]task.State {
	out := make(map[string]task.State, len(r.Tasks))
	for _, t := range r.Tasks {
		out[t.Name] = t.State
	}
	return out
}
