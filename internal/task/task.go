// Package task holds task definitions and the registry that owns them.
//
// A Registry is filled once at startup and is read-only afterwards, so the
// resolver and scheduler may read it from any goroutine without locking.
package task

import "context"

// State is the completion state of a task within one execution.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// Output is what an action reports back on success.
type Output struct {
	// Files is the number of files that reached the end of the task's pipeline.
	Files int
}

// Action performs a task's work. A nil Action marks an alias task that only
// groups its dependencies.
type Action interface {
	Run(ctx context.Context) (Output, error)
}

// ActionFunc adapts a plain function to Action.
type ActionFunc func(ctx context.Context) (Output, error)

func (f ActionFunc) Run(ctx context.Context) (Output, error) { return f(ctx) }

// Task is a named unit of work with declared dependencies.
type Task struct {
	Name         string
	Dependencies []string
	Action       Action
	Description  string
}

// IsAlias reports whether the task has no action of its own.
func (t *Task) IsAlias() bool { return t.Action == nil }
