package task

import (
	"fmt"
	"strings"
)

// DuplicateTaskError is returned when a name is registered twice.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q is already registered", e.Name)
}

// UnknownDependencyError is returned when a task references a dependency that
// is not registered.
type UnknownDependencyError struct {
	Task       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.Task, e.Dependency)
}

// TaskNotFoundError is returned by lookups of unregistered names.
type TaskNotFoundError struct {
	Name string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.Name)
}

// CyclicDependencyError lists the members of a dependency cycle in traversal
// order, with the first member repeated at the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Cycle, " -> ")
}

// Members returns the distinct task names taking part in the cycle.
func (e *CyclicDependencyError) Members() []string {
	if len(e.Cycle) <= 1 {
		return append([]string(nil), e.Cycle...)
	}
	return append([]string(nil), e.Cycle[:len(e.Cycle)-1]...)
}

// SkippedDueToDependencyFailure explains why a task was never started. It is
// informational and is reported separately from real failures. Cause is set
// when the run was aborted rather than a dependency failing, e.g. on
// cancellation.
type SkippedDueToDependencyFailure struct {
	Task       string
	Dependency string
	Cause      error
}

func (e *SkippedDueToDependencyFailure) Error() string {
	switch {
	case e.Dependency != "":
		return fmt.Sprintf("task %q skipped: dependency %q failed", e.Task, e.Dependency)
	case e.Cause != nil:
		return fmt.Sprintf("task %q skipped: run aborted: %v", e.Task, e.Cause)
	default:
		return fmt.Sprintf("task %q skipped: run aborted after an earlier failure", e.Task)
	}
}

func (e *SkippedDueToDependencyFailure) Unwrap() error { return e.Cause }
