package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRun is returned by Run when the workflow was started
	// before. A workflow instance runs exactly once.
	ErrAlreadyRun = errors.New("a workflow can be run only once")

	// ErrCancelled is the terminal error of a cancelled workflow or
	// task.
	ErrCancelled = errors.New("execution cancelled")

	// ErrTimedOut is the terminal error of a workflow or task
	// cancelled by a timer.
	ErrTimedOut = errors.New("execution timed out")

	// ErrNotOwnedTask is returned when a runtime hook is invoked from
	// a task that does not belong to the workflow.
	ErrNotOwnedTask = errors.New("task is not executed by this workflow")
)

// RootTaskError reports a template whose graph does not have exactly
// one root task.
type RootTaskError struct {
	Count int
}

func (e *RootTaskError) Error() string {
	return fmt.Sprintf("expected one root task, found %d", e.Count)
}

// GraphError reports a template graph entry referencing an unknown
// task id.
type GraphError struct {
	TaskID string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph error on task id: %s", e.TaskID)
}
