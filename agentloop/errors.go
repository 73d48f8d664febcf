package agentloop

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTask is returned by Execute for a blank task.
	ErrEmptyTask = errors.New("task must be a non-empty string")
	// ErrBusy is returned when Execute is called while a task is running.
	ErrBusy = errors.New("orchestrator is already running a task")
	// ErrClosed is returned by Execute after Close.
	ErrClosed = errors.New("orchestrator is closed")
)

// ReasonerFailure is returned when the reasoner fails mid-task. The task
// ends in StateFailed; the partial result is still returned.
type ReasonerFailure struct {
	Step int
	Err  error
}

func (e *ReasonerFailure) Error() string {
	return fmt.Sprintf("reasoner failed at step %d: %v", e.Step, e.Err)
}

func (e *ReasonerFailure) Unwrap() error { return e.Err }
