// Package executor routes ready tasks to heterogeneous execution backends
// and reports a uniform completion back to the scheduler.
package executor

import (
	"context"
	"fmt"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
)

// Status is the uniform outcome of a task execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Completion is reported by every backend regardless of execution kind.
type Completion struct {
	Status       Status
	OutputAssets []string
	LogsRef      string
	Message      string
}

// RunContext carries run-scoped identity into a backend.
type RunContext struct {
	RunID        string
	ProductID    string
	GraphVersion int64
	Attempt      int
}

// DispatchError marks a failure to even start a task (backend unreachable,
// submission rejected). It is distinguished from task-logic failure so the
// dispatcher can retry the start itself before surfacing it.
type DispatchError struct {
	Backend string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %v", e.Backend, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Backend executes a single task to completion. Execute blocks until the
// task reaches a terminal outcome, the context is canceled, or the start
// fails with a *DispatchError. A task-logic failure is a nil error with
// Completion.Status failure.
type Backend interface {
	Kind() domain.TaskKind
	Execute(ctx context.Context, task domain.TaskDescriptor, rc RunContext) (Completion, error)
}
