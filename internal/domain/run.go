package domain

import "time"

// TaskState tracks one task through a run. Every task reaches exactly one
// terminal state per run.
type TaskState string

const (
	TaskStatePending        TaskState = "pending"
	TaskStateReady          TaskState = "ready"
	TaskStateRunning        TaskState = "running"
	TaskStateSucceeded      TaskState = "succeeded"
	TaskStateFailed         TaskState = "failed"
	TaskStateUpstreamFailed TaskState = "upstream_failed"
	TaskStateSkipped        TaskState = "skipped"
)

func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateUpstreamFailed, TaskStateSkipped:
		return true
	default:
		return false
	}
}

// running -> ready is the retry path.
var taskTransitions = map[TaskState][]TaskState{
	TaskStatePending: {TaskStateReady, TaskStateUpstreamFailed, TaskStateSkipped},
	TaskStateReady:   {TaskStateRunning, TaskStateSkipped},
	TaskStateRunning: {TaskStateSucceeded, TaskStateFailed, TaskStateReady, TaskStateSkipped},
}

func CanTransitionTaskState(from, to TaskState) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Run is one execution instance of a graph version. The scheduler is the
// only writer; external readers get clones.
type Run struct {
	ID           string
	ProductID    string
	GraphVersion int64
	TaskStates   map[string]TaskState
	Attempts     map[string]int
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Canceled     bool
}

// Terminal reports whether every task has reached a terminal state.
func (r Run) Terminal() bool {
	for _, state := range r.TaskStates {
		if !state.IsTerminal() {
			return false
		}
	}
	return true
}

// Succeeded reports whether the run finished with every task succeeded.
func (r Run) Succeeded() bool {
	for _, state := range r.TaskStates {
		if state != TaskStateSucceeded {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to readers.
func (r Run) Clone() Run {
	out := r
	out.TaskStates = make(map[string]TaskState, len(r.TaskStates))
	for id, state := range r.TaskStates {
		out.TaskStates[id] = state
	}
	out.Attempts = make(map[string]int, len(r.Attempts))
	for id, attempts := range r.Attempts {
		out.Attempts[id] = attempts
	}
	if r.StartedAt != nil {
		started := *r.StartedAt
		out.StartedAt = &started
	}
	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}
