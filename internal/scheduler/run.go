package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
	"github.com/dataloom-labs/dataloom-go/internal/executor"
	"github.com/dataloom-labs/dataloom-go/internal/lineage"
	"github.com/dataloom-labs/dataloom-go/internal/repo"
)

type eventKind int

const (
	eventCompletion eventKind = iota
	eventRetry
)

type taskEvent struct {
	kind       eventKind
	taskID     string
	completion executor.Completion
	err        error
}

// run is the scheduler-internal mutable state of one run. The snapshot is
// written only by the owner goroutine (and, before start, by the scheduler
// under its own lock); every read outside goes through snapshotCopy.
type run struct {
	graph domain.GraphModel

	mu       sync.Mutex
	snapshot domain.Run

	events chan taskEvent
	done   chan struct{}

	ctx       context.Context
	cancelCtx context.CancelFunc
}

func newRun(id string, graph domain.GraphModel, now time.Time) *run {
	states := make(map[string]domain.TaskState, len(graph.Tasks))
	attempts := make(map[string]int, len(graph.Tasks))
	eventBudget := 16
	for taskID, task := range graph.Tasks {
		states[taskID] = domain.TaskStatePending
		attempts[taskID] = 0
		eventBudget += 2 * task.Retry.Attempts()
	}
	return &run{
		graph: graph,
		snapshot: domain.Run{
			ID:           id,
			ProductID:    graph.ProductID,
			GraphVersion: graph.Version,
			TaskStates:   states,
			Attempts:     attempts,
			CreatedAt:    now,
		},
		events: make(chan taskEvent, eventBudget),
		done:   make(chan struct{}),
	}
}

func (r *run) id() string {
	return r.snapshot.ID
}

func (r *run) start(base context.Context, now time.Time) {
	r.ctx, r.cancelCtx = context.WithCancel(base)
	r.mu.Lock()
	r.snapshot.StartedAt = &now
	r.mu.Unlock()
}

func (r *run) cancel() {
	if r.cancelCtx != nil {
		r.cancelCtx()
	}
}

func (r *run) markCanceled() {
	r.mu.Lock()
	r.snapshot.Canceled = true
	r.mu.Unlock()
}

// skipNonTerminal moves every non-terminal task to skipped and returns the
// affected task ids. Results of tasks skipped while running are discarded
// when their completions arrive.
func (r *run) skipNonTerminal() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	skipped := make([]string, 0)
	for taskID, state := range r.snapshot.TaskStates {
		if state.IsTerminal() {
			continue
		}
		r.snapshot.TaskStates[taskID] = domain.TaskStateSkipped
		skipped = append(skipped, taskID)
	}
	return skipped
}

func (r *run) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot.FinishedAt == nil {
		now := time.Now().UTC()
		r.snapshot.FinishedAt = &now
	}
}

func (r *run) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.Terminal()
}

func (r *run) snapshotCopy() domain.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.Clone()
}

func (r *run) outcome() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot.Canceled {
		return repo.RunStatusCanceled
	}
	for _, state := range r.snapshot.TaskStates {
		if state != domain.TaskStateSucceeded {
			return repo.RunStatusFailed
		}
	}
	return repo.RunStatusSucceeded
}

// runLoop is the single owner of the run's task states. It evaluates
// readiness, reacts to completion and retry events, and exits once every
// task is terminal.
func (s *Scheduler) runLoop(r *run) {
	s.evaluateReadiness(r)

	for !r.terminal() {
		select {
		case <-r.ctx.Done():
			r.markCanceled()
			for _, taskID := range r.skipNonTerminal() {
				s.metrics.TaskFinished(string(r.graph.Tasks[taskID].Kind), string(domain.TaskStateSkipped))
				s.logger.Info("task skipped", "run_id", r.id(), "task_id", taskID)
			}
		case ev := <-r.events:
			switch ev.kind {
			case eventRetry:
				s.dispatchTask(r, ev.taskID)
			case eventCompletion:
				s.applyCompletion(r, ev)
			}
		}
	}

	r.finish()
	// Late events (retry timers, discarded completions) are dropped by
	// senders once done is closed.
	close(r.done)
	s.onRunFinished(r, r.outcome())
}

// evaluateReadiness promotes pending tasks whose upstream set has fully
// succeeded and dispatches them. The dependency graph is the only ordering
// constraint: everything ready is dispatched concurrently.
func (s *Scheduler) evaluateReadiness(r *run) {
	r.mu.Lock()
	ready := make([]string, 0)
	for _, taskID := range r.graph.TaskIDs() {
		if r.snapshot.TaskStates[taskID] != domain.TaskStatePending {
			continue
		}
		satisfied := true
		for _, up := range r.graph.Tasks[taskID].Upstream {
			if r.snapshot.TaskStates[up] != domain.TaskStateSucceeded {
				satisfied = false
				break
			}
		}
		if satisfied {
			r.snapshot.TaskStates[taskID] = domain.TaskStateReady
			ready = append(ready, taskID)
		}
	}
	r.mu.Unlock()

	for _, taskID := range ready {
		s.dispatchTask(r, taskID)
	}
}

// dispatchTask moves a ready task to running and executes the attempt in
// its own goroutine. The owner loop never blocks on the dispatch.
func (s *Scheduler) dispatchTask(r *run, taskID string) {
	r.mu.Lock()
	if r.snapshot.TaskStates[taskID] != domain.TaskStateReady {
		r.mu.Unlock()
		return
	}
	r.snapshot.TaskStates[taskID] = domain.TaskStateRunning
	r.snapshot.Attempts[taskID]++
	attempt := r.snapshot.Attempts[taskID]
	r.mu.Unlock()

	task := r.graph.Tasks[taskID]
	rc := executor.RunContext{
		RunID:        r.id(),
		ProductID:    r.graph.ProductID,
		GraphVersion: r.graph.Version,
		Attempt:      attempt,
	}
	s.logger.Info("task dispatched",
		"run_id", r.id(),
		"task_id", taskID,
		"kind", string(task.Kind),
		"attempt", attempt,
	)

	go func() {
		ctx := r.ctx
		if timeout := task.Timeout(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(r.ctx, timeout)
			defer cancel()
		}
		completion, err := s.dispatcher.Dispatch(ctx, task, rc)
		select {
		case r.events <- taskEvent{kind: eventCompletion, taskID: taskID, completion: completion, err: err}:
		case <-r.done:
		}
	}()
}

func (s *Scheduler) applyCompletion(r *run, ev taskEvent) {
	r.mu.Lock()
	if r.snapshot.TaskStates[ev.taskID] != domain.TaskStateRunning {
		// Canceled while in flight: the result is discarded and never
		// satisfies downstream readiness.
		r.mu.Unlock()
		s.logger.Info("discarding completion for non-running task", "run_id", r.id(), "task_id", ev.taskID)
		return
	}

	task := r.graph.Tasks[ev.taskID]
	if ev.err == nil && ev.completion.Status == executor.StatusSuccess {
		r.snapshot.TaskStates[ev.taskID] = domain.TaskStateSucceeded
		r.mu.Unlock()
		s.metrics.TaskFinished(string(task.Kind), string(domain.TaskStateSucceeded))
		s.logger.Info("task succeeded", "run_id", r.id(), "task_id", ev.taskID, "logs_ref", ev.completion.LogsRef)
		s.registerLineage(r, task, ev.completion)
		s.evaluateReadiness(r)
		return
	}

	attempts := r.snapshot.Attempts[ev.taskID]
	failure := ev.completion.Message
	if ev.err != nil {
		failure = ev.err.Error()
	}

	if attempts < task.Retry.Attempts() && !r.snapshot.Canceled {
		r.snapshot.TaskStates[ev.taskID] = domain.TaskStateReady
		r.mu.Unlock()
		delay := task.Retry.Backoff.Delay(attempts)
		s.metrics.TaskRetried()
		s.logger.Warn("task attempt failed, retrying",
			"run_id", r.id(),
			"task_id", ev.taskID,
			"attempt", attempts,
			"retry_in", delay.String(),
			"error", failure,
		)
		taskID := ev.taskID
		time.AfterFunc(delay, func() {
			select {
			case r.events <- taskEvent{kind: eventRetry, taskID: taskID}:
			case <-r.done:
			}
		})
		return
	}

	r.snapshot.TaskStates[ev.taskID] = domain.TaskStateFailed
	cascaded := propagateUpstreamFailure(r)
	r.mu.Unlock()

	s.metrics.TaskFinished(string(task.Kind), string(domain.TaskStateFailed))
	s.logger.Error("task failed",
		"run_id", r.id(),
		"task_id", ev.taskID,
		"attempts", attempts,
		"error", failure,
	)
	for _, taskID := range cascaded {
		s.metrics.TaskFinished(string(r.graph.Tasks[taskID].Kind), string(domain.TaskStateUpstreamFailed))
		s.logger.Info("task upstream failed", "run_id", r.id(), "task_id", taskID)
	}
}

// propagateUpstreamFailure marks every pending task with a (transitively)
// failed upstream as upstream_failed. Those tasks are never dispatched.
// Callers hold r.mu.
func propagateUpstreamFailure(r *run) []string {
	cascaded := make([]string, 0)
	for changed := true; changed; {
		changed = false
		for _, taskID := range r.graph.TaskIDs() {
			if r.snapshot.TaskStates[taskID] != domain.TaskStatePending {
				continue
			}
			for _, up := range r.graph.Tasks[taskID].Upstream {
				upState := r.snapshot.TaskStates[up]
				if upState == domain.TaskStateFailed || upState == domain.TaskStateUpstreamFailed {
					r.snapshot.TaskStates[taskID] = domain.TaskStateUpstreamFailed
					cascaded = append(cascaded, taskID)
					changed = true
					break
				}
			}
		}
	}
	return cascaded
}

// registerLineage publishes lineage off the owner loop. The registrar owns
// its own bounded retry schedule; failures never affect the run.
func (s *Scheduler) registerLineage(r *run, task domain.TaskDescriptor, completion executor.Completion) {
	if s.registrar == nil {
		return
	}
	outputs := completion.OutputAssets
	if len(outputs) == 0 {
		outputs = append([]string(nil), task.Outlets...)
	}
	reg := lineage.Registration{
		RunID:          r.id(),
		TaskID:         task.ID,
		OutputAssets:   outputs,
		UpstreamAssets: r.graph.UpstreamAssets(task.ID),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.registrar.Register(ctx, reg); err != nil {
			s.logger.Warn("lineage registration deferred", "run_id", reg.RunID, "task_id", reg.TaskID, "error", err)
		}
	}()
}
