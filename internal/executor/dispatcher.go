package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
	"github.com/dataloom-labs/dataloom-go/internal/metrics"
)

const (
	defaultStartAttempts = 3
	defaultStartBackoff  = 2 * time.Second
)

// Dispatcher routes tasks to backends by declared kind and retries start
// failures a bounded number of times before surfacing them.
type Dispatcher struct {
	logger        *slog.Logger
	metrics       *metrics.Metrics
	backends      map[domain.TaskKind]Backend
	startAttempts int
	startBackoff  time.Duration
}

func NewDispatcher(logger *slog.Logger, m *metrics.Metrics, backends ...Backend) (*Dispatcher, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	byKind := make(map[domain.TaskKind]Backend, len(backends))
	for _, backend := range backends {
		if backend == nil {
			continue
		}
		if _, exists := byKind[backend.Kind()]; exists {
			return nil, fmt.Errorf("duplicate backend for kind %q", backend.Kind())
		}
		byKind[backend.Kind()] = backend
	}
	if len(byKind) == 0 {
		return nil, errors.New("at least one backend is required")
	}
	return &Dispatcher{
		logger:        logger,
		metrics:       m,
		backends:      byKind,
		startAttempts: defaultStartAttempts,
		startBackoff:  defaultStartBackoff,
	}, nil
}

// Dispatch executes the task on its declared backend. A non-nil error means
// the attempt failed without a task-logic outcome: start retries exhausted,
// context canceled, or no backend registered for the kind.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.TaskDescriptor, rc RunContext) (Completion, error) {
	backend, ok := d.backends[task.Kind]
	if !ok {
		return Completion{}, fmt.Errorf("no backend registered for kind %q", task.Kind)
	}

	var lastErr error
	for attempt := 1; attempt <= d.startAttempts; attempt++ {
		completion, err := backend.Execute(ctx, task, rc)
		if err == nil {
			return completion, nil
		}

		var dispatchErr *DispatchError
		if !errors.As(err, &dispatchErr) {
			return Completion{}, err
		}
		lastErr = err
		d.metrics.DispatchRetried()
		d.logger.Warn("task start failed",
			"run_id", rc.RunID,
			"task_id", task.ID,
			"backend", string(task.Kind),
			"start_attempt", attempt,
			"error", err,
		)

		if attempt == d.startAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-time.After(d.startBackoff):
		}
	}
	return Completion{}, lastErr
}
