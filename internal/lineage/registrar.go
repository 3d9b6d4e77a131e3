// Package lineage publishes producer/consumer edges between tasks and
// assets to the metadata store. Registration is observability metadata, not
// a correctness dependency: failures never fail the owning task or run, they
// are retried on a separate bounded schedule.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dataloom-labs/dataloom-go/internal/metrics"
)

// Registration is the lineage payload of one successful task completion.
type Registration struct {
	RunID          string
	TaskID         string
	OutputAssets   []string
	UpstreamAssets []string
}

func (r Registration) validate() error {
	if r.RunID == "" {
		return errors.New("run id is required")
	}
	if r.TaskID == "" {
		return errors.New("task id is required")
	}
	return nil
}

// RegistrationError marks a transient metadata-store failure.
type RegistrationError struct {
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("lineage registration failed: %v", e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// Store persists lineage edges. UpsertLineage must be idempotent by
// (run_id, task_id): re-registering the same pair records nothing and
// reports recorded=false.
type Store interface {
	UpsertLineage(ctx context.Context, reg Registration) (recorded bool, err error)
}

const (
	defaultRetryInterval = 30 * time.Second
	defaultMaxAttempts   = 5
)

type pendingRegistration struct {
	reg      Registration
	attempts int
}

// Registrar registers lineage synchronously and re-drives transient
// failures from a background queue.
type Registrar struct {
	logger      *slog.Logger
	store       Store
	metrics     *metrics.Metrics
	interval    time.Duration
	maxAttempts int

	mu      sync.Mutex
	pending []pendingRegistration
}

func NewRegistrar(logger *slog.Logger, store Store, m *metrics.Metrics, interval time.Duration, maxAttempts int) (*Registrar, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Registrar{
		logger:      logger,
		store:       store,
		metrics:     m,
		interval:    interval,
		maxAttempts: maxAttempts,
	}, nil
}

// Register publishes the registration once. On a store failure the payload
// is queued for background retry and a *RegistrationError is returned so
// callers can log it; callers must not fail the task on it.
func (r *Registrar) Register(ctx context.Context, reg Registration) error {
	if err := reg.validate(); err != nil {
		return err
	}

	recorded, err := r.store.UpsertLineage(ctx, reg)
	if err != nil {
		r.enqueue(pendingRegistration{reg: reg, attempts: 1})
		r.metrics.LineageOutcome("retried")
		return &RegistrationError{Err: err}
	}
	if recorded {
		r.metrics.LineageOutcome("ok")
	} else {
		r.metrics.LineageOutcome("duplicate")
	}
	return nil
}

// Start runs the background retry loop until the context is canceled.
func (r *Registrar) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.retryPending(ctx)
			}
		}
	}()
}

// PendingCount reports the number of registrations awaiting retry.
func (r *Registrar) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registrar) retryPending(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].reg.RunID != batch[j].reg.RunID {
			return batch[i].reg.RunID < batch[j].reg.RunID
		}
		return batch[i].reg.TaskID < batch[j].reg.TaskID
	})

	for _, item := range batch {
		if ctx.Err() != nil {
			r.enqueue(item)
			return
		}
		_, err := r.store.UpsertLineage(ctx, item.reg)
		if err == nil {
			r.metrics.LineageOutcome("ok")
			continue
		}
		item.attempts++
		if item.attempts >= r.maxAttempts {
			r.metrics.LineageOutcome("dropped")
			r.logger.Error("lineage registration dropped after retries",
				"run_id", item.reg.RunID,
				"task_id", item.reg.TaskID,
				"attempts", item.attempts,
				"error", err,
			)
			continue
		}
		r.metrics.LineageOutcome("retried")
		r.logger.Warn("lineage registration retry failed",
			"run_id", item.reg.RunID,
			"task_id", item.reg.TaskID,
			"attempts", item.attempts,
			"error", err,
		)
		r.enqueue(item)
	}
}

func (r *Registrar) enqueue(item pendingRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, item)
}
