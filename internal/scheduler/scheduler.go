// Package scheduler owns all mutable run state. It converts graph models
// into runs, resolves dependency-driven readiness, dispatches ready tasks,
// and tracks every task to exactly one terminal state per run.
//
// Concurrency model: each run has a single owner goroutine that is the only
// writer of that run's task states. Task execution happens in per-attempt
// goroutines that report back over the run's event channel, so readiness
// evaluation never blocks on a task in flight. Independent runs execute
// fully in parallel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
	"github.com/dataloom-labs/dataloom-go/internal/executor"
	"github.com/dataloom-labs/dataloom-go/internal/lineage"
	"github.com/dataloom-labs/dataloom-go/internal/metrics"
	"github.com/dataloom-labs/dataloom-go/internal/registry"
	"github.com/dataloom-labs/dataloom-go/internal/repo"
)

var (
	// ErrAdmissionRejected is returned when a trigger violates the
	// product's concurrent-run policy or targets a retired product.
	ErrAdmissionRejected = errors.New("run admission rejected")
	ErrRunNotFound       = errors.New("run not found")
	ErrNotStarted        = errors.New("scheduler not started")
)

// TaskDispatcher executes one task attempt to completion.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, task domain.TaskDescriptor, rc executor.RunContext) (executor.Completion, error)
}

// LineageRegistrar publishes lineage for a succeeded task.
type LineageRegistrar interface {
	Register(ctx context.Context, reg lineage.Registration) error
}

// Config wires the scheduler's collaborators. Registrar, History, and
// Metrics are optional.
type Config struct {
	Logger     *slog.Logger
	Registry   *registry.Registry
	Dispatcher TaskDispatcher
	Registrar  LineageRegistrar
	History    repo.RunHistory
	Metrics    *metrics.Metrics
}

type Scheduler struct {
	logger     *slog.Logger
	registry   *registry.Registry
	dispatcher TaskDispatcher
	registrar  LineageRegistrar
	history    repo.RunHistory
	metrics    *metrics.Metrics

	mu      sync.Mutex
	baseCtx context.Context
	runs    map[string]*run
	active  map[string]string   // product id -> active run id
	queued  map[string][]string // product id -> admitted runs awaiting promotion
	wg      sync.WaitGroup
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	return &Scheduler{
		logger:     cfg.Logger,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		registrar:  cfg.Registrar,
		history:    cfg.History,
		metrics:    cfg.Metrics,
		runs:       make(map[string]*run),
		active:     make(map[string]string),
		queued:     make(map[string][]string),
	}, nil
}

// Start binds the scheduler to its lifecycle context. Canceling the context
// cancels every in-flight run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
}

// Wait blocks until every run owner goroutine has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// TriggerRun admits a run for the product's current graph version. While a
// run is active, the product's admission policy decides: queue admits the
// run for later promotion, reject returns ErrAdmissionRejected. Retired and
// unknown products are always rejected.
func (s *Scheduler) TriggerRun(ctx context.Context, productID string) (string, error) {
	productID = strings.TrimSpace(productID)
	graph, ok := s.registry.Current(productID)
	if !ok {
		s.metrics.RunRejected()
		return "", fmt.Errorf("%w: product %q has no active definition", ErrAdmissionRejected, productID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx == nil {
		return "", ErrNotStarted
	}

	if activeID, busy := s.active[productID]; busy {
		if graph.Admission != domain.AdmissionQueue {
			s.metrics.RunRejected()
			return "", fmt.Errorf("%w: product %q has active run %s", ErrAdmissionRejected, productID, activeID)
		}
		r := s.newRunLocked(graph)
		s.queued[productID] = append(s.queued[productID], r.id())
		s.recordHistory(ctx, r, repo.RunStatusQueued)
		s.logger.Info("run queued", "run_id", r.id(), "product_id", productID, "graph_version", graph.Version)
		return r.id(), nil
	}

	r := s.newRunLocked(graph)
	s.recordHistory(ctx, r, repo.RunStatusQueued)
	s.startRunLocked(r)
	return r.id(), nil
}

// CancelRun cancels a queued or in-flight run. Non-terminal tasks move to
// skipped; in-flight dispatches get a best-effort backend cancellation and
// their late results are discarded.
func (s *Scheduler) CancelRun(runID string) error {
	s.mu.Lock()
	r, ok := s.runs[strings.TrimSpace(runID)]
	if !ok {
		s.mu.Unlock()
		return ErrRunNotFound
	}

	if s.dequeueLocked(r) {
		// Queued, no owner goroutine yet: finalize here.
		r.markCanceled()
		r.skipNonTerminal()
		r.finish()
		s.mu.Unlock()
		s.metrics.RunFinished(r.graph.ProductID, repo.RunStatusCanceled)
		s.updateHistory(r, repo.RunStatusCanceled)
		s.logger.Info("queued run canceled", "run_id", r.id(), "product_id", r.graph.ProductID)
		return nil
	}
	s.mu.Unlock()

	r.markCanceled()
	r.cancel()
	return nil
}

// Snapshot returns an immutable copy of the run's state.
func (s *Scheduler) Snapshot(runID string) (domain.Run, error) {
	s.mu.Lock()
	r, ok := s.runs[strings.TrimSpace(runID)]
	s.mu.Unlock()
	if !ok {
		return domain.Run{}, ErrRunNotFound
	}
	return r.snapshotCopy(), nil
}

// Runs lists immutable snapshots of all known runs, newest first.
func (s *Scheduler) Runs() []domain.Run {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	out := make([]domain.Run, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshotCopy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// GraphRegistered is the sync agent's run-on-change hook. Admission
// rejections are expected here and only logged.
func (s *Scheduler) GraphRegistered(ctx context.Context, productID string) {
	runID, err := s.TriggerRun(ctx, productID)
	if err != nil {
		if errors.Is(err, ErrAdmissionRejected) {
			s.logger.Info("run-on-change trigger not admitted", "product_id", productID, "error", err)
			return
		}
		s.logger.Error("run-on-change trigger failed", "product_id", productID, "error", err)
		return
	}
	s.logger.Info("run-on-change run admitted", "product_id", productID, "run_id", runID)
}

func (s *Scheduler) newRunLocked(graph domain.GraphModel) *run {
	r := newRun(uuid.NewString(), graph, time.Now().UTC())
	s.runs[r.id()] = r
	return r
}

// startRunLocked promotes a run to active and hands it to its owner
// goroutine. Callers hold s.mu.
func (s *Scheduler) startRunLocked(r *run) {
	s.active[r.graph.ProductID] = r.id()
	r.start(s.baseCtx, time.Now().UTC())

	s.metrics.RunStarted(r.graph.ProductID)
	s.updateHistory(r, repo.RunStatusActive)
	s.logger.Info("run started",
		"run_id", r.id(),
		"product_id", r.graph.ProductID,
		"graph_version", r.graph.Version,
		"tasks", len(r.graph.Tasks),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(r)
	}()
}

// onRunFinished releases the product slot and promotes the next queued run.
func (s *Scheduler) onRunFinished(r *run, outcome string) {
	s.metrics.RunFinished(r.graph.ProductID, outcome)
	s.updateHistory(r, outcome)
	s.logger.Info("run finished", "run_id", r.id(), "product_id", r.graph.ProductID, "outcome", outcome)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[r.graph.ProductID] == r.id() {
		delete(s.active, r.graph.ProductID)
	}
	queue := s.queued[r.graph.ProductID]
	for len(queue) > 0 {
		nextID := queue[0]
		queue = queue[1:]
		next, ok := s.runs[nextID]
		if !ok {
			continue
		}
		s.queued[r.graph.ProductID] = queue
		s.startRunLocked(next)
		return
	}
	delete(s.queued, r.graph.ProductID)
}

// dequeueLocked removes the run from its product queue if present. Callers
// hold s.mu.
func (s *Scheduler) dequeueLocked(r *run) bool {
	queue := s.queued[r.graph.ProductID]
	for i, id := range queue {
		if id == r.id() {
			s.queued[r.graph.ProductID] = append(queue[:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scheduler) recordHistory(ctx context.Context, r *run, status string) {
	if s.history == nil {
		return
	}
	snapshot := r.snapshotCopy()
	record := repo.RunRecord{
		RunID:        snapshot.ID,
		ProductID:    snapshot.ProductID,
		GraphVersion: snapshot.GraphVersion,
		Status:       status,
		CreatedAt:    snapshot.CreatedAt,
	}
	if err := s.history.CreateRun(ctx, record); err != nil {
		s.logger.Error("record run history failed", "run_id", snapshot.ID, "error", err)
	}
}

func (s *Scheduler) updateHistory(r *run, status string) {
	if s.history == nil {
		return
	}
	snapshot := r.snapshotCopy()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.UpdateRunStatus(ctx, snapshot.ID, status, snapshot.StartedAt, snapshot.FinishedAt); err != nil {
		s.logger.Error("update run history failed", "run_id", snapshot.ID, "status", status, "error", err)
	}
}
