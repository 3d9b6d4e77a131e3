package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
	"github.com/dataloom-labs/dataloom-go/internal/executor"
	"github.com/dataloom-labs/dataloom-go/internal/lineage"
	"github.com/dataloom-labs/dataloom-go/internal/registry"
	"github.com/dataloom-labs/dataloom-go/internal/repo"
)

type dispatchResult struct {
	completion executor.Completion
	err        error
}

// fakeDispatcher returns scripted results per task id, success with the
// task's outlets when nothing is scripted. An optional gate blocks every
// dispatch until closed.
type fakeDispatcher struct {
	mu      sync.Mutex
	results map[string][]dispatchResult
	calls   map[string]int
	gate    chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		results: make(map[string][]dispatchResult),
		calls:   make(map[string]int),
	}
}

func (d *fakeDispatcher) script(taskID string, results ...dispatchResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[taskID] = results
}

func (d *fakeDispatcher) callCount(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[taskID]
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, task domain.TaskDescriptor, rc executor.RunContext) (executor.Completion, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return executor.Completion{}, ctx.Err()
		}
	}

	d.mu.Lock()
	d.calls[task.ID]++
	call := d.calls[task.ID]
	scripted := d.results[task.ID]
	d.mu.Unlock()

	if len(scripted) == 0 {
		return executor.Completion{Status: executor.StatusSuccess, OutputAssets: task.Outlets}, nil
	}
	idx := call - 1
	if idx >= len(scripted) {
		idx = len(scripted) - 1
	}
	return scripted[idx].completion, scripted[idx].err
}

type fakeRegistrar struct {
	mu   sync.Mutex
	regs []lineage.Registration
}

func (f *fakeRegistrar) Register(ctx context.Context, reg lineage.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = append(f.regs, reg)
	return nil
}

func (f *fakeRegistrar) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.regs)
}

func (f *fakeRegistrar) find(taskID string) (lineage.Registration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, reg := range f.regs {
		if reg.TaskID == taskID {
			return reg, true
		}
	}
	return lineage.Registration{}, false
}

type fakeHistory struct {
	mu       sync.Mutex
	statuses map[string][]string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{statuses: make(map[string][]string)}
}

func (h *fakeHistory) CreateRun(ctx context.Context, record repo.RunRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[record.RunID] = append(h.statuses[record.RunID], record.Status)
	return nil
}

func (h *fakeHistory) UpdateRunStatus(ctx context.Context, runID, status string, startedAt, finishedAt *time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[runID] = append(h.statuses[runID], status)
	return nil
}

func (h *fakeHistory) GetRun(ctx context.Context, runID string) (repo.RunRecord, error) {
	return repo.RunRecord{}, repo.ErrNotFound
}

func (h *fakeHistory) ListRuns(ctx context.Context, filter repo.RunFilter) ([]repo.RunRecord, error) {
	return nil, nil
}

func (h *fakeHistory) last(runID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	statuses := h.statuses[runID]
	if len(statuses) == 0 {
		return ""
	}
	return statuses[len(statuses)-1]
}

func chainGraph(admission domain.AdmissionPolicy) domain.GraphModel {
	return domain.GraphModel{
		ProductID: "orders",
		Admission: admission,
		Tasks: map[string]domain.TaskDescriptor{
			"download": {ID: "download", Kind: domain.TaskKindInline, Outlets: []string{"raw"}},
			"schema":   {ID: "schema", Kind: domain.TaskKindInline, Upstream: []string{"download"}},
			"register": {ID: "register", Kind: domain.TaskKindInline, Upstream: []string{"schema"}, Outlets: []string{"table"}},
		},
	}
}

type testEnv struct {
	sched      *Scheduler
	registry   *registry.Registry
	dispatcher *fakeDispatcher
	registrar  *fakeRegistrar
	history    *fakeHistory
	cancel     context.CancelFunc
}

func newTestEnv(t *testing.T, graph domain.GraphModel) *testEnv {
	t.Helper()

	reg := registry.New()
	if _, err := reg.Register(graph, "fpr-1"); err != nil {
		t.Fatalf("register graph: %v", err)
	}

	dispatcher := newFakeDispatcher()
	registrar := &fakeRegistrar{}
	history := newFakeHistory()
	sched, err := New(Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry:   reg,
		Dispatcher: dispatcher,
		Registrar:  registrar,
		History:    history,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sched.Wait()
	})

	return &testEnv{
		sched:      sched,
		registry:   reg,
		dispatcher: dispatcher,
		registrar:  registrar,
		history:    history,
		cancel:     cancel,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRun_HappyPath(t *testing.T) {
	env := newTestEnv(t, chainGraph(domain.AdmissionReject))

	runID, err := env.sched.TriggerRun(context.Background(), "orders")
	if err != nil {
		t.Fatalf("TriggerRun() error: %v", err)
	}

	waitFor(t, "run to succeed", func() bool {
		return env.history.last(runID) == repo.RunStatusSucceeded
	})

	run, err := env.sched.Snapshot(runID)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if run.FinishedAt == nil {
		t.Fatalf("terminal run has no finished_at")
	}
	for _, taskID := range []string{"download", "schema", "register"} {
		if run.TaskStates[taskID] != domain.TaskStateSucceeded {
			t.Fatalf("task %s state=%s, want succeeded", taskID, run.TaskStates[taskID])
		}
		if run.Attempts[taskID] != 1 {
			t.Fatalf("task %s attempts=%d, want 1", taskID, run.Attempts[taskID])
		}
	}

	waitFor(t, "lineage registrations", func() bool { return env.registrar.count() == 3 })
	download, ok := env.registrar.find("download")
	if !ok || len(download.OutputAssets) != 1 || download.OutputAssets[0] != "raw" {
		t.Fatalf("download lineage=%+v, want output [raw]", download)
	}
	register, ok := env.registrar.find("register")
	if !ok || len(register.OutputAssets) != 1 || register.OutputAssets[0] != "table" {
		t.Fatalf("register lineage=%+v, want output [table]", register)
	}
	if register.RunID != runID {
		t.Fatalf("lineage run_id=%s, want %s", register.RunID, runID)
	}
}

func TestRun_RetryThenSucceed(t *testing.T) {
	graph := chainGraph(domain.AdmissionReject)
	download := graph.Tasks["download"]
	download.Retry = domain.RetryPolicy{MaxAttempts: 2}
	graph.Tasks["download"] = download

	env := newTestEnv(t, graph)
	env.dispatcher.script("download",
		dispatchResult{completion: executor.Completion{Status: executor.StatusFailure, Message: "transient"}},
		dispatchResult{completion: executor.Completion{Status: executor.StatusSuccess, OutputAssets: []string{"raw"}}},
	)

	runID, err := env.sched.TriggerRun(context.Background(), "orders")
	if err != nil {
		t.Fatalf("TriggerRun() error: %v", err)
	}

	waitFor(t, "run to succeed after retry", func() bool {
		return env.history.last(runID) == repo.RunStatusSucceeded
	})

	run, _ := env.sched.Snapshot(runID)
	if run.TaskStates["download"] != domain.TaskStateSucceeded {
		t.Fatalf("download state=%s, want succeeded", run.TaskStates["download"])
	}
	if run.Attempts["download"] != 2 {
		t.Fatalf("download attempts=%d, want 2", run.Attempts["download"])
	}
	if got := env.dispatcher.callCount("download"); got != 2 {
		t.Fatalf("download dispatched %d times, want 2", got)
	}
	if run.TaskStates["register"] != domain.TaskStateSucceeded {
		t.Fatalf("downstream register state=%s, want succeeded", run.TaskStates["register"])
	}
}

func TestRun_UpstreamFailurePropagates(t *testing.T) {
	env := newTestEnv(t, chainGraph(domain.AdmissionReject))
	env.dispatcher.script("download",
		dispatchResult{completion: executor.Completion{Status: executor.StatusFailure, Message: "boom"}},
	)

	runID, err := env.sched.TriggerRun(context.Background(), "orders")
	if err != nil {
		t.Fatalf("TriggerRun() error: %v", err)
	}

	waitFor(t, "run to fail", func() bool {
		return env.history.last(runID) == repo.RunStatusFailed
	})

	run, _ := env.sched.Snapshot(runID)
	if run.TaskStates["download"] != domain.TaskStateFailed {
		t.Fatalf("download state=%s, want failed", run.TaskStates["download"])
	}
	for _, taskID := range []string{"schema", "register"} {
		if run.TaskStates[taskID] != domain.TaskStateUpstreamFailed {
			t.Fatalf("task %s state=%s, want upstream_failed", taskID, run.TaskStates[taskID])
		}
		if env.dispatcher.callCount(taskID) != 0 {
			t.Fatalf("task %s was dispatched despite failed upstream", taskID)
		}
	}
	if env.registrar.count() != 0 {
		t.Fatalf("failed run registered lineage")
	}
}

func TestTriggerRun_RejectPolicy(t *testing.T) {
	env := newTestEnv(t, chainGraph(domain.AdmissionReject))
	gate := make(chan struct{})
	env.dispatcher.gate = gate

	first, err := env.sched.TriggerRun(context.Background(), "orders")
	if err != nil {
		t.Fatalf("TriggerRun() error: %v", err)
	}

	if _, err := env.sched.TriggerRun(context.Background(), "orders"); !errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("second trigger error=%v, want ErrAdmissionRejected", err)
	}

	close(gate)
	waitFor(t, "first run to finish unaffected", func() bool {
		return env.history.last(first) == repo.RunStatusSucceeded
	})
}

func TestTriggerRun_QueuePolicyPromotes(t *testing.T) {
	env := newTestEnv(t, chainGraph(domain.AdmissionQueue))
	gate := make(chan struct{})
	env.dispatcher.gate = gate

	first, err := env.sched.TriggerRun(context.Background(), "orders")
	if err != nil {
		t.Fatalf("TriggerRun() error: %v", err)
	}
	second, err := env.sched.TriggerRun(context.Background(), "orders")
	if err != nil {
		t.Fatalf("queued trigger error: %v", err)
	}

	queued, err := env.sched.Snapshot(second)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if queued.StartedAt != nil {
		t.Fatalf("queued run already started")
	}
	if env.history.last(second) != repo.RunStatusQueued {
		t.Fatalf("queued run history=%s, want queued", env.history.last(second))
	}

	close(gate)
	waitFor(t, "both runs to finish", func() bool {
		return env.history.last(first) == repo.RunStatusSucceeded &&
			env.history.last(second) == repo.RunStatusSucceeded
	})

	promoted, _ := env.sched.Snapshot(second)
	if promoted.StartedAt == nil {
		t.Fatalf("promoted run has no started_at")
	}
}

func TestTriggerRun_UnknownAndRetiredProducts(t *testing.T) {
	env := newTestEnv(t, chainGraph(domain.AdmissionReject))

	if _, err := env.sched.TriggerRun(context.Background(), "ghost"); !errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("unknown product error=%v, want ErrAdmissionRejected", err)
	}

	if err := env.registry.Retire("orders"); err != nil {
		t.Fatalf("Retire() error: %v", err)
	}
	if _, err := env.sched.TriggerRun(context.Background(), "orders"); !errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("retired product error=%v, want ErrAdmissionRejected", err)
	}
}

func TestCancelRun_ActiveRunSkipsTasks(t *testing.T) {
	env := newTestEnv(t, chainGraph(domain.AdmissionReject))
	gate := make(chan struct{})
	defer close(gate)
	env.dispatcher.gate = gate

	runID, err := env.sched.TriggerRun(context.Background(), "orders")
	if err != nil {
		t.Fatalf("TriggerRun() error: %v", err)
	}
	waitFor(t, "download to start", func() bool {
		run, err := env.sched.Snapshot(runID)
		return err == nil && run.TaskStates["download"] == domain.TaskStateRunning
	})

	if err := env.sched.CancelRun(runID); err != nil {
		t.Fatalf("CancelRun() error: %v", err)
	}
	waitFor(t, "run to cancel", func() bool {
		return env.history.last(runID) == repo.RunStatusCanceled
	})

	run, _ := env.sched.Snapshot(runID)
	if !run.Canceled {
		t.Fatalf("canceled run not marked canceled")
	}
	if run.FinishedAt == nil {
		t.Fatalf("canceled run has no finished_at")
	}
	for taskID, state := range run.TaskStates {
		if state != domain.TaskStateSkipped {
			t.Fatalf("task %s state=%s, want skipped", taskID, state)
		}
	}
}

func TestCancelRun_QueuedRunNeverStarts(t *testing.T) {
	env := newTestEnv(t, chainGraph(domain.AdmissionQueue))
	gate := make(chan struct{})
	env.dispatcher.gate = gate

	first, err := env.sched.TriggerRun(context.Background(), "orders")
	if err != nil {
		t.Fatalf("TriggerRun() error: %v", err)
	}
	second, err := env.sched.TriggerRun(context.Background(), "orders")
	if err != nil {
		t.Fatalf("queued trigger error: %v", err)
	}

	if err := env.sched.CancelRun(second); err != nil {
		t.Fatalf("CancelRun() error: %v", err)
	}
	canceled, _ := env.sched.Snapshot(second)
	if !canceled.Canceled || canceled.FinishedAt == nil || canceled.StartedAt != nil {
		t.Fatalf("queued cancel snapshot=%+v, want canceled, finished, never started", canceled)
	}

	close(gate)
	waitFor(t, "first run to succeed", func() bool {
		return env.history.last(first) == repo.RunStatusSucceeded
	})
	// The canceled queued run was never promoted, so each task dispatched
	// exactly once for the first run.
	if got := env.dispatcher.callCount("download"); got != 1 {
		t.Fatalf("download dispatched %d times, want 1", got)
	}
}

func TestSnapshotAndCancel_UnknownRun(t *testing.T) {
	env := newTestEnv(t, chainGraph(domain.AdmissionReject))

	if _, err := env.sched.Snapshot("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Snapshot()=%v, want ErrRunNotFound", err)
	}
	if err := env.sched.CancelRun("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("CancelRun()=%v, want ErrRunNotFound", err)
	}
}

func TestGraphRegistered_TriggersRun(t *testing.T) {
	env := newTestEnv(t, chainGraph(domain.AdmissionReject))

	env.sched.GraphRegistered(context.Background(), "orders")
	waitFor(t, "run-on-change run", func() bool {
		runs := env.sched.Runs()
		return len(runs) == 1 && runs[0].Terminal()
	})
}

func TestRuns_NewestFirst(t *testing.T) {
	env := newTestEnv(t, chainGraph(domain.AdmissionQueue))

	first, err := env.sched.TriggerRun(context.Background(), "orders")
	if err != nil {
		t.Fatalf("TriggerRun() error: %v", err)
	}
	waitFor(t, "first run to finish", func() bool {
		return env.history.last(first) == repo.RunStatusSucceeded
	})
	second, err := env.sched.TriggerRun(context.Background(), "orders")
	if err != nil {
		t.Fatalf("TriggerRun() error: %v", err)
	}

	runs := env.sched.Runs()
	if len(runs) != 2 {
		t.Fatalf("runs=%d, want 2", len(runs))
	}
	if runs[0].ID != second && runs[1].ID != second {
		t.Fatalf("second run %s missing from %v", second, runs)
	}
	if runs[0].CreatedAt.Before(runs[1].CreatedAt) {
		t.Fatalf("runs not newest-first: %s then %s", runs[0].ID, runs[1].ID)
	}
}
