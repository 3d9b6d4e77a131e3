package lineage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeStore is idempotent by (run_id, task_id) and fails a scripted number
// of times first.
type fakeStore struct {
	mu        sync.Mutex
	failsLeft int
	recorded  map[string]int
}

func newFakeStore(failsLeft int) *fakeStore {
	return &fakeStore{failsLeft: failsLeft, recorded: make(map[string]int)}
}

func (s *fakeStore) UpsertLineage(ctx context.Context, reg Registration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failsLeft > 0 {
		s.failsLeft--
		return false, errors.New("metadata store unavailable")
	}
	key := reg.RunID + "/" + reg.TaskID
	s.recorded[key]++
	return s.recorded[key] == 1, nil
}

func (s *fakeStore) count(runID, taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorded[runID+"/"+taskID]
}

func newTestRegistrar(t *testing.T, store Store, maxAttempts int) *Registrar {
	t.Helper()
	r, err := NewRegistrar(slog.New(slog.NewTextHandler(io.Discard, nil)), store, nil, time.Minute, maxAttempts)
	if err != nil {
		t.Fatalf("new registrar: %v", err)
	}
	return r
}

func TestRegister_Idempotent(t *testing.T) {
	store := newFakeStore(0)
	r := newTestRegistrar(t, store, 3)

	reg := Registration{RunID: "r1", TaskID: "download", OutputAssets: []string{"raw"}}
	if err := r.Register(context.Background(), reg); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := r.Register(context.Background(), reg); err != nil {
		t.Fatalf("repeat Register() error: %v", err)
	}
	if got := store.count("r1", "download"); got != 2 {
		// Two upserts hit the store; the store records the pair once.
		t.Fatalf("upserts=%d, want 2", got)
	}
	if r.PendingCount() != 0 {
		t.Fatalf("pending=%d, want 0", r.PendingCount())
	}
}

func TestRegister_TransientFailureQueuesRetry(t *testing.T) {
	store := newFakeStore(1)
	r := newTestRegistrar(t, store, 3)

	reg := Registration{RunID: "r1", TaskID: "download"}
	err := r.Register(context.Background(), reg)
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("Register()=%v, want *RegistrationError", err)
	}
	if r.PendingCount() != 1 {
		t.Fatalf("pending=%d, want 1", r.PendingCount())
	}

	r.retryPending(context.Background())
	if r.PendingCount() != 0 {
		t.Fatalf("pending after retry=%d, want 0", r.PendingCount())
	}
	if store.count("r1", "download") != 1 {
		t.Fatalf("registration not recorded after retry")
	}
}

func TestRetryPending_DropsAfterMaxAttempts(t *testing.T) {
	store := newFakeStore(100)
	r := newTestRegistrar(t, store, 3)

	if err := r.Register(context.Background(), Registration{RunID: "r1", TaskID: "download"}); err == nil {
		t.Fatalf("Register() expected error")
	}

	// Attempt 1 happened synchronously; two more retries exhaust the
	// budget and drop the registration.
	r.retryPending(context.Background())
	if r.PendingCount() != 1 {
		t.Fatalf("pending=%d, want still queued", r.PendingCount())
	}
	r.retryPending(context.Background())
	if r.PendingCount() != 0 {
		t.Fatalf("pending=%d, want dropped after max attempts", r.PendingCount())
	}
}

func TestRegister_ValidatesPayload(t *testing.T) {
	r := newTestRegistrar(t, newFakeStore(0), 3)

	if err := r.Register(context.Background(), Registration{TaskID: "t"}); err == nil {
		t.Fatalf("Register() accepted missing run id")
	}
	if err := r.Register(context.Background(), Registration{RunID: "r"}); err == nil {
		t.Fatalf("Register() accepted missing task id")
	}
	if r.PendingCount() != 0 {
		t.Fatalf("invalid payloads queued for retry")
	}
}
