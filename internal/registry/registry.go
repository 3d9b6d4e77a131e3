// Package registry keeps the current graph model per product. Reads go
// through an atomically-swapped immutable snapshot, so status queries and
// the scheduler never observe a partially-applied update.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
)

var ErrUnknownProduct = errors.New("unknown product")

type productEntry struct {
	current       *domain.GraphModel
	version       int64
	retired       bool
	lastSyncedFpr string
	lastError     string
	registeredAt  time.Time
}

type snapshot map[string]productEntry

// ProductStatus is the read-model row for one product.
type ProductStatus struct {
	ProductID      string
	CurrentVersion int64
	Retired        bool
	LastError      string
	RegisteredAt   time.Time
}

// Registry is copy-on-write: writers rebuild the snapshot under mu, readers
// load it lock-free.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	now  func() time.Time
}

func New() *Registry {
	r := &Registry{now: time.Now}
	empty := make(snapshot)
	r.snap.Store(&empty)
	return r
}

// Register installs the graph as the product's current version. Versions
// only increase; registering clears a prior retirement.
func (r *Registry) Register(graph domain.GraphModel, fingerprint string) (domain.GraphModel, error) {
	if err := graph.Validate(); err != nil {
		return domain.GraphModel{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.clone()
	entry := next[graph.ProductID]
	entry.version++
	graph.Version = entry.version
	graph.Fingerprint = fingerprint
	graph.RegisteredAt = r.now().UTC()

	entry.current = &graph
	entry.retired = false
	entry.lastSyncedFpr = fingerprint
	entry.lastError = ""
	entry.registeredAt = graph.RegisteredAt
	next[graph.ProductID] = entry
	r.snap.Store(&next)
	return graph, nil
}

// Current returns the product's active graph. Retired and unknown products
// report no graph.
func (r *Registry) Current(productID string) (domain.GraphModel, bool) {
	entry, ok := (*r.snap.Load())[productID]
	if !ok || entry.retired || entry.current == nil {
		return domain.GraphModel{}, false
	}
	return *entry.current, true
}

// Retire marks the product as deleted from staging: no new runs, in-flight
// runs keep their graph version. The version counter survives so a
// re-staged product keeps increasing.
func (r *Registry) Retire(productID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.clone()
	entry, ok := next[productID]
	if !ok {
		return ErrUnknownProduct
	}
	entry.retired = true
	entry.lastSyncedFpr = ""
	next[productID] = entry
	r.snap.Store(&next)
	return nil
}

// LastSynced returns the fingerprint last seen for the product, registered
// or rejected. The sync agent uses it to skip unchanged definitions.
func (r *Registry) LastSynced(productID string) string {
	entry, ok := (*r.snap.Load())[productID]
	if !ok {
		return ""
	}
	return entry.lastSyncedFpr
}

// RecordSyncFailure remembers a rejected fingerprint with its cause so the
// same bad definition is not re-parsed every reconcile. The current version
// is untouched.
func (r *Registry) RecordSyncFailure(productID, fingerprint, cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.clone()
	entry := next[productID]
	entry.lastSyncedFpr = fingerprint
	entry.lastError = cause
	next[productID] = entry
	r.snap.Store(&next)
}

// Products lists the status of every known product, sorted by id.
func (r *Registry) Products() []ProductStatus {
	snap := *r.snap.Load()
	out := make([]ProductStatus, 0, len(snap))
	for productID, entry := range snap {
		out = append(out, ProductStatus{
			ProductID:      productID,
			CurrentVersion: entry.version,
			Retired:        entry.retired,
			LastError:      entry.lastError,
			RegisteredAt:   entry.registeredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// clone copies the snapshot for a write. Callers hold mu.
func (r *Registry) clone() snapshot {
	current := *r.snap.Load()
	next := make(snapshot, len(current)+1)
	for productID, entry := range current {
		next[productID] = entry
	}
	return next
}
