package registry

import (
	"testing"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
)

func testGraph(product string) domain.GraphModel {
	return domain.GraphModel{
		ProductID: product,
		Tasks: map[string]domain.TaskDescriptor{
			"download": {ID: "download", Kind: domain.TaskKindInline, Outlets: []string{"raw"}},
			"schema":   {ID: "schema", Kind: domain.TaskKindInline, Upstream: []string{"download"}},
		},
	}
}

func TestRegister_VersionsIncrease(t *testing.T) {
	r := New()

	first, err := r.Register(testGraph("orders"), "fpr-1")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("version=%d, want 1", first.Version)
	}

	second, err := r.Register(testGraph("orders"), "fpr-2")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("version=%d, want 2", second.Version)
	}

	current, ok := r.Current("orders")
	if !ok {
		t.Fatalf("Current() reported no graph")
	}
	if current.Version != 2 || current.Fingerprint != "fpr-2" {
		t.Fatalf("current version=%d fingerprint=%q, want 2/fpr-2", current.Version, current.Fingerprint)
	}
	if r.LastSynced("orders") != "fpr-2" {
		t.Fatalf("LastSynced()=%q, want fpr-2", r.LastSynced("orders"))
	}
}

func TestRegister_RejectsInvalidGraph(t *testing.T) {
	r := New()
	bad := testGraph("orders")
	bad.Tasks["schema"] = domain.TaskDescriptor{ID: "schema", Kind: domain.TaskKindInline, Upstream: []string{"ghost"}}

	if _, err := r.Register(bad, "fpr-bad"); err == nil {
		t.Fatalf("Register() accepted invalid graph")
	}
	if _, ok := r.Current("orders"); ok {
		t.Fatalf("invalid graph became current")
	}
}

func TestRetire_HidesProductAndKeepsVersionCounter(t *testing.T) {
	r := New()
	if _, err := r.Register(testGraph("orders"), "fpr-1"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if err := r.Retire("orders"); err != nil {
		t.Fatalf("Retire() error: %v", err)
	}
	if _, ok := r.Current("orders"); ok {
		t.Fatalf("retired product still current")
	}
	if r.LastSynced("orders") != "" {
		t.Fatalf("retired product kept last-synced fingerprint")
	}

	// Re-staging the product continues the version sequence.
	again, err := r.Register(testGraph("orders"), "fpr-2")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if again.Version != 2 {
		t.Fatalf("version after re-stage=%d, want 2", again.Version)
	}
	if _, ok := r.Current("orders"); !ok {
		t.Fatalf("re-staged product not current")
	}
}

func TestRetire_UnknownProduct(t *testing.T) {
	r := New()
	if err := r.Retire("ghost"); err != ErrUnknownProduct {
		t.Fatalf("Retire()=%v, want ErrUnknownProduct", err)
	}
}

func TestRecordSyncFailure_KeepsCurrentVersion(t *testing.T) {
	r := New()
	if _, err := r.Register(testGraph("orders"), "fpr-1"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	r.RecordSyncFailure("orders", "fpr-broken", "dependency cycle: a -> b -> a")

	current, ok := r.Current("orders")
	if !ok || current.Version != 1 {
		t.Fatalf("current after failure=%v/%v, want version 1", current.Version, ok)
	}
	if r.LastSynced("orders") != "fpr-broken" {
		t.Fatalf("LastSynced()=%q, want rejected fingerprint", r.LastSynced("orders"))
	}

	products := r.Products()
	if len(products) != 1 || products[0].LastError == "" {
		t.Fatalf("Products()=%v, want one entry with last error", products)
	}
}

func TestProducts_Sorted(t *testing.T) {
	r := New()
	for _, product := range []string{"zeta", "alpha", "mid"} {
		if _, err := r.Register(testGraph(product), "fpr-"+product); err != nil {
			t.Fatalf("Register(%s) error: %v", product, err)
		}
	}
	products := r.Products()
	if len(products) != 3 {
		t.Fatalf("products=%d, want 3", len(products))
	}
	if products[0].ProductID != "alpha" || products[1].ProductID != "mid" || products[2].ProductID != "zeta" {
		t.Fatalf("Products() not sorted: %v", products)
	}
}

func TestCurrent_SnapshotUnaffectedByLaterRegister(t *testing.T) {
	r := New()
	if _, err := r.Register(testGraph("orders"), "fpr-1"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	before, _ := r.Current("orders")

	if _, err := r.Register(testGraph("orders"), "fpr-2"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if before.Version != 1 || before.Fingerprint != "fpr-1" {
		t.Fatalf("earlier snapshot mutated by later register: %+v", before)
	}
}
