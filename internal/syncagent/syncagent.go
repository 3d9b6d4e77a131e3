// Package syncagent reconciles staged product definitions against the graph
// registry. Reconciliation is an idempotent diff-and-apply over the staging
// listing, driven by a poll interval or an explicit notification.
package syncagent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dataloom-labs/dataloom-go/internal/graph"
	"github.com/dataloom-labs/dataloom-go/internal/metrics"
	"github.com/dataloom-labs/dataloom-go/internal/platform/objectstore"
	"github.com/dataloom-labs/dataloom-go/internal/registry"
)

const defaultInterval = 60 * time.Second

// Staging is the read-only view of the definition store the agent needs.
type Staging interface {
	List(ctx context.Context) ([]objectstore.Definition, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// RunTrigger is notified after a new graph version is registered, for
// products configured to run on change.
type RunTrigger interface {
	GraphRegistered(ctx context.Context, productID string)
}

type Config struct {
	Logger   *slog.Logger
	Staging  Staging
	Registry *registry.Registry
	Trigger  RunTrigger
	Metrics  *metrics.Metrics
	Interval time.Duration
}

type Agent struct {
	logger   *slog.Logger
	staging  Staging
	registry *registry.Registry
	trigger  RunTrigger
	metrics  *metrics.Metrics
	interval time.Duration
	kick     chan struct{}
}

func New(cfg Config) (*Agent, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Staging == nil {
		return nil, errors.New("staging store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Agent{
		logger:   cfg.Logger,
		staging:  cfg.Staging,
		registry: cfg.Registry,
		trigger:  cfg.Trigger,
		metrics:  cfg.Metrics,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}, nil
}

// Notify requests an out-of-band reconcile. Coalesces with any pending kick.
func (a *Agent) Notify() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Start runs the reconcile loop until the context is canceled.
func (a *Agent) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			if err := a.Reconcile(ctx); err != nil {
				a.logger.Error("definition sync reconcile failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-a.kick:
			}
		}
	}()
}

// Reconcile applies one diff pass: register changed definitions, reject
// invalid ones while retaining the prior version, retire products whose
// staging artifacts are gone.
func (a *Agent) Reconcile(ctx context.Context) error {
	definitions, err := a.staging.List(ctx)
	if err != nil {
		a.metrics.SyncReconcile("error")
		return fmt.Errorf("list staged definitions: %w", err)
	}

	staged := make(map[string]struct{}, len(definitions))
	for _, def := range definitions {
		staged[def.ProductID] = struct{}{}
		if err := a.syncProduct(ctx, def); err != nil {
			if ctx.Err() != nil {
				a.metrics.SyncReconcile("error")
				return ctx.Err()
			}
			a.logger.Error("product sync failed", "product_id", def.ProductID, "error", err)
		}
	}

	for _, status := range a.registry.Products() {
		if status.Retired {
			continue
		}
		if _, ok := staged[status.ProductID]; ok {
			continue
		}
		if err := a.registry.Retire(status.ProductID); err != nil {
			a.logger.Error("retire product failed", "product_id", status.ProductID, "error", err)
			continue
		}
		a.logger.Info("product retired", "product_id", status.ProductID, "last_version", status.CurrentVersion)
	}

	a.metrics.SyncReconcile("ok")
	return nil
}

func (a *Agent) syncProduct(ctx context.Context, def objectstore.Definition) error {
	raw, err := a.staging.Fetch(ctx, def.Key)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", def.Key, err)
	}

	fingerprint := Fingerprint(raw)
	if fingerprint == a.registry.LastSynced(def.ProductID) {
		return nil
	}

	model, verr := graph.Parse(raw)
	if verr != nil {
		// Prior current version stays in place; remember the fingerprint
		// so the same bad definition is not re-parsed every pass.
		a.registry.RecordSyncFailure(def.ProductID, fingerprint, verr.Error())
		a.logger.Error("staged definition rejected",
			"product_id", def.ProductID,
			"kind", verr.Kind,
			"error", verr,
		)
		return nil
	}
	if model.ProductID != def.ProductID {
		cause := fmt.Sprintf("definition declares product %q under staging path %q", model.ProductID, def.ProductID)
		a.registry.RecordSyncFailure(def.ProductID, fingerprint, cause)
		a.logger.Error("staged definition rejected", "product_id", def.ProductID, "error", cause)
		return nil
	}

	registered, err := a.registry.Register(model, fingerprint)
	if err != nil {
		a.registry.RecordSyncFailure(def.ProductID, fingerprint, err.Error())
		return fmt.Errorf("register graph: %w", err)
	}
	a.logger.Info("graph version registered",
		"product_id", registered.ProductID,
		"graph_version", registered.Version,
		"tasks", len(registered.Tasks),
		"fingerprint", fingerprint[:12],
	)

	if registered.RunOnChange && a.trigger != nil {
		a.trigger.GraphRegistered(ctx, registered.ProductID)
	}
	return nil
}

// Fingerprint hashes the normalized definition bytes. Formatting-only churn
// produces the same fingerprint and registers no new version.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(graph.Normalize(raw))
	return hex.EncodeToString(sum[:])
}
