package lineage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists lineage edges with database-level idempotence:
// registrations are keyed by (run_id, task_id), edges by
// (producer_type, producer_id, consumer_type, consumer_id).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) UpsertLineage(ctx context.Context, reg Registration) (bool, error) {
	if err := reg.validate(); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(
		ctx,
		`INSERT INTO lineage_registrations (run_id, task_id, registered_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, task_id) DO NOTHING`,
		reg.RunID,
		reg.TaskID,
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert registration: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if inserted == 0 {
		// Already registered for this (run, task): no duplicate edges.
		return false, nil
	}

	for _, asset := range reg.OutputAssets {
		if err := insertEdge(ctx, tx, reg.RunID, "task", reg.TaskID, "asset", asset); err != nil {
			return false, err
		}
	}
	for _, asset := range reg.UpstreamAssets {
		if err := insertEdge(ctx, tx, reg.RunID, "asset", asset, "task", reg.TaskID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func insertEdge(ctx context.Context, tx *sql.Tx, runID, producerType, producerID, consumerType, consumerID string) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO lineage_edges (producer_type, producer_id, consumer_type, consumer_id, run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (producer_type, producer_id, consumer_type, consumer_id) DO NOTHING`,
		producerType,
		producerID,
		consumerType,
		consumerID,
		runID,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert edge %s:%s -> %s:%s: %w", producerType, producerID, consumerType, consumerID, err)
	}
	return nil
}
