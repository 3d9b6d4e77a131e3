// Package postgres implements the repo interfaces on a SQL database opened
// through the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dataloom-labs/dataloom-go/internal/repo"
)

// DB is the narrow database surface the stores need.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, record repo.RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(record.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(record.ProductID) == "" {
		return fmt.Errorf("product id is required")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
			run_id,
			product_id,
			graph_version,
			status,
			created_at,
			started_at,
			finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(record.RunID),
		strings.TrimSpace(record.ProductID),
		record.GraphVersion,
		strings.TrimSpace(record.Status),
		createdAt.UTC(),
		nullTime(record.StartedAt),
		nullTime(record.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, runID, status string, startedAt, finishedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = $2,
		     started_at = COALESCE($3, started_at),
		     finished_at = COALESCE($4, finished_at)
		 WHERE run_id = $1`,
		runID,
		strings.TrimSpace(status),
		nullTime(startedAt),
		nullTime(finishedAt),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return repo.RunRecord{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, product_id, graph_version, status, created_at, started_at, finished_at
		 FROM runs
		 WHERE run_id = $1`,
		runID,
	)
	return scanRun(row)
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if product := strings.TrimSpace(filter.ProductID); product != "" {
		args = append(args, product)
		where = append(where, "product_id = $"+strconv.Itoa(len(args)))
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		args = append(args, status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT run_id, product_id, graph_version, status, created_at, started_at, finished_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]repo.RunRecord, 0)
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (repo.RunRecord, error) {
	var record repo.RunRecord
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(
		&record.RunID,
		&record.ProductID,
		&record.GraphVersion,
		&record.Status,
		&record.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return repo.RunRecord{}, repo.ErrNotFound
	}
	if err != nil {
		return repo.RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	if startedAt.Valid {
		started := startedAt.Time
		record.StartedAt = &started
	}
	if finishedAt.Valid {
		finished := finishedAt.Time
		record.FinishedAt = &finished
	}
	return record, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
