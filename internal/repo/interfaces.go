// Package repo defines the persistence interfaces for durable run history.
// In-memory run state stays authoritative in the scheduler; history is for
// status durability and audit.
package repo

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Run lifecycle statuses persisted to history.
const (
	RunStatusQueued    = "queued"
	RunStatusActive    = "active"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

// RunRecord is the durable history row for one run.
type RunRecord struct {
	RunID        string
	ProductID    string
	GraphVersion int64
	Status       string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

type RunFilter struct {
	ProductID string
	Status    string
	Limit     int
}

// RunHistory records run lifecycle transitions.
type RunHistory interface {
	CreateRun(ctx context.Context, record RunRecord) error
	UpdateRunStatus(ctx context.Context, runID, status string, startedAt, finishedAt *time.Time) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
}
