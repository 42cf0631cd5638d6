// Package jobs owns scheduled maintenance: the run log, the scheduler,
// and the per-job health summary.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// Run is one row in the job run log.
type Run struct {
	ID             string         `db:"id"`
	JobName        string         `db:"job_name"`
	Status         string         `db:"status"`
	StartedAt      time.Time      `db:"started_at"`
	FinishedAt     sql.NullTime   `db:"finished_at"`
	ItemsProcessed sql.NullInt64  `db:"items_processed"`
	LastError      sql.NullString `db:"last_error"`
}

// Store is the Postgres-backed run log.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// StartJobRun opens a run and returns its id.
func (s *Store) StartJobRun(ctx context.Context, jobName string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_name, status, started_at)
		VALUES ($1, $2, 'running', now())`, id, jobName)
	if err != nil {
		return "", fmt.Errorf("start job run %s: %w", jobName, err)
	}
	return id, nil
}

// CompleteJobRun closes a run as successful with its processed row count.
func (s *Store) CompleteJobRun(ctx context.Context, id string, rowCount int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'success', finished_at = now(), items_processed = $2
		WHERE id = $1`, id, rowCount)
	if err != nil {
		return fmt.Errorf("complete job run %s: %w", id, err)
	}
	return nil
}

// FailJobRun closes a run as failed with the error text.
func (s *Store) FailJobRun(ctx context.Context, id string, cause error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'failed', finished_at = now(), last_error = $2
		WHERE id = $1`, id, cause.Error())
	if err != nil {
		return fmt.Errorf("fail job run %s: %w", id, err)
	}
	return nil
}
