// Package idempotency implements the crash-safe publish idempotency store:
// a pending/complete state machine keyed on (idempotencyKey, userId) with a
// 24h TTL and a reconciler that only trusts graph-side confirmation.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Record states.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
)

// TTL is how long a record deduplicates retries of the same logical publish.
const TTL = 24 * time.Hour

// reconcileAge is the minimum age before a pending record is eligible for
// reconciliation. Younger records mean the original request may still be in
// flight; the caller surfaces 409 and the client retries later.
const reconcileAge = 5 * time.Minute

// Record is one idempotency row.
type Record struct {
	IdempotencyKey     string         `db:"idempotency_key"`
	UserID             string         `db:"user_id"`
	AssertionID        sql.NullString `db:"assertion_id"`
	AssertionCreatedAt sql.NullTime   `db:"assertion_created_at"`
	Status             string         `db:"status"`
	CreatedAt          time.Time      `db:"created_at"`
	ExpiresAt          time.Time      `db:"expires_at"`
}

// Replay is the result handed back for a completed or reconciled record.
type Replay struct {
	AssertionID string
	CreatedAt   time.Time
}

// GraphConfirmer verifies that a publish actually landed in the graph.
// Satisfied by the graph store.
type GraphConfirmer interface {
	ConfirmAssertion(ctx context.Context, assertionID, userID string) (*Confirmation, error)
}

// Confirmation mirrors graph.Confirmation without importing the package.
type Confirmation struct {
	AssertionID string
	CreatedAt   time.Time
}

// Store is the Postgres-backed idempotency store.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a store over an open connection pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "idempotency"),
	}
}

// GetByKey returns the current record for (key, userID), or nil when absent
// or expired.
func (s *Store) GetByKey(ctx context.Context, key, userID string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `
		SELECT idempotency_key, user_id, assertion_id, assertion_created_at,
		       status, created_at, expires_at
		FROM publish_idempotency
		WHERE idempotency_key = $1 AND user_id = $2 AND expires_at > now()`,
		key, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

// CreatePending inserts a pending record with a 24h expiry. ON CONFLICT DO
// NOTHING keeps a concurrent duplicate from failing the request; the caller
// re-reads on replay.
func (s *Store) CreatePending(ctx context.Context, key, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_idempotency (idempotency_key, user_id, status, created_at, expires_at)
		VALUES ($1, $2, 'pending', now(), now() + $3::interval)
		ON CONFLICT (idempotency_key, user_id) DO NOTHING`,
		key, userID, fmt.Sprintf("%d hours", int(TTL.Hours())))
	if err != nil {
		return fmt.Errorf("create pending idempotency record: %w", err)
	}
	return nil
}

// Complete transitions pending → complete and stamps the assertion.
func (s *Store) Complete(ctx context.Context, key, userID, assertionID string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publish_idempotency
		SET status = 'complete', assertion_id = $3, assertion_created_at = $4
		WHERE idempotency_key = $1 AND user_id = $2 AND status = 'pending'`,
		key, userID, assertionID, createdAt)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}

// CleanupExpired deletes rows past their expiry. Returns the row count for
// the job run log.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM publish_idempotency WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired idempotency records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReconcilePending attempts to confirm a stale pending record against the
// graph. It never transitions pending → complete without graph-side
// confirmation that the assertion exists and is authored by userID:
//
//   - record younger than 5 minutes → nil (caller raises 409)
//   - no recorded assertion id → nil, nothing mutated
//   - graph confirms → transition to complete, return the replay
//   - graph denies → nil, nothing mutated
func (s *Store) ReconcilePending(ctx context.Context, rec *Record, confirmer GraphConfirmer) (*Replay, error) {
	if rec == nil || rec.Status != StatusPending {
		return nil, nil
	}
	if time.Since(rec.CreatedAt) < reconcileAge {
		return nil, nil
	}
	if !rec.AssertionID.Valid || rec.AssertionID.String == "" {
		s.logger.Warn("reconciliation skipped: pending record has no assertion id",
			"key", rec.IdempotencyKey, "userId", rec.UserID)
		return nil, nil
	}

	conf, err := confirmer.ConfirmAssertion(ctx, rec.AssertionID.String, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("confirm pending assertion: %w", err)
	}
	if conf == nil {
		s.logger.Warn("reconciliation denied: graph does not hold the assertion",
			"key", rec.IdempotencyKey, "assertionId", rec.AssertionID.String)
		return nil, nil
	}

	if err := s.Complete(ctx, rec.IdempotencyKey, rec.UserID, conf.AssertionID, conf.CreatedAt); err != nil {
		return nil, err
	}
	return &Replay{AssertionID: conf.AssertionID, CreatedAt: conf.CreatedAt}, nil
}

// MarkAssertion records the assertion id on a still-pending row. Called
// after the graph write so a crash before Complete leaves the reconciler
// something to confirm.
func (s *Store) MarkAssertion(ctx context.Context, key, userID, assertionID string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publish_idempotency
		SET assertion_id = $3, assertion_created_at = $4
		WHERE idempotency_key = $1 AND user_id = $2 AND status = 'pending'`,
		key, userID, assertionID, createdAt)
	if err != nil {
		return fmt.Errorf("mark idempotency assertion: %w", err)
	}
	return nil
}
