package notifications

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Outbox adapters and row states.
const (
	AdapterWebSocket = "websocket"
	AdapterPush      = "push"

	OutboxPending   = "pending"
	OutboxDelivered = "delivered"
	OutboxFailed    = "failed"
)

// DefaultAdapters is the set of enabled delivery adapters.
var DefaultAdapters = []string{AdapterWebSocket, AdapterPush}

// OutboxRow is one durable delivery obligation. At-least-once: the row is
// retried with exponential backoff until delivered or the attempts cap.
type OutboxRow struct {
	ID             string         `db:"id"`
	NotificationID string         `db:"notification_id"`
	Adapter        string         `db:"adapter"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	NextAttemptAt  time.Time      `db:"next_attempt_at"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	DeliveredAt    sql.NullTime   `db:"delivered_at"`
}

// OutboxStore persists delivery obligations in Postgres.
type OutboxStore struct {
	db *sqlx.DB
}

func NewOutboxStore(db *sqlx.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Enqueue creates one pending row per adapter. The unique constraint on
// (notification_id, adapter) makes re-enqueueing a no-op.
func (s *OutboxStore) Enqueue(ctx context.Context, notificationID string, adapters []string) ([]OutboxRow, error) {
	rows := []OutboxRow{}
	for _, adapter := range adapters {
		var row OutboxRow
		err := s.db.GetContext(ctx, &row, `
			INSERT INTO notification_outbox (id, notification_id, adapter, status, attempts, next_attempt_at, created_at)
			VALUES ($1, $2, $3, 'pending', 0, now(), now())
			ON CONFLICT (notification_id, adapter) DO NOTHING
			RETURNING id, notification_id, adapter, status, attempts, next_attempt_at, last_error, created_at, delivered_at`,
			uuid.NewString(), notificationID, adapter)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("enqueue outbox row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchDue claims up to limit pending rows for an adapter whose
// next_attempt_at has passed. Claiming is a single statement: the inner
// SELECT takes row locks with SKIP LOCKED so concurrent workers partition
// the due set, and the UPDATE leases each claimed row one minute into the
// future so a worker that dies mid-attempt leaves it due again shortly.
// MarkDelivered and RecordFailure overwrite the lease either way.
func (s *OutboxStore) FetchDue(ctx context.Context, adapter string, limit int) ([]OutboxRow, error) {
	if limit <= 0 {
		limit = 25
	}
	rows := []OutboxRow{}
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE notification_outbox
		SET next_attempt_at = now() + interval '60 seconds'
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE adapter = $1 AND status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED)
		RETURNING id, notification_id, adapter, status, attempts, next_attempt_at, last_error, created_at, delivered_at`,
		adapter, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox rows: %w", err)
	}
	return rows, nil
}

// MarkDelivered finalizes a successful attempt.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = 'delivered', attempts = attempts + 1, delivered_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox row delivered: %w", err)
	}
	return nil
}

// RecordFailure increments attempts and either reschedules with
// exponential backoff (60s · 2^attempts from the pre-increment count) or,
// at the attempts cap, marks the row failed.
func (s *OutboxStore) RecordFailure(ctx context.Context, row *OutboxRow, cause error, maxAttempts int) error {
	newAttempts := row.Attempts + 1
	msg := cause.Error()

	if newAttempts >= maxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE notification_outbox
			SET status = 'failed', attempts = $2, last_error = $3
			WHERE id = $1`, row.ID, newAttempts, msg)
		if err != nil {
			return fmt.Errorf("mark outbox row failed: %w", err)
		}
		return nil
	}

	delay := time.Duration(60*(1<<uint(row.Attempts))) * time.Second
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET attempts = $2, next_attempt_at = now() + $3::interval, last_error = $4
		WHERE id = $1`, row.ID, newAttempts, fmt.Sprintf("%d seconds", int(delay.Seconds())), msg)
	if err != nil {
		return fmt.Errorf("reschedule outbox row: %w", err)
	}
	return nil
}

// CleanupDelivered removes delivered and failed rows older than the
// retention window. Returns the row count for the job run log.
func (s *OutboxStore) CleanupDelivered(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_outbox
		WHERE status IN ('delivered', 'failed')
		  AND created_at < now() - $1::interval`,
		fmt.Sprintf("%d hours", int(olderThan.Hours())))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
