// Package drafts owns the composer_drafts table. The composer write path
// lives elsewhere; this side only clears drafts on publish and expires
// stale ones.
package drafts

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// retention is how long an untouched draft survives before cleanup.
const retention = 30 * 24 * time.Hour

// Store is the Postgres-backed draft store.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Delete removes the user's draft after a successful publish. Missing
// drafts are not an error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM composer_drafts WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete draft for %s: %w", userID, err)
	}
	return nil
}

// CleanupExpired deletes drafts untouched for the retention window.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM composer_drafts WHERE updated_at < now() - $1::interval`,
		fmt.Sprintf("%d days", int(retention.Hours()/24)))
	if err != nil {
		return 0, fmt.Errorf("cleanup expired drafts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
