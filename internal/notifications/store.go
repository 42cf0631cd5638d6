// Package notifications derives reply/reaction signals from writes,
// persists them idempotently, and delivers them at-least-once through a
// per-adapter outbox.
package notifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Notification types.
const (
	TypeReply    = "reply"
	TypeReaction = "reaction"
)

// Notification is one derived signal row.
type Notification struct {
	ID               string         `db:"id" json:"id"`
	RecipientID      string         `db:"recipient_id" json:"recipientId"`
	ActorID          string         `db:"actor_id" json:"actorId"`
	AssertionID      string         `db:"assertion_id" json:"assertionId"`
	NotificationType string         `db:"notification_type" json:"type"`
	ReactionType     sql.NullString `db:"reaction_type" json:"-"`
	Read             bool           `db:"read" json:"read"`
	CreatedAt        time.Time      `db:"created_at" json:"createdAt"`
	ReadAt           sql.NullTime   `db:"read_at" json:"-"`
}

// Store persists notifications in Postgres.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Insert attempts to persist a derived notification. The unique index on
// (actor, assertion, type, coalesce(reactionType,'')) makes derivation
// idempotent: repeated derivations of the same signal produce one row.
// Returns the row and true when a new row was inserted.
func (s *Store) Insert(ctx context.Context, recipientID, actorID, assertionID, notificationType, reactionType string) (*Notification, bool, error) {
	id := uuid.NewString()
	var rt interface{}
	if reactionType != "" {
		rt = reactionType
	}

	var inserted Notification
	err := s.db.GetContext(ctx, &inserted, `
		INSERT INTO notifications (id, recipient_id, actor_id, assertion_id, notification_type, reaction_type, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, now())
		ON CONFLICT (actor_id, assertion_id, notification_type, COALESCE(reaction_type, '')) DO NOTHING
		RETURNING id, recipient_id, actor_id, assertion_id, notification_type, reaction_type, read, created_at, read_at`,
		id, recipientID, actorID, assertionID, notificationType, rt)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: the signal already exists.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert notification: %w", err)
	}
	return &inserted, true, nil
}

// Get returns one notification by id, or nil.
func (s *Store) Get(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	err := s.db.GetContext(ctx, &n, `
		SELECT id, recipient_id, actor_id, assertion_id, notification_type, reaction_type, read, created_at, read_at
		FROM notifications WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return &n, nil
}

// ListForRecipient returns the newest notifications for a user. Targets
// that have since been tombstoned stay listed — notifications are
// artifacts, not semantic truth — and the read API tolerates the dangle.
func (s *Store) ListForRecipient(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	out := []Notification{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, recipient_id, actor_id, assertion_id, notification_type, reaction_type, read, created_at, read_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

// MarkRead flags a notification read by its recipient.
func (s *Store) MarkRead(ctx context.Context, id, recipientID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = true, read_at = now()
		WHERE id = $1 AND recipient_id = $2 AND read = false`, id, recipientID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Payload is the wire form pushed to clients.
type Payload struct {
	Type         string    `json:"type"`
	ActorID      string    `json:"actorId"`
	AssertionID  string    `json:"assertionId"`
	ReactionType string    `json:"reactionType,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ToPayload converts a row to its push payload.
func (n *Notification) ToPayload() Payload {
	p := Payload{
		Type:        n.NotificationType,
		ActorID:     n.ActorID,
		AssertionID: n.AssertionID,
		CreatedAt:   n.CreatedAt,
	}
	if n.ReactionType.Valid {
		p.ReactionType = n.ReactionType.String
	}
	return p
}
