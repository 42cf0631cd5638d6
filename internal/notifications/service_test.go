package notifications

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assertly/backend/internal/graph"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

type stubAuthors struct {
	target *graph.RevisionTarget
	err    error
}

func (s *stubAuthors) GetAssertionForRevision(_ context.Context, _ string) (*graph.RevisionTarget, error) {
	return s.target, s.err
}

type stubPusher struct {
	delivered   int
	connections int

	frames []Frame
}

func (s *stubPusher) DeliverToUser(_ string, payload interface{}) (int, int) {
	if f, ok := payload.(Frame); ok {
		s.frames = append(s.frames, f)
	}
	return s.delivered, s.connections
}

func notificationColumns() []string {
	return []string{"id", "recipient_id", "actor_id", "assertion_id", "notification_type", "reaction_type", "read", "created_at", "read_at"}
}

func outboxColumns() []string {
	return []string{"id", "notification_id", "adapter", "status", "attempts", "next_attempt_at", "last_error", "created_at", "delivered_at"}
}

func TestNotifyReplySelfReplyProducesNothing(t *testing.T) {
	db, mock := newMockDB(t)
	authors := &stubAuthors{target: &graph.RevisionTarget{ID: "asr_p", AuthorID: "usr_a"}}
	pusher := &stubPusher{delivered: 1, connections: 1}
	svc := NewService(NewStore(db), NewOutboxStore(db), authors, pusher, nil)

	svc.NotifyReply(context.Background(), "usr_a", "asr_p", "asr_r")

	assert.Empty(t, pusher.frames)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyReplyInsertsEnqueuesAndPushes(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO notifications`).
		WillReturnRows(sqlmock.NewRows(notificationColumns()).
			AddRow("ntf_1", "usr_parent", "usr_actor", "asr_r", TypeReply, nil, false, now, nil))
	mock.ExpectQuery(`INSERT INTO notification_outbox`).
		WillReturnRows(sqlmock.NewRows(outboxColumns()).
			AddRow("obx_ws", "ntf_1", AdapterWebSocket, OutboxPending, 0, now, nil, now, nil))
	mock.ExpectQuery(`INSERT INTO notification_outbox`).
		WillReturnRows(sqlmock.NewRows(outboxColumns()).
			AddRow("obx_push", "ntf_1", AdapterPush, OutboxPending, 0, now, nil, now, nil))
	// Live recipient: the websocket row is finalized immediately.
	mock.ExpectExec(`UPDATE notification_outbox`).
		WithArgs("obx_ws").
		WillReturnResult(sqlmock.NewResult(0, 1))

	authors := &stubAuthors{target: &graph.RevisionTarget{ID: "asr_p", AuthorID: "usr_parent"}}
	pusher := &stubPusher{delivered: 1, connections: 1}
	svc := NewService(NewStore(db), NewOutboxStore(db), authors, pusher, nil)

	svc.NotifyReply(context.Background(), "usr_actor", "asr_p", "asr_r")

	require.Len(t, pusher.frames, 1)
	assert.Equal(t, "notification", pusher.frames[0].Type)
	assert.Equal(t, "ntf_1", pusher.frames[0].NotificationID)
	assert.Equal(t, TypeReply, pusher.frames[0].Payload.Type)
	assert.Equal(t, "usr_actor", pusher.frames[0].Payload.ActorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyReplyDuplicateDerivationIsSilent(t *testing.T) {
	db, mock := newMockDB(t)
	// Unique index conflict: INSERT ... DO NOTHING returns no row.
	mock.ExpectQuery(`INSERT INTO notifications`).
		WillReturnError(sql.ErrNoRows)

	authors := &stubAuthors{target: &graph.RevisionTarget{ID: "asr_p", AuthorID: "usr_parent"}}
	pusher := &stubPusher{delivered: 1, connections: 1}
	svc := NewService(NewStore(db), NewOutboxStore(db), authors, pusher, nil)

	svc.NotifyReply(context.Background(), "usr_actor", "asr_p", "asr_r")

	assert.Empty(t, pusher.frames, "replayed derivation must not re-deliver")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyReactionOfflineRecipientLeavesOutboxPending(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO notifications`).
		WillReturnRows(sqlmock.NewRows(notificationColumns()).
			AddRow("ntf_2", "usr_author", "usr_actor", "asr_1", TypeReaction,
				sql.NullString{String: "like", Valid: true}, false, now, nil))
	mock.ExpectQuery(`INSERT INTO notification_outbox`).
		WillReturnRows(sqlmock.NewRows(outboxColumns()).
			AddRow("obx_ws", "ntf_2", AdapterWebSocket, OutboxPending, 0, now, nil, now, nil))
	mock.ExpectQuery(`INSERT INTO notification_outbox`).
		WillReturnRows(sqlmock.NewRows(outboxColumns()).
			AddRow("obx_push", "ntf_2", AdapterPush, OutboxPending, 0, now, nil, now, nil))
	// No MarkDelivered: delivered == 0, the worker owns retry.

	authors := &stubAuthors{target: &graph.RevisionTarget{ID: "asr_1", AuthorID: "usr_author"}}
	pusher := &stubPusher{delivered: 0, connections: 0}
	svc := NewService(NewStore(db), NewOutboxStore(db), authors, pusher, nil)

	svc.NotifyReaction(context.Background(), "usr_actor", "asr_1", "like")

	require.Len(t, pusher.frames, 1)
	assert.Equal(t, "like", pusher.frames[0].Payload.ReactionType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyReactionLookupFailureIsSwallowed(t *testing.T) {
	db, mock := newMockDB(t)
	authors := &stubAuthors{err: errors.New("graph unavailable")}
	pusher := &stubPusher{delivered: 1, connections: 1}
	svc := NewService(NewStore(db), NewOutboxStore(db), authors, pusher, nil)

	svc.NotifyReaction(context.Background(), "usr_actor", "asr_1", "like")

	assert.Empty(t, pusher.frames)
	assert.NoError(t, mock.ExpectationsWereMet())
}
