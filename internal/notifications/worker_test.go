package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name      string
	err       error
	delivered []string
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Deliver(_ context.Context, n *Notification) error {
	if a.err != nil {
		return a.err
	}
	a.delivered = append(a.delivered, n.ID)
	return nil
}

func TestWorkerPassDeliversDueRows(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE notification_outbox SET next_attempt_at .* RETURNING`).
		WithArgs(AdapterWebSocket, 25).
		WillReturnRows(sqlmock.NewRows(outboxColumns()).
			AddRow("obx_1", "ntf_1", AdapterWebSocket, OutboxPending, 0, now, nil, now, nil))
	mock.ExpectQuery(`SELECT .* FROM notifications`).
		WithArgs("ntf_1").
		WillReturnRows(sqlmock.NewRows(notificationColumns()).
			AddRow("ntf_1", "usr_r", "usr_a", "asr_1", TypeReply, nil, false, now, nil))
	mock.ExpectExec(`UPDATE notification_outbox`).
		WithArgs("obx_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	adapter := &fakeAdapter{name: AdapterWebSocket}
	w := NewWorker(NewOutboxStore(db), NewStore(db), []Adapter{adapter}, WorkerConfig{}, nil)

	w.Pass(context.Background())

	assert.Equal(t, []string{"ntf_1"}, adapter.delivered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerPassReschedulesOnFailure(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE notification_outbox SET next_attempt_at .* RETURNING`).
		WithArgs(AdapterWebSocket, 25).
		WillReturnRows(sqlmock.NewRows(outboxColumns()).
			AddRow("obx_1", "ntf_1", AdapterWebSocket, OutboxPending, 1, now, nil, now, nil))
	mock.ExpectQuery(`SELECT .* FROM notifications`).
		WithArgs("ntf_1").
		WillReturnRows(sqlmock.NewRows(notificationColumns()).
			AddRow("ntf_1", "usr_r", "usr_a", "asr_1", TypeReply, nil, false, now, nil))
	// Second failure: attempts 1 -> 2, rescheduled 60·2^1 seconds out.
	mock.ExpectExec(`UPDATE notification_outbox`).
		WithArgs("obx_1", 2, "120 seconds", "recipient offline").
		WillReturnResult(sqlmock.NewResult(0, 1))

	adapter := &fakeAdapter{name: AdapterWebSocket, err: errors.New("recipient offline")}
	w := NewWorker(NewOutboxStore(db), NewStore(db), []Adapter{adapter}, WorkerConfig{}, nil)

	w.Pass(context.Background())

	assert.Empty(t, adapter.delivered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerPassMarksFailedAtAttemptCap(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE notification_outbox SET next_attempt_at .* RETURNING`).
		WithArgs(AdapterPush, 25).
		WillReturnRows(sqlmock.NewRows(outboxColumns()).
			AddRow("obx_1", "ntf_1", AdapterPush, OutboxPending, 4, now, nil, now, nil))
	mock.ExpectQuery(`SELECT .* FROM notifications`).
		WithArgs("ntf_1").
		WillReturnRows(sqlmock.NewRows(notificationColumns()).
			AddRow("ntf_1", "usr_r", "usr_a", "asr_1", TypeReaction, nil, false, now, nil))
	// Fifth failure exhausts the cap: status flips to failed.
	mock.ExpectExec(`UPDATE notification_outbox`).
		WithArgs("obx_1", 5, "token rejected").
		WillReturnResult(sqlmock.NewResult(0, 1))

	adapter := &fakeAdapter{name: AdapterPush, err: errors.New("token rejected")}
	w := NewWorker(NewOutboxStore(db), NewStore(db), []Adapter{adapter}, WorkerConfig{}, nil)

	w.Pass(context.Background())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerPassOrphanedRowFailsRow(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE notification_outbox SET next_attempt_at .* RETURNING`).
		WithArgs(AdapterWebSocket, 25).
		WillReturnRows(sqlmock.NewRows(outboxColumns()).
			AddRow("obx_1", "ntf_gone", AdapterWebSocket, OutboxPending, 0, now, nil, now, nil))
	mock.ExpectQuery(`SELECT .* FROM notifications`).
		WithArgs("ntf_gone").
		WillReturnRows(sqlmock.NewRows(notificationColumns()))
	mock.ExpectExec(`UPDATE notification_outbox`).
		WithArgs("obx_1", 1, "60 seconds", "notification ntf_gone missing").
		WillReturnResult(sqlmock.NewResult(0, 1))

	adapter := &fakeAdapter{name: AdapterWebSocket}
	w := NewWorker(NewOutboxStore(db), NewStore(db), []Adapter{adapter}, WorkerConfig{}, nil)

	w.Pass(context.Background())

	assert.Empty(t, adapter.delivered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchDueClaimsRowsInOneStatement(t *testing.T) {
	// The fetch must lock and lease in a single UPDATE: a bare SELECT ...
	// FOR UPDATE on the pool releases its locks the moment the statement
	// returns, letting a second worker claim the same rows.
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE notification_outbox SET next_attempt_at = now\(\) \+ interval '60 seconds' WHERE id IN .*FOR UPDATE SKIP LOCKED.* RETURNING`).
		WithArgs(AdapterWebSocket, 25).
		WillReturnRows(sqlmock.NewRows(outboxColumns()).
			AddRow("obx_1", "ntf_1", AdapterWebSocket, OutboxPending, 0, now.Add(time.Minute), nil, now, nil))

	rows, err := NewOutboxStore(db).FetchDue(context.Background(), AdapterWebSocket, 25)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "obx_1", rows[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebSocketAdapterNoConnectionsIsRetryable(t *testing.T) {
	pusher := &stubPusher{delivered: 0, connections: 0}
	adapter := NewWebSocketAdapter(pusher)

	err := adapter.Deliver(context.Background(), &Notification{ID: "ntf_1", RecipientID: "usr_r"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active connections")
}

func TestWebSocketAdapterDeliversFrame(t *testing.T) {
	pusher := &stubPusher{delivered: 1, connections: 2}
	adapter := NewWebSocketAdapter(pusher)

	err := adapter.Deliver(context.Background(), &Notification{ID: "ntf_1", RecipientID: "usr_r", NotificationType: TypeReply})
	require.NoError(t, err)
	require.Len(t, pusher.frames, 1)
	assert.Equal(t, "ntf_1", pusher.frames[0].NotificationID)
}
