package idempotency

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "postgres")), mock
}

type stubConfirmer struct {
	conf *Confirmation
	err  error

	calledWith []string
}

func (s *stubConfirmer) ConfirmAssertion(_ context.Context, assertionID, userID string) (*Confirmation, error) {
	s.calledWith = append(s.calledWith, assertionID+"/"+userID)
	return s.conf, s.err
}

func TestGetByKeyMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM publish_idempotency`).
		WithArgs("K1", "usr_1").
		WillReturnError(sql.ErrNoRows)

	rec, err := store.GetByKey(context.Background(), "K1", "usr_1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePendingOnConflictDoesNothing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO publish_idempotency`).
		WithArgs("K1", "usr_1", "24 hours").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.CreatePending(context.Background(), "K1", "usr_1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteTransitionsPendingOnly(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now().UTC()
	mock.ExpectExec(`UPDATE publish_idempotency`).
		WithArgs("K1", "usr_1", "asr_1", created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Complete(context.Background(), "K1", "usr_1", "asr_1", created))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupExpiredReturnsRowCount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM publish_idempotency`).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestReconcileFreshPendingReturnsNil(t *testing.T) {
	store, _ := newMockStore(t)
	confirmer := &stubConfirmer{conf: &Confirmation{AssertionID: "asr_1"}}

	rec := &Record{
		IdempotencyKey: "K1",
		UserID:         "usr_1",
		Status:         StatusPending,
		CreatedAt:      time.Now().Add(-time.Minute),
		AssertionID:    sql.NullString{String: "asr_1", Valid: true},
	}

	replay, err := store.ReconcilePending(context.Background(), rec, confirmer)
	require.NoError(t, err)
	assert.Nil(t, replay)
	assert.Empty(t, confirmer.calledWith, "fresh pending records never touch the graph")
}

func TestReconcileWithoutAssertionIDReturnsNil(t *testing.T) {
	store, _ := newMockStore(t)
	confirmer := &stubConfirmer{conf: &Confirmation{AssertionID: "asr_1"}}

	rec := &Record{
		IdempotencyKey: "K1",
		UserID:         "usr_1",
		Status:         StatusPending,
		CreatedAt:      time.Now().Add(-10 * time.Minute),
	}

	replay, err := store.ReconcilePending(context.Background(), rec, confirmer)
	require.NoError(t, err)
	assert.Nil(t, replay)
	assert.Empty(t, confirmer.calledWith)
}

func TestReconcileConfirmedTransitionsToComplete(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	confirmer := &stubConfirmer{conf: &Confirmation{AssertionID: "asr_1", CreatedAt: created}}

	mock.ExpectExec(`UPDATE publish_idempotency`).
		WithArgs("K1", "usr_1", "asr_1", created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &Record{
		IdempotencyKey: "K1",
		UserID:         "usr_1",
		Status:         StatusPending,
		CreatedAt:      time.Now().Add(-10 * time.Minute),
		AssertionID:    sql.NullString{String: "asr_1", Valid: true},
	}

	replay, err := store.ReconcilePending(context.Background(), rec, confirmer)
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, "asr_1", replay.AssertionID)
	assert.Equal(t, created, replay.CreatedAt)
	assert.Equal(t, []string{"asr_1/usr_1"}, confirmer.calledWith)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileDeniedNeverCompletes(t *testing.T) {
	store, mock := newMockStore(t)
	confirmer := &stubConfirmer{conf: nil} // graph does not hold the assertion

	rec := &Record{
		IdempotencyKey: "K1",
		UserID:         "usr_1",
		Status:         StatusPending,
		CreatedAt:      time.Now().Add(-10 * time.Minute),
		AssertionID:    sql.NullString{String: "asr_ghost", Valid: true},
	}

	replay, err := store.ReconcilePending(context.Background(), rec, confirmer)
	require.NoError(t, err)
	assert.Nil(t, replay)
	// No UPDATE was ever expected or executed.
	assert.NoError(t, mock.ExpectationsWereMet())
}
