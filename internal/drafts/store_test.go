package drafts

import (
	"context"
	"testing"

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

func TestDeleteMissingDraftIsNotAnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM composer_drafts`).
		WithArgs("usr_a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Delete(context.Background(), "usr_a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupExpiredReturnsRowCount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM composer_drafts`).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := store.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}
