package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assertly/backend/internal/auth"
	"github.com/assertly/backend/internal/feed"
	"github.com/assertly/backend/internal/graph"
	"github.com/assertly/backend/internal/jobs"
	"github.com/assertly/backend/internal/notifications"
)

func authed(req *http.Request, userID, role string) *http.Request {
	return req.WithContext(auth.WithViewer(req.Context(), &auth.Viewer{ID: userID, Role: role}))
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestCursorRoundTrip(t *testing.T) {
	createdAt := time.Date(2026, 5, 2, 9, 30, 0, 123456789, time.UTC)
	cursor := encodeCursor(createdAt, "asr_1")

	gotTime, gotID, err := decodeCursor(cursor)
	require.NoError(t, err)
	assert.True(t, createdAt.Equal(gotTime))
	assert.Equal(t, "asr_1", gotID)
}

func TestCursorRejectsGarbage(t *testing.T) {
	_, _, err := decodeCursor("not-base64!!")
	assert.Error(t, err)

	_, _, err = decodeCursor("bm8tc2VwYXJhdG9y") // "no-separator"
	assert.Error(t, err)
}

type fakeHomeReader struct {
	got   graph.HomeQuery
	slice *graph.Slice
}

func (f *fakeHomeReader) ReadHomeGraph(_ context.Context, q graph.HomeQuery) (*graph.Slice, error) {
	f.got = q
	return f.slice, nil
}

func TestHomeFeedPassesCursorToStore(t *testing.T) {
	createdAt := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	reader := &fakeHomeReader{slice: &graph.Slice{}}
	handler := HandleHomeFeed(reader, feed.New(feed.EnvTest, nil), 30)

	req := authed(httptest.NewRequest(http.MethodGet,
		"/home?cursor="+encodeCursor(createdAt, "asr_last"), nil), "usr_a", "user")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, reader.got.CursorCreatedAt)
	assert.True(t, createdAt.Equal(*reader.got.CursorCreatedAt))
	assert.Equal(t, "asr_last", reader.got.CursorID)
	assert.Equal(t, 30, reader.got.Limit)
}

func TestHomeFeedCursorSurvivesFilteredPage(t *testing.T) {
	// A full fetched page must emit a cursor even when projection hides some
	// of its roots, otherwise pagination ends with older roots unread.
	t0 := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	visible := graph.Node{ID: "asr_a", AssertionType: "moment", Visibility: "public", AuthorID: "usr_b", CreatedAt: t0}
	hidden := graph.Node{ID: "asr_b", AssertionType: "moment", Visibility: "private", AuthorID: "usr_b", CreatedAt: t0.Add(-time.Minute)}

	reader := &fakeHomeReader{slice: &graph.Slice{
		Nodes: []graph.Node{visible, hidden},
		Page:  graph.PageInfo{Fetched: 2, LastCreatedAt: hidden.CreatedAt, LastID: hidden.ID},
	}}
	handler := HandleHomeFeed(reader, feed.New(feed.EnvTest, nil), 2)

	req := authed(httptest.NewRequest(http.MethodGet, "/home", nil), "usr_a", "user")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items      []feed.Item `json:"items"`
		NextCursor string      `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "asr_a", resp.Items[0].ID)
	assert.Equal(t, encodeCursor(hidden.CreatedAt, hidden.ID), resp.NextCursor)
}

func TestHomeFeedShortPageEndsPagination(t *testing.T) {
	t0 := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	only := graph.Node{ID: "asr_a", AssertionType: "moment", Visibility: "public", AuthorID: "usr_b", CreatedAt: t0}
	reader := &fakeHomeReader{slice: &graph.Slice{
		Nodes: []graph.Node{only},
		Page:  graph.PageInfo{Fetched: 1, LastCreatedAt: only.CreatedAt, LastID: only.ID},
	}}
	handler := HandleHomeFeed(reader, feed.New(feed.EnvTest, nil), 2)

	req := authed(httptest.NewRequest(http.MethodGet, "/home", nil), "usr_a", "user")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "nextCursor")
}

func TestJobHealthGateOff(t *testing.T) {
	handler := HandleJobHealth(nil, false)

	req := authed(httptest.NewRequest(http.MethodGet, "/health/jobs", nil), "usr_a", "user")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHealthGateOn(t *testing.T) {
	db, mock := newMockDB(t)
	recent := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`SELECT DISTINCT job_name`).
		WillReturnRows(sqlmock.NewRows([]string{"job_name"}).AddRow("draft-cleanup"))
	mock.ExpectQuery(`SELECT finished_at, items_processed`).
		WillReturnRows(sqlmock.NewRows([]string{"finished_at", "items_processed"}).AddRow(recent, 3))
	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	handler := HandleJobHealth(jobs.NewStore(db), true)
	req := authed(httptest.NewRequest(http.MethodGet, "/health/jobs", nil), "usr_a", "user")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAddReactionRejectsUnknownType(t *testing.T) {
	handler := HandleAddReaction(nil, nil)

	body := strings.NewReader(`{"assertionId":"asr_1","reactionType":"sparkle"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/reactions", body), "usr_a", "user")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown reaction type")
}

func TestAddReactionRejectsMissingAssertionID(t *testing.T) {
	handler := HandleAddReaction(nil, nil)

	body := strings.NewReader(`{"reactionType":"like"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/reactions", body), "usr_a", "user")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryPermission(t *testing.T) {
	chain := []graph.Node{
		{ID: "asr_1", AuthorID: "usr_a"},
		{ID: "asr_2", AuthorID: "usr_a", SupersedesID: "asr_1"},
	}

	assert.True(t, canViewHistory("usr_a", "user", chain))
	assert.False(t, canViewHistory("usr_b", "user", chain))
	assert.True(t, canViewHistory("usr_b", "admin", chain))
	assert.True(t, canViewHistory("usr_b", "super_admin", chain))
}

func TestListNotifications(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "recipient_id", "actor_id", "assertion_id", "notification_type", "reaction_type", "read", "created_at", "read_at"}).
		AddRow("ntf_1", "usr_a", "usr_b", "asr_1", "reply", nil, false, now, nil)
	mock.ExpectQuery(`SELECT .* FROM notifications`).
		WithArgs("usr_a", 50).
		WillReturnRows(rows)

	handler := HandleListNotifications(notifications.NewStore(db))
	req := authed(httptest.NewRequest(http.MethodGet, "/notifications", nil), "usr_a", "user")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ntf_1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotificationReadMissingIs404(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`UPDATE notifications`).
		WithArgs("ntf_ghost", "usr_a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	router := mux.NewRouter()
	router.HandleFunc("/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		HandleMarkNotificationRead(notifications.NewStore(db))(w, authed(r, "usr_a", "user"))
	}).Methods("POST")

	req := httptest.NewRequest(http.MethodPost, "/notifications/ntf_ghost/read", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	mw := CORSMiddleware("https://app.assertly.dev")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/publish", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.assertly.dev", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
