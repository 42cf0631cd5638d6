package handlers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/assertly/backend/internal/apperrors"
	"github.com/assertly/backend/internal/feed"
	"github.com/assertly/backend/internal/graph"
)

// encodeCursor packs a keyset position. Opaque to clients.
func encodeCursor(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return createdAt, parts[1], nil
}

// HomeReader loads the home feed slice.
type HomeReader interface {
	ReadHomeGraph(ctx context.Context, q graph.HomeQuery) (*graph.Slice, error)
}

// HandleHomeFeed serves the paginated home feed.
func HandleHomeFeed(store HomeReader, projector *feed.Projector, pageSize int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := graph.HomeQuery{Limit: pageSize}
		if cursor := r.URL.Query().Get("cursor"); cursor != "" {
			createdAt, id, err := decodeCursor(cursor)
			if err != nil {
				writeError(w, r, "home", apperrors.Validation("invalid cursor"))
				return
			}
			q.CursorCreatedAt = &createdAt
			q.CursorID = id
		}

		slice, err := store.ReadHomeGraph(r.Context(), q)
		if err != nil {
			writeError(w, r, "home", err)
			return
		}

		items, err := projector.AssembleHome(slice, viewer(r).ID)
		if err != nil {
			writeError(w, r, "home", err)
			return
		}

		// The cursor advances over the fetched root page, not the projected
		// items: projection may filter roots out, and a short projected page
		// must not end pagination while the store still has older roots.
		resp := map[string]interface{}{"items": items}
		if slice.Page.Fetched == pageSize && slice.Page.Fetched > 0 {
			resp["nextCursor"] = encodeCursor(slice.Page.LastCreatedAt, slice.Page.LastID)
		}
		respondJSON(w, http.StatusOK, resp)
	}
}

// HandleThread serves one thread rooted at the path id.
func HandleThread(store *graph.Store, projector *feed.Projector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rootID := mux.Vars(r)["id"]

		slice, err := store.ReadThreadGraph(r.Context(), rootID)
		if err != nil {
			writeError(w, r, "thread", err)
			return
		}

		thread, err := projector.AssembleThread(slice, rootID, viewer(r).ID)
		if err != nil {
			writeError(w, r, "thread", err)
			return
		}
		respondJSON(w, http.StatusOK, thread)
	}
}

// HandleProfile serves a user's head assertions.
func HandleProfile(store *graph.Store, projector *feed.Projector, pageSize int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID := mux.Vars(r)["userId"]

		slice, err := store.ReadProfileGraph(r.Context(), targetID, pageSize)
		if err != nil {
			writeError(w, r, "profile", err)
			return
		}

		items := projector.AssembleProfile(slice, targetID, viewer(r).ID)
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"items": items,
			"count": len(items),
		})
	}
}
