package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/assertly/backend/internal/apperrors"
	"github.com/assertly/backend/internal/notifications"
)

// HandleListNotifications returns the viewer's newest notifications.
// Targets deleted since derivation still appear; clients resolve and
// tolerate the dangle.
func HandleListNotifications(store *notifications.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}

		rows, err := store.ListForRecipient(r.Context(), viewer(r).ID, limit)
		if err != nil {
			writeError(w, r, "listNotifications", err)
			return
		}

		payloads := make([]map[string]interface{}, 0, len(rows))
		for i := range rows {
			n := &rows[i]
			payloads = append(payloads, map[string]interface{}{
				"id":        n.ID,
				"read":      n.Read,
				"createdAt": n.CreatedAt,
				"payload":   n.ToPayload(),
			})
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"notifications": payloads,
			"count":         len(payloads),
		})
	}
}

// HandleMarkNotificationRead flags one of the viewer's notifications read.
func HandleMarkNotificationRead(store *notifications.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		updated, err := store.MarkRead(r.Context(), id, viewer(r).ID)
		if err != nil {
			writeError(w, r, "markNotificationRead", err)
			return
		}
		if !updated {
			writeError(w, r, "markNotificationRead", apperrors.NotFound("notification not found or already read"))
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}
