package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/assertly/backend/internal/apperrors"
	"github.com/assertly/backend/internal/graph"
	"github.com/assertly/backend/internal/publish"
)

// HandleRevisionHistory returns the full revision chain of an assertion,
// tombstones included. The chain is the author's editing record, so only
// the author (or an admin) may read it.
func HandleRevisionHistory(store *graph.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		v := viewer(r)

		history, err := store.GetRevisionHistory(r.Context(), id)
		if err != nil {
			writeError(w, r, "history", err)
			return
		}
		if len(history) == 0 {
			writeError(w, r, "history", apperrors.NotFound("assertion not found"))
			return
		}

		if !canViewHistory(v.ID, v.Role, history) {
			writeError(w, r, "history", apperrors.Forbidden("only the author may view revision history"))
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"history": history,
			"count":   len(history),
		})
	}
}

func canViewHistory(viewerID, role string, history []graph.Node) bool {
	if role == publish.RoleAdmin || role == publish.RoleSuperAdmin {
		return true
	}
	for _, n := range history {
		if n.AuthorID == viewerID {
			return true
		}
	}
	return false
}

// HandleDeleteAssertion soft-deletes by writing a tombstone. Deleting an
// already-deleted assertion succeeds idempotently.
func HandleDeleteAssertion(store *graph.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		v := viewer(r)

		res, err := store.DeleteAssertion(r.Context(), id, v.ID)
		if err != nil {
			writeError(w, r, "delete", err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success":        true,
			"tombstoneId":    res.TombstoneID,
			"alreadyDeleted": res.AlreadyDeleted,
		})
	}
}
