package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/assertly/backend/internal/apperrors"
	"github.com/assertly/backend/internal/graph"
	"github.com/assertly/backend/internal/notifications"
)

type reactionRequest struct {
	AssertionID  string `json:"assertionId"`
	ReactionType string `json:"reactionType"`
}

func decodeReaction(r *http.Request) (reactionRequest, error) {
	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, apperrors.Validation("invalid request body")
	}
	if req.AssertionID == "" {
		return req, apperrors.Validation("assertionId is required")
	}
	if !graph.ValidReactionType(req.ReactionType) {
		return req, apperrors.Validation("unknown reaction type")
	}
	return req, nil
}

// HandleAddReaction records a reaction edge and derives the notification.
func HandleAddReaction(store *graph.Store, notifier *notifications.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeReaction(r)
		if err != nil {
			writeError(w, r, "addReaction", err)
			return
		}

		v := viewer(r)
		if err := store.AddReaction(r.Context(), v.ID, req.AssertionID, req.ReactionType); err != nil {
			writeError(w, r, "addReaction", err)
			return
		}

		if notifier != nil {
			go notifier.NotifyReaction(context.WithoutCancel(r.Context()), v.ID, req.AssertionID, req.ReactionType)
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"action":  "added",
		})
	}
}

// HandleRemoveReaction deletes a reaction edge if present.
func HandleRemoveReaction(store *graph.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeReaction(r)
		if err != nil {
			writeError(w, r, "removeReaction", err)
			return
		}

		removed, err := store.RemoveReaction(r.Context(), viewer(r).ID, req.AssertionID, req.ReactionType)
		if err != nil {
			writeError(w, r, "removeReaction", err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"removed": removed,
		})
	}
}

// HandleGetReactions returns counts plus the viewer's own reactions.
func HandleGetReactions(store *graph.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assertionID := mux.Vars(r)["assertionId"]
		if assertionID == "" {
			writeError(w, r, "getReactions", apperrors.Validation("assertionId is required"))
			return
		}

		counts, err := store.GetReactionsForAssertion(r.Context(), assertionID, viewer(r).ID)
		if err != nil {
			writeError(w, r, "getReactions", err)
			return
		}
		respondJSON(w, http.StatusOK, counts)
	}
}
