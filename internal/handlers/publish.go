package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/assertly/backend/internal/cso"
	"github.com/assertly/backend/internal/graph"
	"github.com/assertly/backend/internal/publish"

	"github.com/assertly/backend/internal/apperrors"
)

type publishRequest struct {
	CSO            cso.Draft `json:"cso"`
	ClientID       string    `json:"clientId,omitempty"`
	ClearDraft     bool      `json:"clearDraft,omitempty"`
	SupersedesID   string    `json:"supersedesId,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// HandlePublish creates or revises an assertion. 201 on a fresh write,
// 200 with replayed:true when the idempotency layer answered.
func HandlePublish(orchestrator *publish.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, "publish", apperrors.Validation("invalid request body"))
			return
		}

		v := viewer(r)
		gv := graph.Viewer{ID: v.ID, Handle: v.Handle, DisplayName: v.DisplayName, Role: v.Role}

		res, err := orchestrator.Publish(r.Context(), gv, publish.Input{
			Draft:          req.CSO,
			IdempotencyKey: req.IdempotencyKey,
			SupersedesID:   req.SupersedesID,
			ClearDraft:     req.ClearDraft,
		})
		if err != nil {
			writeError(w, r, "publish", err)
			return
		}

		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
		}
		respondJSON(w, status, res)
	}
}
