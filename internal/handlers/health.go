package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/assertly/backend/internal/jobs"
)

// HandleHealth is the liveness probe: process up, stores reachable.
func HandleHealth(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		postgres := "connected"
		status := http.StatusOK
		if err := db.PingContext(ctx); err != nil {
			postgres = "error"
			status = http.StatusServiceUnavailable
		}

		respondJSON(w, status, map[string]string{
			"status":   "healthy",
			"service":  "assertly-api",
			"postgres": postgres,
		})
	}
}

// HandleJobHealth reports the per-job health summary. When the gate flag
// is off the route answers 404 as if it did not exist.
func HandleJobHealth(store *jobs.Store, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !enabled {
			http.NotFound(w, r)
			return
		}

		summary, err := store.HealthSummary(r.Context())
		if err != nil {
			writeError(w, r, "jobHealth", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"jobs":  summary,
			"count": len(summary),
		})
	}
}
