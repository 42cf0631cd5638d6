// Package handlers is the HTTP boundary: request decoding, viewer
// extraction, and the projection of typed errors onto responses.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/assertly/backend/internal/apperrors"
	"github.com/assertly/backend/internal/auth"
)

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError logs unexpected failures with operation context before the
// generic 500 masks them.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if apperrors.StatusOf(err) >= 500 {
		userID := ""
		if v, ok := auth.ViewerFrom(r.Context()); ok {
			userID = v.ID
		}
		slog.Error("request failed", "operation", op, "path", r.URL.Path, "userId", userID, "error", err)
	}
	apperrors.WriteError(w, err)
}

func viewer(r *http.Request) *auth.Viewer {
	v, _ := auth.ViewerFrom(r.Context())
	return v
}

// CORSMiddleware answers preflights and stamps the allowed origin.
func CORSMiddleware(frontendOrigin string) func(http.Handler) http.Handler {
	origin := frontendOrigin
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Test-User-Id")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
