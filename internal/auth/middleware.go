package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/assertly/backend/internal/apperrors"
)

type contextKey string

const viewerKey contextKey = "viewer"

// ViewerFrom returns the authenticated viewer stored on the context.
func ViewerFrom(ctx context.Context) (*Viewer, bool) {
	v, ok := ctx.Value(viewerKey).(*Viewer)
	return v, ok
}

// WithViewer stores a viewer on the context. Exposed for handler tests.
func WithViewer(ctx context.Context, v *Viewer) context.Context {
	return context.WithValue(ctx, viewerKey, v)
}

// Middleware authenticates requests. Outside production, the
// X-Test-User-Id header bypasses session lookup so integration tests can
// impersonate users without minting sessions.
type Middleware struct {
	sessions *Sessions
	env      string
}

func NewMiddleware(sessions *Sessions, env string) *Middleware {
	return &Middleware{sessions: sessions, env: env}
}

// Require wraps a handler and rejects unauthenticated requests with 401.
func (m *Middleware) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := m.resolve(r)
		if err != nil {
			apperrors.WriteError(w, err)
			return
		}
		next(w, r.WithContext(WithViewer(r.Context(), v)))
	}
}

func (m *Middleware) resolve(r *http.Request) (*Viewer, error) {
	if m.env != "production" {
		if userID := r.Header.Get("X-Test-User-Id"); userID != "" {
			role := r.Header.Get("X-Test-User-Role")
			if role == "" {
				role = "user"
			}
			return &Viewer{ID: userID, Role: role}, nil
		}
	}

	token := bearerToken(r)
	return m.sessions.Resolve(r.Context(), token)
}

// UserFromRequest authenticates a WebSocket upgrade request. The browser
// WebSocket API cannot set headers, so a token query parameter is accepted
// alongside the Authorization header.
func (m *Middleware) UserFromRequest(ctx context.Context, r *http.Request) (string, error) {
	if m.env != "production" {
		if userID := r.Header.Get("X-Test-User-Id"); userID != "" {
			return userID, nil
		}
		if userID := r.URL.Query().Get("testUserId"); userID != "" {
			return userID, nil
		}
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	v, err := m.sessions.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	return v.ID, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
