// Package auth resolves opaque bearer tokens to viewers. Sessions live in
// Postgres; a short-TTL Redis cache absorbs the per-request lookups.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/assertly/backend/internal/apperrors"
)

// cacheTTL bounds how stale a cached session can be. Session revocation
// takes effect within this window.
const cacheTTL = 60 * time.Second

// Viewer is the authenticated caller.
type Viewer struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// SessionCache is the read-through cache in front of Postgres. Satisfied
// by RedisCache; nil disables caching.
type SessionCache interface {
	Get(ctx context.Context, token string) (*Viewer, bool)
	Set(ctx context.Context, token string, v *Viewer)
}

// RedisCache caches sessions in Redis with the fixed TTL. Failures
// degrade to cache misses.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		logger: slog.Default().With("component", "auth-cache"),
	}
}

func (c *RedisCache) key(token string) string { return "session:" + token }

func (c *RedisCache) Get(ctx context.Context, token string) (*Viewer, bool) {
	data, err := c.client.Get(ctx, c.key(token)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("session cache read failed", "error", err)
		}
		return nil, false
	}
	var v Viewer
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return &v, true
}

func (c *RedisCache) Set(ctx context.Context, token string, v *Viewer) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(token), data, cacheTTL).Err(); err != nil {
		c.logger.Warn("session cache write failed", "error", err)
	}
}

// Sessions resolves tokens against the session table.
type Sessions struct {
	db    *sqlx.DB
	cache SessionCache
}

func NewSessions(db *sqlx.DB, cache SessionCache) *Sessions {
	return &Sessions{db: db, cache: cache}
}

type sessionRow struct {
	UserID      string         `db:"user_id"`
	Handle      sql.NullString `db:"handle"`
	DisplayName sql.NullString `db:"display_name"`
	Role        sql.NullString `db:"role"`
	ExpiresAt   time.Time      `db:"expires_at"`
}

// Resolve maps a bearer token to its viewer. Unknown or expired tokens
// yield Unauthorized.
func (s *Sessions) Resolve(ctx context.Context, token string) (*Viewer, error) {
	if token == "" {
		return nil, apperrors.Unauthorized("missing bearer token")
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, token); ok {
			return v, nil
		}
	}

	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT s.user_id, u.handle, u.display_name, u.role, s.expires_at
		FROM session s
		JOIN app_user u ON u.id = s.user_id
		WHERE s.token = $1 AND s.expires_at > now()`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Unauthorized("invalid or expired session")
	}
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	v := &Viewer{
		ID:          row.UserID,
		Handle:      row.Handle.String,
		DisplayName: row.DisplayName.String,
		Role:        row.Role.String,
	}
	if v.Role == "" {
		v.Role = "user"
	}
	if s.cache != nil {
		s.cache.Set(ctx, token, v)
	}
	return v, nil
}
