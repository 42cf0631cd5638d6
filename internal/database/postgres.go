// Package database opens the Postgres pool and applies embedded
// migrations on boot.
package database

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Connect opens the pool, waits for the database with exponential backoff,
// and runs pending migrations.
func Connect(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	if err := backoff.Retry(func() error {
		if perr := db.PingContext(ctx); perr != nil {
			slog.Warn("postgres not ready, retrying", "error", perr)
			return perr
		}
		return nil
	}, policy); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("postgres connected and migrated")
	return db, nil
}

func migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
