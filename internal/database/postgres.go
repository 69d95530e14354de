// Package database provides the PostgreSQL pool and the repository
// implementations behind the domain ports.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// migrationLockID is a PostgreSQL advisory lock ID for coordinating
	// schema setup across replicas. Value: 0x747762726467 ("twbrdg").
	migrationLockID             = 0x747762726467
	migrationLockReleaseTimeout = 5 * time.Second
)

func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolCfg.ConnConfig.Tracer = &MetricsTracer{}

	slog.Info("Database SSL mode", "sslmode", extractSSLMode(databaseURL))

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connected", "min_conns", poolCfg.MinConns, "max_conns", poolCfg.MaxConns)
	return pool, nil
}

func extractSSLMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "unknown"
	}
	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "" {
		return "prefer (default)"
	}
	return mode
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS service_accounts (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name TEXT UNIQUE NOT NULL,
		secret_hash TEXT NOT NULL,
		webhook_secret TEXT NOT NULL DEFAULT '',
		bot_allowlist UUID[] NOT NULL DEFAULT '{}',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS bot_accounts (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		twitch_user_id TEXT UNIQUE NOT NULL,
		login TEXT NOT NULL,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		token_expiry TIMESTAMPTZ NOT NULL,
		scopes TEXT[] NOT NULL DEFAULT '{}',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS interests (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		service_id UUID NOT NULL REFERENCES service_accounts(id) ON DELETE CASCADE,
		bot_account_id UUID NOT NULL REFERENCES bot_accounts(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		broadcaster_user_id TEXT NOT NULL,
		transport TEXT NOT NULL,
		webhook_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (service_id, bot_account_id, event_type, broadcaster_user_id, transport, webhook_url)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interests_key ON interests (bot_account_id, event_type, broadcaster_user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_interests_updated_at ON interests (updated_at)`,
	`CREATE TABLE IF NOT EXISTS upstream_subscriptions (
		id TEXT PRIMARY KEY,
		bot_account_id UUID NOT NULL REFERENCES bot_accounts(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		broadcaster_user_id TEXT NOT NULL,
		transport TEXT NOT NULL,
		status TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		cost INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_upstream_active_key
		ON upstream_subscriptions (bot_account_id, event_type, broadcaster_user_id)
		WHERE status IN ('enabled', 'pending')`,
	`CREATE TABLE IF NOT EXISTS channel_states (
		bot_account_id UUID NOT NULL REFERENCES bot_accounts(id) ON DELETE CASCADE,
		broadcaster_user_id TEXT NOT NULL,
		live BOOLEAN NOT NULL DEFAULT FALSE,
		started_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (bot_account_id, broadcaster_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS service_counters (
		service_id UUID PRIMARY KEY REFERENCES service_accounts(id) ON DELETE CASCADE,
		delivered BIGINT NOT NULL DEFAULT 0,
		webhook_failures BIGINT NOT NULL DEFAULT 0,
		last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// RunMigrationsWithLock applies the idempotent schema under an advisory
// lock so concurrent replicas do not race each other at startup.
func RunMigrationsWithLock(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	cancel, err := migrationLock(ctx, conn.Conn(), migrationLockReleaseTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	slog.Info("running database migrations")
	for _, stmt := range schemaStatements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func migrationLock(ctx context.Context, conn *pgx.Conn, releaseTimeout time.Duration) (cancel func(), err error) {
	cancel = func() { /* EMPTY */ }

	if _, err = conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		err = fmt.Errorf("failed to acquire migration lock: %w", err)
		return
	}

	cancel = func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			slog.Error("failed to release migration lock", "error", err)
		}
	}
	return
}
