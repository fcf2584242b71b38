package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool and verifies the database is reachable.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the application tables if they do not exist. Idempotent;
// run at startup before serving traffic.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			daily_cap BIGINT,
			referred_by UUID REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS credit_ledger (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			request_id TEXT NOT NULL UNIQUE,
			action TEXT NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_ledger_user_created
			ON credit_ledger (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_ledger_stale
			ON credit_ledger (created_at) WHERE status = 'reserved'`,
		`CREATE TABLE IF NOT EXISTS referral_signups (
			referrer_id UUID NOT NULL REFERENCES users(id),
			referred_id UUID NOT NULL REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (referrer_id, referred_id)
		)`,
		`CREATE TABLE IF NOT EXISTS generations (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			request_id TEXT NOT NULL UNIQUE,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			cost BIGINT NOT NULL,
			input_payload JSONB NOT NULL,
			output_payload JSONB,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_user_created
			ON generations (user_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
