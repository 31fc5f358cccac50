package database

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		token             TEXT PRIMARY KEY,
		order_id          TEXT,
		payment_state     TEXT NOT NULL DEFAULT 'unpaid',
		credits_remaining INTEGER NOT NULL DEFAULT 0 CHECK (credits_remaining >= 0),
		credits_consumed  INTEGER NOT NULL DEFAULT 0 CHECK (credits_consumed >= 0),
		free_trial_used   BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at        TIMESTAMPTZ NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_expires_at_idx ON sessions (expires_at)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                   TEXT PRIMARY KEY,
		status               TEXT NOT NULL DEFAULT 'pending',
		linked_session_token TEXT UNIQUE,
		invoice_id           TEXT,
		checkout_url         TEXT,
		price_amount         DOUBLE PRECISION NOT NULL,
		price_currency       TEXT NOT NULL,
		provider_status      TEXT,
		payment_id           TEXT,
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL,
		confirmed_at         TIMESTAMPTZ,
		CHECK ((status = 'confirmed') = (linked_session_token IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS orders_created_at_idx ON orders (created_at)`,
}

// EnsureSchema creates the sessions and orders tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
