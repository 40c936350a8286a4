package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS bank_state (
		id                  SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		total_value_locked  NUMERIC NOT NULL,
		deposit_count       BIGINT NOT NULL,
		withdrawal_count    BIGINT NOT NULL,
		withdrawal_limit    NUMERIC NOT NULL,
		capacity_limit      NUMERIC NOT NULL,
		paused              BOOLEAN NOT NULL,
		super_admin         TEXT NOT NULL,
		pending_super_admin TEXT,
		last_sequence       BIGINT NOT NULL,
		taken_at            TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bank_assets (
		asset         TEXT PRIMARY KEY,
		position      INTEGER NOT NULL,
		decimals      SMALLINT NOT NULL,
		price_source  TEXT NOT NULL,
		supported     BOOLEAN NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bank_balances (
		account              TEXT NOT NULL,
		asset                TEXT NOT NULL,
		amount               NUMERIC NOT NULL,
		cumulative_deposited NUMERIC NOT NULL,
		cumulative_withdrawn NUMERIC NOT NULL,
		PRIMARY KEY (account, asset)
	)`,
	`CREATE TABLE IF NOT EXISTS bank_holdings (
		asset  TEXT PRIMARY KEY,
		amount NUMERIC NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bank_roles (
		role    TEXT PRIMARY KEY,
		members TEXT[] NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bank_events (
		sequence    BIGINT PRIMARY KEY,
		id          UUID NOT NULL,
		type        TEXT NOT NULL,
		request_id  TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL,
		fields      JSONB NOT NULL
	)`,
}

// Apply creates the bank schema. Statements are idempotent.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
