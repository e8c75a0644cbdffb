// Package postgres owns the database handle and the schema the service is
// allowed to create. Callers receive a pooled *sql.DB and never reason about
// connection lifecycle.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the tables this service owns: the activation ledger
// and the append-only usage log. The license table is deliberately absent —
// it belongs to the provisioning system, and its absence is detected at
// lookup time rather than papered over here.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS activation (
			id               BIGSERIAL PRIMARY KEY,
			license_key_hash TEXT        NOT NULL,
			device_id        TEXT        NOT NULL,
			token            TEXT        NOT NULL,
			fingerprint      JSONB,
			activated_at     TIMESTAMPTZ NOT NULL,
			expires_at       TIMESTAMPTZ NOT NULL,
			UNIQUE (license_key_hash, device_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activation_token ON activation (token, device_id)`,
		`CREATE TABLE IF NOT EXISTS usage_event (
			id               BIGSERIAL PRIMARY KEY,
			ts               TIMESTAMPTZ NOT NULL,
			license_key_hash TEXT        NOT NULL,
			device_id        TEXT        NOT NULL DEFAULT '',
			event            TEXT        NOT NULL,
			meta             JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_event_ts ON usage_event (ts)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_event_key ON usage_event (license_key_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_event_device ON usage_event (device_id)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
