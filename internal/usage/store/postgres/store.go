package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"keygate/internal/usage"
)

// Store persists usage events in PostgreSQL. Inserts are single-row and
// append-only, so no contention discipline is needed beyond insert atomicity.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, event usage.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_event (ts, license_key_hash, device_id, event, meta)
		VALUES ($1, $2, $3, $4, $5)
	`, event.Timestamp, event.KeyHash, event.DeviceID, event.Event, nullableJSON(event.Meta))
	if err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}
	return nil
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]usage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, license_key_hash, device_id, event, COALESCE(meta, 'null'::jsonb)
		FROM usage_event
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var e usage.Event
		if err := rows.Scan(&e.Timestamp, &e.KeyHash, &e.DeviceID, &e.Event, &e.Meta); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage events: %w", err)
	}
	return events, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
