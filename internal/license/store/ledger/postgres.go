// Package ledger implements the activation ledger: the one table this service
// writes under contention. Admission control (count devices, then upsert) runs
// as a single serialized step per license so concurrent activations can never
// jointly exceed the device ceiling.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"keygate/internal/license/models"
	"keygate/pkg/platform/sentinel"
)

// PostgresStore persists activations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed activation ledger.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Admit runs the count-then-upsert sequence inside one transaction holding a
// transaction-scoped advisory lock keyed on the license hash. The lock
// serializes admissions per license, closing the check-then-act race where two
// new devices both observe count < max before either commits. Row locks alone
// would not help: the race is on rows that do not exist yet.
func (s *PostgresStore) Admit(ctx context.Context, act *models.Activation, maxDevices int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin admit tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, act.KeyHash); err != nil {
		return fmt.Errorf("acquire license lock: %w", err)
	}

	var devices int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT device_id) FROM activation WHERE license_key_hash = $1`,
		act.KeyHash,
	).Scan(&devices); err != nil {
		return fmt.Errorf("count activated devices: %w", err)
	}

	if devices >= maxDevices {
		var present bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM activation WHERE license_key_hash = $1 AND device_id = $2)`,
			act.KeyHash, act.DeviceID,
		).Scan(&present); err != nil {
			return fmt.Errorf("check device slot: %w", err)
		}
		// re-activating an already-slotted device never consumes a new slot
		if !present {
			return sentinel.ErrConflict
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO activation (license_key_hash, device_id, token, fingerprint, activated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (license_key_hash, device_id) DO UPDATE SET
			token        = EXCLUDED.token,
			fingerprint  = EXCLUDED.fingerprint,
			activated_at = EXCLUDED.activated_at,
			expires_at   = EXCLUDED.expires_at
	`, act.KeyHash, act.DeviceID, act.Token, nullableJSON(act.Fingerprint), act.ActivatedAt, act.ExpiresAt); err != nil {
		return fmt.Errorf("upsert activation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit admit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByToken(ctx context.Context, token, deviceID string) (*models.Activation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT license_key_hash, device_id, token, COALESCE(fingerprint, 'null'::jsonb), activated_at, expires_at
		FROM activation
		WHERE token = $1 AND device_id = $2
	`, token, deviceID)
	return scanActivation(row)
}

func (s *PostgresStore) Renew(ctx context.Context, token, deviceID string, expiresAt time.Time) (*models.Activation, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE activation SET expires_at = $3
		WHERE token = $1 AND device_id = $2
		RETURNING license_key_hash, device_id, token, COALESCE(fingerprint, 'null'::jsonb), activated_at, expires_at
	`, token, deviceID, expiresAt)
	return scanActivation(row)
}

func (s *PostgresStore) CountDevices(ctx context.Context, keyHash string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT device_id) FROM activation WHERE license_key_hash = $1`,
		keyHash,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*models.Activation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT license_key_hash, device_id, token, COALESCE(fingerprint, 'null'::jsonb), activated_at, expires_at
		FROM activation
		ORDER BY activated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var acts []*models.Activation
	for rows.Next() {
		act, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		acts = append(acts, act)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activations: %w", err)
	}
	return acts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivation(row rowScanner) (*models.Activation, error) {
	var act models.Activation
	err := row.Scan(&act.KeyHash, &act.DeviceID, &act.Token, &act.Fingerprint, &act.ActivatedAt, &act.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan activation: %w", err)
	}
	return &act, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
