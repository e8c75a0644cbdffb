// Package registry implements read-only stores over the provisioned license
// table. The table is seeded by the provisioning system; this service never
// creates or mutates it.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"keygate/internal/license/models"
	"keygate/pkg/platform/sentinel"
)

// undefinedTable is the Postgres error code raised when the license table has
// not been provisioned yet. It maps to ErrUninitialized, not ErrNotFound.
const undefinedTable = "42P01"

// PostgresStore reads provisioned licenses from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed license registry.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Lookup(ctx context.Context, keyHash string) (*models.License, error) {
	var lic models.License
	err := s.db.QueryRowContext(ctx,
		`SELECT license_key_hash, status, max_devices FROM license WHERE license_key_hash = $1`,
		keyHash,
	).Scan(&lic.KeyHash, &lic.Status, &lic.MaxDevices)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, classify(err, "lookup license")
	}
	return &lic, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.License, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT license_key_hash, status, max_devices FROM license ORDER BY license_key_hash`)
	if err != nil {
		return nil, classify(err, "list licenses")
	}
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		var lic models.License
		if err := rows.Scan(&lic.KeyHash, &lic.Status, &lic.MaxDevices); err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, &lic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate licenses: %w", err)
	}
	return licenses, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM license`).Scan(&count); err != nil {
		return 0, classify(err, "count licenses")
	}
	return count, nil
}

// classify wraps store errors, folding a missing license table into
// ErrUninitialized so callers can report a configuration problem instead of a
// spurious "license not found".
func classify(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == undefinedTable {
		return fmt.Errorf("%s: %w", op, sentinel.ErrUninitialized)
	}
	return fmt.Errorf("%s: %w", op, err)
}
