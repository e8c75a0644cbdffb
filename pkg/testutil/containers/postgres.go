//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	platformpg "keygate/internal/platform/postgres"
)

// PostgresContainer wraps a testcontainers Postgres instance with an open
// database handle. The activation and usage schema is applied on startup;
// the license table is left to each suite so uninitialized-registry
// behavior stays testable.
type PostgresContainer struct {
	Container testcontainers.Container
	DB        *sql.DB
	URL       string
}

// NewPostgresContainer starts a new Postgres container and applies the
// service schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("keygate_test"),
		tcpostgres.WithUsername("keygate"),
		tcpostgres.WithPassword("keygate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := platformpg.Open(ctx, url)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open postgres: %v", err)
	}
	if err := platformpg.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	return &PostgresContainer{Container: container, DB: db, URL: url}
}

// CreateLicenseTable provisions the license table, which the service itself
// never creates.
func (p *PostgresContainer) CreateLicenseTable(ctx context.Context) error {
	_, err := p.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS license (
			license_key_hash TEXT PRIMARY KEY,
			status           TEXT NOT NULL DEFAULT 'active',
			max_devices      INTEGER NOT NULL DEFAULT 1
		)`)
	return err
}

// SeedLicense inserts or replaces a license row.
func (p *PostgresContainer) SeedLicense(ctx context.Context, keyHash, status string, maxDevices int) error {
	_, err := p.DB.ExecContext(ctx, `
		INSERT INTO license (license_key_hash, status, max_devices)
		VALUES ($1, $2, $3)
		ON CONFLICT (license_key_hash)
		DO UPDATE SET status = EXCLUDED.status, max_devices = EXCLUDED.max_devices`,
		keyHash, status, maxDevices)
	return err
}

// TruncateTables empties the given tables. Missing tables are ignored so
// suites can truncate before provisioning.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	for _, table := range tables {
		_, err := p.DB.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		if err != nil {
			if strings.Contains(err.Error(), "does not exist") {
				continue
			}
			return err
		}
	}
	return nil
}
