// Package store declares the persistence contracts for the license registry
// and the activation ledger. Postgres and in-memory implementations live in
// the registry and ledger subpackages.
package store

import (
	"context"
	"time"

	"keygate/internal/license/models"
)

// Registry is the read-only view over provisioned licenses. The table it
// reads is owned elsewhere; implementations must surface a missing table as
// sentinel.ErrUninitialized, distinct from ErrNotFound for a missing key.
type Registry interface {
	Lookup(ctx context.Context, keyHash string) (*models.License, error)
	List(ctx context.Context) ([]*models.License, error)
	Count(ctx context.Context) (int, error)
}

// Ledger owns the (license, device) activation rows and the device-count
// ceiling.
type Ledger interface {
	// Admit checks the device ceiling and upserts the activation as one
	// atomic step, serialized per key hash. A license at its ceiling admits
	// only devices that already hold a row; anything else fails with
	// sentinel.ErrConflict and no write.
	Admit(ctx context.Context, act *models.Activation, maxDevices int) error

	// FindByToken loads the activation matching both token and device, or
	// sentinel.ErrNotFound.
	FindByToken(ctx context.Context, token, deviceID string) (*models.Activation, error)

	// Renew moves expires_at forward in place for the row matching token and
	// device, without rotating the token. Expired rows are still renewable.
	Renew(ctx context.Context, token, deviceID string, expiresAt time.Time) (*models.Activation, error)

	// CountDevices returns the number of distinct devices activated for a
	// license.
	CountDevices(ctx context.Context, keyHash string) (int, error)

	// ListRecent returns up to limit activations, most recent first.
	ListRecent(ctx context.Context, limit int) ([]*models.Activation, error)
}
