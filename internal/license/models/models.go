// Package models defines the license and activation records the service
// operates on.
package models

import (
	"encoding/json"
	"time"
)

// LicenseStatusActive is the only status that admits activations; every other
// value is treated as inactive.
const LicenseStatusActive = "active"

// License is a provisioned entitlement, owned by an external registry. The
// service reads it and never writes it.
type License struct {
	KeyHash    string `json:"license_key_hash"`
	Status     string `json:"status"`
	MaxDevices int    `json:"max_devices"`
}

// Active reports whether the license admits new activations.
func (l *License) Active() bool { return l.Status == LicenseStatusActive }

// DeviceLimit returns the device ceiling, defaulting to 1 when the registry
// row carries zero or a negative value.
func (l *License) DeviceLimit() int {
	if l.MaxDevices <= 0 {
		return 1
	}
	return l.MaxDevices
}

// Activation binds one license to one device for a rolling validity window.
// At most one row exists per (KeyHash, DeviceID) pair; re-activation replaces
// the row in place with a fresh token and expiry.
type Activation struct {
	KeyHash     string          `json:"license_key_hash"`
	DeviceID    string          `json:"device_id"`
	Token       string          `json:"-"`
	Fingerprint json.RawMessage `json:"-"`
	ActivatedAt time.Time       `json:"activated_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired reports whether the activation's validity window has passed at the
// given instant. Expiry is a predicate, never a deletion: expired rows stay
// queryable and remain renewable.
func (a *Activation) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// ActivationResult is what a successful activation returns to the caller.
type ActivationResult struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	MaxDevices int       `json:"max_devices"`
}

// ValidationResult is the structured outcome of a token check. A missing or
// expired token is a negative result, not an error.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// KeyCheck is the debug view of how a raw key canonicalizes.
type KeyCheck struct {
	Normalized string `json:"normalized"`
	Hash       string `json:"hash"`
	Exists     bool   `json:"exists_in_db"`
}

// Health summarizes store reachability and registry provisioning state.
type Health struct {
	OK          bool `json:"ok"`
	Initialized bool `json:"initialized"`
	Licenses    int  `json:"licenses"`
}
