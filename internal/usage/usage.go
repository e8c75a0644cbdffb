// Package usage defines the append-only usage event log. Events record the
// activation lifecycle for reporting; they are emitted best-effort and are
// never behaviorally load-bearing.
package usage

import (
	"context"
	"encoding/json"
	"time"
)

// Event names emitted by the service. The /usage endpoint additionally
// accepts caller-supplied free-form tags.
const (
	EventActivate        = "activate"
	EventValidateOK      = "validate_ok"
	EventValidateExpired = "validate_expired"
	EventRenew           = "renew"
	EventRun             = "run"
)

// Event is one row of the usage log. KeyHash is always the license digest,
// never the raw key.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	KeyHash   string          `json:"license_key_hash"`
	DeviceID  string          `json:"device_id"`
	Event     string          `json:"event"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// Store persists usage events. Rows are append-only: never updated or deleted.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Sink receives a fire-and-forget copy of each event, e.g. a Kafka topic
// mirrored for downstream analytics. Implementations must not block beyond a
// bounded best-effort attempt and have no way to report failure to callers.
type Sink interface {
	Send(ctx context.Context, event Event)
}
