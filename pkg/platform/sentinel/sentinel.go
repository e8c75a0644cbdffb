package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: row does not exist in the store
// - ErrConflict: admission denied, all device slots for the license are taken
// - ErrUninitialized: backing table is missing (store never seeded)
// - ErrUnavailable: store temporarily unreachable
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrUninitialized = errors.New("uninitialized")
	ErrUnavailable   = errors.New("unavailable")
)
