// Package service orchestrates activation, validation, and renewal against
// the license registry and the activation ledger.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keygate/internal/license"
	"keygate/internal/license/metrics"
	"keygate/internal/license/models"
	"keygate/internal/license/store"
	"keygate/internal/usage"
	pkgerrors "keygate/pkg/errors"
	"keygate/pkg/platform/sentinel"
	"keygate/pkg/requestcontext"
)

// ActivationWindow is the validity period granted by activation and renewal.
const ActivationWindow = 30 * 24 * time.Hour

// Emitter publishes usage events. Emission is best-effort everywhere in this
// package: its errors are logged and never change an operation's outcome.
type Emitter interface {
	Emit(ctx context.Context, event usage.Event) error
}

// Service implements the license operations over injected stores.
type Service struct {
	registry store.Registry
	ledger   store.Ledger
	emitter  Emitter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	window   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithEmitter wires the usage event publisher.
func WithEmitter(e Emitter) Option {
	return func(s *Service) { s.emitter = e }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics wires the license metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithWindow overrides the activation validity window.
func WithWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// New creates a Service over the given registry and ledger.
func New(registry store.Registry, ledger store.Ledger, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		ledger:   ledger,
		logger:   slog.Default(),
		tracer:   otel.Tracer("keygate/license"),
		window:   ActivationWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Activate admits a device onto a license and issues a fresh bearer token
// valid for the activation window. Re-activating an already-slotted device
// replaces its row (new token, new expiry) without consuming a slot.
func (s *Service) Activate(ctx context.Context, rawKey, deviceID string, fingerprint json.RawMessage) (*models.ActivationResult, error) {
	ctx, span := s.tracer.Start(ctx, "license.Activate")
	defer span.End()

	key := license.NormalizeKey(rawKey)
	deviceID = strings.TrimSpace(deviceID)
	if key == "" || deviceID == "" {
		s.metrics.RecordActivation("bad_request")
		return nil, pkgerrors.New(pkgerrors.CodeBadRequest, "license_key and device_id are required")
	}
	keyHash := license.HashKey(key)
	span.SetAttributes(attribute.String("license.key_hash", keyHash))

	lic, err := s.registry.Lookup(ctx, keyHash)
	if err != nil {
		derr := registryFailure(err)
		if pkgerrors.HasCode(derr, pkgerrors.CodeNotFound) {
			s.metrics.RecordActivation("not_found")
		} else {
			s.metrics.RecordActivation("error")
		}
		return nil, derr
	}
	if !lic.Active() {
		s.metrics.RecordActivation("inactive")
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "license inactive")
	}

	now := requestcontext.Now(ctx)
	act := &models.Activation{
		KeyHash:     keyHash,
		DeviceID:    deviceID,
		Token:       uuid.NewString(),
		Fingerprint: fingerprint,
		ActivatedAt: now,
		ExpiresAt:   now.Add(s.window),
	}
	if err := s.ledger.Admit(ctx, act, lic.DeviceLimit()); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			s.metrics.RecordActivation("slot_exhausted")
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "device slot exhausted")
		}
		s.metrics.RecordActivation("error")
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "activation failed")
	}

	s.emit(ctx, keyHash, deviceID, usage.EventActivate, nil)
	s.metrics.RecordActivation("ok")

	return &models.ActivationResult{
		Token:      act.Token,
		ExpiresAt:  act.ExpiresAt,
		MaxDevices: lic.DeviceLimit(),
	}, nil
}

// Validate checks a bearer token for a device. A missing or expired token is
// a negative result, not an error; errors are reserved for store failures.
func (s *Service) Validate(ctx context.Context, token, deviceID string) (*models.ValidationResult, error) {
	ctx, span := s.tracer.Start(ctx, "license.Validate")
	defer span.End()

	token = strings.TrimSpace(token)
	deviceID = strings.TrimSpace(deviceID)
	if token == "" || deviceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeBadRequest, "token and device_id are required")
	}

	act, err := s.ledger.FindByToken(ctx, token, deviceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.RecordValidation("not_found")
			return &models.ValidationResult{Valid: false, Reason: "token not found"}, nil
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "validation failed")
	}

	if act.Expired(requestcontext.Now(ctx)) {
		s.emit(ctx, act.KeyHash, deviceID, usage.EventValidateExpired, nil)
		s.metrics.RecordValidation("expired")
		return &models.ValidationResult{Valid: false, Reason: "token expired"}, nil
	}

	s.emit(ctx, act.KeyHash, deviceID, usage.EventValidateOK, nil)
	s.metrics.RecordValidation("valid")
	return &models.ValidationResult{Valid: true, Reason: "token valid"}, nil
}

// Renew extends an activation by the full window from now without rotating
// its token. An expired-but-present row is still renewable; only a missing
// (token, device) pair fails.
func (s *Service) Renew(ctx context.Context, token, deviceID string) (*models.Activation, error) {
	ctx, span := s.tracer.Start(ctx, "license.Renew")
	defer span.End()

	token = strings.TrimSpace(token)
	deviceID = strings.TrimSpace(deviceID)
	if token == "" || deviceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeBadRequest, "token and device_id are required")
	}

	expiresAt := requestcontext.Now(ctx).Add(s.window)
	act, err := s.ledger.Renew(ctx, token, deviceID, expiresAt)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.RecordRenewal("not_found")
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "activation not found")
		}
		s.metrics.RecordRenewal("error")
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "renewal failed")
	}

	s.emit(ctx, act.KeyHash, deviceID, usage.EventRenew, nil)
	s.metrics.RecordRenewal("ok")
	return act, nil
}

// RecordUsage appends a caller-supplied telemetry event. The key hash arrives
// pre-digested from the client; the raw key never transits this path.
func (s *Service) RecordUsage(ctx context.Context, keyHash, deviceID, event string, meta json.RawMessage) error {
	keyHash = strings.TrimSpace(keyHash)
	if keyHash == "" {
		return pkgerrors.New(pkgerrors.CodeBadRequest, "license_key_hash is required")
	}
	if event = strings.TrimSpace(event); event == "" {
		event = usage.EventRun
	}
	s.emit(ctx, keyHash, strings.TrimSpace(deviceID), event, meta)
	return nil
}

// CheckKey reports how a raw key normalizes and whether its digest is
// provisioned. Debug aid; it never echoes into logs or storage.
func (s *Service) CheckKey(ctx context.Context, rawKey string) (*models.KeyCheck, error) {
	key := license.NormalizeKey(rawKey)
	if key == "" {
		return nil, pkgerrors.New(pkgerrors.CodeBadRequest, "license_key is required")
	}
	keyHash := license.HashKey(key)

	_, err := s.registry.Lookup(ctx, keyHash)
	switch {
	case err == nil:
		return &models.KeyCheck{Normalized: key, Hash: keyHash, Exists: true}, nil
	case errors.Is(err, sentinel.ErrNotFound):
		return &models.KeyCheck{Normalized: key, Hash: keyHash, Exists: false}, nil
	default:
		return nil, registryFailure(err)
	}
}

// Licenses lists the provisioned license table for operators.
func (s *Service) Licenses(ctx context.Context) ([]*models.License, error) {
	licenses, err := s.registry.List(ctx)
	if err != nil {
		return nil, registryFailure(err)
	}
	return licenses, nil
}

// Activations lists recent ledger rows for operators.
func (s *Service) Activations(ctx context.Context, limit int) ([]*models.Activation, error) {
	acts, err := s.ledger.ListRecent(ctx, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "list activations failed")
	}
	return acts, nil
}

// Health reports store reachability and registry provisioning state.
func (s *Service) Health(ctx context.Context) *models.Health {
	count, err := s.registry.Count(ctx)
	switch {
	case err == nil:
		return &models.Health{OK: true, Initialized: true, Licenses: count}
	case errors.Is(err, sentinel.ErrUninitialized):
		return &models.Health{OK: true, Initialized: false}
	default:
		s.logger.WarnContext(ctx, "health check failed", "error", err)
		return &models.Health{OK: false}
	}
}

// registryFailure translates registry lookup errors, keeping a missing table
// distinct from a missing license.
func registryFailure(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrUninitialized):
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "license database not initialized")
	case errors.Is(err, sentinel.ErrNotFound):
		return pkgerrors.New(pkgerrors.CodeNotFound, "license not found")
	default:
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "license lookup failed")
	}
}

func (s *Service) emit(ctx context.Context, keyHash, deviceID, event string, meta json.RawMessage) {
	if s.emitter == nil {
		return
	}
	e := usage.Event{
		Timestamp: requestcontext.Now(ctx),
		KeyHash:   keyHash,
		DeviceID:  deviceID,
		Event:     event,
		Meta:      meta,
	}
	if err := s.emitter.Emit(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "usage event emission failed", "event", event, "error", err)
	}
}
