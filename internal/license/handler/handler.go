// Package handler is the thin HTTP layer over the license service. It
// decodes requests, delegates, and translates domain errors once; business
// rules live in the service.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"keygate/internal/license/models"
	"keygate/internal/platform/middleware"
	pkgerrors "keygate/pkg/errors"
	"keygate/pkg/platform/httputil"
)

// apiVersion is reported by the banner endpoint.
const apiVersion = "1.1.2"

const (
	defaultActivationsLimit = 50
	maxActivationsLimit     = 500
)

// Service defines the license operations the handler exposes.
type Service interface {
	Activate(ctx context.Context, rawKey, deviceID string, fingerprint json.RawMessage) (*models.ActivationResult, error)
	Validate(ctx context.Context, token, deviceID string) (*models.ValidationResult, error)
	Renew(ctx context.Context, token, deviceID string) (*models.Activation, error)
	RecordUsage(ctx context.Context, keyHash, deviceID, event string, meta json.RawMessage) error
	CheckKey(ctx context.Context, rawKey string) (*models.KeyCheck, error)
	Licenses(ctx context.Context) ([]*models.License, error)
	Activations(ctx context.Context, limit int) ([]*models.Activation, error)
	Health(ctx context.Context) *models.Health
}

// Handler handles the license endpoints.
type Handler struct {
	logger     *slog.Logger
	svc        Service
	adminToken string
}

// New creates a license Handler. An empty adminToken leaves the operator
// listings unguarded.
func New(svc Service, logger *slog.Logger, adminToken string) *Handler {
	return &Handler{logger: logger, svc: svc, adminToken: adminToken}
}

// Register registers the license routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/", h.handleHome)
	r.Get("/healthz", h.handleHealthz)
	r.Post("/activate", h.handleActivate)
	r.Post("/validate", h.handleValidate)
	r.Post("/renew", h.handleRenew)
	r.Post("/usage", h.handleUsage)
	r.Post("/debug/check_key", h.handleCheckKey)

	r.Group(func(r chi.Router) {
		if h.adminToken != "" {
			r.Use(middleware.RequireAdminToken(h.adminToken, h.logger))
		}
		r.Get("/licenses", h.handleLicenses)
		r.Get("/activations", h.handleActivations)
	})
}

func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"msg":     "keygate license API running",
		"version": apiVersion,
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health(r.Context())
	status := http.StatusOK
	if !health.OK {
		status = http.StatusInternalServerError
	}
	httputil.WriteJSON(w, status, health)
}

type activateRequest struct {
	LicenseKey  string          `json:"license_key"`
	DeviceID    string          `json:"device_id"`
	Fingerprint json.RawMessage `json:"fingerprint,omitempty"`
}

type activateResponse struct {
	Status     string    `json:"status"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	MaxDevices int       `json:"max_devices"`
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeBadRequest, "invalid request body"))
		return
	}

	result, err := h.svc.Activate(ctx, req.LicenseKey, req.DeviceID, req.Fingerprint)
	if err != nil {
		h.logFailure(ctx, "activation rejected", err)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, activateResponse{
		Status:     "ok",
		Token:      result.Token,
		ExpiresAt:  result.ExpiresAt,
		MaxDevices: result.MaxDevices,
	})
}

type tokenRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeBadRequest, "invalid request body"))
		return
	}

	// "unknown token" and "expired" are valid negative results, never HTTP
	// errors; only malformed requests and store failures error out
	result, err := h.svc.Validate(ctx, req.Token, req.DeviceID)
	if err != nil {
		h.logFailure(ctx, "validation failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

type renewResponse struct {
	Status       string    `json:"status"`
	NewExpiresAt time.Time `json:"new_expires_at"`
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeBadRequest, "invalid request body"))
		return
	}

	act, err := h.svc.Renew(ctx, req.Token, req.DeviceID)
	if err != nil {
		h.logFailure(ctx, "renewal rejected", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, renewResponse{Status: "ok", NewExpiresAt: act.ExpiresAt})
}

type usageRequest struct {
	LicenseKeyHash string          `json:"license_key_hash"`
	DeviceID       string          `json:"device_id"`
	Event          string          `json:"event,omitempty"`
	Meta           json.RawMessage `json:"meta,omitempty"`
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeBadRequest, "invalid request body"))
		return
	}

	if err := h.svc.RecordUsage(ctx, req.LicenseKeyHash, req.DeviceID, req.Event, req.Meta); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type checkKeyRequest struct {
	LicenseKey string `json:"license_key"`
}

func (h *Handler) handleCheckKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeBadRequest, "invalid request body"))
		return
	}

	check, err := h.svc.CheckKey(ctx, req.LicenseKey)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, check)
}

func (h *Handler) handleLicenses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	licenses, err := h.svc.Licenses(ctx)
	if err != nil {
		h.logFailure(ctx, "license listing failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"count":    len(licenses),
		"licenses": licenses,
	})
}

func (h *Handler) handleActivations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultActivationsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeBadRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxActivationsLimit)
	}

	acts, err := h.svc.Activations(ctx, limit)
	if err != nil {
		h.logFailure(ctx, "activation listing failed", err)
		httputil.WriteError(w, err)
		return
	}
	// tokens are bearer credentials; the listing serializes without them
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"count":       len(acts),
		"activations": acts,
	})
}

func (h *Handler) logFailure(ctx context.Context, msg string, err error) {
	attrs := []any{
		"request_id", middleware.GetRequestID(ctx),
		"error", err.Error(),
	}
	if pkgerrors.CodeOf(err) == pkgerrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, attrs...)
		return
	}
	h.logger.WarnContext(ctx, msg, attrs...)
}
