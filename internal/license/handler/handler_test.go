package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/license"
	"keygate/internal/license/models"
	"keygate/internal/license/service"
	"keygate/internal/license/store/ledger"
	"keygate/internal/license/store/registry"
	"keygate/internal/platform/middleware"
	"keygate/internal/usage/publisher"
	usagememory "keygate/internal/usage/store/memory"
	"keygate/pkg/testutil"
)

const testAdminToken = "admin-secret"

func newTestRouter(t *testing.T) (chi.Router, *registry.InMemory) {
	t.Helper()
	reg := registry.NewInMemory()
	led := ledger.NewInMemory()
	pub := publisher.NewPublisher(usagememory.NewInMemoryStore())
	t.Cleanup(pub.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(reg, led, service.WithEmitter(pub), service.WithLogger(logger))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	New(svc, logger, testAdminToken).Register(r)
	return r, reg
}

func seedLicense(reg *registry.InMemory, rawKey, status string, maxDevices int) {
	reg.Put(models.License{
		KeyHash:    license.HashKey(license.NormalizeKey(rawKey)),
		Status:     status,
		MaxDevices: maxDevices,
	})
}

func postJSON(t *testing.T, r chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodPost, path, body))
}

func TestHome(t *testing.T) {
	r, _ := newTestRouter(t)

	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/"))
	testutil.AssertStatus(t, rr, http.StatusOK)
	body := testutil.DecodeBody(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, apiVersion, body["version"])
}

func TestHealthz(t *testing.T) {
	r, reg := newTestRouter(t)
	seedLicense(reg, "ABC-123", "active", 1)

	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/healthz"))
	testutil.AssertStatus(t, rr, http.StatusOK)
	body := testutil.DecodeBody(t, rr)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(1), body["licenses"])
}

func TestActivate(t *testing.T) {
	r, reg := newTestRouter(t)
	seedLicense(reg, "ABC-123", "active", 1)

	t.Run("success", func(t *testing.T) {
		rr := postJSON(t, r, "/activate", map[string]any{
			"license_key": "abc-123",
			"device_id":   "D1",
			"fingerprint": map[string]string{"os": "linux"},
		})
		testutil.AssertStatus(t, rr, http.StatusOK)
		resp := testutil.UnmarshalResponse[activateResponse](t, rr)
		assert.Equal(t, "ok", resp.Status)
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, 1, resp.MaxDevices)
		assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), resp.ExpiresAt, time.Minute)
	})

	t.Run("slot exhausted", func(t *testing.T) {
		rr := postJSON(t, r, "/activate", map[string]any{
			"license_key": "ABC-123",
			"device_id":   "D2",
		})
		testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")
		assert.Contains(t, testutil.DecodeBody(t, rr)["error_description"], "slot")
	})

	t.Run("unknown license", func(t *testing.T) {
		rr := postJSON(t, r, "/activate", map[string]any{
			"license_key": "NO-SUCH",
			"device_id":   "D1",
		})
		testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
	})

	t.Run("missing device id", func(t *testing.T) {
		rr := postJSON(t, r, "/activate", map[string]any{
			"license_key": "ABC-123",
		})
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
	})

	t.Run("malformed body", func(t *testing.T) {
		rr := testutil.DoRequest(r, testutil.NewRequestWithBody(t, http.MethodPost, "/activate", "{nope"))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
	})
}

func TestActivateSuspendedLicense(t *testing.T) {
	r, reg := newTestRouter(t)
	seedLicense(reg, "ABC-123", "suspended", 1)

	rr := postJSON(t, r, "/activate", map[string]any{
		"license_key": "ABC-123",
		"device_id":   "D1",
	})
	testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")
	assert.Contains(t, testutil.DecodeBody(t, rr)["error_description"], "inactive")
}

func TestValidate(t *testing.T) {
	r, reg := newTestRouter(t)
	seedLicense(reg, "ABC-123", "active", 1)

	rr := postJSON(t, r, "/activate", map[string]any{
		"license_key": "ABC-123",
		"device_id":   "D1",
	})
	testutil.AssertStatus(t, rr, http.StatusOK)
	token := testutil.UnmarshalResponse[activateResponse](t, rr).Token

	t.Run("valid token", func(t *testing.T) {
		rr := postJSON(t, r, "/validate", map[string]any{
			"token":     token,
			"device_id": "D1",
		})
		testutil.AssertStatus(t, rr, http.StatusOK)
		result := testutil.UnmarshalResponse[models.ValidationResult](t, rr)
		assert.True(t, result.Valid)
	})

	t.Run("unknown token is 200 with negative result", func(t *testing.T) {
		rr := postJSON(t, r, "/validate", map[string]any{
			"token":     "bogus",
			"device_id": "D1",
		})
		testutil.AssertStatus(t, rr, http.StatusOK)
		result := testutil.UnmarshalResponse[models.ValidationResult](t, rr)
		assert.False(t, result.Valid)
		assert.Contains(t, result.Reason, "not found")
	})

	t.Run("missing token is 400", func(t *testing.T) {
		rr := postJSON(t, r, "/validate", map[string]any{
			"device_id": "D1",
		})
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
	})
}

func TestRenew(t *testing.T) {
	r, reg := newTestRouter(t)
	seedLicense(reg, "ABC-123", "active", 1)

	rr := postJSON(t, r, "/activate", map[string]any{
		"license_key": "ABC-123",
		"device_id":   "D1",
	})
	testutil.AssertStatus(t, rr, http.StatusOK)
	token := testutil.UnmarshalResponse[activateResponse](t, rr).Token

	t.Run("success", func(t *testing.T) {
		rr := postJSON(t, r, "/renew", map[string]any{
			"token":     token,
			"device_id": "D1",
		})
		testutil.AssertStatus(t, rr, http.StatusOK)
		resp := testutil.UnmarshalResponse[renewResponse](t, rr)
		assert.Equal(t, "ok", resp.Status)
		assert.False(t, resp.NewExpiresAt.IsZero())
	})

	t.Run("unknown activation", func(t *testing.T) {
		rr := postJSON(t, r, "/renew", map[string]any{
			"token":     "bogus",
			"device_id": "D1",
		})
		testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
	})
}

func TestUsage(t *testing.T) {
	r, _ := newTestRouter(t)

	t.Run("accepted", func(t *testing.T) {
		rr := postJSON(t, r, "/usage", map[string]any{
			"license_key_hash": "deadbeef",
			"device_id":        "D1",
			"event":            "run",
		})
		testutil.AssertStatus(t, rr, http.StatusOK)
		assert.Equal(t, "ok", testutil.DecodeBody(t, rr)["status"])
	})

	t.Run("missing hash", func(t *testing.T) {
		rr := postJSON(t, r, "/usage", map[string]any{
			"device_id": "D1",
		})
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
	})
}

func TestCheckKey(t *testing.T) {
	r, reg := newTestRouter(t)
	seedLicense(reg, "ABC-123", "active", 1)

	rr := postJSON(t, r, "/debug/check_key", map[string]any{
		"license_key": " abc-123 ",
	})
	testutil.AssertStatus(t, rr, http.StatusOK)
	check := testutil.UnmarshalResponse[models.KeyCheck](t, rr)
	assert.Equal(t, "ABC-123", check.Normalized)
	assert.Equal(t, license.HashKey("ABC-123"), check.Hash)
	assert.True(t, check.Exists)
}

func TestAdminListings(t *testing.T) {
	r, reg := newTestRouter(t)
	seedLicense(reg, "ABC-123", "active", 2)

	rr := postJSON(t, r, "/activate", map[string]any{
		"license_key": "ABC-123",
		"device_id":   "D1",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	t.Run("rejects missing token", func(t *testing.T) {
		rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/licenses"))
		testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		req := testutil.WithAdminToken(testutil.NewRequest(t, http.MethodGet, "/activations"), "wrong")
		testutil.AssertStatus(t, testutil.DoRequest(r, req), http.StatusForbidden)
	})

	t.Run("lists licenses", func(t *testing.T) {
		req := testutil.WithAdminToken(testutil.NewRequest(t, http.MethodGet, "/licenses"), testAdminToken)
		rr := testutil.DoRequest(r, req)
		testutil.AssertStatus(t, rr, http.StatusOK)
		assert.Equal(t, float64(1), testutil.DecodeBody(t, rr)["count"])
	})

	t.Run("lists activations without tokens", func(t *testing.T) {
		req := testutil.WithAdminToken(testutil.NewRequest(t, http.MethodGet, "/activations"), testAdminToken)
		rr := testutil.DoRequest(r, req)
		testutil.AssertStatus(t, rr, http.StatusOK)
		body := testutil.DecodeBody(t, rr)
		assert.Equal(t, float64(1), body["count"])
		acts := body["activations"].([]any)
		_, leaked := acts[0].(map[string]any)["token"]
		assert.False(t, leaked, "bearer tokens must not appear in listings")
	})

	t.Run("rejects non-numeric limit", func(t *testing.T) {
		req := testutil.WithAdminToken(testutil.NewRequest(t, http.MethodGet, "/activations?limit=abc"), testAdminToken)
		testutil.AssertStatusAndError(t, testutil.DoRequest(r, req), http.StatusBadRequest, "bad_request")
	})
}

func TestAdminListingsUnguardedWhenTokenUnset(t *testing.T) {
	reg := registry.NewInMemory()
	led := ledger.NewInMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(reg, led, service.WithLogger(logger))

	r := chi.NewRouter()
	r.Use(middleware.RequestTime)
	New(svc, logger, "").Register(r)

	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/licenses"))
	testutil.AssertStatus(t, rr, http.StatusOK)
}
