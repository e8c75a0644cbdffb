// Package metrics provides observability for the license module.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for activation, validation, and
// renewal traffic. All methods tolerate a nil receiver so wiring metrics stays
// optional in tests.
type Metrics struct {
	// Activation outcomes: ok, bad_request, not_found, inactive, slot_exhausted, error
	Activations *prometheus.CounterVec

	// Validation results: valid, expired, not_found
	Validations *prometheus.CounterVec

	// Renewal outcomes: ok, not_found, error
	Renewals *prometheus.CounterVec

	// Registry cache traffic
	RegistryCache *prometheus.CounterVec

	// Usage events dropped by the best-effort pipeline
	UsageDropped prometheus.Counter

	// Request latency by route
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with all license module metrics registered.
func New() *Metrics {
	return &Metrics{
		Activations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_activations_total",
			Help: "Total activation attempts by outcome",
		}, []string{"outcome"}),

		Validations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_validations_total",
			Help: "Total token validations by result",
		}, []string{"result"}),

		Renewals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_renewals_total",
			Help: "Total renewal attempts by outcome",
		}, []string{"outcome"}),

		RegistryCache: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_registry_cache_total",
			Help: "License registry cache lookups by result",
		}, []string{"result"}),

		UsageDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "keygate_usage_events_dropped_total",
			Help: "Usage events dropped because the async buffer was full",
		}),

		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keygate_request_duration_seconds",
			Help:    "HTTP request duration by route and status",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route", "status"}),
	}
}

// RecordActivation records an activation attempt outcome.
func (m *Metrics) RecordActivation(outcome string) {
	if m != nil {
		m.Activations.WithLabelValues(outcome).Inc()
	}
}

// RecordValidation records a token validation result.
func (m *Metrics) RecordValidation(result string) {
	if m != nil {
		m.Validations.WithLabelValues(result).Inc()
	}
}

// RecordRenewal records a renewal attempt outcome.
func (m *Metrics) RecordRenewal(outcome string) {
	if m != nil {
		m.Renewals.WithLabelValues(outcome).Inc()
	}
}

// RecordRegistryCacheHit records a registry cache hit.
func (m *Metrics) RecordRegistryCacheHit() {
	if m != nil {
		m.RegistryCache.WithLabelValues("hit").Inc()
	}
}

// RecordRegistryCacheMiss records a registry cache miss.
func (m *Metrics) RecordRegistryCacheMiss() {
	if m != nil {
		m.RegistryCache.WithLabelValues("miss").Inc()
	}
}

// RecordUsageDropped records a usage event lost to a full buffer.
func (m *Metrics) RecordUsageDropped() {
	if m != nil {
		m.UsageDropped.Inc()
	}
}

// ObserveRequest records one HTTP request's duration.
func (m *Metrics) ObserveRequest(route, status string, d time.Duration) {
	if m != nil {
		m.RequestDuration.WithLabelValues(route, status).Observe(d.Seconds())
	}
}
