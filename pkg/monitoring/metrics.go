package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics handles Prometheus metrics collection. Each instance owns its
// registry so several can coexist in one process (tests, embedded agents).
// A nil *Metrics records nothing.
type Metrics struct {
	serviceName string
	registry    *prometheus.Registry

	keyOperations     *prometheus.CounterVec
	grantOperations   *prometheus.CounterVec
	verifications     *prometheus.CounterVec
	regenerations     *prometheus.CounterVec
	ledgerCalls       *prometheus.CounterVec
	ledgerDuration    *prometheus.HistogramVec
	storageCalls      *prometheus.CounterVec
	storageDuration   *prometheus.HistogramVec
	retryAttempts     *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewMetrics creates a metrics collector with its own registry
func NewMetrics(serviceName string) *Metrics {
	m := &Metrics{
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		keyOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyx_key_operations_total",
				Help: "Content key wrap, unwrap and probe operations by outcome",
			},
			[]string{"operation", "outcome", "service"},
		),
		grantOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyx_grant_operations_total",
				Help: "Access grant protocol operations by outcome",
			},
			[]string{"operation", "outcome", "service"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyx_verifier_outcomes_total",
				Help: "Key consistency verification outcomes",
			},
			[]string{"outcome", "service"},
		),
		regenerations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keypair_regenerations_total",
				Help: "Key pairs generated and registered",
			},
			[]string{"reason", "service"},
		),
		ledgerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyx_ledger_calls_total",
				Help: "Ledger collaborator calls",
			},
			[]string{"function", "status", "service"},
		),
		ledgerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyx_ledger_call_duration_seconds",
				Help:    "Duration of ledger calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"function", "service"},
		),
		storageCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyx_storage_calls_total",
				Help: "Storage collaborator calls",
			},
			[]string{"operation", "status", "service"},
		),
		storageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyx_storage_call_duration_seconds",
				Help:    "Duration of storage calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "service"},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyx_retry_attempts_total",
				Help: "Retried collaborator calls",
			},
			[]string{"collaborator", "operation", "service"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.keyOperations,
		m.grantOperations,
		m.verifications,
		m.regenerations,
		m.ledgerCalls,
		m.ledgerDuration,
		m.storageCalls,
		m.storageDuration,
		m.retryAttempts,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordKeyOperation records a wrap/unwrap/probe outcome
func (m *Metrics) RecordKeyOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.keyOperations.WithLabelValues(operation, outcome, m.serviceName).Inc()
}

// RecordGrantOperation records an access protocol operation outcome
func (m *Metrics) RecordGrantOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.grantOperations.WithLabelValues(operation, outcome, m.serviceName).Inc()
}

// RecordVerification records a verifier outcome
func (m *Metrics) RecordVerification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome, m.serviceName).Inc()
}

// RecordRegeneration records a key pair generation
func (m *Metrics) RecordRegeneration(reason string) {
	if m == nil {
		return
	}
	m.regenerations.WithLabelValues(reason, m.serviceName).Inc()
}

// RecordLedgerCall records ledger call metrics
func (m *Metrics) RecordLedgerCall(function, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ledgerCalls.WithLabelValues(function, status, m.serviceName).Inc()
	m.ledgerDuration.WithLabelValues(function, m.serviceName).Observe(duration.Seconds())
}

// RecordStorageCall records storage call metrics
func (m *Metrics) RecordStorageCall(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storageCalls.WithLabelValues(operation, status, m.serviceName).Inc()
	m.storageDuration.WithLabelValues(operation, m.serviceName).Observe(duration.Seconds())
}

// RecordRetry records one retry of a collaborator call
func (m *Metrics) RecordRetry(collaborator, operation string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(collaborator, operation, m.serviceName).Inc()
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
