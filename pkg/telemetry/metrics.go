// Package telemetry owns the Prometheus metrics surface.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the engine reports to.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	invocations     *prometheus.CounterVec
	invokeDuration  *prometheus.HistogramVec
	registrations   *prometheus.CounterVec
	backendUp       *prometheus.GaugeVec
	poolInstances   prometheus.Gauge
	auditBuffered   prometheus.Gauge
	catalogReloads  *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including the standard Go
// and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amb",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "amb",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amb",
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by backend and outcome.",
		}, []string{"backend", "outcome"}),
		invokeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "amb",
			Name:      "tool_invocation_duration_seconds",
			Help:      "Tool invocation latency by backend.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"backend"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amb",
			Name:      "session_registrations_total",
			Help:      "Session registrations by outcome.",
		}, []string{"outcome"}),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "backend_up",
			Help:      "Whether a shared backend connection is running.",
		}, []string{"backend"}),
		poolInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "per_user_instances",
			Help:      "Live per-user backend instances.",
		}),
		auditBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "audit_buffered_events",
			Help:      "Audit events waiting for the next flush.",
		}),
		catalogReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amb",
			Name:      "catalog_reloads_total",
			Help:      "Catalog reload attempts by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		m.httpRequests, m.httpDuration, m.invocations, m.invokeDuration,
		m.registrations, m.backendUp, m.poolInstances, m.auditBuffered,
		m.catalogReloads,
	)
	return m
}

// Handler serves the registry on /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route, method, status string, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveInvocation records one tool invocation.
func (m *Metrics) ObserveInvocation(backend, outcome string, elapsed time.Duration) {
	m.invocations.WithLabelValues(backend, outcome).Inc()
	m.invokeDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// ObserveRegistration records one registration attempt.
func (m *Metrics) ObserveRegistration(outcome string) {
	m.registrations.WithLabelValues(outcome).Inc()
}

// SetBackendUp flags a shared backend as running or not.
func (m *Metrics) SetBackendUp(backend string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.backendUp.WithLabelValues(backend).Set(v)
}

// RemoveBackend drops the gauge series for a removed backend.
func (m *Metrics) RemoveBackend(backend string) {
	m.backendUp.DeleteLabelValues(backend)
}

// SetPoolInstances reports the live per-user instance count.
func (m *Metrics) SetPoolInstances(n int) {
	m.poolInstances.Set(float64(n))
}

// SetAuditBuffered reports the audit writer's buffer depth.
func (m *Metrics) SetAuditBuffered(n int) {
	m.auditBuffered.Set(float64(n))
}

// ObserveCatalogReload records one reload attempt.
func (m *Metrics) ObserveCatalogReload(outcome string) {
	m.catalogReloads.WithLabelValues(outcome).Inc()
}
