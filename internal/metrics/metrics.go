// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer, which records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	auditFailures    *prometheus.CounterVec
	archivedEntities *prometheus.CounterVec
	accessDenials    *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labtrack",
			Name:      "audit_write_failures_total",
			Help:      "Audit record writes that failed and were dropped.",
		}, []string{"kind"}),
		archivedEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labtrack",
			Name:      "archived_entities_total",
			Help:      "Entities transitioned to archived, by archive mode.",
		}, []string{"entity_type", "mode"}),
		accessDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labtrack",
			Name:      "access_denials_total",
			Help:      "Requests rejected by the access resolver.",
		}, []string{"level"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labtrack",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labtrack",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.auditFailures,
		m.archivedEntities,
		m.accessDenials,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AuditWriteFailed(kind string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) EntitiesArchived(entityType, mode string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.archivedEntities.WithLabelValues(entityType, mode).Add(float64(count))
}

func (m *Metrics) AccessDenied(level string) {
	if m == nil {
		return
	}
	m.accessDenials.WithLabelValues(level).Inc()
}

func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
