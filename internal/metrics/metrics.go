// Package metrics holds the gas station's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gas_station"

// Metrics is a set of collectors bound to its own registry.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	leases      *prometheus.CounterVec
	signs       *prometheus.CounterVec
	reconciled  *prometheus.CounterVec
	refunded    prometheus.Counter
	routineRuns *prometheus.CounterVec
	routineTime *prometheus.HistogramVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"service", "method", "path"}),
		leases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "acquisitions_total",
			Help:      "Lease acquisitions by result.",
		}, []string{"result"}),
		signs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cosigner",
			Name:      "signatures_total",
			Help:      "Sign requests by result.",
		}, []string{"result"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "reconciled_total",
			Help:      "Jobs moved to a terminal status.",
		}, []string{"status"}),
		refunded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "refunded_total",
			Help:      "Value credited back to clients for unused leases.",
		}),
		routineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Routine runs by outcome.",
		}, []string{"routine", "success"}),
		routineTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Duration of routine runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"routine"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.leases,
		m.signs,
		m.reconciled,
		m.refunded,
		m.routineRuns,
		m.routineTime,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordLease counts an Acquire outcome ("acquired", "unavailable", "error").
func (m *Metrics) RecordLease(result string) {
	m.leases.WithLabelValues(result).Inc()
}

// RecordSign counts a Sign outcome.
func (m *Metrics) RecordSign(result string) {
	m.signs.WithLabelValues(result).Inc()
}

// RecordReconcile counts a job reaching status and the value refunded for it.
func (m *Metrics) RecordReconcile(status string, refunded int64) {
	m.reconciled.WithLabelValues(status).Inc()
	if refunded > 0 {
		m.refunded.Add(float64(refunded))
	}
}

// RecordRoutine records a scheduler run.
func (m *Metrics) RecordRoutine(name string, success bool, duration time.Duration) {
	outcome := "true"
	if !success {
		outcome = "false"
	}
	m.routineRuns.WithLabelValues(name, outcome).Inc()
	m.routineTime.WithLabelValues(name).Observe(duration.Seconds())
}
