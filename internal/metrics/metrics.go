// Package metrics exposes gateway counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Admission results.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultError   = "error"
)

// Metrics holds the gateway collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	admissions    *prometheus.CounterVec
	relays        *prometheus.CounterVec
	relayDuration *prometheus.HistogramVec
	storageErrors prometheus.Counter
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Rate limiter decisions by channel and result.",
		}, []string{"channel", "result"}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Relayed queries by kind and outcome.",
		}, []string{"kind", "outcome"}),
		relayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Time spent relaying a query upstream.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_storage_errors_total",
			Help:      "Admissions that failed because the quota store was unavailable.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admissions,
		m.relays,
		m.relayDuration,
		m.storageErrors,
	)
	return m
}

// ObserveAdmission counts one limiter decision.
func (m *Metrics) ObserveAdmission(channel string, allowed bool) {
	if m == nil {
		return
	}
	result := ResultDenied
	if allowed {
		result = ResultAllowed
	}
	m.admissions.WithLabelValues(channel, result).Inc()
}

// ObserveStorageError counts an admission the store could not decide.
func (m *Metrics) ObserveStorageError(channel string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(channel, ResultError).Inc()
	m.storageErrors.Inc()
}

// ObserveRelay counts one relayed query and its latency.
func (m *Metrics) ObserveRelay(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(kind, outcome).Inc()
	m.relayDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
