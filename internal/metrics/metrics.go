// Package metrics provides Prometheus metrics for the archiver.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the archiver.
type Metrics struct {
	RunsTotal             *prometheus.CounterVec
	PhaseDuration         *prometheus.HistogramVec
	ItemsTotal            *prometheus.CounterVec
	EscalationsTotal      prometheus.Counter
	LockContentionTotal   prometheus.Counter
	RecurrenceErrorsTotal prometheus.Counter
	RequestsTotal         *prometheus.CounterVec
	AuditFailuresTotal    prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_runs_total",
				Help: "Finished archive runs by mode and final state.",
			},
			[]string{"mode", "state"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_phase_duration_seconds",
				Help:    "Archive run phase duration.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		ItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_items_total",
				Help: "Occurrences processed by outcome.",
			},
			[]string{"outcome"},
		),
		EscalationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_escalations_total",
				Help: "Overlap groups escalated for manual resolution.",
			},
		),
		LockContentionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_lock_contention_total",
				Help: "Run requests rejected because the same run was in progress.",
			},
		),
		RecurrenceErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_recurrence_errors_total",
				Help: "Recurring templates skipped because of a malformed rule.",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_api_requests_total",
				Help: "API requests by route and status code.",
			},
			[]string{"route", "status"},
		),
		AuditFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_audit_failures_total",
				Help: "Audit entries that could not be written.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RunsTotal)
	reg.MustRegister(m.PhaseDuration)
	reg.MustRegister(m.ItemsTotal)
	reg.MustRegister(m.EscalationsTotal)
	reg.MustRegister(m.LockContentionTotal)
	reg.MustRegister(m.RecurrenceErrorsTotal)
	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.AuditFailuresTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRun increments the run counter.
func (m *Metrics) RecordRun(mode, state string) {
	m.RunsTotal.WithLabelValues(mode, state).Inc()
}

// ObservePhase records phase duration.
func (m *Metrics) ObservePhase(phase string, seconds float64) {
	m.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// AddItems adds n occurrences with the given outcome.
func (m *Metrics) AddItems(outcome string, n int) {
	if n <= 0 {
		return
	}
	m.ItemsTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordEscalation increments the escalation counter.
func (m *Metrics) RecordEscalation() {
	m.EscalationsTotal.Inc()
}

// RecordLockContention increments the lock contention counter.
func (m *Metrics) RecordLockContention() {
	m.LockContentionTotal.Inc()
}

// AddRecurrenceErrors adds skipped templates.
func (m *Metrics) AddRecurrenceErrors(n int) {
	if n <= 0 {
		return
	}
	m.RecurrenceErrorsTotal.Add(float64(n))
}

// RecordAuditFailure increments the audit failure counter.
func (m *Metrics) RecordAuditFailure() {
	m.AuditFailuresTotal.Inc()
}

// RecordRequest increments the API request counter.
func (m *Metrics) RecordRequest(route, status string) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}

// WatchStoreSize exposes archiver_store_size_bytes, sampled from size on every scrape.
// A failing sample reports -1.
func (m *Metrics) WatchStoreSize(size func() (int64, error)) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "archiver_store_size_bytes",
			Help: "Size of the SQLite database file.",
		},
		func() float64 {
			n, err := size()
			if err != nil {
				return -1
			}
			return float64(n)
		},
	))
}
