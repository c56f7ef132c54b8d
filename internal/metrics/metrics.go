package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the billing pipeline's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	rows         *prometheus.CounterVec
	imputed      prometheus.Counter
	daysEmitted  prometheus.Counter
	anomalies    *prometheus.CounterVec
	alerts       *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers collectors on reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: g,
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meter_rows_total",
			Help: "Raw meter rows by outcome (parsed, skipped, dropped, duplicate).",
		}, []string{"outcome"}),
		imputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meter_values_imputed_total",
			Help: "Missing field values filled by imputation.",
		}),
		daysEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_days_emitted_total",
			Help: "Daily summaries emitted.",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_anomalies_total",
			Help: "Anomaly reasons raised, by reason.",
		}, []string{"reason"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_alerts_total",
			Help: "Alert deliveries by notifier and result.",
		}, []string{"notifier", "result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_runs_total",
			Help: "Batch runs by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billing_run_duration_seconds",
			Help:    "Histogram of batch run durations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.rows,
		m.imputed,
		m.daysEmitted,
		m.anomalies,
		m.alerts,
		m.runs,
		m.runDuration,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Rows adds n rows with the given outcome.
func (m *Metrics) Rows(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) Imputed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.imputed.Add(float64(n))
}

func (m *Metrics) DaysEmitted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.daysEmitted.Add(float64(n))
}

func (m *Metrics) Anomaly(reason string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(reason).Inc()
}

// Alert records one delivery attempt.
func (m *Metrics) Alert(notifier string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.alerts.WithLabelValues(notifier, result).Inc()
}

// Run records a finished batch run.
func (m *Metrics) Run(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
