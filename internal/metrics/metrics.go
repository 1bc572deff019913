// Package metrics provides Prometheus metrics for the script governance service
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. It satisfies the recorder
// interfaces of the validator and the version store.
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Validation metrics
	ValidationsTotal   *prometheus.CounterVec
	ViolationsTotal    *prometheus.CounterVec
	ValidationDuration prometheus.Histogram

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	TruncatedVersionsTotal prometheus.Counter

	// Sandbox metrics
	ExecutionsTotal *prometheus.CounterVec

	ServerStartTime time.Time
}

// NewMetrics creates all metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptgov_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "code"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scriptgov_http_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.HTTPRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "scriptgov_http_requests_in_flight",
			Help: "Number of API requests currently being processed",
		},
	)

	m.ValidationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptgov_validations_total",
			Help: "Total number of script validations by outcome",
		},
		[]string{"outcome"},
	)

	m.ViolationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptgov_violations_total",
			Help: "Rejected validations by violated rule",
		},
		[]string{"rule"},
	)

	m.ValidationDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scriptgov_validation_duration_seconds",
			Help:    "Time spent parsing and judging a script",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptgov_store_operations_total",
			Help: "Total number of version store mutations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scriptgov_store_operation_duration_seconds",
			Help:    "Duration of version store mutations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.TruncatedVersionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "scriptgov_truncated_versions_total",
			Help: "Versions permanently removed by restores",
		},
	)

	m.ExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptgov_executions_total",
			Help: "Sandbox test runs by outcome",
		},
		[]string{"outcome"},
	)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "scriptgov_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.ServerStartTime).Seconds() },
	)

	return m
}

func outcome(ok bool) string {
	if ok {
		return "accepted"
	}
	return "rejected"
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordValidation records one verdict
func (m *Metrics) RecordValidation(accepted bool, rules []string, duration time.Duration) {
	m.ValidationsTotal.WithLabelValues(outcome(accepted)).Inc()
	m.ValidationDuration.Observe(duration.Seconds())
	for _, rule := range rules {
		m.ViolationsTotal.WithLabelValues(rule).Inc()
	}
}

// RecordStoreOperation records a version store mutation
func (m *Metrics) RecordStoreOperation(operation string, err error, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTruncation counts versions removed by a restore
func (m *Metrics) RecordTruncation(removed int) {
	m.TruncatedVersionsTotal.Add(float64(removed))
}

// RecordHTTPRequest records a completed API request
func (m *Metrics) RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordExecution records a sandbox test run
func (m *Metrics) RecordExecution(err error) {
	m.ExecutionsTotal.WithLabelValues(status(err)).Inc()
}
