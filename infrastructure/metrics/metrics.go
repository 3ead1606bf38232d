// Package metrics provides Prometheus metrics collection for all four
// fleet-telemetry services (ingestion consumer, metric engine, camera
// poller, SMS gateway).
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics shared across the fleet-telemetry
// services. Every collector is registered for each service; the ones a
// service does not produce simply stay at zero.
type Metrics struct {
	// HTTP metrics (the /health and /metrics surface exposed by each cmd/)
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// C1 ingestion consumer
	BatchFlushTotal    *prometheus.CounterVec
	BatchFlushDuration prometheus.Histogram
	BatchFlushSize     prometheus.Histogram
	DedupHitsTotal      prometheus.Counter
	DLQPublishedTotal   *prometheus.CounterVec

	// C2 metric engine
	CalculatorRunsTotal  *prometheus.CounterVec
	CalculatorDuration   *prometheus.HistogramVec
	CalculatorErrorsTotal *prometheus.CounterVec
	EventsEmittedTotal   *prometheus.CounterVec
	RecalculationQueueDepth prometheus.Gauge

	// C3 camera poller
	PollCycleTotal       *prometheus.CounterVec
	PollCycleDuration    *prometheus.HistogramVec
	CircuitBreakerOpen   *prometheus.GaugeVec

	// C4 SMS gateway
	ModemSendsTotal         *prometheus.CounterVec
	ModemQuotaExceededTotal *prometheus.CounterVec
	CommandOutboxDepth      prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		BatchFlushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_batch_flush_total",
				Help: "Total number of ingestion batch upserts, by status",
			},
			[]string{"status"},
		),
		BatchFlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingestion_batch_flush_duration_seconds",
				Help:    "Ingestion batch upsert duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		BatchFlushSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingestion_batch_flush_size",
				Help:    "Number of track points per flushed batch",
				Buckets: []float64{1, 10, 25, 50, 100, 200, 400, 800},
			},
		),
		DedupHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestion_dedup_hits_total",
				Help: "Total number of messages discarded as duplicates",
			},
		),
		DLQPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_dlq_published_total",
				Help: "Total number of messages published to the dead-letter/invalid-data queues",
			},
			[]string{"queue"},
		),

		CalculatorRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_calculator_runs_total",
				Help: "Total number of calculator invocations",
			},
			[]string{"calculator"},
		),
		CalculatorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_calculator_duration_seconds",
				Help:    "Calculator invocation duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
			},
			[]string{"calculator"},
		),
		CalculatorErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_calculator_errors_total",
				Help: "Total number of calculator invocations that returned an error",
			},
			[]string{"calculator"},
		),
		EventsEmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_events_emitted_total",
				Help: "Total number of metric events emitted by calculators",
			},
			[]string{"event_type"},
		),
		RecalculationQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_recalculation_queue_depth",
				Help: "Current number of pending recalculation jobs",
			},
		),

		PollCycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camera_poll_cycle_total",
				Help: "Total number of camera poll cycles, by server and status",
			},
			[]string{"server", "status"},
		),
		PollCycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "camera_poll_cycle_duration_seconds",
				Help:    "Camera poll cycle duration in seconds",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"server"},
		),
		CircuitBreakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "camera_circuit_breaker_open",
				Help: "1 if the per-server circuit breaker is open, 0 otherwise",
			},
			[]string{"server"},
		),

		ModemSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_modem_sends_total",
				Help: "Total number of SMS send attempts, by modem and status",
			},
			[]string{"modem", "status"},
		),
		ModemQuotaExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_modem_quota_exceeded_total",
				Help: "Total number of send attempts rejected because a modem's daily quota was exhausted",
			},
			[]string{"modem"},
		),
		CommandOutboxDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sms_command_outbox_depth",
				Help: "Current number of commands awaiting dispatch",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.BatchFlushTotal,
			m.BatchFlushDuration,
			m.BatchFlushSize,
			m.DedupHitsTotal,
			m.DLQPublishedTotal,
			m.CalculatorRunsTotal,
			m.CalculatorDuration,
			m.CalculatorErrorsTotal,
			m.EventsEmittedTotal,
			m.RecalculationQueueDepth,
			m.PollCycleTotal,
			m.PollCycleDuration,
			m.CircuitBreakerOpen,
			m.ModemSendsTotal,
			m.ModemQuotaExceededTotal,
			m.CommandOutboxDepth,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// RecordBatchFlush records an ingestion batch upsert (C1).
func (m *Metrics) RecordBatchFlush(status string, size int, duration time.Duration) {
	m.BatchFlushTotal.WithLabelValues(status).Inc()
	m.BatchFlushDuration.Observe(duration.Seconds())
	m.BatchFlushSize.Observe(float64(size))
}

// RecordDedupHit records a message discarded as a duplicate (C1).
func (m *Metrics) RecordDedupHit() {
	m.DedupHitsTotal.Inc()
}

// RecordDLQPublish records a message routed to a dead-letter or invalid-data queue (C1).
func (m *Metrics) RecordDLQPublish(queue string) {
	m.DLQPublishedTotal.WithLabelValues(queue).Inc()
}

// RecordCalculatorRun records a single calculator invocation (C2).
func (m *Metrics) RecordCalculatorRun(calculator string, duration time.Duration, err error) {
	m.CalculatorRunsTotal.WithLabelValues(calculator).Inc()
	m.CalculatorDuration.WithLabelValues(calculator).Observe(duration.Seconds())
	if err != nil {
		m.CalculatorErrorsTotal.WithLabelValues(calculator).Inc()
	}
}

// RecordEventEmitted records a metric event emitted by a calculator (C2).
func (m *Metrics) RecordEventEmitted(eventType string) {
	m.EventsEmittedTotal.WithLabelValues(eventType).Inc()
}

// SetRecalculationQueueDepth sets the pending recalculation job count (C2).
func (m *Metrics) SetRecalculationQueueDepth(depth int) {
	m.RecalculationQueueDepth.Set(float64(depth))
}

// RecordPollCycle records a camera poller cycle against a vendor server (C3).
func (m *Metrics) RecordPollCycle(server, status string, duration time.Duration) {
	m.PollCycleTotal.WithLabelValues(server, status).Inc()
	m.PollCycleDuration.WithLabelValues(server).Observe(duration.Seconds())
}

// SetCircuitBreakerOpen records whether a per-server circuit breaker is open (C3).
func (m *Metrics) SetCircuitBreakerOpen(server string, open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	m.CircuitBreakerOpen.WithLabelValues(server).Set(value)
}

// RecordModemSend records an SMS send attempt through a modem (C4).
func (m *Metrics) RecordModemSend(modem, status string) {
	m.ModemSendsTotal.WithLabelValues(modem, status).Inc()
}

// RecordModemQuotaExceeded records a send attempt rejected by quota (C4).
func (m *Metrics) RecordModemQuotaExceeded(modem string) {
	m.ModemQuotaExceededTotal.WithLabelValues(modem).Inc()
}

// SetCommandOutboxDepth sets the pending command outbox depth (C4).
func (m *Metrics) SetCommandOutboxDepth(depth int) {
	m.CommandOutboxDepth.Set(float64(depth))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

// environment reports the running environment, read from ENVIRONMENT
// (defaulting to "development").
func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	if env == "" {
		return "development"
	}
	return env
}

func isProduction() bool {
	return environment() == "production"
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !isProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
