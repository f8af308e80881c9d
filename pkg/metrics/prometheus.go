// Package metrics provides Prometheus metrics for the reward scoring service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Pipeline metrics
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	moduleDuration *prometheus.HistogramVec
	moduleErrors   *prometheus.CounterVec
	commentsScored prometheus.Counter

	// Settlement metrics
	settlementOutcomes *prometheus.CounterVec
	permitUpserts      *prometheus.CounterVec
	transferFallbacks  prometheus.Counter
	feeSkimmed         prometheus.Counter
	xpRecords          prometheus.Counter

	// Upstream metrics
	externalRetries *prometheus.CounterVec

	// HTTP metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Run queue metrics
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueUtilization   prometheus.Gauge
	queueEnqueueErrors prometheus.Counter

	// Worker metrics
	workerCount             prometheus.Gauge
	workerErrors            prometheus.Counter
	workerProcessingLatency prometheus.Histogram

	errorRateByComponent *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "textrewards",
		subsystem:        "pipeline",
		histogramBuckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		enabled:          true,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)
	constLabels := prometheus.Labels(m.customLabels)

	counter := func(name, help string) prometheus.Counter {
		return auto.NewCounter(prometheus.CounterOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: constLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: constLabels,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return auto.NewGauge(prometheus.GaugeOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: constLabels,
		})
	}

	m.runsTotal = counterVec("runs_total", "Pipeline runs by outcome", "outcome")
	m.runDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("run_duration_milliseconds"),
		Help: "Wall time of a full pipeline run", Buckets: m.histogramBuckets, ConstLabels: constLabels,
	})
	m.moduleDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("module_duration_milliseconds"),
		Help: "Wall time of each pipeline module", Buckets: m.histogramBuckets, ConstLabels: constLabels,
	}, []string{"module"})
	m.moduleErrors = counterVec("module_errors_total", "Pipeline module failures", "module")
	m.commentsScored = counter("comments_scored_total", "Comments that received a formatting score")

	m.settlementOutcomes = counterVec("settlement_outcomes_total", "Settlement outcomes by kind and reason", "kind", "reason")
	m.permitUpserts = counterVec("permit_upserts_total", "Permit persistence results by reconciliation path", "path")
	m.transferFallbacks = counter("transfer_fallbacks_total", "Direct transfers that fell through to permit issuance")
	m.feeSkimmed = counter("fee_skimmed_total", "Total reward amount redirected to the treasury")
	m.xpRecords = counter("xp_records_total", "Experience records written for participants without a reward token")

	m.externalRetries = counterVec("external_retries_total", "Retried calls to external services", "service")

	m.httpRequests = counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("http_request_duration_milliseconds"),
		Help: "HTTP request duration in milliseconds", Buckets: m.histogramBuckets, ConstLabels: constLabels,
	}, []string{"endpoint", "method", "status_code"})

	m.queueSize = gauge("queue_size", "Current number of queued run requests")
	m.queueCapacity = gauge("queue_capacity", "Maximum number of queued run requests")
	m.queueUtilization = gauge("queue_utilization", "Queue size divided by capacity")
	m.queueEnqueueErrors = counter("queue_enqueue_errors_total", "Run requests rejected by the queue")

	m.workerCount = gauge("worker_count", "Number of run workers")
	m.workerErrors = counter("worker_errors_total", "Runs that failed inside a worker")
	m.workerProcessingLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("worker_processing_latency_milliseconds"),
		Help: "Time a worker spends on one run request", Buckets: m.histogramBuckets, ConstLabels: constLabels,
	})

	m.errorRateByComponent = counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")
}

// RecordRun records a finished pipeline run.
func RecordRun(outcome string, durationMs float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.runsTotal.WithLabelValues(outcome).Inc()
	globalManager.runDuration.Observe(durationMs)
}

// RecordModuleDuration records how long a module took.
func RecordModuleDuration(module string, durationMs float64) {
	globalManager.moduleDuration.WithLabelValues(module).Observe(durationMs)
}

// RecordModuleError increments the failure counter of a module.
func RecordModuleError(module string) {
	globalManager.moduleErrors.WithLabelValues(module).Inc()
}

// RecordCommentsScored adds n scored comments.
func RecordCommentsScored(n int) {
	globalManager.commentsScored.Add(float64(n))
}

// RecordSettlementOutcome counts a settlement outcome.
func RecordSettlementOutcome(kind, reason string) {
	globalManager.settlementOutcomes.WithLabelValues(kind, reason).Inc()
}

// RecordPermitUpsert counts a permit persistence result.
func RecordPermitUpsert(path string) {
	globalManager.permitUpserts.WithLabelValues(path).Inc()
}

// RecordTransferFallback counts a transfer that fell through to permits.
func RecordTransferFallback() {
	globalManager.transferFallbacks.Inc()
}

// RecordFeeSkimmed adds the skimmed amount. Negative values are ignored.
func RecordFeeSkimmed(amount float64) {
	if amount <= 0 {
		return
	}
	globalManager.feeSkimmed.Add(amount)
}

// RecordXPRecord counts an experience record.
func RecordXPRecord() {
	globalManager.xpRecords.Inc()
}

// RecordExternalRetry counts a retried call to service.
func RecordExternalRetry(service string) {
	globalManager.externalRetries.WithLabelValues(service).Inc()
}

// RecordHTTPRequest increments the HTTP request counter.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// UpdateWorkerCount sets the number of workers.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordWorkerProcessingLatency records the time spent on one run request.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
