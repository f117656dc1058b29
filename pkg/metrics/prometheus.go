// Package metrics provides Prometheus metrics for the fidscore service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultRefreshInterval = 10 * time.Second

// Manager owns every Prometheus collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// History store
	snapshotOutcomes    *prometheus.CounterVec
	snapshotsEvicted    prometheus.Counter
	historyLength       prometheus.Histogram
	persistenceFailures *prometheus.CounterVec
	storeLatency        *prometheus.HistogramVec

	// Score observer
	upstreamRequests *prometheus.CounterVec
	upstreamLatency  prometheus.Histogram
	upstreamErrors   *prometheus.CounterVec
	observerCache    *prometheus.CounterVec
	staleFallbacks   prometheus.Counter

	// Tracking registry
	trackedSize      prometheus.Gauge
	trackedEvictions prometheus.Counter

	// Sweep
	sweepRuns     prometheus.Counter
	sweepDuration prometheus.Histogram
	sweepResults  *prometheus.CounterVec
	sweepLastUnix prometheus.Gauge

	// Sweep pipeline queue
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueueRate   prometheus.Counter
	queueDequeueRate   prometheus.Counter
	queueEnqueueErrors prometheus.Counter

	// Sweep pipeline workers
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrorRate         prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorRateByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager. Collectors are registered on the
// configured registry (prometheus.DefaultRegisterer unless overridden).
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "fidscore",
		subsystem:        "snapshots",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

// RefreshInterval reports how often gauge collectors should be refreshed.
func (m *Manager) RefreshInterval() time.Duration { return m.refreshInterval }

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	if buckets == nil {
		buckets = m.histogramBuckets
	}
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)

	m.snapshotOutcomes = auto.NewCounterVec(
		m.counterOpts("outcomes_total", "Merge outcomes of observed scores (appended, replaced, discarded)"),
		[]string{"outcome"},
	)
	m.snapshotsEvicted = auto.NewCounter(m.counterOpts("evicted_total", "Snapshots dropped by the retention bound"))
	m.historyLength = auto.NewHistogram(m.histogramOpts(
		"history_length", "History length after a successful append",
		[]float64{1, 10, 50, 100, 250, 500, 1000, 1500, 2000},
	))
	m.persistenceFailures = auto.NewCounterVec(
		m.counterOpts("persistence_failures_total", "Store operations that failed and were degraded"),
		[]string{"backend", "op"},
	)
	m.storeLatency = auto.NewHistogramVec(
		m.histogramOpts("store_latency_milliseconds", "Store operation latency in milliseconds", nil),
		[]string{"backend", "op"},
	)

	m.upstreamRequests = auto.NewCounterVec(
		m.counterOpts("upstream_requests_total", "Bulk lookups issued to the scoring source"),
		[]string{"status"},
	)
	m.upstreamLatency = auto.NewHistogram(m.histogramOpts(
		"upstream_latency_milliseconds", "Scoring source latency in milliseconds",
		[]float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	))
	m.upstreamErrors = auto.NewCounterVec(
		m.counterOpts("upstream_errors_total", "Observer failures by kind"),
		[]string{"kind"},
	)
	m.observerCache = auto.NewCounterVec(
		m.counterOpts("observer_cache_total", "Observer cache lookups (hit, miss, shared)"),
		[]string{"result"},
	)
	m.staleFallbacks = auto.NewCounter(m.counterOpts("stale_fallbacks_total", "Current-score reads served from the last stored snapshot"))

	m.trackedSize = auto.NewGauge(m.gaugeOpts("tracked_size", "Number of identities in the tracked set"))
	m.trackedEvictions = auto.NewCounter(m.counterOpts("tracked_evictions_total", "Unpinned identities evicted from the tracked set"))

	m.sweepRuns = auto.NewCounter(m.counterOpts("sweep_runs_total", "Completed sweeps"))
	m.sweepDuration = auto.NewHistogram(m.histogramOpts(
		"sweep_duration_seconds", "Sweep wall time in seconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	))
	m.sweepResults = auto.NewCounterVec(
		m.counterOpts("sweep_results_total", "Per-identity sweep results"),
		[]string{"result"},
	)
	m.sweepLastUnix = auto.NewGauge(m.gaugeOpts("sweep_last_unix", "Unix time of the last completed sweep"))

	m.queueSize = auto.NewGauge(m.gaugeOpts("queue_size", "Pending observations in the sweep queue"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts("queue_capacity", "Capacity of the sweep queue"))
	m.queueEnqueueRate = auto.NewCounter(m.counterOpts("queue_enqueue_total", "Observations enqueued"))
	m.queueDequeueRate = auto.NewCounter(m.counterOpts("queue_dequeue_total", "Observations dequeued"))
	m.queueEnqueueErrors = auto.NewCounter(m.counterOpts("queue_enqueue_errors_total", "Enqueue failures"))

	m.workerActiveCount = auto.NewGauge(m.gaugeOpts("worker_active_count", "Running sweep workers"))
	m.workerProcessingLatency = auto.NewHistogram(m.histogramOpts(
		"worker_processing_latency_milliseconds", "Time a worker spends persisting one observation", nil,
	))
	m.workerErrorRate = auto.NewCounter(m.counterOpts("worker_errors_total", "Worker persistence failures"))

	m.httpRequests = auto.NewCounterVec(
		m.counterOpts("http_requests_total", "HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"},
	)
	m.httpRequestDuration = auto.NewHistogramVec(
		m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration in milliseconds", nil),
		[]string{"endpoint", "method", "status_code"},
	)

	m.errorRateByComponent = auto.NewCounterVec(
		m.counterOpts("errors_by_component_total", "Errors by component"),
		[]string{"component", "error_type"},
	)

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes", "Heap bytes allocated"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count", "Number of goroutines"))
	m.systemGCPauseTime = auto.NewHistogram(m.histogramOpts(
		"system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	))
}

func on() bool { return globalManager != nil && globalManager.enabled }

// Snapshot outcome labels.
const (
	OutcomeAppended  = "appended"
	OutcomeReplaced  = "replaced"
	OutcomeDiscarded = "discarded"
)

// RecordSnapshotOutcome counts one merge outcome.
func RecordSnapshotOutcome(outcome string) {
	if on() {
		globalManager.snapshotOutcomes.WithLabelValues(outcome).Inc()
	}
}

// RecordSnapshotsEvicted counts snapshots dropped by retention.
func RecordSnapshotsEvicted(n int) {
	if on() && n > 0 {
		globalManager.snapshotsEvicted.Add(float64(n))
	}
}

// RecordHistoryLength observes the length of a history after append.
func RecordHistoryLength(n int) {
	if on() {
		globalManager.historyLength.Observe(float64(n))
	}
}

// RecordPersistenceFailure counts a degraded store operation.
func RecordPersistenceFailure(backend, op string) {
	if on() {
		globalManager.persistenceFailures.WithLabelValues(backend, op).Inc()
	}
}

// RecordStoreLatency observes a store operation latency in milliseconds.
func RecordStoreLatency(backend, op string, latencyMs float64) {
	if on() {
		globalManager.storeLatency.WithLabelValues(backend, op).Observe(latencyMs)
	}
}

// RecordUpstreamRequest counts one scoring source call by HTTP status.
func RecordUpstreamRequest(status string, latencyMs float64) {
	if on() {
		globalManager.upstreamRequests.WithLabelValues(status).Inc()
		globalManager.upstreamLatency.Observe(latencyMs)
	}
}

// RecordUpstreamError counts an observer failure by kind.
func RecordUpstreamError(kind string) {
	if on() {
		globalManager.upstreamErrors.WithLabelValues(kind).Inc()
	}
}

// RecordObserverCache counts a cache lookup result: hit, miss or shared.
func RecordObserverCache(result string) {
	if on() {
		globalManager.observerCache.WithLabelValues(result).Inc()
	}
}

// RecordStaleFallback counts a read served from the last stored snapshot.
func RecordStaleFallback() {
	if on() {
		globalManager.staleFallbacks.Inc()
	}
}

// UpdateTrackedSize sets the tracked set size.
func UpdateTrackedSize(n int) {
	if on() {
		globalManager.trackedSize.Set(float64(n))
	}
}

// RecordTrackedEviction counts an unpinned member evicted from the tracked set.
func RecordTrackedEviction() {
	if on() {
		globalManager.trackedEvictions.Inc()
	}
}

// RecordSweep records a completed sweep.
func RecordSweep(duration time.Duration) {
	if on() {
		globalManager.sweepRuns.Inc()
		globalManager.sweepDuration.Observe(duration.Seconds())
		globalManager.sweepLastUnix.Set(float64(time.Now().Unix()))
	}
}

// RecordSweepResult counts a per-identity sweep result.
func RecordSweepResult(result string) {
	if on() {
		globalManager.sweepResults.WithLabelValues(result).Inc()
	}
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	if on() {
		globalManager.queueSize.Set(float64(size))
	}
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	if on() {
		globalManager.queueCapacity.Set(float64(capacity))
	}
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	if on() {
		globalManager.queueEnqueueRate.Inc()
	}
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	if on() {
		globalManager.queueDequeueRate.Inc()
	}
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	if on() {
		globalManager.queueEnqueueErrors.Inc()
	}
}

// UpdateWorkerActiveCount sets the number of running workers.
func UpdateWorkerActiveCount(count int) {
	if on() {
		globalManager.workerActiveCount.Set(float64(count))
	}
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	if on() {
		globalManager.workerProcessingLatency.Observe(latencyMs)
	}
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	if on() {
		globalManager.workerErrorRate.Inc()
	}
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if on() {
		globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

// RecordHTTPRequestDuration records HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if on() {
		globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
	}
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	if on() {
		globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
	}
}

// UpdateSystemMemoryUsage sets the heap usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	if on() {
		globalManager.systemMemoryUsage.Set(float64(bytes))
	}
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	if on() {
		globalManager.systemGoroutineCount.Set(float64(count))
	}
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	if on() {
		globalManager.systemGCPauseTime.Observe(pauseMs)
	}
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
