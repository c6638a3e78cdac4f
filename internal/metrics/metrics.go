// Package metrics exposes Prometheus counters/histograms/gauges for the
// chunk-cache engine: control-plane HTTP traffic, backing-store
// operations, transform (encrypt/compress) operations, per-state
// transition counts (the Prometheus equivalent of `struct nexus_stats`'
// `state_count`/`state_time_us`), and cache hit/miss/eviction counts.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config holds metrics configuration.
type Config struct {
	EnableDeviceLabel bool
}

// Metrics holds all application metrics.
type Metrics struct {
	config Config

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	chunkStoreOperationsTotal   *prometheus.CounterVec
	chunkStoreOperationDuration *prometheus.HistogramVec
	chunkStoreOperationErrors   *prometheus.CounterVec

	transformOperations *prometheus.CounterVec
	transformDuration   *prometheus.HistogramVec
	transformErrors     *prometheus.CounterVec
	transformBytes      *prometheus.CounterVec

	keyRotatedReads *prometheus.CounterVec

	stateTransitionsTotal *prometheus.CounterVec
	stateTimeSeconds      *prometheus.HistogramVec
	cacheHitsTotal        prometheus.Counter
	cacheMissesTotal      prometheus.Counter
	cacheEvictionsTotal   *prometheus.CounterVec

	bufferPoolHits   *prometheus.CounterVec
	bufferPoolMisses *prometheus.CounterVec

	activeConnections           prometheus.Gauge
	goroutines                  prometheus.Gauge
	memoryAllocBytes            prometheus.Gauge
	memorySysBytes              prometheus.Gauge
	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableDeviceLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom
// registry. Useful for tests, to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableDeviceLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of control-API HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Control-API HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in control-API HTTP requests",
			},
			[]string{"method", "path"},
		),
		chunkStoreOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkstore_operations_total",
				Help: "Total number of backing-store chunk operations",
			},
			[]string{"operation", "device"},
		),
		chunkStoreOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunkstore_operation_duration_seconds",
				Help:    "Backing-store chunk operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "device"},
		),
		chunkStoreOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkstore_operation_errors_total",
				Help: "Total number of backing-store chunk operation errors",
			},
			[]string{"operation", "device", "error_type"},
		),
		transformOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transform_operations_total",
				Help: "Total number of encrypt/decrypt transform operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		transformDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transform_duration_seconds",
				Help:    "Encrypt/decrypt transform operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		transformErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transform_errors_total",
				Help: "Total number of encrypt/decrypt transform errors",
			},
			[]string{"operation", "error_type"},
		),
		transformBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transform_bytes_total",
				Help: "Total plaintext bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		keyRotatedReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_rotated_reads_total",
				Help: "Total number of unwrap operations using a rotated (non-active) KMIP key version",
			},
			[]string{"key_version", "active_version"},
		),
		stateTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_state_transitions_total",
				Help: "Total number of chunk record transitions into each state",
			},
			[]string{"state"},
		),
		stateTimeSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunk_state_time_seconds",
				Help:    "Time a chunk record spends in each state before transitioning out",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		cacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of chunk table reservations that found an already-resident record",
			},
		),
		cacheMissesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of chunk table reservations that allocated a fresh record",
			},
		),
		cacheEvictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_evictions_total",
				Help: "Total number of LRU chunk table evictions, by the evicted record's state",
			},
			[]string{"state"},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_hits_total",
				Help: "Total number of buffer pool hits",
			},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_misses_total",
				Help: "Total number of buffer pool misses",
			},
			[]string{"size_class"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active control-API HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hardware_acceleration_enabled",
				Help: "Hardware acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
	}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// GetHardwareAccelerationEnabledMetric returns the hardware acceleration enabled metric (for testing).
func (m *Metrics) GetHardwareAccelerationEnabledMetric() *prometheus.GaugeVec {
	return m.hardwareAccelerationEnabled
}

// GetKeyRotatedReadsMetric returns the rotated-reads metric (for testing).
func (m *Metrics) GetKeyRotatedReadsMetric() *prometheus.CounterVec {
	return m.keyRotatedReads
}

// GetChunkStoreOperationsTotalMetric returns the chunk-store operations metric (for testing).
func (m *Metrics) GetChunkStoreOperationsTotalMetric() *prometheus.CounterVec {
	return m.chunkStoreOperationsTotal
}

// RecordHTTPRequest records a control-API HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	label := sanitizePathLabel(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.httpRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.httpRequestsTotal.With(labels).Inc()
		}
		if observer, ok := m.httpRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.httpRequestDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.httpRequestsTotal.With(labels).Inc()
		m.httpRequestDuration.With(labels).Observe(duration.Seconds())
	}

	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizePathLabel reduces high-cardinality paths to stable labels.
func sanitizePathLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}

// RecordChunkStoreOperation records a backing-store chunk operation metric.
func (m *Metrics) RecordChunkStoreOperation(ctx context.Context, operation, device string, duration time.Duration) {
	deviceLabel := device
	if !m.config.EnableDeviceLabel {
		deviceLabel = "*"
	}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.chunkStoreOperationsTotal.WithLabelValues(operation, deviceLabel).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.chunkStoreOperationsTotal.WithLabelValues(operation, deviceLabel).Inc()
		}
		if observer, ok := m.chunkStoreOperationDuration.WithLabelValues(operation, deviceLabel).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.chunkStoreOperationDuration.WithLabelValues(operation, deviceLabel).Observe(duration.Seconds())
		}
	} else {
		m.chunkStoreOperationsTotal.WithLabelValues(operation, deviceLabel).Inc()
		m.chunkStoreOperationDuration.WithLabelValues(operation, deviceLabel).Observe(duration.Seconds())
	}
}

// RecordChunkStoreError records a backing-store operation error.
func (m *Metrics) RecordChunkStoreError(ctx context.Context, operation, device, errorType string) {
	deviceLabel := device
	if !m.config.EnableDeviceLabel {
		deviceLabel = "*"
	}
	m.chunkStoreOperationErrors.WithLabelValues(operation, deviceLabel, errorType).Inc()
}

// RecordTransformOperation records an encrypt/decrypt transform metric.
func (m *Metrics) RecordTransformOperation(ctx context.Context, operation string, duration time.Duration, bytes int64) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.transformOperations.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.transformOperations.WithLabelValues(operation).Inc()
		}
		if observer, ok := m.transformDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.transformDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
	} else {
		m.transformOperations.WithLabelValues(operation).Inc()
		m.transformDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
	m.transformBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordTransformError records an encrypt/decrypt transform error.
func (m *Metrics) RecordTransformError(ctx context.Context, operation, errorType string) {
	m.transformErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordRotatedRead records an UnwrapKey call using a rotated (non-active) KMIP key version.
func (m *Metrics) RecordRotatedRead(ctx context.Context, keyVersion, activeVersion int) {
	labels := []string{strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)}
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.keyRotatedReads.WithLabelValues(labels...).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
			return
		}
	}
	m.keyRotatedReads.WithLabelValues(labels...).Inc()
}

// RecordStateTransition records a chunk record entering state, having
// spent timeInPreviousState in whatever state preceded it.
func (m *Metrics) RecordStateTransition(state string, timeInPreviousState time.Duration) {
	m.stateTransitionsTotal.WithLabelValues(state).Inc()
	if timeInPreviousState > 0 {
		m.stateTimeSeconds.WithLabelValues(state).Observe(timeInPreviousState.Seconds())
	}
}

// RecordCacheHit records a Reserve call that found an already-resident record.
func (m *Metrics) RecordCacheHit() { m.cacheHitsTotal.Inc() }

// RecordCacheMiss records a Reserve call that allocated a fresh record.
func (m *Metrics) RecordCacheMiss() { m.cacheMissesTotal.Inc() }

// RecordCacheEviction records an LRU eviction of a record last seen in state.
func (m *Metrics) RecordCacheEviction(state string) {
	m.cacheEvictionsTotal.WithLabelValues(state).Inc()
}

// RecordBufferPoolHit records a buffer pool hit.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a buffer pool miss.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() { m.activeConnections.Inc() }

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() { m.activeConnections.Dec() }

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts a trace ID from ctx and returns Prometheus Labels for an exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
