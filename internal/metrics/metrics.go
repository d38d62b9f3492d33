// Package metrics exposes Prometheus counters/histograms for the relay's
// HTTP surface, dispatch queue, and envelope crypto, plus the health
// endpoints the orchestrator polls.
package metrics

import (
	"context"
	"net/http"
	"runtime"
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
	// EnableModelLabel controls whether the model name is attached as a
	// label on dispatch metrics. Disable on deployments with many
	// dynamically-named models to bound cardinality.
	EnableModelLabel bool
}

// Metrics holds all relay metrics.
type Metrics struct {
	config Config

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	dispatchSubmitTotal  *prometheus.CounterVec
	dispatchQueueDepth   *prometheus.GaugeVec
	dispatchQueueFull    *prometheus.CounterVec
	dispatchPollDuration *prometheus.HistogramVec
	ticketExpiredTotal   prometheus.Counter

	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec

	workersRegistered         prometheus.Gauge
	workersEvicted            prometheus.Counter
	rateLimitRejectionsTotal  *prometheus.CounterVec
	hardwareAccelerationEnabled *prometheus.GaugeVec

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a new metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableModelLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom
// registry, to avoid registration conflicts across parallel tests.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableModelLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_request_bytes_total",
				Help: "Total bytes transferred in HTTP request bodies",
			},
			[]string{"method", "path"},
		),
		dispatchSubmitTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dispatch_submit_total",
				Help: "Total number of client submissions accepted into the dispatch queue",
			},
			[]string{"model"},
		),
		dispatchQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_dispatch_queue_depth",
				Help: "Number of requests currently queued per worker",
			},
			[]string{"worker_id"},
		),
		dispatchQueueFull: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dispatch_queue_full_total",
				Help: "Total number of submissions rejected because a worker's inbound queue was full",
			},
			[]string{"model"},
		),
		dispatchPollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_dispatch_poll_duration_seconds",
				Help:    "Worker long-poll wait duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"}, // "delivered" or "timeout"
		),
		ticketExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_ticket_expired_total",
				Help: "Total number of request tickets reaped for exceeding their TTL unclaimed",
			},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_envelope_operations_total",
				Help: "Total number of envelope encrypt/decrypt operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_envelope_duration_seconds",
				Help:    "Envelope encrypt/decrypt operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_envelope_errors_total",
				Help: "Total number of envelope encrypt/decrypt errors",
			},
			[]string{"operation", "error_type"},
		),
		workersRegistered: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_workers_registered",
				Help: "Number of workers currently registered",
			},
		),
		workersEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_workers_evicted_total",
				Help: "Total number of workers evicted for exceeding WORKER_TTL",
			},
		),
		rateLimitRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_rate_limit_rejections_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"action"},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_hardware_acceleration_enabled",
				Help: "Hardware acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_goroutines",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_memory_sys_bytes",
				Help: "Total bytes of memory obtained from the OS",
			},
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

// RecordHTTPRequest records an HTTP request metric. No request or response
// body content ever reaches this call; only method, path, status and size.
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

// sanitizePathLabel reduces high-cardinality paths (request IDs embedded in
// the path) to stable labels.
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

// RecordSubmit records an accepted client submission.
func (m *Metrics) RecordSubmit(model string) {
	m.dispatchSubmitTotal.WithLabelValues(m.modelLabel(model)).Inc()
}

// RecordQueueFull records a submission rejected due to a full worker queue.
func (m *Metrics) RecordQueueFull(model string) {
	m.dispatchQueueFull.WithLabelValues(m.modelLabel(model)).Inc()
}

// SetQueueDepth reports the current depth of a worker's inbound queue.
func (m *Metrics) SetQueueDepth(workerID string, depth int) {
	m.dispatchQueueDepth.WithLabelValues(workerID).Set(float64(depth))
}

// RecordPollDuration records how long a worker's long-poll call waited.
func (m *Metrics) RecordPollDuration(delivered bool, duration time.Duration) {
	result := "timeout"
	if delivered {
		result = "delivered"
	}
	m.dispatchPollDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordTicketExpired records a ticket reaped unclaimed past its TTL.
func (m *Metrics) RecordTicketExpired() {
	m.ticketExpiredTotal.Inc()
}

func (m *Metrics) modelLabel(model string) string {
	if !m.config.EnableModelLabel {
		return "*"
	}
	return model
}

// RecordEnvelopeOperation records an envelope encrypt/decrypt operation.
func (m *Metrics) RecordEnvelopeOperation(ctx context.Context, operation string, duration time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.encryptionOperations.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.encryptionOperations.WithLabelValues(operation).Inc()
		}
		if observer, ok := m.encryptionDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
	} else {
		m.encryptionOperations.WithLabelValues(operation).Inc()
		m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordEnvelopeError records an envelope encrypt/decrypt failure.
func (m *Metrics) RecordEnvelopeError(operation, errorType string) {
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// SetWorkersRegistered reports the current worker registry size.
func (m *Metrics) SetWorkersRegistered(n int) {
	m.workersRegistered.Set(float64(n))
}

// RecordWorkerEvicted records a worker dropped by the TTL reaper.
func (m *Metrics) RecordWorkerEvicted() {
	m.workersEvicted.Inc()
}

// RecordRateLimitRejection records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimitRejection(action string) {
	m.rateLimitRejectionsTotal.WithLabelValues(action).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates
// system metrics until stop is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler for the /metrics endpoint. It carries
// only the counters/histograms above: no payload bytes ever pass through
// the metrics subsystem.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

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
