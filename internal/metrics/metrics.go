package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics represents the metrics collection system
type Metrics struct {
	registry   *prometheus.Registry
	namespace  string
	collectors map[string]prometheus.Collector
	mu         sync.RWMutex
}

// Counter represents a counter metric
type Counter struct {
	metric *prometheus.CounterVec
	labels []string
}

// Gauge represents a gauge metric
type Gauge struct {
	metric *prometheus.GaugeVec
	labels []string
}

// Histogram represents a histogram metric
type Histogram struct {
	metric *prometheus.HistogramVec
	labels []string
}

// NewMetrics creates a new metrics collection system
func NewMetrics(namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "resgov"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &Metrics{
		registry:   registry,
		namespace:  namespace,
		collectors: make(map[string]prometheus.Collector),
	}, nil
}

// NewCounter creates a new counter metric
func (m *Metrics) NewCounter(name, help string, labels []string) *Counter {
	m.mu.Lock()
	defer m.mu.Unlock()

	fullName := m.getFullName(name)
	if existing, exists := m.collectors[fullName]; exists {
		return &Counter{
			metric: existing.(*prometheus.CounterVec),
			labels: labels,
		}
	}

	counter := promauto.With(m.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name:      fullName,
			Help:      help,
			Namespace: m.namespace,
		},
		labels,
	)

	m.collectors[fullName] = counter
	return &Counter{
		metric: counter,
		labels: labels,
	}
}

// NewGauge creates a new gauge metric
func (m *Metrics) NewGauge(name, help string, labels []string) *Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()

	fullName := m.getFullName(name)
	if existing, exists := m.collectors[fullName]; exists {
		return &Gauge{
			metric: existing.(*prometheus.GaugeVec),
			labels: labels,
		}
	}

	gauge := promauto.With(m.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      fullName,
			Help:      help,
			Namespace: m.namespace,
		},
		labels,
	)

	m.collectors[fullName] = gauge
	return &Gauge{
		metric: gauge,
		labels: labels,
	}
}

// NewHistogram creates a new histogram metric
func (m *Metrics) NewHistogram(name, help string, labels []string, buckets []float64) *Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()

	fullName := m.getFullName(name)
	if existing, exists := m.collectors[fullName]; exists {
		return &Histogram{
			metric: existing.(*prometheus.HistogramVec),
			labels: labels,
		}
	}

	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	histogram := promauto.With(m.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:      fullName,
			Help:      help,
			Namespace: m.namespace,
			Buckets:   buckets,
		},
		labels,
	)

	m.collectors[fullName] = histogram
	return &Histogram{
		metric: histogram,
		labels: labels,
	}
}

// GetRegistry returns the Prometheus registry
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// getFullName normalizes a metric name
func (m *Metrics) getFullName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, ".", "_")
	return name
}

// Inc increments the counter
func (c *Counter) Inc(labels ...string) {
	c.metric.WithLabelValues(labels...).Inc()
}

// Add adds a value to the counter
func (c *Counter) Add(value float64, labels ...string) {
	c.metric.WithLabelValues(labels...).Add(value)
}

// Set sets the gauge value
func (g *Gauge) Set(value float64, labels ...string) {
	g.metric.WithLabelValues(labels...).Set(value)
}

// Inc increments the gauge
func (g *Gauge) Inc(labels ...string) {
	g.metric.WithLabelValues(labels...).Inc()
}

// Dec decrements the gauge
func (g *Gauge) Dec(labels ...string) {
	g.metric.WithLabelValues(labels...).Dec()
}

// Observe records an observation in the histogram
func (h *Histogram) Observe(value float64, labels ...string) {
	h.metric.WithLabelValues(labels...).Observe(value)
}

// Timer measures a duration and records it in a histogram
type Timer struct {
	histogram *Histogram
	labels    []string
	start     time.Time
}

// NewTimer creates a new timer for the given histogram
func NewTimer(histogram *Histogram, labels ...string) *Timer {
	return &Timer{
		histogram: histogram,
		labels:    labels,
		start:     time.Now(),
	}
}

// ObserveDuration records the elapsed time since the timer was created
func (t *Timer) ObserveDuration() {
	t.histogram.Observe(time.Since(t.start).Seconds(), t.labels...)
}

// GovernorMetrics bundles the metrics exposed by the resource governor
type GovernorMetrics struct {
	PressureLevel     *Gauge
	DegradationLevel  *Gauge
	LevelTransitions  *Counter
	SampleUsage       *Gauge
	SampleErrors      *Counter
	CacheHits         *Counter
	CacheMisses       *Counter
	CacheEvictions    *Counter
	CacheExpirations  *Counter
	CacheSize         *Gauge
	TasksQueued       *Counter
	TasksCompleted    *Counter
	TasksDeferred     *Counter
	TasksCancelled    *Counter
	SchedulerPending  *Gauge
	SchedulerRunning  *Gauge
	SchedulerDeferred *Gauge
	WorkerBusy        *Gauge
	WorkerRestarts    *Counter
	DispatchDuration  *Histogram
	RateLimitRejects  *Counter
	CleanupRuns       *Counter
	CleanupFreedBytes *Gauge
	BufferSize        *Gauge
}

// NewGovernorMetrics creates the governor metrics bundle
func NewGovernorMetrics(m *Metrics) *GovernorMetrics {
	return &GovernorMetrics{
		PressureLevel:     m.NewGauge("pressure_level", "Current pressure level (0=normal..3=critical)", nil),
		DegradationLevel:  m.NewGauge("degradation_level", "Current degradation level (0=normal..3=emergency)", nil),
		LevelTransitions:  m.NewCounter("level_transitions_total", "Degradation level transitions", []string{"direction"}),
		SampleUsage:       m.NewGauge("sample_usage", "Latest sampled usage fraction", []string{"kind"}),
		SampleErrors:      m.NewCounter("sample_errors_total", "Failed resource metric reads", nil),
		CacheHits:         m.NewCounter("cache_hits_total", "Cache hits", []string{"cache"}),
		CacheMisses:       m.NewCounter("cache_misses_total", "Cache misses", []string{"cache"}),
		CacheEvictions:    m.NewCounter("cache_evictions_total", "Cache evictions", []string{"cache"}),
		CacheExpirations:  m.NewCounter("cache_expirations_total", "Cache TTL expirations", []string{"cache"}),
		CacheSize:         m.NewGauge("cache_size", "Current cache entry count", []string{"cache"}),
		TasksQueued:       m.NewCounter("tasks_queued_total", "Background tasks queued", []string{"priority"}),
		TasksCompleted:    m.NewCounter("tasks_completed_total", "Background tasks completed", nil),
		TasksDeferred:     m.NewCounter("tasks_deferred_total", "Background tasks deferred", nil),
		TasksCancelled:    m.NewCounter("tasks_cancelled_total", "Background tasks cancelled", nil),
		SchedulerPending:  m.NewGauge("scheduler_pending", "Pending background tasks", nil),
		SchedulerRunning:  m.NewGauge("scheduler_running", "Running background tasks", nil),
		SchedulerDeferred: m.NewGauge("scheduler_deferred", "Deferred background tasks", nil),
		WorkerBusy:        m.NewGauge("worker_busy", "Busy worker slots", nil),
		WorkerRestarts:    m.NewCounter("worker_restarts_total", "Worker slot replacements after crash", nil),
		DispatchDuration:  m.NewHistogram("dispatch_duration_seconds", "Parallel dispatch round duration", []string{"strategy"}, nil),
		RateLimitRejects:  m.NewCounter("rate_limit_rejects_total", "Requests rejected by rate limiting", []string{"kind"}),
		CleanupRuns:       m.NewCounter("cleanup_runs_total", "Emergency cleanup invocations", []string{"outcome"}),
		CleanupFreedBytes: m.NewGauge("cleanup_freed_bytes", "Bytes freed by the last emergency cleanup", nil),
		BufferSize:        m.NewGauge("record_buffer_size", "Record buffer entry count", nil),
	}
}
