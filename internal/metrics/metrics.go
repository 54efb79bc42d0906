package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Metadata resolution metrics
	ResolutionTotal    *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec
	FetchBytes         *prometheus.HistogramVec

	// Node pool metrics
	NodeProbeTotal    *prometheus.CounterVec
	NodeProbeDuration *prometheus.HistogramVec
	PollInterval      prometheus.Gauge

	// Big-map introspection metrics
	BigMapLookupTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		ResolutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metadata_resolution_total",
			Help: "Total number of metadata resolution steps",
		}, []string{"scheme", "status"}),

		ResolutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metadata_resolution_duration_seconds",
			Help:    "Metadata resolution step duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"scheme", "status"}),

		FetchBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metadata_fetch_bytes",
			Help:    "Size of fetched metadata payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"scheme"}),

		NodeProbeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "node_probe_total",
			Help: "Total number of node liveness probes",
		}, []string{"node", "status"}),

		NodeProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "node_probe_duration_seconds",
			Help:    "Node liveness probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"node", "status"}),

		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "node_poll_interval_seconds",
			Help: "Current node pool polling interval in seconds",
		}),

		BigMapLookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bigmap_lookup_total",
			Help: "Total number of metadata big-map lookups",
		}, []string{"operation", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.ResolutionTotal)
	registerOrGet(m.ResolutionDuration)
	registerOrGet(m.FetchBytes)
	registerOrGet(m.NodeProbeTotal)
	registerOrGet(m.NodeProbeDuration)
	registerOrGet(m.PollInterval)
	registerOrGet(m.BigMapLookupTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
