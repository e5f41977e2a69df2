package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ExportMetrics contains Prometheus metrics for archive uploads to the
// remote server.
type ExportMetrics struct {
	registry *prometheus.Registry

	exportsTotal   *prometheus.CounterVec
	exportSeconds  prometheus.Histogram
	uploadBytes    prometheus.Counter
	healthChecks   *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
}

// NewExportMetrics creates and registers new export metrics
func NewExportMetrics(registry *prometheus.Registry) (*ExportMetrics, error) {
	m := &ExportMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *ExportMetrics) initMetrics() error {
	m.exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_uploads_total",
			Help: "Total number of archive upload attempts",
		},
		[]string{"status"}, // status: success, error, skipped
	)

	m.exportSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "export_upload_duration_seconds",
		Help:    "Time taken for one archive upload",
		Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
	})

	m.uploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "export_upload_bytes_total",
		Help: "Total bytes uploaded to the remote server",
	})

	m.healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_health_checks_total",
			Help: "Total number of remote server health checks",
		},
		[]string{"result"}, // result: healthy, unhealthy, error
	)

	m.tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_token_refreshes_total",
			Help: "Total number of access token refreshes",
		},
		[]string{"status"}, // status: success, error
	)

	return nil
}

// Describe implements the Collector interface
func (m *ExportMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.exportsTotal.Describe(ch)
	m.exportSeconds.Describe(ch)
	m.uploadBytes.Describe(ch)
	m.healthChecks.Describe(ch)
	m.tokenRefreshes.Describe(ch)
}

// Collect implements the Collector interface
func (m *ExportMetrics) Collect(ch chan<- prometheus.Metric) {
	m.exportsTotal.Collect(ch)
	m.exportSeconds.Collect(ch)
	m.uploadBytes.Collect(ch)
	m.healthChecks.Collect(ch)
	m.tokenRefreshes.Collect(ch)
}

// RecordExport records one upload attempt with its duration
func (m *ExportMetrics) RecordExport(status string, duration float64) {
	m.exportsTotal.WithLabelValues(status).Inc()
	m.exportSeconds.Observe(duration)
}

// RecordUploadBytes adds to the uploaded byte counter
func (m *ExportMetrics) RecordUploadBytes(bytes float64) {
	m.uploadBytes.Add(bytes)
}

// RecordHealthCheck records one health check result
func (m *ExportMetrics) RecordHealthCheck(result string) {
	m.healthChecks.WithLabelValues(result).Inc()
}

// RecordTokenRefresh records one token refresh attempt
func (m *ExportMetrics) RecordTokenRefresh(status string) {
	m.tokenRefreshes.WithLabelValues(status).Inc()
}
