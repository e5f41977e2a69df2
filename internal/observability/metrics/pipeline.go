package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for the scan, rule matching and
// deidentification stages.
type PipelineMetrics struct {
	registry *prometheus.Registry

	// Scan metrics
	filesScannedTotal *prometheus.CounterVec
	scanDuration      prometheus.Histogram

	// Rule matching metrics
	seriesMatchedTotal *prometheus.CounterVec

	// Deidentification metrics
	deidentificationsTotal  *prometheus.CounterVec
	deidentificationSeconds prometheus.Histogram

	// Batch metrics
	batchSeconds prometheus.Histogram
}

// NewPipelineMetrics creates and registers new pipeline metrics
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *PipelineMetrics) initMetrics() error {
	m.filesScannedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_files_scanned_total",
			Help: "Total number of files seen by the storage scanner",
		},
		[]string{"action"}, // action: ingested, skipped
	)

	m.scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_scan_duration_seconds",
		Help:    "Time taken for one full storage scan",
		Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
	})

	m.seriesMatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_series_matched_total",
			Help: "Total number of series evaluated against the rule catalog",
		},
		[]string{"outcome"}, // outcome: matched, not_matched, multiple
	)

	m.deidentificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_deidentifications_total",
			Help: "Total number of series deidentification runs",
		},
		[]string{"status"}, // status: success, error
	)

	m.deidentificationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_deidentification_duration_seconds",
		Help:    "Time taken to deidentify one series",
		Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
	})

	m.batchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_batch_duration_seconds",
		Help:    "Time taken for one full processing batch",
		Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
	})

	return nil
}

// Describe implements the Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.filesScannedTotal.Describe(ch)
	m.scanDuration.Describe(ch)
	m.seriesMatchedTotal.Describe(ch)
	m.deidentificationsTotal.Describe(ch)
	m.deidentificationSeconds.Describe(ch)
	m.batchSeconds.Describe(ch)
}

// Collect implements the Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.filesScannedTotal.Collect(ch)
	m.scanDuration.Collect(ch)
	m.seriesMatchedTotal.Collect(ch)
	m.deidentificationsTotal.Collect(ch)
	m.deidentificationSeconds.Collect(ch)
	m.batchSeconds.Collect(ch)
}

// RecordFilesScanned adds to the scanned file counter for one action
func (m *PipelineMetrics) RecordFilesScanned(action string, count float64) {
	m.filesScannedTotal.WithLabelValues(action).Add(count)
}

// RecordScanDuration records the duration of a full storage scan
func (m *PipelineMetrics) RecordScanDuration(duration float64) {
	m.scanDuration.Observe(duration)
}

// RecordSeriesMatched records one rule matching outcome
func (m *PipelineMetrics) RecordSeriesMatched(outcome string) {
	m.seriesMatchedTotal.WithLabelValues(outcome).Inc()
}

// RecordDeidentification records one deidentification run
func (m *PipelineMetrics) RecordDeidentification(status string, duration float64) {
	m.deidentificationsTotal.WithLabelValues(status).Inc()
	m.deidentificationSeconds.Observe(duration)
}

// RecordBatchDuration records the duration of a full processing batch
func (m *PipelineMetrics) RecordBatchDuration(duration float64) {
	m.batchSeconds.Observe(duration)
}
