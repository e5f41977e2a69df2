// Package metrics provides Prometheus collectors for the agent's pipeline
// and export subsystems.
package metrics

// Histogram bucket parameters shared across collectors.
const (
	// BucketStart1ms is the smallest bucket for fast operations (1ms).
	BucketStart1ms = 0.001
	// BucketStart100ms is the smallest bucket for slower operations (100ms).
	BucketStart100ms = 0.1
	// BucketFactor2 doubles each successive bucket.
	BucketFactor2 = 2.0
	// BucketCount10 yields ten buckets.
	BucketCount10 = 10
	// BucketCount12 yields twelve buckets.
	BucketCount12 = 12
)

// Status label values shared across collectors.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)
