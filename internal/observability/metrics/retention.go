package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RetentionMetrics contains Prometheus metrics for retention passes over local clips
type RetentionMetrics struct {
	registry *prometheus.Registry

	// Storage metrics
	storageUtilizationPercentage prometheus.Gauge
	storageCritical              prometheus.Gauge

	// Reconcile metrics
	reconcileOperationsTotal prometheus.Counter
	clipsDeletedTotal        prometheus.Counter
	bytesFreedTotal          prometheus.Counter
	reconcileDurationSeconds prometheus.Histogram
	lastReconcileTime        prometheus.Gauge
}

// NewRetentionMetrics creates and registers new retention metrics
func NewRetentionMetrics(registry *prometheus.Registry) (*RetentionMetrics, error) {
	m := &RetentionMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RetentionMetrics) initMetrics() {
	m.storageUtilizationPercentage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "retention_storage_utilization_percentage",
		Help: "Utilization of the filesystem holding local clips as a percentage",
	})

	m.storageCritical = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "retention_storage_critical",
		Help: "1 while the StorageCritical alert is active",
	})

	m.reconcileOperationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retention_reconcile_operations_total",
		Help: "Total number of retention passes",
	})

	m.clipsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retention_clips_deleted_total",
		Help: "Total number of clips deleted by retention",
	})

	m.bytesFreedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retention_bytes_freed_total",
		Help: "Total bytes freed by retention",
	})

	m.reconcileDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "retention_reconcile_duration_seconds",
		Help:    "Time taken for a retention pass",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
	})

	m.lastReconcileTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "retention_last_reconcile_time_seconds",
		Help: "Timestamp of the last retention pass",
	})
}

// Describe implements the Collector interface
func (m *RetentionMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.storageUtilizationPercentage.Describe(ch)
	m.storageCritical.Describe(ch)
	m.reconcileOperationsTotal.Describe(ch)
	m.clipsDeletedTotal.Describe(ch)
	m.bytesFreedTotal.Describe(ch)
	m.reconcileDurationSeconds.Describe(ch)
	m.lastReconcileTime.Describe(ch)
}

// Collect implements the Collector interface
func (m *RetentionMetrics) Collect(ch chan<- prometheus.Metric) {
	m.storageUtilizationPercentage.Collect(ch)
	m.storageCritical.Collect(ch)
	m.reconcileOperationsTotal.Collect(ch)
	m.clipsDeletedTotal.Collect(ch)
	m.bytesFreedTotal.Collect(ch)
	m.reconcileDurationSeconds.Collect(ch)
	m.lastReconcileTime.Collect(ch)
}

// RecordReconcile records a finished retention pass
func (m *RetentionMetrics) RecordReconcile(deleted int, freed int64, d time.Duration) {
	m.reconcileOperationsTotal.Inc()
	m.clipsDeletedTotal.Add(float64(deleted))
	m.bytesFreedTotal.Add(float64(freed))
	m.reconcileDurationSeconds.Observe(d.Seconds())
	m.lastReconcileTime.SetToCurrentTime()
}

// SetStorageUsage updates the utilization gauge from a used/total fraction
func (m *RetentionMetrics) SetStorageUsage(fraction float64) {
	m.storageUtilizationPercentage.Set(fraction * PercentageFactor)
}

// SetStorageCritical mirrors the StorageCritical alert
func (m *RetentionMetrics) SetStorageCritical(active bool) {
	if active {
		m.storageCritical.Set(1)
		return
	}
	m.storageCritical.Set(0)
}
