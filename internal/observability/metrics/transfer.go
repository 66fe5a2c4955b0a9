package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TransferMetrics tracks clip discovery and verified copies.
type TransferMetrics struct {
	registry *prometheus.Registry

	discoveredTotal  prometheus.Counter
	transfersTotal   *prometheus.CounterVec
	bytesTotal       prometheus.Counter
	transferDuration *prometheus.HistogramVec
	clipSize         prometheus.Histogram
}

// NewTransferMetrics creates and registers the transfer collectors.
func NewTransferMetrics(registry *prometheus.Registry) (*TransferMetrics, error) {
	m := &TransferMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *TransferMetrics) initMetrics() {
	m.discoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transfer_clips_discovered_total",
		Help: "Total number of new clips found on the drive",
	})

	m.transfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_clips_total",
			Help: "Total number of clip transfers by outcome",
		},
		[]string{"outcome"},
	)

	m.bytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transfer_bytes_total",
		Help: "Total bytes copied and verified",
	})

	m.transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transfer_duration_seconds",
			Help:    "Time taken to copy and verify a clip",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
		},
		[]string{"outcome"},
	)

	m.clipSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "transfer_clip_size_bytes",
		Help:    "Size of transferred clips",
		Buckets: prometheus.ExponentialBuckets(BucketStart1KB, BucketFactor4, BucketCount10),
	})
}

// Describe implements the prometheus.Collector interface.
func (m *TransferMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.discoveredTotal.Describe(ch)
	m.transfersTotal.Describe(ch)
	m.bytesTotal.Describe(ch)
	m.transferDuration.Describe(ch)
	m.clipSize.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *TransferMetrics) Collect(ch chan<- prometheus.Metric) {
	m.discoveredTotal.Collect(ch)
	m.transfersTotal.Collect(ch)
	m.bytesTotal.Collect(ch)
	m.transferDuration.Collect(ch)
	m.clipSize.Collect(ch)
}

// RecordTransfer records one transfer attempt. bytes is zero unless the copy verified.
func (m *TransferMetrics) RecordTransfer(outcome string, bytes int64, d time.Duration) {
	m.transfersTotal.WithLabelValues(outcome).Inc()
	m.transferDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if bytes > 0 {
		m.bytesTotal.Add(float64(bytes))
		m.clipSize.Observe(float64(bytes))
	}
}

// RecordDiscovered counts clips registered by a scan.
func (m *TransferMetrics) RecordDiscovered(n int) {
	if n > 0 {
		m.discoveredTotal.Add(float64(n))
	}
}
