package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProcessingMetrics tracks the clip processor's queue and outcomes.
type ProcessingMetrics struct {
	registry *prometheus.Registry

	clipsTotal      *prometheus.CounterVec
	clipDuration    *prometheus.HistogramVec
	framesProcessed prometheus.Counter
	queueDepth      prometheus.Gauge
	running         prometheus.Gauge
}

// NewProcessingMetrics creates and registers the processing collectors.
func NewProcessingMetrics(registry *prometheus.Registry) (*ProcessingMetrics, error) {
	m := &ProcessingMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ProcessingMetrics) initMetrics() {
	m.clipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_clips_total",
			Help: "Total number of clip processing attempts by outcome",
		},
		[]string{"outcome"}, // outcome: done, retry, error, timeout
	)

	m.clipDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processing_clip_duration_seconds",
			Help:    "Time taken to process one clip",
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
		},
		[]string{"outcome"},
	)

	m.framesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "processing_frames_total",
		Help: "Total number of sampled frames run through recognition",
	})

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "processing_queue_depth",
		Help: "Clips waiting for a processing slot",
	})

	m.running = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "processing_running",
		Help: "Clips currently being processed",
	})
}

// Describe implements the prometheus.Collector interface.
func (m *ProcessingMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.clipsTotal.Describe(ch)
	m.clipDuration.Describe(ch)
	m.framesProcessed.Describe(ch)
	m.queueDepth.Describe(ch)
	m.running.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *ProcessingMetrics) Collect(ch chan<- prometheus.Metric) {
	m.clipsTotal.Collect(ch)
	m.clipDuration.Collect(ch)
	m.framesProcessed.Collect(ch)
	m.queueDepth.Collect(ch)
	m.running.Collect(ch)
}

// RecordClip records one processing attempt.
func (m *ProcessingMetrics) RecordClip(outcome string, d time.Duration, frames int) {
	m.clipsTotal.WithLabelValues(outcome).Inc()
	m.clipDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if frames > 0 {
		m.framesProcessed.Add(float64(frames))
	}
}

// SetQueueDepth sets the number of queued clips.
func (m *ProcessingMetrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// SetRunning sets the number of clips being processed.
func (m *ProcessingMetrics) SetRunning(n int) {
	m.running.Set(float64(n))
}
