package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// driveModes lists every value of the mode gauge so unused modes read 0
// instead of disappearing.
var driveModes = []string{"storage", "server", "transitioning", "unknown"}

// DriveMetrics tracks mode switches of the shared backing image.
type DriveMetrics struct {
	registry *prometheus.Registry

	mode           *prometheus.GaugeVec
	switchesTotal  *prometheus.CounterVec
	switchDuration *prometheus.HistogramVec
	switchAttempts *prometheus.HistogramVec
	busyRejections prometheus.Counter
	lastSwitchTime prometheus.Gauge
}

// NewDriveMetrics creates and registers the drive collectors.
func NewDriveMetrics(registry *prometheus.Registry) (*DriveMetrics, error) {
	m := &DriveMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DriveMetrics) initMetrics() {
	m.mode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drive_mode",
			Help: "Current drive mode (1 for the active mode, 0 otherwise)",
		},
		[]string{"mode"},
	)
	for _, mode := range driveModes {
		m.mode.WithLabelValues(mode).Set(0)
	}

	m.switchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drive_switches_total",
			Help: "Total number of mode switches by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	m.switchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drive_switch_duration_seconds",
			Help:    "Time taken by a mode switch including retries and rollback",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
		},
		[]string{"target"},
	)

	m.switchAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drive_switch_attempts",
			Help:    "Attempts needed per mode switch",
			Buckets: prometheus.LinearBuckets(1, 1, BucketCount8),
		},
		[]string{"target"},
	)

	m.busyRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drive_busy_rejections_total",
		Help: "Switch requests rejected because another switch was in progress",
	})

	m.lastSwitchTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drive_last_switch_time_seconds",
		Help: "Timestamp of the last completed switch attempt",
	})
}

// Describe implements the prometheus.Collector interface.
func (m *DriveMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.mode.Describe(ch)
	m.switchesTotal.Describe(ch)
	m.switchDuration.Describe(ch)
	m.switchAttempts.Describe(ch)
	m.busyRejections.Describe(ch)
	m.lastSwitchTime.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *DriveMetrics) Collect(ch chan<- prometheus.Metric) {
	m.mode.Collect(ch)
	m.switchesTotal.Collect(ch)
	m.switchDuration.Collect(ch)
	m.switchAttempts.Collect(ch)
	m.busyRejections.Collect(ch)
	m.lastSwitchTime.Collect(ch)
}

// RecordSwitch records one finished switch request.
func (m *DriveMetrics) RecordSwitch(target, outcome string, attempts int, d time.Duration) {
	m.switchesTotal.WithLabelValues(target, outcome).Inc()
	m.switchDuration.WithLabelValues(target).Observe(d.Seconds())
	m.switchAttempts.WithLabelValues(target).Observe(float64(attempts))
	m.lastSwitchTime.SetToCurrentTime()
}

// SetMode marks mode as the active one.
func (m *DriveMetrics) SetMode(mode string) {
	for _, known := range driveModes {
		m.mode.WithLabelValues(known).Set(0)
	}
	m.mode.WithLabelValues(mode).Set(1)
}

// RecordBusyRejection counts a switch request refused by the reject busy policy.
func (m *DriveMetrics) RecordBusyRejection() {
	m.busyRejections.Inc()
}
