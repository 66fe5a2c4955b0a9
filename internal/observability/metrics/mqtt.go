package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTT error stages.
const (
	MQTTStageConnect  = "connect"
	MQTTStagePublish  = "publish"
	MQTTStageConnLost = "connection_lost"
)

// MQTTMetrics tracks the status publisher: broker link, deliveries per topic
// and the number of alerts last announced.
type MQTTMetrics struct {
	connected      prometheus.Gauge
	lastConnect    prometheus.Gauge
	reconnects     prometheus.Counter
	delivered      *prometheus.CounterVec
	errors         *prometheus.CounterVec
	payloadBytes   *prometheus.HistogramVec
	publishLatency prometheus.Histogram
	alertsActive   prometheus.Gauge
}

// NewMQTTMetrics creates and registers the MQTT collectors.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_connected",
			Help: "1 while the status publisher holds a broker connection",
		}),
		lastConnect: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_last_connect_timestamp_seconds",
			Help: "Unix time of the last successful broker connection",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_reconnect_attempts_total",
			Help: "Automatic reconnection attempts",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_messages_delivered_total",
			Help: "Messages acknowledged by the broker, by topic suffix",
		}, []string{"topic"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_errors_total",
			Help: "MQTT failures by stage",
		}, []string{"stage"}),
		payloadBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mqtt_payload_size_bytes",
			Help:    "Size of published payloads",
			Buckets: prometheus.ExponentialBuckets(BucketStart64B, BucketFactor2, BucketCount10),
		}, []string{"topic"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqtt_publish_latency_seconds",
			Help:    "Time from publish to broker acknowledgement",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
		}),
		alertsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_alerts_announced",
			Help: "Number of alerts in the last published alert message",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register MQTT metrics: %w", err)
	}
	return m, nil
}

// SetConnected flips the connection gauge; a connect also stamps the time.
func (m *MQTTMetrics) SetConnected(connected bool) {
	if !connected {
		m.connected.Set(0)
		return
	}
	m.connected.Set(1)
	m.lastConnect.SetToCurrentTime()
}

// RecordReconnect counts one reconnection attempt.
func (m *MQTTMetrics) RecordReconnect() {
	m.reconnects.Inc()
}

// RecordError counts a failure at the given stage.
func (m *MQTTMetrics) RecordError(stage string) {
	m.errors.WithLabelValues(stage).Inc()
}

// RecordDelivery records an acknowledged publish on topic.
func (m *MQTTMetrics) RecordDelivery(topic string, size int, latency time.Duration) {
	m.delivered.WithLabelValues(topic).Inc()
	m.payloadBytes.WithLabelValues(topic).Observe(float64(size))
	m.publishLatency.Observe(latency.Seconds())
}

// SetAlertsAnnounced records how many alerts the last alert message carried.
func (m *MQTTMetrics) SetAlertsAnnounced(n int) {
	m.alertsActive.Set(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.connected.Describe(ch)
	m.lastConnect.Describe(ch)
	m.reconnects.Describe(ch)
	m.delivered.Describe(ch)
	m.errors.Describe(ch)
	m.payloadBytes.Describe(ch)
	m.publishLatency.Describe(ch)
	m.alertsActive.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	m.connected.Collect(ch)
	m.lastConnect.Collect(ch)
	m.reconnects.Collect(ch)
	m.delivered.Collect(ch)
	m.errors.Collect(ch)
	m.payloadBytes.Collect(ch)
	m.publishLatency.Collect(ch)
	m.alertsActive.Collect(ch)
}
