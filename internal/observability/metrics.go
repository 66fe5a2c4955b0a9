// Package observability wires the Prometheus collectors of every syncbrain
// component onto one registry.
package observability

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blinksync/syncbrain/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry   *prometheus.Registry
	Drive      *metrics.DriveMetrics
	Transfer   *metrics.TransferMetrics
	Processing *metrics.ProcessingMetrics
	Retention  *metrics.RetentionMetrics
	MQTT       *metrics.MQTTMetrics
	HTTP       *metrics.HTTPMetrics
}

// NewMetrics creates a new instance of Metrics on a private registry, so
// several instances can coexist in tests.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	driveMetrics, err := metrics.NewDriveMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive metrics: %w", err)
	}

	transferMetrics, err := metrics.NewTransferMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer metrics: %w", err)
	}

	processingMetrics, err := metrics.NewProcessingMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create processing metrics: %w", err)
	}

	retentionMetrics, err := metrics.NewRetentionMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create retention metrics: %w", err)
	}

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	return &Metrics{
		registry:   registry,
		Drive:      driveMetrics,
		Transfer:   transferMetrics,
		Processing: processingMetrics,
		Retention:  retentionMetrics,
		MQTT:       mqttMetrics,
		HTTP:       httpMetrics,
	}, nil
}

// Registry returns the registry every collector is registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
