package mqtt

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
	"github.com/blinksync/syncbrain/internal/observability/metrics"
	"github.com/blinksync/syncbrain/internal/status"
)

// Topic suffixes under the configured prefix
const (
	TopicStatus = "status"
	TopicAlerts = "alerts"
)

// Snapshotter produces status snapshots
type Snapshotter interface {
	Snapshot(ctx context.Context) (*status.Snapshot, error)
}

// alertMessage is the payload of the alerts topic
type alertMessage struct {
	Node   string         `json:"node"`
	Alerts []status.Alert `json:"alerts"`
	At     time.Time      `json:"at"`
}

// Publisher sends the status snapshot on a fixed interval and the alert list
// whenever it changes. Both are retained when configured.
type Publisher struct {
	client   Client
	source   Snapshotter
	prefix   string
	retain   bool
	interval time.Duration

	lastAlerts []string // kinds of the last published alert list, nil before the first publish
	metrics    *metrics.MQTTMetrics
	log        logger.Logger
}

// NewPublisher creates a publisher for the mqtt settings
func NewPublisher(settings *conf.MQTTSettings, client Client, source Snapshotter) *Publisher {
	return &Publisher{
		client:   client,
		source:   source,
		prefix:   strings.TrimSuffix(settings.Topic, "/"),
		retain:   settings.Retain,
		interval: settings.StatusInterval,
		log:      GetLogger(),
	}
}

// SetMetrics attaches collectors for the announced alert count
func (p *Publisher) SetMetrics(m *metrics.MQTTMetrics) {
	p.metrics = m
}

// Topic returns the full topic for suffix
func (p *Publisher) Topic(suffix string) string {
	return p.prefix + "/" + suffix
}

// Run publishes until ctx is cancelled. Broker outages are logged and retried
// on the next tick.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.client.Disconnect()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("status publish failed", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PublishOnce connects if needed and publishes one snapshot, plus the alert
// list when it changed since the last successful publish.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	if !p.client.IsConnected() {
		if err := p.client.Connect(ctx); err != nil {
			return err
		}
	}

	snap, err := p.source.Snapshot(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("operation", "marshal_status").
			Build()
	}
	if err := p.client.Publish(ctx, p.Topic(TopicStatus), payload, p.retain); err != nil {
		return err
	}

	kinds := make([]string, len(snap.Alerts))
	for i, a := range snap.Alerts {
		kinds[i] = a.Kind
	}
	if p.lastAlerts != nil && slices.Equal(kinds, p.lastAlerts) {
		return nil
	}

	payload, err = json.Marshal(alertMessage{Node: snap.Node, Alerts: snap.Alerts, At: snap.At})
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("operation", "marshal_alerts").
			Build()
	}
	if err := p.client.Publish(ctx, p.Topic(TopicAlerts), payload, p.retain); err != nil {
		return err
	}
	p.lastAlerts = kinds
	if p.metrics != nil {
		p.metrics.SetAlertsAnnounced(len(kinds))
	}
	p.log.Info("alert state published", logger.Any("alerts", kinds))
	return nil
}
