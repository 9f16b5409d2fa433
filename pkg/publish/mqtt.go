// Package publish forwards ingested readings to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nicktill/tinyair/pkg/ingest"
)

const (
	qosAtLeastOnce  = 1
	publishTimeout  = 5 * time.Second
	disconnectQuiet = 250 // ms
)

// Options configures the broker connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Topic     string // readings go to <Topic>/<device id>
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher implements ingest.Listener by publishing each reading as JSON.
type Publisher struct {
	client client
	topic  string
	logger *slog.Logger
}

// Message is the JSON document published per reading.
type Message struct {
	DeviceID   string          `json:"device_id"`
	RecordedAt time.Time       `json:"recorded_at"`
	MetricID   int64           `json:"metric_id"`
	Values     map[string]any  `json:"values"`
	Payload    json.RawMessage `json:"raw"`
}

// Connect dials the broker and returns a Publisher. Reconnects are handled by paho.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	o.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", opts.BrokerURL)
	})
	c := mqtt.NewClient(o)

	if err := wait(ctx, c.Connect()); err != nil {
		c.Disconnect(disconnectQuiet)
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return newPublisher(c, opts.Topic, logger), nil
}

func newPublisher(c client, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: c, topic: topic, logger: logger}
}

// OnIngest publishes ev to <topic>/<device id> with QoS 1.
func (p *Publisher) OnIngest(ctx context.Context, ev ingest.Event) error {
	body, err := json.Marshal(Message{
		DeviceID:   ev.DeviceID,
		RecordedAt: ev.Result.RecordedAt,
		MetricID:   ev.Result.MetricID,
		Values:     ev.Values(),
		Payload:    ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	topic := p.topic + "/" + ev.DeviceID
	if err := wait(ctx, p.client.Publish(topic, qosAtLeastOnce, false, body)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	p.logger.Debug("reading published", "topic", topic, "metric_id", ev.Result.MetricID)
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(disconnectQuiet)
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
