package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/visiona/sentinel/internal/config"
	"github.com/visiona/sentinel/internal/types"
)

// MQTTSink publishes events to an MQTT topic. Payload encoding is
// JSON by default; msgpack halves payload size for constrained links.
type MQTTSink struct {
	cfg      config.MQTTSinkConfig
	clientID string
	client   mqtt.Client
	encode   func(*types.Event) ([]byte, error)
}

// NewMQTTSink builds an MQTT sink; Connect must be called before
// Write.
func NewMQTTSink(cfg config.MQTTSinkConfig, clientID string) (*MQTTSink, error) {
	s := &MQTTSink{cfg: cfg, clientID: clientID}
	switch cfg.Encoding {
	case "", "json":
		s.encode = func(e *types.Event) ([]byte, error) { return json.Marshal(e) }
	case "msgpack":
		s.encode = func(e *types.Event) ([]byte, error) { return msgpack.Marshal(e) }
	default:
		return nil, fmt.Errorf("mqtt sink: unknown encoding %q", cfg.Encoding)
	}
	return s, nil
}

// Connect establishes the broker connection. The client auto-reconnects
// after transient drops; Write fails cleanly while disconnected.
func (s *MQTTSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", s.cfg.Broker))
	opts.SetClientID(s.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		slog.Info("mqtt sink connected", "broker", s.cfg.Broker, "client_id", s.clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt sink connection lost, will auto-reconnect",
			"broker", s.cfg.Broker,
			"error", err)
	}

	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt sink: connect to %s timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt sink: connect to %s: %w", s.cfg.Broker, err)
	}
	return nil
}

// Name implements types.EventSink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Probe reports whether the broker connection is currently up.
func (s *MQTTSink) Probe(context.Context) error {
	if s.client == nil || !s.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt sink: no open connection to %s", s.cfg.Broker)
	}
	return nil
}

// Write implements types.EventSink.
func (s *MQTTSink) Write(ctx context.Context, event *types.Event) error {
	if s.client == nil || !s.client.IsConnected() {
		return fmt.Errorf("mqtt sink: not connected")
	}

	payload, err := s.encode(event)
	if err != nil {
		return fmt.Errorf("mqtt sink: encode event %s: %w", event.EventID, err)
	}

	token := s.client.Publish(s.cfg.Topic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("mqtt sink: publish timeout for event %s", event.EventID)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt sink: publish event %s: %w", event.EventID, err)
	}

	slog.Debug("event published",
		"topic", s.cfg.Topic,
		"event_id", event.EventID,
		"size", len(payload))
	return nil
}

// Flush implements types.EventSink. Publishes are synchronous, so
// there is nothing buffered to flush.
func (s *MQTTSink) Flush(context.Context) error { return nil }

// Close implements types.EventSink.
func (s *MQTTSink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		slog.Info("mqtt sink disconnected")
	}
	return nil
}
