package metrics

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/oslund/steward/internal/config"
)

// publishTimeout bounds a single broker publish.
const publishTimeout = 5 * time.Second

// MQTTSink publishes each turn record to an MQTT topic. Connection
// management is delegated to autopaho, which reconnects in the
// background; publishes while disconnected are dropped.
type MQTTSink struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewMQTTSink creates the sink but does not connect. Call Start first.
func NewMQTTSink(cfg config.MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSink{cfg: cfg, logger: logger}
}

// Start connects to the broker. The connection lives until Stop is
// called or ctx is cancelled.
func (s *MQTTSink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = "steward-metrics"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm
	return nil
}

// Stop disconnects from the broker.
func (s *MQTTSink) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	return s.cm.Disconnect(ctx)
}

// Log publishes the record. Not connected yet means the record is
// dropped; the file sink remains the durable store.
func (s *MQTTSink) Log(rec Record) {
	if s.cm == nil {
		return
	}
	normalize(&rec)

	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("failed to marshal metrics record", "error", err)
		return
	}

	topic := s.cfg.Topic
	if topic == "" {
		topic = "steward/metrics"
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     0,
		Payload: data,
	}); err != nil {
		s.logger.Warn("mqtt metrics publish failed", "topic", topic, "error", err)
	}
}
