package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the sink uses, so tests can
// supply a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTConfig configures the MQTT fan-out.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// MQTTSink publishes audit events to a broker topic for external
// collectors. Delivery is best effort.
type MQTTSink struct {
	client MQTTClient
	topic  string
	logger *slog.Logger
}

// NewMQTTSink connects to the broker described by cfg.
func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("hostgate-audit-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if logger == nil {
		logger = slog.Default()
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("audit mqtt connection lost", "error", err)
	})

	return NewMQTTSinkWithClient(mqtt.NewClient(opts), cfg.Topic, logger)
}

// NewMQTTSinkWithClient connects an already constructed client.
func NewMQTTSinkWithClient(client MQTTClient, topic string, logger *slog.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = "hostgate/audit"
	}
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("audit: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("audit: connect to mqtt: %w", err)
	}
	return &MQTTSink{client: client, topic: topic, logger: logger.With("component", "audit-mqtt")}, nil
}

// Publish implements Sink. It does not wait for the broker to acknowledge.
func (s *MQTTSink) Publish(e Event) {
	if !s.client.IsConnected() {
		s.logger.Debug("mqtt not connected, dropping audit event", "id", e.ID)
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("marshal audit event", "error", err)
		return
	}
	s.client.Publish(s.topic+"/"+e.Kind, 1, false, payload)
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
