package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string // tcp://host:port
	ClientID string
	Logger   *slog.Logger
}

// MQTTPublisher publishes to an MQTT broker with automatic reconnection.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	connected atomic.Bool
}

var _ Publisher = (*MQTTPublisher)(nil)

// NewMQTTPublisher creates an unconnected publisher
func NewMQTTPublisher(cfg MQTTConfig) *MQTTPublisher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MQTTPublisher{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "mqtt"),
	}
}

// Connect establishes connection to the broker
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.connected.Store(true)
		p.logger.Info("mqtt: connection established",
			"broker", p.cfg.Broker,
			"client_id", p.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.connected.Store(false)
		p.logger.Warn("mqtt: connection lost, will auto-reconnect",
			"error", err,
			"broker", p.cfg.Broker,
			"max_retry_interval", "30s")
	}

	p.client = mqtt.NewClient(opts)
	p.logger.Info("mqtt: connecting", "broker", p.cfg.Broker)

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.connected.Store(true)
	return nil
}

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(topic string, qos byte, payload []byte) error {
	if p.client == nil || !p.connected.Load() {
		return fmt.Errorf("mqtt not connected")
	}
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Subscribe registers handler for topic. The handler runs on the client's
// goroutine.
func (p *MQTTPublisher) Subscribe(topic string, qos byte, handler func(payload []byte)) error {
	if p.client == nil {
		return fmt.Errorf("mqtt not connected")
	}
	token := p.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	p.logger.Info("mqtt: subscribed", "topic", topic, "qos", qos)
	return nil
}

// Unsubscribe removes the subscription on topic.
func (p *MQTTPublisher) Unsubscribe(topic string) error {
	if p.client == nil || !p.client.IsConnected() {
		return nil
	}
	token := p.client.Unsubscribe(topic)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("unsubscribe timeout")
	}
	return token.Error()
}

// Connected reports the connection state.
func (p *MQTTPublisher) Connected() bool { return p.connected.Load() }

// Disconnect closes the connection
func (p *MQTTPublisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250) // 250ms grace period
		p.logger.Info("mqtt: disconnected")
	}
	p.connected.Store(false)
}
