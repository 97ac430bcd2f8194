package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT writer
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // host:port
	ClientID string `yaml:"client_id"`

	// Events are published to {TopicPrefix}/{type}
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// DefaultMQTTConfig returns local broker defaults
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:      "localhost:1883",
		ClientID:    "skytrack",
		TopicPrefix: "skytrack/events",
		QoS:         0,
	}
}

// MQTTWriter publishes events as JSON to an MQTT broker
type MQTTWriter struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
}

// NewMQTTWriter creates an unconnected writer
func NewMQTTWriter(cfg MQTTConfig, logger *slog.Logger) *MQTTWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTWriter{
		cfg:    cfg,
		logger: logger.With("component", "telemetry.mqtt"),
	}
}

// Connect establishes connection to the broker
func (w *MQTTWriter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", w.cfg.Broker))
	opts.SetClientID(w.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		w.setConnected(true)
		w.logger.Info("mqtt connection established", "broker", w.cfg.Broker, "client_id", w.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		w.setConnected(false)
		w.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", w.cfg.Broker, "error", err)
	}

	w.client = mqtt.NewClient(opts)
	w.logger.Info("connecting to mqtt broker", "broker", w.cfg.Broker)

	token := w.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	w.setConnected(true)
	return nil
}

// Topic returns the topic an event type is published on
func (w *MQTTWriter) Topic(t EventType) string {
	return fmt.Sprintf("%s/%s", w.cfg.TopicPrefix, t)
}

// Write implements Writer
func (w *MQTTWriter) Write(ctx context.Context, e Event) error {
	if !w.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := w.client.Publish(w.Topic(e.Type), w.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-time.After(2 * time.Second):
		return fmt.Errorf("publish timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	w.mu.Lock()
	w.published++
	w.mu.Unlock()
	return nil
}

// Disconnect closes the connection
func (w *MQTTWriter) Disconnect() {
	if w.client != nil && w.client.IsConnected() {
		w.client.Disconnect(250)
		w.logger.Info("mqtt disconnected")
	}
	w.setConnected(false)
}

// Published returns the number of events delivered
func (w *MQTTWriter) Published() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.published
}

func (w *MQTTWriter) setConnected(v bool) {
	w.mu.Lock()
	w.connected = v
	w.mu.Unlock()
}

func (w *MQTTWriter) isConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}
