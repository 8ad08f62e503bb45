package alert

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/types"
)

const publishTimeout = 5 * time.Second

// MQTT publishes alerts as JSON to {topic}/{userID}/{providerID}/{deviceID}.
type MQTT struct {
	client   mqtt.Client
	broker   string
	clientID string
	topic    string
	insecure bool
}

func configuredMQTT() *MQTT {
	broker := lflag.String("alert-mqtt-broker", "", "MQTT broker URL for usage alerts (disabled if empty)")
	clientID := lflag.String("alert-mqtt-client-id", "", "MQTT client ID (generated if empty)")
	topic := lflag.String("alert-mqtt-topic", "plugwatch/alerts", "MQTT topic prefix for usage alerts")
	insecure := lflag.Bool("alert-mqtt-insecure", false, "Skip TLS verification for the MQTT broker")

	m := &MQTT{}

	lflag.Do(func() {
		m.broker = strings.TrimSpace(*broker)
		m.clientID = strings.TrimSpace(*clientID)
		m.topic = strings.TrimSuffix(*topic, "/")
		m.insecure = *insecure
	})

	return m
}

// NewMQTT wraps an existing client.
func NewMQTT(client mqtt.Client, topic string) *MQTT {
	return &MQTT{client: client, topic: strings.TrimSuffix(topic, "/")}
}

// Connect dials the broker. The client keeps reconnecting in the background
// after the first successful connection.
func (m *MQTT) Connect() error {
	url := m.broker
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	clientID := m.clientID
	if clientID == "" {
		clientID = "plugwatch-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(url)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if m.insecure {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", slog.Any("error", err))
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", slog.String("broker", url))
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("timed out connecting to %s", url)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	m.client = c
	return nil
}

func (m *MQTT) topicFor(a types.Alert) string {
	return m.topic + "/" + a.UserID + "/" + a.ProviderID + "/" + a.DeviceID
}

// Notify publishes the alert with QoS 1.
func (m *MQTT) Notify(ctx context.Context, a types.Alert) error {
	if m.client == nil {
		return errors.New("mqtt not connected")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	topic := m.topicFor(a)
	tok := m.client.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing alert to %s", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("failed to publish alert to %s: %w", topic, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "published alert", slog.String("topic", topic))
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	if m == nil || m.client == nil {
		return
	}
	m.client.Disconnect(1000)
}
