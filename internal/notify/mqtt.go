// v0
// internal/notify/mqtt.go
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publisher is the part of mqtt.Client the notifier needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes alerts as JSON to a broker topic.
type MQTT struct {
	client  publisher
	close   func()
	topic   string
	timeout time.Duration
	now     func() time.Time
}

type mqttAlert struct {
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	At      time.Time `json:"ts"`
}

// DialMQTT connects to broker. The client reconnects on its own after the
// first successful connect.
func DialMQTT(broker, topic, clientID string, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log := logger.With(slog.String("component", "mqtt"))
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt_connection_lost", slog.String("broker", broker), slog.Any("err", err))
		})
	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.Info("mqtt_connected", slog.String("broker", broker), slog.String("topic", topic))
	n := newMQTT(c, topic)
	n.close = func() { c.Disconnect(250) }
	return n, nil
}

func newMQTT(p publisher, topic string) *MQTT {
	return &MQTT{client: p, close: func() {}, topic: topic, timeout: 2 * time.Second, now: time.Now}
}

// Notify implements Notifier.
func (m *MQTT) Notify(ctx context.Context, subject, message string) error {
	payload, err := json.Marshal(mqttAlert{Subject: subject, Message: message, At: m.now().UTC()})
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-time.After(m.timeout):
		return errors.New("mqtt publish timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.close()
}
