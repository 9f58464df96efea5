package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttPublisher is the part of mqtt.Client the listener uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTListener publishes the JSON form of each event to a broker topic.
type MQTTListener struct {
	name   string
	topic  string
	client mqttPublisher
}

const mqttConnectTimeout = 10 * time.Second

// brokerAddress maps a listener URL onto the broker string paho expects.
func brokerAddress(u *url.URL) (string, error) {
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host, nil
	case "ssl", "tls":
		return "ssl://" + u.Host, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, nil
	default:
		return "", fmt.Errorf("unsupported mqtt scheme %q", u.Scheme)
	}
}

// DialMQTTListener connects to the broker named by rawURL. The client keeps
// reconnecting in the background after the first successful connect.
func DialMQTTListener(name, rawURL, topic string, logger *slog.Logger) (*MQTTListener, error) {
	if logger == nil {
		logger = discardLogger()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	server, err := brokerAddress(u)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		topic = defaultMQTTTopic
	}

	log := logger.With("listener", name, "broker", server)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(server)
	opts.SetClientID("devicebridge-" + time.Now().Format("150405.000"))
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.OnConnect = func(mqtt.Client) { log.Info("mqtt connected") }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { log.Warn("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	cli := mqtt.NewClient(opts)
	t := cli.Connect()
	if !t.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect %s: timeout", server)
	}
	if err := t.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", server, err)
	}

	return newMQTTListener(name, topic, cli), nil
}

func newMQTTListener(name, topic string, client mqttPublisher) *MQTTListener {
	return &MQTTListener{name: name, topic: topic, client: client}
}

func (l *MQTTListener) Name() string { return l.name }

// Push implements Listener.
func (l *MQTTListener) Push(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	t := l.client.Publish(l.topic, 0, false, body)
	select {
	case <-t.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", l.topic, ctx.Err())
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", l.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (l *MQTTListener) Close() {
	l.client.Disconnect(250)
}
