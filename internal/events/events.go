package events

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"relay-gateway/internal/store"
)

const (
	stateTopicPrefix   = "homeiot/relay/state/"
	gatewayStatusTopic = "homeiot/relay/gateway/status"
	schema             = "relay.v1"
)

// Publisher mirrors relay state onto the MQTT bus so other services (voice
// control, automations) can react without talking to the gateway directly.
// Entirely optional; the gateway runs without a broker.
type Publisher struct {
	cli mqtt.Client
}

func NewPublisher(brokerURL string) (*Publisher, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	opts := mqtt.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	}
	opts.AddBroker(server)
	opts.SetClientID("relay-gateway-" + time.Now().Format("150405.000"))
	opts.OnConnect = func(c mqtt.Client) { slog.Info("mqtt connected", "broker", brokerURL) }
	opts.OnConnectionLost = func(c mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) // TODO: tighten
	}
	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		return nil, fmt.Errorf("connect broker: %w", t.Error())
	}
	return &Publisher{cli: cli}, nil
}

// StateChanged publishes a retained state event for the device. Implements
// session.StateListener.
func (p *Publisher) StateChanged(deviceID string, snap store.Snapshot) {
	payload := map[string]any{
		"schema":   schema,
		"type":     "state",
		"deviceid": deviceID,
		"switch":   snap.Switch,
		"ts":       time.Now().UnixMilli(),
	}
	if snap.Power != nil {
		payload["power"] = *snap.Power
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if t := p.cli.Publish(stateTopicPrefix+deviceID, 0, true, b); t.Wait() && t.Error() != nil {
		slog.Warn("relay state publish failed", "deviceid", deviceID, "error", t.Error())
	}
}

// PublishGatewayStatus announces gateway liveness, retained.
func (p *Publisher) PublishGatewayStatus(status string) {
	payload := map[string]any{
		"schema": schema,
		"type":   "status",
		"status": status,
		"ts":     time.Now().UnixMilli(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if t := p.cli.Publish(gatewayStatusTopic, 0, true, b); t.Wait() && t.Error() != nil {
		slog.Warn("gateway status publish failed", "error", t.Error())
	}
}

func (p *Publisher) Close() {
	p.PublishGatewayStatus("offline")
	p.cli.Disconnect(250)
}
