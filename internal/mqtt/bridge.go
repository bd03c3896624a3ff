// Package mqtt publishes gateway entity changes to an MQTT broker so other
// home-automation systems can follow light, sensor and group state.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-hue-gateway/internal/bus"
)

// Config holds bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge republishes bus events to MQTT.
type Bridge struct {
	client pahomqtt.Client
	prefix string
	logger *slog.Logger
	events *bus.Bus
	unsub  func()
}

// NewBridge creates and connects a bridge.
func NewBridge(events *bus.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		events: events,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("zigbee-hue-gateway").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			c.Publish(cfg.TopicPrefix+"/bridge/state", 1, true, "online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	b.client = client
	return b, nil
}

// Start subscribes to gateway events.
func (b *Bridge) Start() {
	b.unsub = b.events.Subscribe("", b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.client.Publish(b.prefix+"/bridge/state", 1, true, "offline")
	b.client.Disconnect(250)
}

func (b *Bridge) handleEvent(evt bus.Event) {
	topic := fmt.Sprintf("%s/%s/%s/%s", b.prefix, evt.Resource, evt.ID, evt.Type)
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("marshal event", "err", err)
		return
	}
	token := b.client.Publish(topic, 0, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.logger.Warn("publish", "topic", topic, "err", token.Error())
		}
	}()
}
