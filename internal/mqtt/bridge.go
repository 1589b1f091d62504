//go:build !no_mqtt

// Package mqtt mirrors tracked entity states to an MQTT broker and accepts
// on/off commands back.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"hass-sync/internal/entity"
	"hass-sync/internal/hub"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	commandTimeout = 10 * time.Second
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	// Discovery announces entities with Home Assistant MQTT discovery.
	Discovery bool
}

// publisher is the part of the paho client the bridge publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Bridge publishes hub entity states to MQTT and forwards commands.
type Bridge struct {
	client    pahomqtt.Client
	pub       publisher
	hub       *hub.Hub
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(h *hub.Hub, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "hass-sync"
	}
	b := newBridge(h, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
			b.subscribeCommands(c)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.pub = client
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(h *hub.Hub, cfg Config, logger *slog.Logger) *Bridge {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "hass-sync"
	}
	return &Bridge{
		hub:       h,
		prefix:    prefix,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
	}
}

// Start subscribes to hub events.
func (b *Bridge) Start() {
	b.unsub = b.hub.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes the offline state, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event hub.Event) {
	ev, ok := event.Data.(hub.EntityEvent)
	if !ok {
		return
	}
	switch event.Type {
	case hub.EventEntityState:
		if ev.State != nil {
			b.publishState(ev.EntityID, *ev.State)
		}
	case hub.EventEntityTracked:
		if c, err := b.hub.Get(ev.EntityID); err == nil {
			b.publishDiscovery(c)
		}
	case hub.EventEntityUntracked:
		// Clear the retained state so subscribers forget the entity.
		b.publish(stateTopic(b.prefix, ev.EntityID), nil, true)
		if b.discovery {
			if msg, ok := buildRemoveDiscovery(ev.EntityID, ev.Kind); ok {
				b.publish(msg.Topic, msg.Payload, true)
			}
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishAll announces and publishes every tracked entity; run on each
// (re)connect since retained messages may have been lost.
func (b *Bridge) publishAll() {
	for _, c := range b.hub.List() {
		b.publishDiscovery(c)
		if cur := c.Current(); !cur.IsZero() {
			b.publishState(c.EntityID(), cur)
		}
	}
}

func (b *Bridge) publishState(entityID string, rec entity.StateRecord) {
	b.publish(stateTopic(b.prefix, entityID), mustJSON(rec), true)
}

func (b *Bridge) publishDiscovery(c *entity.Client) {
	if !b.discovery {
		return
	}
	if msg, ok := buildDiscovery(c, b.prefix); ok {
		b.publish(msg.Topic, msg.Payload, true)
		b.logger.Debug("published HA discovery", "entity", c.EntityID())
	}
}

func (b *Bridge) subscribeCommands(c pahomqtt.Client) {
	topic := b.prefix + "/+/set"
	token := c.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

// command is a parsed <prefix>/<entity_id>/set payload.
type command struct {
	Domain string         `json:"domain"`
	Action string         `json:"action"`
	State  string         `json:"state"`
	Data   map[string]any `json:"data"`
}

// parseCommand accepts a JSON object with action (or state) or a bare
// ON/OFF/TOGGLE payload.
func parseCommand(payload []byte) (command, error) {
	var cmd command
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &cmd); err != nil {
			return command{}, fmt.Errorf("invalid command JSON: %w", err)
		}
	} else {
		cmd.State = trimmed
	}
	if cmd.Action == "" && cmd.State != "" {
		switch strings.ToUpper(cmd.State) {
		case "ON":
			cmd.Action = "turn_on"
		case "OFF":
			cmd.Action = "turn_off"
		case "TOGGLE":
			cmd.Action = "toggle"
		default:
			return command{}, fmt.Errorf("unknown state %q", cmd.State)
		}
	}
	if cmd.Action == "" {
		return command{}, fmt.Errorf("command has no action")
	}
	return cmd, nil
}

// entityFromTopic extracts the entity id from <prefix>/<entity_id>/set.
func (b *Bridge) entityFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	entityID, ok := b.entityFromTopic(topic)
	if !ok {
		b.logger.Warn("command on unexpected topic", "topic", topic)
		return
	}
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "entity", entityID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.hub.Context(), commandTimeout)
	defer cancel()
	if err := b.hub.Command(ctx, entityID, cmd.Domain, cmd.Action, cmd.Data); err != nil {
		b.logger.Warn("command failed", "entity", entityID, "action", cmd.Action, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.pub == nil {
		return
	}
	token := b.pub.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
