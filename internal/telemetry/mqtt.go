// Package telemetry publishes Framecast's state to the outside world: MQTT
// messages for fleet dashboards and Prometheus metrics for scraping.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/config"
	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/util"
)

// Topic suffixes, joined to the configured prefix.
const (
	TopicStatus   = "server/status"
	TopicClients  = "server/clients"
	TopicScene    = "server/scene"
	TopicStats    = "server/stats"
	TopicAdmin    = "server/admin"
	TopicCommands = "server/command"
)

// ErrMQTTDisabled is returned by NewMQTTHandler when MQTT is switched off.
var ErrMQTTDisabled = errors.New("mqtt is disabled")

// StatusFunc reports the server summary published on every telemetry tick.
type StatusFunc func() interface{}

// publisher is the part of mqtt.Client the handler publishes through.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler publishes bus events to an MQTT broker and turns commands
// received on the command topic back into bus events.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher
	status   StatusFunc
	logger   zerolog.Logger

	// metadata is merged into every message.
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for the configured broker. It does not
// connect until Start.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus, status StatusFunc) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	if !mqttCfg.Enabled {
		return nil, ErrMQTTDisabled
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      mqttCfg,
		eventBus: eventBus,
		status:   status,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"server":    cfg.GetServer().Name,
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_model": sysInfo.CPUModel,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
		},
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))
	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("framecast-%s", sysInfo.Hostname))
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if mqttCfg.UseTLS {
		tlsConfig, err := buildTLSConfig(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
		h.subscribeCommands(client)
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.pub = h.client
	return h, nil
}

// buildTLSConfig loads the optional CA and client certificate (mTLS).
func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Start connects to the broker, subscribes to the bus and blocks until ctx
// is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventClientRegistered, "mqtt.clientRegistered", h.onClientEvent)
	h.eventBus.Subscribe(events.EventClientDeregistered, "mqtt.clientDeregistered", h.onClientEvent)
	h.eventBus.Subscribe(events.EventClientRejected, "mqtt.clientRejected", h.onClientEvent)
	h.eventBus.Subscribe(events.EventSceneTransferCompleted, "mqtt.sceneTransfer", h.onSceneEvent)
	h.eventBus.Subscribe(events.EventEpochChanged, "mqtt.epochChanged", h.onSceneEvent)
	h.eventBus.Subscribe(events.EventStatsWindow, "mqtt.statsWindow", h.onStatsWindow)
}

func (h *MQTTHandler) subscribeCommands(client mqtt.Client) {
	topic := h.topic(TopicCommands)
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		if err := h.handleCommand(msg.Payload()); err != nil {
			h.logger.Warn().Err(err).Str("topic", topic).Msg("ignoring MQTT command")
		}
	})
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT subscribe failed")
		}
	}()
}

// command is the JSON accepted on the command topic.
type command struct {
	Command string `json:"command"`
	Slot    *int   `json:"slot,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// handleCommand turns a command message into a bus event.
func (h *MQTTHandler) handleCommand(data []byte) error {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("malformed command: %w", err)
	}

	var event events.Event
	switch cmd.Command {
	case "kick":
		if cmd.Slot == nil {
			return errors.New("kick requires a slot")
		}
		reason := cmd.Reason
		if reason == "" {
			reason = "mqtt"
		}
		event = events.Event{Type: events.EventKickClient, Source: "mqtt", Payload: events.KickPayload{Slot: *cmd.Slot, Reason: reason}}
	case "rescene":
		event = events.Event{Type: events.EventRescene, Source: "mqtt"}
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}

	h.logger.Info().Str("command", cmd.Command).Msg("MQTT command received")
	h.eventBus.Emit(context.Background(), event)
	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message to topic with QoS 1.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.pub.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onClientEvent(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicClients), map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onSceneEvent(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicScene), map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onStatsWindow(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.StatsWindowPayload)
	if !ok {
		return nil
	}
	h.publish(h.topic(TopicStats), map[string]interface{}{
		"window_ms":    p.Window.Milliseconds(),
		"clients":      len(p.Clients),
		"bytes":        p.Total.ByCategory(),
		"frames":       p.Total.Frames,
		"ratio":        p.Total.Ratio(),
		"worst_rtt_ms": p.Total.RTT.Milliseconds(),
	})
	return nil
}

// PublishStatus publishes the server summary and host resource usage.
func (h *MQTTHandler) PublishStatus() {
	msg := map[string]interface{}{
		"resources": util.GetResourceUsage(),
	}
	if h.status != nil {
		msg["status"] = h.status()
	}
	h.publish(h.topic(TopicStatus), msg)
}

// PublishShutdown announces that the server is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicAdmin), map[string]interface{}{
		"event": "shutdown",
	})
}
