// Package telemetry publishes session lifecycle events to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/lockstep-project/lockstep/internal/config"
	"github.com/lockstep-project/lockstep/internal/events"
	"github.com/lockstep-project/lockstep/internal/util"
)

// Topic suffixes below the configured prefix.
const (
	TopicSessionOpened   = "session/opened"
	TopicSessionClosed   = "session/closed"
	TopicSessionRejected = "session/rejected"
	TopicSessionMode     = "session/mode"
	TopicHealth          = "health"
	TopicStatus          = "status"
)

const publishQoS = 1

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher forwards bus events to MQTT as JSON.
type Publisher struct {
	prefix   string
	broker   string
	client   client
	bus      *events.EventBus
	metadata map[string]interface{}
	logger   zerolog.Logger
}

// NewPublisher builds a publisher from the mqtt config section. The
// connection is opened by Start.
func NewPublisher(cfg config.MQTTConfig, bus *events.EventBus, logger zerolog.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	p := &Publisher{
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		broker: cfg.Broker,
		bus:    bus,
		metadata: map[string]interface{}{
			"hostname": sysInfo.Hostname,
			"os":       sysInfo.OS,
		},
		logger: logger.With().Str("component", "mqtt").Logger(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("lockstepd-%s", sysInfo.Hostname))
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWill(p.Topic(TopicStatus), `{"status":"offline"}`, publishQoS, true)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.logger.Info().Str("broker", p.broker).Msg("MQTT connected")
		p.publish(TopicStatus, map[string]interface{}{"status": "online"}, true)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	p.client = mqtt.NewClient(opts)
	return p, nil
}

// Topic joins suffix onto the configured prefix.
func (p *Publisher) Topic(suffix string) string {
	if p.prefix == "" {
		return suffix
	}
	return p.prefix + "/" + suffix
}

// Start connects, subscribes to the bus, and blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	p.logger.Info().Str("broker", p.broker).Msg("connecting to MQTT broker")

	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	p.subscribe()
	<-ctx.Done()

	p.PublishShutdown()
	p.client.Disconnect(5000)
	p.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (p *Publisher) subscribe() {
	p.bus.Subscribe(events.EventSessionOpened, "mqtt.opened", p.forward(TopicSessionOpened))
	p.bus.Subscribe(events.EventSessionClosed, "mqtt.closed", p.forward(TopicSessionClosed))
	p.bus.Subscribe(events.EventSessionRejected, "mqtt.rejected", p.forward(TopicSessionRejected))
	p.bus.Subscribe(events.EventModeChanged, "mqtt.mode", p.forward(TopicSessionMode))
	p.bus.Subscribe(events.EventHealthReport, "mqtt.health", p.forward(TopicHealth))
}

func (p *Publisher) forward(suffix string) events.HandlerFunc {
	return func(_ context.Context, event events.Event) error {
		p.publish(suffix, event.Payload, false)
		return nil
	}
}

func (p *Publisher) publish(suffix string, payload interface{}, retained bool) {
	if !p.client.IsConnected() {
		return
	}

	topic := p.Topic(suffix)
	data, err := json.Marshal(p.buildMessage(payload))
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := p.client.Publish(topic, publishQoS, retained, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage wraps payload with host metadata and a timestamp.
func (p *Publisher) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(p.metadata)+2)
	for k, v := range p.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown announces that the daemon is going away.
func (p *Publisher) PublishShutdown() {
	p.publish(TopicStatus, map[string]interface{}{"status": "offline"}, true)
}
