package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/lockstep-project/lockstep/internal/config"
	"github.com/lockstep-project/lockstep/internal/events"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	body     map[string]interface{}
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	messages  []published
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	_ = json.Unmarshal(payload.([]byte), &body)
	c.mu.Lock()
	c.messages = append(c.messages, published{topic: topic, retained: retained, body: body})
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) find(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if m.topic == topic {
			return m, true
		}
	}
	return published{}, false
}

func newTestPublisher(t *testing.T, prefix string) (*Publisher, *fakeClient, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus(zerolog.Nop())
	p, err := NewPublisher(config.MQTTConfig{Enabled: true, Broker: "tcp://127.0.0.1:1883", TopicPrefix: prefix}, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	fake := &fakeClient{}
	p.client = fake
	return p, fake, bus
}

func TestNewPublisherDisabled(t *testing.T) {
	if _, err := NewPublisher(config.MQTTConfig{}, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for disabled MQTT")
	}
}

func TestTopic(t *testing.T) {
	tests := []struct {
		prefix, suffix, want string
	}{
		{"lockstep", TopicSessionOpened, "lockstep/session/opened"},
		{"lockstep/", TopicSessionClosed, "lockstep/session/closed"},
		{"", TopicHealth, "health"},
	}
	for _, tt := range tests {
		p, _, _ := newTestPublisher(t, tt.prefix)
		if got := p.Topic(tt.suffix); got != tt.want {
			t.Errorf("Topic(%q, %q) = %q, want %q", tt.prefix, tt.suffix, got, tt.want)
		}
	}
}

func TestForwardsSessionEvents(t *testing.T) {
	p, fake, bus := newTestPublisher(t, "lockstep")
	defer bus.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for bus.HandlerCount(events.EventSessionClosed) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("publisher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := bus.EmitSync(ctx, events.Event{
		Type:    events.EventSessionClosed,
		Payload: events.SessionPayload{ID: "s1", Transport: "kcp", Reason: "heartbeat_timeout"},
	})
	if err != nil {
		t.Fatal(err)
	}

	msg, ok := fake.find("lockstep/session/closed")
	if !ok {
		t.Fatal("no message on lockstep/session/closed")
	}
	payload, _ := msg.body["payload"].(map[string]interface{})
	if payload["id"] != "s1" || payload["reason"] != "heartbeat_timeout" {
		t.Fatalf("payload = %v", msg.body)
	}
	if _, ok := msg.body["timestamp"]; !ok {
		t.Fatal("message has no timestamp")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	status, ok := fake.find("lockstep/status")
	if !ok || !status.retained {
		t.Fatalf("shutdown status = %+v", status)
	}
}

func TestPublishSkippedWhileDisconnected(t *testing.T) {
	p, fake, _ := newTestPublisher(t, "lockstep")
	p.publish(TopicHealth, map[string]int{"sessions": 1}, false)
	if len(fake.messages) != 0 {
		t.Fatalf("published %d messages while disconnected", len(fake.messages))
	}
}
