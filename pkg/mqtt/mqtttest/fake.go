// Package mqtttest provides an in-process mqtt.Client for tests.
package mqtttest

import (
	"context"
	"sync"

	"github.com/autopeer-io/v2x/pkg/mqtt"
)

var _ mqtt.Client = (*Client)(nil)

// Message is one publish seen by the fake.
type Message struct {
	Topic   string
	QoS     int
	Retain  bool
	Payload []byte
}

// Client is a connected-on-start fake that records publishes and delivers
// Inject calls to matching subscriptions synchronously.
type Client struct {
	mu        sync.Mutex
	started   bool
	connected bool
	published []Message
	subs      map[string]mqtt.MessageHandler
}

func New() *Client {
	return &Client{subs: make(map[string]mqtt.MessageHandler)}
}

func (c *Client) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started, c.connected = true, true
	return nil
}

func (c *Client) Disconnect(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *Client) Publish(_ context.Context, topic string, qos int, retain bool, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return mqtt.ErrNotStarted
	}
	c.published = append(c.published, Message{Topic: topic, QoS: qos, Retain: retain, Payload: payload})
	return nil
}

func (c *Client) Subscribe(_ context.Context, filter string, _ int, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return mqtt.ErrNotStarted
	}
	c.subs[filter] = handler
	return nil
}

func (c *Client) Unsubscribe(_ context.Context, filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, filter)
	return nil
}

func (c *Client) AwaitConnection(ctx context.Context) error {
	return ctx.Err()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Filters returns the subscribed filters.
func (c *Client) Filters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for f := range c.subs {
		out = append(out, f)
	}
	return out
}

// Published returns a copy of every publish so far.
func (c *Client) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

// Inject delivers payload on topic to every matching subscription and
// reports how many handlers ran.
func (c *Client) Inject(ctx context.Context, topic string, payload []byte) int {
	c.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range c.subs {
		if mqtt.Match(mqtt.StripShare(filter), topic) {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ctx, topic, payload)
	}
	return len(handlers)
}
