// Package mqtt is a small reconnecting MQTT v5 client over paho autopaho.
// Subscriptions survive reconnects and incoming messages are routed to the
// handler of every matching filter.
package mqtt

import (
	"context"
	"errors"
)

// ErrNotStarted is returned by calls made before Start.
var ErrNotStarted = errors.New("mqtt client not started")

// MessageHandler processes one received message.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client is the broker connection used by the hub.
type Client interface {
	// Start connects in the background and returns immediately. The
	// connection lives until ctx is done or Disconnect is called.
	Start(ctx context.Context) error

	Disconnect(ctx context.Context)

	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error

	// Subscribe registers handler for filter and sends the SUBSCRIBE packet.
	// Filters are re-subscribed after every reconnect.
	Subscribe(ctx context.Context, filter string, qos int, handler MessageHandler) error

	Unsubscribe(ctx context.Context, filter string) error

	// AwaitConnection blocks until connected or ctx is done.
	AwaitConnection(ctx context.Context) error

	IsConnected() bool
}
