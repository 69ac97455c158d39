// Package broker defines the cross-instance publish/subscribe transport used
// to fan chat messages out to every server instance. A Broker hands out two
// kinds of long-lived connections: a Subscriber, which receives every message
// for the channels it is subscribed to, and a Publisher. Each server instance
// opens exactly one of each and shares them across all rooms.
//
// Implementations
//
//	memory : in-process bus for tests and single-instance development
//	redis  : Redis/Valkey PUBLISH/SUBSCRIBE for horizontal scale
//
// Delivery is at-least-once per active subscription, in the broker's
// per-channel order. There is no replay: a message published on a channel
// before a Subscribe is acknowledged is not delivered to that subscriber.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a connection that has been closed.
var ErrClosed = errors.New("broker: connection closed")

// MessageHandler receives every payload delivered on a subscribed channel.
// Handlers are invoked from the subscriber's receive loop, one message at a
// time and in delivery order, so they must not block for long.
type MessageHandler func(channel string, payload []byte)

// Subscriber is a single long-lived subscriber connection.
type Subscriber interface {
	// Subscribe adds channel to the connection's subscription set and blocks
	// until the broker acknowledges it or ctx ends. Once Subscribe returns nil,
	// every message subsequently published on channel is delivered to the
	// handler.
	Subscribe(ctx context.Context, channel string) error

	// Unsubscribe removes channel from the subscription set. Unsubscribing a
	// channel that is not subscribed is not an error.
	Unsubscribe(ctx context.Context, channel string) error

	// Close releases the connection. Pending Subscribe calls return ErrClosed.
	Close() error
}

// Publisher is a single long-lived publisher connection.
type Publisher interface {
	// Publish sends payload on channel. It returns once the broker has
	// accepted the message; it says nothing about how many subscribers
	// received it.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Close releases the connection.
	Close() error
}

// Broker opens subscriber and publisher connections.
type Broker interface {
	// NewSubscriber opens a subscriber connection delivering to handler.
	NewSubscriber(ctx context.Context, handler MessageHandler) (Subscriber, error)
	// NewPublisher opens a publisher connection.
	NewPublisher(ctx context.Context) (Publisher, error)
}
