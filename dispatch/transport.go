package dispatch

import (
	"context"

	"github.com/glimte/chanbind-go/contracts"
)

// DeliveryFunc consumes one delivery. A non-nil error tells the transport the
// delivery was not processed; brokers that support rejection reject it
// without requeue.
type DeliveryFunc func(ctx context.Context, delivery contracts.Delivery) error

// InputTransport receives messages on named channels. Implementations own
// all network I/O, timeouts, and cancellation; the dispatch engine only calls
// these operations.
type InputTransport interface {
	// Subscribe starts delivering messages arriving on channel to fn.
	// The fn callbacks may run concurrently with each other.
	Subscribe(ctx context.Context, channel string, fn DeliveryFunc) error

	// Unsubscribe stops delivery for channel.
	Unsubscribe(channel string) error

	// Close stops all subscriptions and releases consumer resources.
	Close() error
}

// OutputTransport sends raw message bodies to named channels.
type OutputTransport interface {
	// Send transmits body to channel.
	Send(ctx context.Context, channel string, body []byte) error

	// Close releases producer resources.
	Close() error
}

// Transport bundles both directions of one broker connection.
type Transport interface {
	// Input returns the receiving side of the transport.
	Input() InputTransport

	// Output returns the sending side of the transport.
	Output() OutputTransport

	// Connect establishes the broker connection.
	Connect(ctx context.Context) error

	// Close tears the connection down.
	Close() error

	// IsConnected reports whether the transport is currently usable.
	IsConnected() bool
}
