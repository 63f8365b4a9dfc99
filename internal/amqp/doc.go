// Package amqp wraps the low-level AMQP 0-9-1 plumbing used by the
// RabbitMQ transport.
//
// It provides:
//   - ConnectionManager: a single broker connection with automatic reconnection
//   - ChannelPool: pooled channels with idle cleanup
//   - TopologyManager: exchange, queue, and binding declaration
//   - Publisher: publishing with optional broker confirms
//   - Consumer: queue consumption with per-message acknowledgment
//
// The package deals only in raw AMQP deliveries and publishings. Envelope
// encoding and dispatch happen in the layers above.
package amqp
