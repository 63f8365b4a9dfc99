package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages on a dedicated channel drawn from the pool.
// With confirms enabled (the default) each publish waits for the broker to
// acknowledge the message before returning.
//
// The publisher keeps one channel with a single confirmation listener and
// serializes publishes over it, so confirmations always belong to the
// publish currently in flight.
type Publisher struct {
	pool           *ChannelPool
	useConfirms    bool
	confirmTimeout time.Duration
	publishTimeout time.Duration

	mu       sync.Mutex
	ch       *PooledChannel
	confirms chan amqp091.Confirmation
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirms enables or disables publisher confirms.
func WithConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.useConfirms = enabled
	}
}

// WithConfirmTimeout sets how long to wait for a broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the default deadline applied when the caller's
// context has none.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher creates a new publisher.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		useConfirms:    true,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends a message to the given exchange and routing key.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, confirms, err := p.channel(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	if confirms != nil {
		// Drop a stale confirmation left behind by a timed-out publish.
		select {
		case <-confirms:
		default:
		}
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.reset()
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	if confirms == nil {
		return nil
	}

	select {
	case confirm, ok := <-confirms:
		if !ok {
			p.reset()
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrConnectionClosed}
		}
		if !confirm.Ack {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNotConfirmed}
		}
		return nil

	case <-time.After(p.confirmTimeout):
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishTimeout}

	case <-ctx.Done():
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ctx.Err()}
	}
}

// Close releases the publisher's channel back to the pool.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.pool.Put(p.ch)
		p.ch = nil
		p.confirms = nil
	}
	return nil
}

// channel returns the publisher's dedicated channel, acquiring a fresh one
// when none is held or the held one has died. Callers must hold p.mu.
func (p *Publisher) channel(ctx context.Context) (*PooledChannel, chan amqp091.Confirmation, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, p.confirms, nil
	}
	p.reset()

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return nil, nil, err
	}

	var confirms chan amqp091.Confirmation
	if p.useConfirms {
		if err := ch.Confirm(false); err != nil {
			p.pool.Put(ch)
			return nil, nil, fmt.Errorf("enable confirms: %w", err)
		}
		confirms = ch.NotifyPublish(make(chan amqp091.Confirmation, 1))
	}

	p.ch = ch
	p.confirms = confirms
	return ch, confirms, nil
}

// reset drops the held channel after a failure so the next publish starts
// from a clean one. Callers must hold p.mu.
func (p *Publisher) reset() {
	if p.ch == nil {
		return
	}
	p.ch.Channel.Close()
	p.pool.Put(p.ch)
	p.ch = nil
	p.confirms = nil
}
