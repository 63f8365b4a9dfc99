package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes a single incoming delivery. A non-nil error
// causes the delivery to be rejected without requeue.
type DeliveryHandler func(ctx context.Context, delivery amqp091.Delivery) error

// Consumer manages queue subscriptions. Each subscription holds its own
// pooled channel for the lifetime of the subscription.
type Consumer struct {
	pool           *ChannelPool
	prefetchCount  int
	autoAck        bool
	exclusive      bool
	consumerTag    string
	handlerTimeout time.Duration
	logger         *slog.Logger

	active sync.Map // queue name -> *subscription
}

type subscription struct {
	queue  string
	tag    string
	ch     *PooledChannel
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-channel prefetch count.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment.
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode.
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag. When empty, the pooled channel's
// id is used.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithHandlerTimeout bounds how long a single delivery may be processed.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer.
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:           pool,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming deliveries from a queue. It fails when the
// queue already has an active subscription.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	if _, exists := c.active.Load(queue); exists {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: errors.New("already subscribed")}
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Put(ch)
		return &ConsumerError{Queue: queue, Op: "set qos", Err: err}
	}

	tag := c.consumerTag
	if tag == "" {
		tag = ch.id
	}

	deliveries, err := ch.Consume(queue, tag, c.autoAck, c.exclusive, false, false, nil)
	if err != nil {
		c.pool.Put(ch)
		return &ConsumerError{Queue: queue, Op: "consume", Err: err}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:  queue,
		tag:    tag,
		ch:     ch,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.active.Store(queue, sub)

	go c.run(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	return nil
}

// Unsubscribe stops consuming from a queue and waits for its loop to exit.
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.active.Load(queue)
	if !ok {
		return fmt.Errorf("amqp: no active consumer for queue %q", queue)
	}

	sub := value.(*subscription)
	sub.cancel()
	<-sub.done

	return nil
}

// UnsubscribeAll stops all active subscriptions.
func (c *Consumer) UnsubscribeAll() error {
	var wg sync.WaitGroup

	c.active.Range(func(key, _ interface{}) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(key.(string))
		return true
	})

	wg.Wait()
	return nil
}

// ActiveQueues returns the queues with active subscriptions, sorted by name.
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.active.Range(func(key, _ interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	sort.Strings(queues)
	return queues
}

func (c *Consumer) run(ctx context.Context, sub *subscription, deliveries <-chan amqp091.Delivery, handler DeliveryHandler) {
	defer func() {
		close(sub.done)
		// Detach the consumer before the channel goes back to the pool so
		// the next borrower gets a channel nothing is delivering on.
		if err := sub.ch.Cancel(sub.tag, false); err != nil {
			c.logger.Debug("consumer cancel failed", "queue", sub.queue, "error", err)
		}
		c.pool.Put(sub.ch)
		c.active.Delete(sub.queue)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery stream closed", "queue", sub.queue)
				return
			}

			if err := c.handle(ctx, delivery, handler); err != nil {
				c.logger.Error("message handling failed",
					"queue", sub.queue,
					"messageId", delivery.MessageId,
					"error", err)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp091.Delivery, handler DeliveryHandler) error {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := handler(msgCtx, delivery)
	if c.autoAck {
		return err
	}

	if err != nil {
		// Reject without requeue. Redelivery policy belongs to the broker
		// configuration, not this layer.
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err)
		}
		return err
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
	return nil
}
