package rabbitmq

import (
	"context"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/chanbind-go/contracts"
	"github.com/glimte/chanbind-go/dispatch"
	"github.com/glimte/chanbind-go/internal/amqp"
)

type inputSide struct {
	t *Transport
}

// Subscribe declares the channel's queue, binds it to the exchange, and
// starts consuming.
func (in *inputSide) Subscribe(ctx context.Context, channel string, fn dispatch.DeliveryFunc) error {
	t := in.t

	t.mu.Lock()
	topology, consumer := t.topology, t.consumer
	t.mu.Unlock()

	if consumer == nil {
		return amqp.ErrNotConnected
	}

	queue := t.queueName(channel)

	if _, err := topology.DeclareQueue(ctx, amqp.QueueDeclaration{
		Name:    queue,
		Durable: t.cfg.Durable,
	}); err != nil {
		return err
	}

	if err := topology.BindQueue(ctx, amqp.Binding{
		Queue:      queue,
		Exchange:   t.cfg.Exchange,
		RoutingKey: channel,
	}); err != nil {
		return err
	}

	return consumer.Subscribe(ctx, queue, func(ctx context.Context, d amqp091.Delivery) error {
		return fn(ctx, contracts.Delivery{
			Channel: channel,
			Payload: d.Body,
			Headers: tableToHeaders(d.Headers),
		})
	})
}

// Unsubscribe stops consuming from the channel's queue.
func (in *inputSide) Unsubscribe(channel string) error {
	t := in.t

	t.mu.Lock()
	consumer := t.consumer
	t.mu.Unlock()

	if consumer == nil {
		return amqp.ErrNotConnected
	}

	return consumer.Unsubscribe(t.queueName(channel))
}

// Close stops all subscriptions.
func (in *inputSide) Close() error {
	t := in.t

	t.mu.Lock()
	consumer := t.consumer
	t.mu.Unlock()

	if consumer == nil {
		return nil
	}

	return consumer.UnsubscribeAll()
}

type outputSide struct {
	t *Transport
}

// Send publishes body to the exchange with the channel name as routing key.
func (out *outputSide) Send(ctx context.Context, channel string, body []byte) error {
	t := out.t

	t.mu.Lock()
	publisher := t.publisher
	t.mu.Unlock()

	if publisher == nil {
		return amqp.ErrNotConnected
	}

	msg := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	}
	if t.cfg.Durable {
		msg.DeliveryMode = amqp091.Persistent
	}

	return publisher.Publish(ctx, t.cfg.Exchange, channel, msg)
}

// Close releases the publisher channel.
func (out *outputSide) Close() error {
	t := out.t

	t.mu.Lock()
	publisher := t.publisher
	t.mu.Unlock()

	if publisher == nil {
		return nil
	}

	return publisher.Close()
}
