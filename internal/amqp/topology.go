package amqp

import (
	"context"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues, and bindings.
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared.
type ExchangeDeclaration struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp091.Table
}

// QueueDeclaration defines a queue to be declared.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp091.Table
}

// Binding defines a queue-to-exchange binding.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp091.Table
}

// Topology groups the declarations that make up a messaging layout.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager.
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// Declare declares the complete topology on a single channel.
func (tm *TopologyManager) Declare(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp091.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return fmt.Errorf("declare exchange %s: %w", exchange.Name, err)
			}
		}
		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return fmt.Errorf("declare queue %s: %w", queue.Name, err)
			}
		}
		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return fmt.Errorf("bind queue %s to exchange %s: %w",
					binding.Queue, binding.Exchange, err)
			}
		}
		return nil
	})
}

// DeclareExchange declares a single exchange.
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *amqp091.Channel) error {
		return declareExchange(ch, exchange)
	})
}

// DeclareQueue declares a single queue.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp091.Queue, error) {
	var q amqp091.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp091.Channel) error {
		var err error
		q, err = declareQueue(ch, queue)
		return err
	})
	return q, err
}

// BindQueue creates a queue binding.
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *amqp091.Channel) error {
		return bindQueue(ch, binding)
	})
}

func declareExchange(ch *amqp091.Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Kind,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch *amqp091.Channel, queue QueueDeclaration) (amqp091.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch *amqp091.Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
