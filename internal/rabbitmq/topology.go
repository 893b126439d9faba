package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// TopologyManager declares exchanges, queues and bindings on a channel.
// All declarations are idempotent: repeating one with identical arguments
// is a no-op on the broker.
type TopologyManager struct {
	logger *slog.Logger
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{logger: logger}
}

// DeclareExchanges declares all exchanges concurrently and returns once
// every declaration has completed.
func (tm *TopologyManager) DeclareExchanges(ctx context.Context, ch Channel, exchanges []ExchangeDeclaration) error {
	g, _ := errgroup.WithContext(ctx)
	for _, exchange := range exchanges {
		exchange := exchange
		g.Go(func() error {
			return tm.DeclareExchange(ch, exchange)
		})
	}
	return g.Wait()
}

// DeclareExchangesIsolated declares every exchange concurrently, each on a
// channel of its own from scope, so one conflicting declaration leaves the
// others and the caller's channel untouched.
func (tm *TopologyManager) DeclareExchangesIsolated(ctx context.Context, scope ChannelScope, exchanges []ExchangeDeclaration) error {
	g, _ := errgroup.WithContext(ctx)
	for _, exchange := range exchanges {
		exchange := exchange
		g.Go(func() error {
			return scope(func(ch Channel) error {
				return tm.DeclareExchange(ch, exchange)
			})
		})
	}
	return g.Wait()
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	if exchange.Name == "" || exchange.Type == "" {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       fmt.Errorf("%w: exchange name and type are required", ErrInvalidTopology),
			Timestamp: time.Now(),
		}
	}

	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tm.logger.Debug("exchange declared", "exchange", exchange.Name, "type", exchange.Type)
	return nil
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tm.logger.Debug("queue declared", "queue", q.Name, "messages", q.Messages, "consumers", q.Consumers)
	return q, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s -> %s (%s)", binding.Exchange, binding.Queue, binding.RoutingKey),
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// BindQueueKeys binds a queue to an exchange once per routing key. The binds
// are issued concurrently.
func (tm *TopologyManager) BindQueueKeys(ctx context.Context, ch Channel, queue, exchange string, routingKeys []string) error {
	g, _ := errgroup.WithContext(ctx)
	for _, key := range routingKeys {
		binding := Binding{Queue: queue, Exchange: exchange, RoutingKey: key}
		g.Go(func() error {
			return tm.BindQueue(ch, binding)
		})
	}
	return g.Wait()
}
