package subscriber

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-subscriber/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueOptions configures the queue declared for a subscription
type QueueOptions struct {
	Durable              bool
	AutoDelete           bool
	Exclusive            bool
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MessageTTL           time.Duration
	Arguments            map[string]interface{}
}

// DefaultQueueOptions returns the options used when a subscription has none:
// a durable, non-exclusive queue without dead-lettering.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{Durable: true}
}

func (o QueueOptions) arguments() amqp.Table {
	if len(o.Arguments) == 0 && o.DeadLetterExchange == "" && o.DeadLetterRoutingKey == "" && o.MessageTTL <= 0 {
		return nil
	}

	args := make(amqp.Table, len(o.Arguments)+3)
	for k, v := range o.Arguments {
		args[k] = v
	}
	if o.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = o.DeadLetterExchange
	}
	if o.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = o.DeadLetterRoutingKey
	}
	if o.MessageTTL > 0 {
		args["x-message-ttl"] = o.MessageTTL.Milliseconds()
	}
	return args
}

// SubscriptionSpec describes where a handler's messages come from: the queue
// to consume and the exchange bindings that feed it.
type SubscriptionSpec struct {
	Exchange     string
	RoutingKeys  []string
	Queue        string
	QueueOptions *QueueOptions
}

// Validate requires a queue, an exchange and at least one routing key.
func (s SubscriptionSpec) Validate() error {
	if s.Queue == "" {
		return fmt.Errorf("%w: queue name cannot be empty", ErrInvalidSubscription)
	}
	if s.Exchange == "" {
		return fmt.Errorf("%w: exchange cannot be empty (queue %s)", ErrInvalidSubscription, s.Queue)
	}
	if len(s.RoutingKeys) == 0 {
		return fmt.Errorf("%w: at least one routing key is required (queue %s)", ErrInvalidSubscription, s.Queue)
	}
	return nil
}

// Options returns the queue options, falling back to DefaultQueueOptions
func (s SubscriptionSpec) Options() QueueOptions {
	if s.QueueOptions == nil {
		return DefaultQueueOptions()
	}
	return *s.QueueOptions
}

func (s SubscriptionSpec) queueDeclaration() rabbitmq.QueueDeclaration {
	opts := s.Options()
	return rabbitmq.QueueDeclaration{
		Name:       s.Queue,
		Durable:    opts.Durable,
		AutoDelete: opts.AutoDelete,
		Exclusive:  opts.Exclusive,
		Arguments:  opts.arguments(),
	}
}

// clone returns a deep copy so a registered spec cannot be changed by the caller
func (s SubscriptionSpec) clone() SubscriptionSpec {
	c := s
	c.RoutingKeys = append([]string(nil), s.RoutingKeys...)
	if s.QueueOptions != nil {
		opts := *s.QueueOptions
		if s.QueueOptions.Arguments != nil {
			opts.Arguments = make(map[string]interface{}, len(s.QueueOptions.Arguments))
			for k, v := range s.QueueOptions.Arguments {
				opts.Arguments[k] = v
			}
		}
		c.QueueOptions = &opts
	}
	return c
}
