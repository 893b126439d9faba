package subscriber

import (
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ResolveDecision maps a handler's decision to the action the dispatcher
// takes. NoDecision means the handler finished without an opinion and
// resolves to Ack.
func ResolveDecision(d Decision) Decision {
	if d == NoDecision {
		return Ack
	}
	return d
}

// Dispatcher turns a decision into exactly one acknowledgement call on the
// delivery:
//
//	Ack, NoDecision  Ack(false)
//	Requeue          Nack(false, true)
//	Nack             dead-letter policy
//	Reject           Nack(false, false)
//
// The dead-letter policy acknowledges messages whose death count reached the
// limit and nacks the others without requeue, leaving the routing to the
// queue's dead-letter exchange.
type Dispatcher struct {
	deaths        DeathCounter
	maxDeathCount int
	logger        *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDeathCounter sets how the death count of a delivery is read
func WithDeathCounter(counter DeathCounter) DispatcherOption {
	return func(d *Dispatcher) {
		d.deaths = counter
	}
}

// WithMaxDeathCount overrides MaxDeathCount
func WithMaxDeathCount(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxDeathCount = n
	}
}

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		deaths:        XDeathCounter{},
		maxDeathCount: MaxDeathCount,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Dispatch acknowledges the delivery according to the decision. A nil
// delivery is ignored.
func (d *Dispatcher) Dispatch(delivery *amqp.Delivery, decision Decision) error {
	if delivery == nil {
		return nil
	}

	switch ResolveDecision(decision) {
	case Ack:
		return d.ack(delivery)
	case Requeue:
		return d.nack(delivery, true)
	case Nack:
		return d.handleNack(delivery)
	case Reject:
		return d.nack(delivery, false)
	default:
		d.logger.Warn("unknown decision, applying dead-letter policy",
			"decision", int(decision),
			"routingKey", delivery.RoutingKey)
		return d.handleNack(delivery)
	}
}

// CanDeadLetter reports whether the delivery still has retry budget left
func (d *Dispatcher) CanDeadLetter(delivery *amqp.Delivery) bool {
	return d.deaths.DeathCount(delivery) < d.maxDeathCount
}

func (d *Dispatcher) handleNack(delivery *amqp.Delivery) error {
	if !d.CanDeadLetter(delivery) {
		d.logger.Warn("max attempts exceeded, dropping message",
			"routingKey", delivery.RoutingKey,
			"deathCount", d.deaths.DeathCount(delivery),
			"maxDeathCount", d.maxDeathCount,
			"messageId", delivery.MessageId)
		return d.ack(delivery)
	}
	return d.nack(delivery, false)
}

func (d *Dispatcher) ack(delivery *amqp.Delivery) error {
	if err := delivery.Ack(false); err != nil {
		d.logger.Error("failed to ack message",
			"deliveryTag", delivery.DeliveryTag,
			"error", err)
		return &AckError{Action: "ack", DeliveryTag: delivery.DeliveryTag, RoutingKey: delivery.RoutingKey, Err: err}
	}
	return nil
}

func (d *Dispatcher) nack(delivery *amqp.Delivery, requeue bool) error {
	if err := delivery.Nack(false, requeue); err != nil {
		d.logger.Error("failed to nack message",
			"deliveryTag", delivery.DeliveryTag,
			"requeue", requeue,
			"error", err)
		return &AckError{Action: "nack", DeliveryTag: delivery.DeliveryTag, RoutingKey: delivery.RoutingKey, Err: err}
	}
	return nil
}
