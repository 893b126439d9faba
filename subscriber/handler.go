package subscriber

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/glimte/mmate-subscriber/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the broker channel a message was delivered on
type Channel = rabbitmq.Channel

// Decision tells the dispatcher how to acknowledge a message
type Decision int

const (
	// NoDecision is the zero value; it resolves to Ack
	NoDecision Decision = iota
	// Ack removes the message from the queue
	Ack
	// Requeue negatively acknowledges with requeue, for immediate redelivery
	Requeue
	// Nack applies the dead-letter policy
	Nack
	// Reject negatively acknowledges without requeue
	Reject
)

func (d Decision) String() string {
	switch d {
	case NoDecision:
		return "none"
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Nack:
		return "nack"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Message is what a handler receives: the decoded JSON payload (nil if the
// body was empty or not JSON), the raw delivery and the channel.
type Message struct {
	Data     interface{}
	Delivery *amqp.Delivery
	Channel  Channel
}

// RoutingKey returns the routing key the message was published with
func (m *Message) RoutingKey() string {
	if m.Delivery == nil {
		return ""
	}
	return m.Delivery.RoutingKey
}

// Body returns the raw message body
func (m *Message) Body() []byte {
	if m.Delivery == nil {
		return nil
	}
	return m.Delivery.Body
}

// Decode unmarshals the raw body into v
func (m *Message) Decode(v interface{}) error {
	if m.Delivery == nil || len(m.Delivery.Body) == 0 {
		return errors.New("subscriber: empty message body")
	}
	return json.Unmarshal(m.Delivery.Body, v)
}

// Handler processes a message. Returning an error sends the message down the
// dead-letter path regardless of the returned decision.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (Decision, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *Message) (Decision, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (Decision, error) {
	return f(ctx, msg)
}
