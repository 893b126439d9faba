package subscriber

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Registration errors
	ErrInvalidSubscription = errors.New("subscriber: invalid subscription")
	ErrDuplicateSubscriber = errors.New("subscriber: duplicate subscriber")
	ErrNilHandler          = errors.New("subscriber: handler cannot be nil")

	// Runtime errors
	ErrServerClosed = errors.New("subscriber: server is closed")
	ErrHandlerPanic = errors.New("subscriber: handler panicked")
	ErrEmptyQueue   = errors.New("subscriber: queue name is empty")
)

// BindError reports a subscriber that could not be bound. Other subscribers
// are unaffected.
type BindError struct {
	Service   string    // Owning service
	Name      string    // Subscriber name
	Queue     string    // Queue name
	Op        string    // Operation that failed (channel, declare, bind, consume)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *BindError) Error() string {
	return fmt.Sprintf("subscriber bind error: %s failed for %s.%s on queue %s: %v",
		e.Op, e.Service, e.Name, e.Queue, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// AckError reports a failed acknowledgement call
type AckError struct {
	Action      string // ack, nack or reject
	DeliveryTag uint64
	RoutingKey  string
	Err         error
}

func (e *AckError) Error() string {
	return fmt.Sprintf("subscriber ack error: %s of delivery %d (%s) failed: %v",
		e.Action, e.DeliveryTag, e.RoutingKey, e.Err)
}

func (e *AckError) Unwrap() error {
	return e.Err
}
