package subscriber

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockChannel implements Channel for testing
type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(<-chan amqp.Delivery), mockArgs.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	return m.Called(consumer, noWait).Error(0)
}

// closingChannel behaves like an amqp091 channel: a broker exception closes
// it and every later call fails with amqp.ErrClosed.
type closingChannel struct {
	*mockChannel

	mu     sync.Mutex
	closed bool
}

func newClosingChannel() *closingChannel {
	return &closingChannel{mockChannel: &mockChannel{}}
}

func (c *closingChannel) call(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}

	err := fn()
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		c.closed = true
	}
	return err
}

func (c *closingChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *closingChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.call(func() error {
		return c.mockChannel.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
	})
}

func (c *closingChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	var q amqp.Queue
	err := c.call(func() (err error) {
		q, err = c.mockChannel.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
		return err
	})
	return q, err
}

func (c *closingChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return c.call(func() error {
		return c.mockChannel.QueueBind(name, key, exchange, noWait, args)
	})
}

func (c *closingChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.call(func() error {
		return c.mockChannel.Qos(prefetchCount, prefetchSize, global)
	})
}

func (c *closingChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	var out <-chan amqp.Delivery
	err := c.call(func() (err error) {
		out, err = c.mockChannel.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
		return err
	})
	return out, err
}

func (c *closingChannel) Cancel(consumer string, noWait bool) error {
	return c.call(func() error {
		return c.mockChannel.Cancel(consumer, noWait)
	})
}

// scopedChannels is a channel scope handing out a fresh closingChannel per
// call, prepared with the expectations of prepare.
type scopedChannels struct {
	mu      sync.Mutex
	prepare func(ch *mockChannel)
	opened  []*closingChannel
}

func (s *scopedChannels) scope(fn func(ch Channel) error) error {
	ch := newClosingChannel()
	s.prepare(ch.mockChannel)

	s.mu.Lock()
	s.opened = append(s.opened, ch)
	s.mu.Unlock()

	return fn(ch)
}

func (s *scopedChannels) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opened)
}

// mockAcknowledger records acknowledgement calls
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Called(tag, requeue).Error(0)
}

func deliveries(ch chan amqp.Delivery) <-chan amqp.Delivery {
	return ch
}

func withDeaths(count int64) amqp.Table {
	return amqp.Table{
		"x-death": []interface{}{
			amqp.Table{"queue": "q1", "reason": "rejected", "count": count},
		},
	}
}

// logBuffer is a goroutine-safe sink for slog output
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}
