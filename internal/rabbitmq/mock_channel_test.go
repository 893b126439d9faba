package rabbitmq

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockChannel implements managedChannel for testing
type mockChannel struct {
	mock.Mock

	stateMu sync.Mutex
	closed  bool
	notify  chan *amqp.Error
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

func (m *mockChannel) IsClosed() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.closed
}

func (m *mockChannel) Close() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if !m.closed {
		m.closed = true
		if m.notify != nil {
			close(m.notify)
		}
	}
	return nil
}

func (m *mockChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.notify = c
	return c
}

// fail simulates the broker closing the channel with an error
func (m *mockChannel) fail(err *amqp.Error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.closed = true
	if m.notify != nil {
		m.notify <- err
	}
}

// deliveries turns a bidirectional channel into the receive-only type Consume returns
func deliveries(ch chan amqp.Delivery) <-chan amqp.Delivery {
	return ch
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
