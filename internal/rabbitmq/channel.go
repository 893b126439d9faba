package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used for topology setup and consumption.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// managedChannel is a Channel whose lifecycle the wrapper owns
type managedChannel interface {
	Channel
	IsClosed() bool
	Close() error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
}

// SetupFunc declares topology or starts consumers on a freshly opened channel.
// Setup functions run on every (re)open and must be idempotent.
type SetupFunc func(ctx context.Context, ch Channel) error

// ChannelScope runs fn on a short-lived channel of its own. A broker
// exception raised inside fn closes only that channel.
type ChannelScope func(fn func(ch Channel) error) error

// ChannelObserver is notified when the wrapped channel becomes usable or fails
type ChannelObserver interface {
	OnChannelConnected(name string)
	OnChannelError(name string, err error)
}

// ChannelWrapper keeps one AMQP channel open across connection and channel
// failures and replays its setup functions every time it reopens.
type ChannelWrapper struct {
	manager    *ConnectionManager
	name       string
	open       func() (managedChannel, error)
	mu         sync.RWMutex
	ch         managedChannel
	setups     []SetupFunc
	observers  []ChannelObserver
	openMu     sync.Mutex
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	retryDelay time.Duration
	logger     *slog.Logger
}

// ChannelWrapperOption configures the channel wrapper
type ChannelWrapperOption func(*ChannelWrapper)

// WithChannelName sets the name reported in logs and error events
func WithChannelName(name string) ChannelWrapperOption {
	return func(cw *ChannelWrapper) {
		cw.name = name
	}
}

// WithChannelRetryDelay sets the delay before reopening a channel closed by the broker
func WithChannelRetryDelay(delay time.Duration) ChannelWrapperOption {
	return func(cw *ChannelWrapper) {
		cw.retryDelay = delay
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelWrapperOption {
	return func(cw *ChannelWrapper) {
		cw.logger = logger
	}
}

// NewChannelWrapper creates a channel wrapper and subscribes it to the
// manager's connection events.
func NewChannelWrapper(manager *ConnectionManager, options ...ChannelWrapperOption) (*ChannelWrapper, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	ctx, cancel := context.WithCancel(context.Background())
	cw := &ChannelWrapper{
		manager:    manager,
		name:       "channel-" + uuid.NewString()[:8],
		retryDelay: time.Second,
		logger:     manager.logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	cw.open = cw.openFromConnection

	for _, opt := range options {
		opt(cw)
	}

	manager.AddStateListener(cw)
	return cw, nil
}

// Name returns the channel name
func (cw *ChannelWrapper) Name() string {
	return cw.name
}

// AddSetup registers a setup function. If the channel is already open the
// function runs immediately.
func (cw *ChannelWrapper) AddSetup(ctx context.Context, fn SetupFunc) error {
	cw.mu.Lock()
	cw.setups = append(cw.setups, fn)
	ch := cw.ch
	cw.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return nil
	}
	return fn(ctx, ch)
}

// AddObserver registers a channel observer
func (cw *ChannelWrapper) AddObserver(observer ChannelObserver) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.observers = append(cw.observers, observer)
}

// Channel returns the currently open channel
func (cw *ChannelWrapper) Channel() (Channel, error) {
	cw.mu.RLock()
	defer cw.mu.RUnlock()

	if cw.closed {
		return nil, ErrWrapperClosed
	}
	if cw.ch == nil || cw.ch.IsClosed() {
		return nil, ErrChannelClosed
	}
	return cw.ch, nil
}

// IsOpen reports whether the wrapper currently holds an open channel
func (cw *ChannelWrapper) IsOpen() bool {
	_, err := cw.Channel()
	return err == nil
}

// Open opens a channel if none is open and runs every setup function on it.
// Setup errors are joined and returned. Observers hear about the channel only
// if it is still open once setup has run.
func (cw *ChannelWrapper) Open(ctx context.Context) error {
	cw.openMu.Lock()
	defer cw.openMu.Unlock()

	cw.mu.RLock()
	closed, current := cw.closed, cw.ch
	cw.mu.RUnlock()

	if closed {
		return ErrWrapperClosed
	}
	if current != nil && !current.IsClosed() {
		return nil
	}

	ch, err := cw.open()
	if err != nil {
		return &ChannelError{
			Op:        "open",
			Channel:   cw.name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cw.mu.Lock()
	cw.ch = ch
	setups := append([]SetupFunc(nil), cw.setups...)
	cw.mu.Unlock()

	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go cw.watch(ch, notify)

	var errs []error
	for _, setup := range setups {
		if err := setup(ctx, ch); err != nil {
			errs = append(errs, err)
		}
	}

	// The broker may have closed the channel during setup; watch reports that.
	if ch.IsClosed() {
		errs = append(errs, ErrChannelClosed)
		return errors.Join(errs...)
	}

	cw.logger.Debug("channel opened", "channel", cw.name, "setups", len(setups))
	for _, observer := range cw.snapshotObservers() {
		observer.OnChannelConnected(cw.name)
	}

	return errors.Join(errs...)
}

// Isolated implements ChannelScope: it opens a channel on the current
// connection, runs fn on it and closes it again.
func (cw *ChannelWrapper) Isolated(fn func(ch Channel) error) error {
	cw.mu.RLock()
	closed := cw.closed
	cw.mu.RUnlock()
	if closed {
		return ErrWrapperClosed
	}

	ch, err := cw.open()
	if err != nil {
		return &ChannelError{
			Op:        "isolate",
			Channel:   cw.name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	return fn(ch)
}

// Close closes the channel and stops recovering it
func (cw *ChannelWrapper) Close() error {
	cw.mu.Lock()
	if cw.closed {
		cw.mu.Unlock()
		return nil
	}
	cw.closed = true
	ch := cw.ch
	cw.ch = nil
	cw.mu.Unlock()

	cw.cancel()
	cw.manager.RemoveStateListener(cw)

	if ch != nil && !ch.IsClosed() {
		return ch.Close()
	}
	return nil
}

// OnConnected implements ConnectionStateListener
func (cw *ChannelWrapper) OnConnected() {
	if err := cw.Open(cw.ctx); err != nil && !errors.Is(err, ErrWrapperClosed) {
		cw.logger.Error("channel setup failed", "channel", cw.name, "error", err)
	}
}

// OnDisconnected implements ConnectionStateListener
func (cw *ChannelWrapper) OnDisconnected(err error) {
	cw.mu.Lock()
	cw.ch = nil
	closed := cw.closed
	cw.mu.Unlock()

	if closed {
		return
	}
	cw.notifyError(err)
}

// OnReconnecting implements ConnectionStateListener
func (cw *ChannelWrapper) OnReconnecting(attempt int) {
	cw.logger.Debug("waiting for connection", "channel", cw.name, "attempt", attempt)
}

// watch reopens the channel after a channel-level (soft) error. Connection
// level errors are left to the connection manager, which reports them through
// OnDisconnected and calls OnConnected once a new connection exists.
func (cw *ChannelWrapper) watch(ch managedChannel, notify chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notify:
		cw.mu.Lock()
		if cw.ch == ch {
			cw.ch = nil
		}
		closed := cw.closed
		cw.mu.Unlock()

		if closed || !ok || amqpErr == nil {
			return
		}

		if !amqpErr.Recover {
			cw.logger.Debug("channel closed with the connection",
				"channel", cw.name,
				"code", amqpErr.Code)
			return
		}

		cw.logger.Error("channel closed by broker",
			"channel", cw.name,
			"code", amqpErr.Code,
			"reason", amqpErr.Reason)
		cw.notifyError(amqpErr)

		select {
		case <-time.After(cw.retryDelay):
		case <-cw.ctx.Done():
			return
		}

		if err := cw.Open(cw.ctx); err != nil && !errors.Is(err, ErrWrapperClosed) {
			cw.logger.Error("failed to reopen channel", "channel", cw.name, "error", err)
		}

	case <-cw.ctx.Done():
	}
}

func (cw *ChannelWrapper) notifyError(err error) {
	if err == nil {
		err = ErrChannelClosed
	}
	for _, observer := range cw.snapshotObservers() {
		observer.OnChannelError(cw.name, err)
	}
}

func (cw *ChannelWrapper) snapshotObservers() []ChannelObserver {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return append([]ChannelObserver(nil), cw.observers...)
}

func (cw *ChannelWrapper) openFromConnection() (managedChannel, error) {
	conn, err := cw.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelCreationFailed, err)
	}
	return ch, nil
}
