package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-subscriber/internal/rabbitmq"
)

// Exchange is an exchange declared when the server connects
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

// TopicExchange returns a durable topic exchange
func TopicExchange(name string) Exchange {
	return Exchange{Name: name, Kind: "topic", Durable: true}
}

type serverConfig struct {
	logger            *slog.Logger
	exchanges         []Exchange
	connectionName    string
	reconnectDelay    time.Duration
	initialAttempts   int
	channelRetryDelay time.Duration
	concurrency       int
	prefetchCount     int
	dispatcherOptions []DispatcherOption
}

// ServerOption configures the Server
type ServerOption func(*serverConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// WithExchanges sets the exchanges declared on every connect
func WithExchanges(exchanges ...Exchange) ServerOption {
	return func(c *serverConfig) {
		c.exchanges = append(c.exchanges, exchanges...)
	}
}

// WithConnectionName sets the client connection name reported to the broker
func WithConnectionName(name string) ServerOption {
	return func(c *serverConfig) {
		c.connectionName = name
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.reconnectDelay = delay
	}
}

// WithInitialAttempts sets how many rounds over the endpoints Connect tries
func WithInitialAttempts(attempts int) ServerOption {
	return func(c *serverConfig) {
		c.initialAttempts = attempts
	}
}

// WithChannelRetryDelay sets the delay before a broker-closed channel is reopened
func WithChannelRetryDelay(delay time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.channelRetryDelay = delay
	}
}

// WithConcurrency sets how many messages per queue are handled at once
func WithConcurrency(n int) ServerOption {
	return func(c *serverConfig) {
		c.concurrency = n
	}
}

// WithPrefetchCount sets the per-consumer prefetch (QoS) count
func WithPrefetchCount(n int) ServerOption {
	return func(c *serverConfig) {
		c.prefetchCount = n
	}
}

// WithDispatcherOptions configures the acknowledgement dispatcher
func WithDispatcherOptions(options ...DispatcherOption) ServerOption {
	return func(c *serverConfig) {
		c.dispatcherOptions = append(c.dispatcherOptions, options...)
	}
}

// Server owns the broker connection and channel. Every time the channel
// (re)opens it declares the exchanges, binds all registered subscribers and
// starts consuming their queues.
type Server struct {
	registry   *Registry
	urls       []string
	cfg        serverConfig
	logger     *slog.Logger
	topology   *rabbitmq.TopologyManager
	consumer   *rabbitmq.Consumer
	dispatcher *Dispatcher
	binder     *Binder

	mu      sync.Mutex
	manager *rabbitmq.ConnectionManager
	wrapper *rabbitmq.ChannelWrapper
	started bool
	closed  bool

	listening atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer creates a server for the registry's subscribers. The registry is
// read on every topology setup, so subscribers must be registered before
// Connect.
func NewServer(registry *Registry, urls []string, options ...ServerOption) *Server {
	cfg := serverConfig{
		logger:            slog.Default(),
		connectionName:    "mmate-subscriber",
		reconnectDelay:    time.Second,
		initialAttempts:   3,
		channelRetryDelay: time.Second,
		concurrency:       1,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	logger := cfg.logger
	dispatcher := NewDispatcher(append([]DispatcherOption{WithDispatcherLogger(logger)}, cfg.dispatcherOptions...)...)
	topology := rabbitmq.NewTopologyManager(logger)
	consumer := rabbitmq.NewConsumer(
		rabbitmq.WithConcurrency(cfg.concurrency),
		rabbitmq.WithPrefetchCount(cfg.prefetchCount),
		rabbitmq.WithConsumerTagPrefix(cfg.connectionName),
		rabbitmq.WithConsumerLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry:   registry,
		urls:       append([]string(nil), urls...),
		cfg:        cfg,
		logger:     logger,
		topology:   topology,
		consumer:   consumer,
		dispatcher: dispatcher,
		binder:     NewBinder(topology, consumer, dispatcher, logger),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Connect dials the broker and runs the first topology setup. Later
// reconnects repeat the setup automatically. Failing to reach any endpoint
// is returned; topology or binding failures are only logged.
func (s *Server) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true

	s.manager = rabbitmq.NewConnectionManager(s.urls,
		rabbitmq.WithLogger(s.logger),
		rabbitmq.WithConnectionName(s.cfg.connectionName),
		rabbitmq.WithReconnectDelay(s.cfg.reconnectDelay),
		rabbitmq.WithInitialAttempts(s.cfg.initialAttempts),
	)
	wrapper, err := rabbitmq.NewChannelWrapper(s.manager,
		rabbitmq.WithChannelName(s.cfg.connectionName),
		rabbitmq.WithChannelLogger(s.logger),
		rabbitmq.WithChannelRetryDelay(s.cfg.channelRetryDelay),
	)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create channel: %w", err)
	}
	s.wrapper = wrapper
	s.binder.SetChannelScope(wrapper.Isolated)
	s.mu.Unlock()

	wrapper.AddObserver(s)
	// Not connected yet: this only registers the setup, which first runs
	// when the connection manager reports the connection.
	if err := wrapper.AddSetup(ctx, s.setup); err != nil {
		s.reset()
		return fmt.Errorf("failed to register topology setup: %w", err)
	}

	if err := s.manager.Connect(ctx); err != nil {
		s.reset()
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	if _, err := wrapper.Channel(); err != nil {
		s.reset()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	return nil
}

// reset tears down a failed Connect so that it can be retried
func (s *Server) reset() {
	s.mu.Lock()
	manager, wrapper := s.manager, s.wrapper
	s.manager, s.wrapper = nil, nil
	s.started = false
	s.binder.SetChannelScope(nil)
	s.mu.Unlock()

	s.consumer.UnsubscribeAll()
	_ = wrapper.Close()
	_ = manager.Close()
}

// Listening reports whether the channel is connected
func (s *Server) Listening() bool {
	return s.listening.Load()
}

// ActiveQueues returns the queues currently being consumed
func (s *Server) ActiveQueues() []string {
	return s.consumer.GetActiveConsumers()
}

// Subscribers returns the registered bindings
func (s *Server) Subscribers() []SubscriberBinding {
	return s.registry.Subscribers()
}

// Close stops all consumers and closes the channel and connection
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	manager, wrapper := s.manager, s.wrapper
	s.mu.Unlock()

	s.cancel()
	s.consumer.UnsubscribeAll()
	s.listening.Store(false)

	var err error
	if wrapper != nil {
		if cerr := wrapper.Close(); cerr != nil {
			err = cerr
		}
	}
	if manager != nil {
		if cerr := manager.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	s.logger.Info("subscriber server closed")
	return err
}

// OnChannelConnected implements rabbitmq.ChannelObserver
func (s *Server) OnChannelConnected(name string) {
	s.listening.Store(true)
	s.logger.Info("RabbitMQ connected with success", "channel", name)
}

// OnChannelError implements rabbitmq.ChannelObserver
func (s *Server) OnChannelError(name string, err error) {
	s.listening.Store(false)
	s.logger.Error("RabbitMQ channel error", "channel", name, "error", err)
}

// setup declares the exchanges and then binds the subscribers. It runs on
// every channel (re)open; a failed exchange declaration does not stop the
// binding pass. Once connected, declarations run on isolated channels and ch
// only carries the consumers.
func (s *Server) setup(ctx context.Context, ch Channel) error {
	return errors.Join(s.setupExchanges(ctx, ch), s.bindSubscribers(ctx, ch))
}

func (s *Server) setupExchanges(ctx context.Context, ch Channel) error {
	if len(s.cfg.exchanges) == 0 {
		return nil
	}

	declarations := make([]rabbitmq.ExchangeDeclaration, 0, len(s.cfg.exchanges))
	for _, ex := range s.cfg.exchanges {
		declarations = append(declarations, rabbitmq.ExchangeDeclaration{
			Name:    ex.Name,
			Type:    ex.Kind,
			Durable: ex.Durable,
		})
	}

	var err error
	if scope := s.binder.Scope(); scope != nil {
		err = s.topology.DeclareExchangesIsolated(ctx, scope, declarations)
	} else {
		err = s.topology.DeclareExchanges(ctx, ch, declarations)
	}
	if err != nil {
		s.logger.Error("failed to declare exchanges", "error", err)
		return err
	}
	return nil
}

// bindSubscribers binds every registered subscriber. Consumers are tied to the
// server's lifetime rather than to the setup call.
func (s *Server) bindSubscribers(_ context.Context, ch Channel) error {
	bindings := s.registry.Subscribers()
	report := s.binder.Bind(s.ctx, ch, bindings)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d subscribers failed to bind", report.Failed, len(bindings))
	}
	return nil
}
