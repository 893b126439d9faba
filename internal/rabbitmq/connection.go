package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// dialFunc opens an AMQP connection. Replaced in tests.
type dialFunc func(url string, config amqp.Config) (*amqp.Connection, error)

// ConnectionManager manages the RabbitMQ connection with automatic reconnection.
// When several endpoints are configured they are tried in round-robin order.
type ConnectionManager struct {
	urls            []string
	next            int
	name            string
	conn            *amqp.Connection
	mu              sync.RWMutex
	reconnectDelay  time.Duration
	maxDelay        time.Duration
	dialTimeout     time.Duration
	heartbeat       time.Duration
	initialAttempts int
	logger          *slog.Logger
	dial            dialFunc
	notifyClose     chan *amqp.Error
	isConnected     bool
	closed          bool
	done            chan struct{}
	stateListeners  []ConnectionStateListener
	listenersMu     sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the exponential reconnection backoff
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxDelay = delay
	}
}

// WithDialTimeout sets the timeout of a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithInitialAttempts sets how many dial attempts Connect makes before giving up.
// Every endpoint is tried once per attempt.
func WithInitialAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.initialAttempts = attempts
	}
}

// WithConnectionName sets the client-provided connection name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// NewConnectionManager creates a new connection manager for one or more broker URLs
func NewConnectionManager(urls []string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		urls:            append([]string(nil), urls...),
		name:            "mmate-subscriber",
		reconnectDelay:  time.Second,
		maxDelay:        time.Minute,
		dialTimeout:     30 * time.Second,
		heartbeat:       10 * time.Second,
		initialAttempts: 3,
		logger:          slog.Default(),
		dial:            amqp.DialConfig,
		done:            make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. Unlike reconnection, which
// retries forever, Connect gives up after the configured number of attempts.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if len(cm.urls) == 0 {
		return &ConnectionError{Op: "connect", Err: ErrNoEndpoints, Timestamp: time.Now()}
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: ErrConnectionClosed, Timestamp: time.Now()}
	}
	if cm.isConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	attempts := cm.initialAttempts * len(cm.urls)
	if attempts < 1 {
		attempts = len(cm.urls)
	}

	var lastErr error
	var lastURL string
	for i := 0; i < attempts; i++ {
		if i > 0 && i%len(cm.urls) == 0 {
			select {
			case <-time.After(cm.calculateBackoff(i/len(cm.urls) - 1)):
			case <-ctx.Done():
				return &ConnectionError{Op: "connect", URL: SanitizeURL(lastURL), Err: ctx.Err(), Timestamp: time.Now(), Attempts: i}
			}
		}

		url := cm.nextURL()
		conn, err := cm.dialWithTimeout(ctx, url)
		if err != nil {
			cm.logger.Warn("connection attempt failed",
				"url", SanitizeURL(url),
				"attempt", i+1,
				"error", err)
			lastErr, lastURL = err, url
			if ctx.Err() != nil {
				break
			}
			continue
		}

		cm.attach(conn)
		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(url))
		cm.notifyConnected()
		go cm.handleReconnect()
		return nil
	}

	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(lastURL),
		Err:       errors.Join(ErrMaxRetriesExceeded, lastErr),
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	cm.conn.NotifyClose(cm.notifyClose)
}

func (cm *ConnectionManager) nextURL() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	url := cm.urls[cm.next%len(cm.urls)]
	cm.next++
	return url
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string) (*amqp.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cm.name)
	config := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: props,
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := cm.dial(url, config)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-connCtx.Done():
		// Close a connection that shows up after we stopped waiting.
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect() {
	cm.mu.RLock()
	notifyClose := cm.notifyClose
	cm.mu.RUnlock()

	select {
	case err, ok := <-notifyClose:
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		var cause error = ErrConnectionClosed
		if ok && err != nil {
			cause = err
		}
		cm.logger.Error("connection closed", "error", cause)
		cm.notifyDisconnected(cause)

		cm.reconnect()

	case <-cm.done:
		cm.logger.Info("connection manager shutting down")
	}
}

// reconnect retries every endpoint until one answers or the manager is closed
func (cm *ConnectionManager) reconnect() {
	attempt := 0
	startTime := time.Now()

	for {
		select {
		case <-cm.done:
			return
		default:
		}

		cm.notifyReconnecting(attempt + 1)

		if attempt > 0 {
			select {
			case <-time.After(cm.calculateBackoff(attempt - 1)):
			case <-cm.done:
				return
			}
		}

		url := cm.nextURL()
		cm.logger.Info("attempting to reconnect",
			"url", SanitizeURL(url),
			"attempt", attempt+1)

		conn, err := cm.dialWithTimeout(context.Background(), url)
		if err != nil {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", attempt+1)
			attempt++
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			conn.Close()
			return
		}
		cm.mu.Unlock()

		cm.attach(conn)
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"url", SanitizeURL(url),
			"attempts", attempt+1,
			"duration", time.Since(startTime))

		cm.notifyConnected()
		go cm.handleReconnect()
		return
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

// notifyConnected runs listeners synchronously so that topology setup has
// finished before Connect returns.
func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		listener.OnReconnecting(attempt)
	}
}

// calculateBackoff calculates the backoff duration with jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := cm.maxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}

	if attempt > 30 {
		attempt = 30
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	// jitter spreads the delay over a 25% window
	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}

	return delay
}
