package amqp

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager maintains a single broker connection and transparently
// reconnects when it drops.
type ConnectionManager struct {
	url            string
	reconnectDelay time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp091.Connection
	notifyClose chan *amqp091.Error
	isConnected bool

	done      chan struct{}
	closeOnce sync.Once
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// A negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout sets the timeout for a single dial attempt.
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection and starts the reconnect watcher.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:       "connect",
			URL:      SanitizeURL(cm.url),
			Attempts: 1,
			Err:      err,
		}
	}

	closed := make(chan *amqp091.Error, 1)
	conn.NotifyClose(closed)

	cm.conn = conn
	cm.notifyClose = closed
	cm.isConnected = true

	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))

	go cm.watch(closed)

	return nil
}

// GetConnection returns the current connection.
func (cm *ConnectionManager) GetConnection() (*amqp091.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrNotConnected
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected reports whether the connection is established.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close shuts down the connection and stops the reconnect watcher.
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected || cm.conn == nil {
		cm.isConnected = false
		return nil
	}

	cm.isConnected = false
	err := cm.conn.Close()
	cm.conn = nil
	return err
}

// dial attempts a single connection, bounded by the dial timeout and ctx.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp091.Connection, error) {
	type result struct {
		conn *amqp091.Connection
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := amqp091.DialConfig(cm.url, amqp091.Config{
			Dial:      amqp091.DefaultDial(cm.dialTimeout),
			Heartbeat: 10 * time.Second,
		})
		resultCh <- result{conn, err}
	}()

	select {
	case r := <-resultCh:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// watch waits for the connection to drop and reconnects until Close is called
// or the retry budget runs out.
func (cm *ConnectionManager) watch(closed chan *amqp091.Error) {
	for {
		select {
		case err := <-closed:
			if err != nil {
				cm.logger.Error("connection lost", "error", err)
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			next, ok := cm.reconnect()
			if !ok {
				return
			}
			closed = next

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect dials until it succeeds. It returns the close-notification channel
// of the new connection, or false when it gave up.
func (cm *ConnectionManager) reconnect() (chan *amqp091.Error, bool) {
	started := time.Now()

	for attempt := 1; ; attempt++ {
		if cm.maxRetries > 0 && attempt > cm.maxRetries {
			cm.logger.Error("giving up on reconnection",
				"attempts", attempt-1,
				"elapsed", time.Since(started),
				"error", ErrMaxRetriesExceeded)
			return nil, false
		}

		if attempt > 1 {
			select {
			case <-time.After(cm.backoff(attempt - 1)):
			case <-cm.done:
				return nil, false
			}
		}

		cm.logger.Info("reconnecting to broker",
			"attempt", attempt,
			"maxRetries", cm.maxRetries)

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Warn("reconnection attempt failed",
				"attempt", attempt,
				"error", err)
			continue
		}

		closed := make(chan *amqp091.Error, 1)
		conn.NotifyClose(closed)

		cm.mu.Lock()
		cm.conn = conn
		cm.notifyClose = closed
		cm.isConnected = true
		cm.mu.Unlock()

		cm.logger.Info("reconnected to broker",
			"attempts", attempt,
			"elapsed", time.Since(started))
		return closed, true
	}
}

// backoff returns the delay before the given retry attempt, exponentially
// grown from the base delay and capped at five minutes. The result is
// randomized by ±25% so clients that lost the same broker do not reconnect
// in lockstep.
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	const maxDelay = 5 * time.Minute

	delay := cm.reconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	return delay - delay/4 + rand.N(delay/2)
}
