// Package redis provides the Redis pub/sub transport.
//
// Each channel maps to one Redis channel under a common key prefix. Redis
// pub/sub is fan-out: every subscribed instance receives every message, and
// messages published while no subscriber is connected are dropped.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/chanbind-go/dispatch"
)

var (
	ErrNotConnected = errors.New("redis: not connected")
	ErrClosed       = errors.New("redis: transport is closed")
)

// Config holds the Redis transport settings.
type Config struct {
	// Addrs lists the server addresses. One address selects single-node
	// mode; several select cluster mode.
	Addrs []string

	// Password authenticates against the server when set.
	Password string

	// DB selects the database in single-node mode.
	DB int

	// MasterName enables sentinel mode when set.
	MasterName string

	// PoolSize is the connection pool size.
	PoolSize int

	// MinIdleConns is the minimum number of idle connections.
	MinIdleConns int

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// ReadTimeout bounds socket reads.
	ReadTimeout time.Duration

	// WriteTimeout bounds socket writes.
	WriteTimeout time.Duration

	// MaxRetries caps command retries.
	MaxRetries int

	// RetryInterval is the pause before resubscribing after a dropped
	// subscription.
	RetryInterval time.Duration

	// KeyPrefix is prepended to channel names to form Redis channel keys.
	KeyPrefix string
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		Addrs:         []string{"localhost:6379"},
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		MaxRetries:    3,
		RetryInterval: 200 * time.Millisecond,
		KeyPrefix:     "chanbind:",
	}
}

// Transport is a dispatch.Transport backed by Redis pub/sub.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client redis.UniversalClient
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates a Redis transport. Call Connect before using it.
func New(cfg Config, options ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		logger: slog.Default(),
		subs:   make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Connect creates the client and verifies the connection with a ping.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.client != nil {
		return nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        t.cfg.Addrs,
		Password:     t.cfg.Password,
		DB:           t.cfg.DB,
		MasterName:   t.cfg.MasterName,
		PoolSize:     t.cfg.PoolSize,
		MinIdleConns: t.cfg.MinIdleConns,
		DialTimeout:  t.cfg.DialTimeout,
		ReadTimeout:  t.cfg.ReadTimeout,
		WriteTimeout: t.cfg.WriteTimeout,
		MaxRetries:   t.cfg.MaxRetries,
	})

	pingCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis: connect: %w", err)
	}

	t.client = client
	t.logger.Info("connected to redis", "addrs", t.cfg.Addrs)
	return nil
}

// Close cancels all subscriptions and closes the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	subs := t.subs
	t.subs = make(map[string]*subscription)
	client := t.client
	t.client = nil
	t.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsConnected reports whether the client responds to a ping.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

// Input returns the receiving side of the transport.
func (t *Transport) Input() dispatch.InputTransport {
	return &inputSide{t: t}
}

// Output returns the sending side of the transport.
func (t *Transport) Output() dispatch.OutputTransport {
	return &outputSide{t: t}
}

// key maps a channel to its Redis channel key.
func (t *Transport) key(channel string) string {
	return t.cfg.KeyPrefix + channel
}

var _ dispatch.Transport = (*Transport)(nil)
