// Package nats provides the NATS transport.
//
// Each channel maps to one subject under a common prefix. Subscriptions join
// a queue group so multiple instances consuming the same channel share the
// work.
package nats

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/glimte/chanbind-go/dispatch"
)

var (
	ErrNotConnected = errors.New("nats: not connected")
	ErrClosed       = errors.New("nats: transport is closed")
)

// Config holds the NATS transport settings.
type Config struct {
	// URLs lists the server addresses, e.g. nats://localhost:4222.
	URLs []string

	// Name identifies this client to the server.
	Name string

	// SubjectPrefix is prepended to channel names to form subjects.
	SubjectPrefix string

	// QueueGroup is the queue group subscriptions join. Empty disables
	// queue-group semantics and every instance receives every message.
	QueueGroup string

	// ReconnectWait is the delay between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects caps reconnection attempts. Negative means retry forever.
	MaxReconnects int

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		URLs:           []string{nats.DefaultURL},
		Name:           "chanbind",
		SubjectPrefix:  "chanbind.",
		QueueGroup:     "chanbind",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Transport is a dispatch.Transport backed by NATS.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	subs   map[string]*nats.Subscription
	closed bool
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

// New creates a NATS transport. Call Connect before using it.
func New(cfg Config, options ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		logger: slog.Default(),
		subs:   make(map[string]*nats.Subscription),
		done:   make(chan struct{}),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Connect establishes the NATS connection.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.conn != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.ReconnectWait(t.cfg.ReconnectWait),
		nats.MaxReconnects(t.cfg.MaxReconnects),
		nats.Timeout(t.cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.logger.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(strings.Join(t.cfg.URLs, ","), opts...)
	if err != nil {
		return err
	}

	t.conn = conn
	t.logger.Info("connected to nats", "urls", t.cfg.URLs)
	return nil
}

// Close drops all subscriptions and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)

	for channel, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Error("failed to unsubscribe", "channel", channel, "error", err)
		}
	}
	t.subs = make(map[string]*nats.Subscription)

	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}

	return nil
}

// IsConnected reports whether the NATS connection is up.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

// Input returns the receiving side of the transport.
func (t *Transport) Input() dispatch.InputTransport {
	return &inputSide{t: t}
}

// Output returns the sending side of the transport.
func (t *Transport) Output() dispatch.OutputTransport {
	return &outputSide{t: t}
}

// subject maps a channel to its subject.
func (t *Transport) subject(channel string) string {
	return t.cfg.SubjectPrefix + channel
}

var _ dispatch.Transport = (*Transport)(nil)
