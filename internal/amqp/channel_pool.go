package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// acquireWait bounds how long Get blocks once the pool is at capacity.
const acquireWait = 5 * time.Second

// ChannelPool manages a pool of AMQP channels on top of a ConnectionManager.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration

	mu     sync.Mutex
	closed bool
	active int

	stop chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata.
type PooledChannel struct {
	*amqp091.Channel
	id       string
	lastUsed time.Time
}

// ChannelPoolOption configures the channel pool.
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size.
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the number of channels opened up front.
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets how long an unused channel may sit in the pool
// before the cleanup loop closes it.
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// NewChannelPool creates a channel pool. The connection must already be
// established when minSize is greater than zero.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     2,
		idleTimeout: 5 * time.Minute,
		stop:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	var created []*PooledChannel
	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			for _, c := range created {
				c.Channel.Close()
			}
			return nil, &ChannelError{Op: "initialize pool", Err: err}
		}
		created = append(created, ch)
	}
	for _, ch := range created {
		pool.channels <- ch
	}

	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool, opening a new one when the pool is
// below capacity. It blocks up to acquireWait when the pool is exhausted.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	for {
		// Reuse an idle channel when one is available.
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.discard(ch)
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		cp.mu.Lock()
		if cp.active < cp.maxSize {
			cp.mu.Unlock()
			return cp.createChannel()
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.discard(ch)
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil

		case <-ctx.Done():
			return nil, &ChannelError{Op: "get channel", Err: ctx.Err()}

		case <-time.After(acquireWait):
			return nil, &ChannelError{Op: "get channel", Err: ErrChannelPoolExhausted}
		}
	}
}

// Put returns a channel to the pool. Closed channels and channels that no
// longer fit are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	if cp.closed || ch.IsClosed() {
		cp.active--
		cp.mu.Unlock()
		ch.Channel.Close()
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
		cp.mu.Unlock()
	default:
		cp.active--
		cp.mu.Unlock()
		ch.Channel.Close()
	}
}

// Execute runs fn with a channel from the pool and returns it afterwards.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp091.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

// Size returns the number of channels currently managed by the pool.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.active
}

// Close stops the cleanup loop and closes all pooled channels. Channels
// currently borrowed are closed when they are returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	close(cp.stop)

	for {
		select {
		case ch := <-cp.channels:
			ch.Channel.Close()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:  "create channel",
			Err: fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
		}
	}

	cp.mu.Lock()
	cp.active++
	cp.mu.Unlock()

	return &PooledChannel{
		Channel:  ch,
		id:       uuid.New().String(),
		lastUsed: time.Now(),
	}, nil
}

func (cp *ChannelPool) discard(ch *PooledChannel) {
	ch.Channel.Close()
	cp.mu.Lock()
	cp.active--
	cp.mu.Unlock()
}

// cleanupIdle closes channels that sat unused past the idle timeout, keeping
// at least minSize channels around.
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.stop:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel

	drain:
		for {
			select {
			case ch := <-cp.channels:
				cp.mu.Lock()
				spare := cp.active > cp.minSize
				cp.mu.Unlock()

				if spare && ch.lastUsed.Before(cutoff) {
					cp.discard(ch)
				} else {
					keep = append(keep, ch)
				}
			default:
				break drain
			}
		}

		for _, ch := range keep {
			select {
			case cp.channels <- ch:
			default:
				cp.discard(ch)
			}
		}
	}
}
