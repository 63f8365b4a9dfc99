package amqp

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// Connection errors
	ErrNotConnected       = errors.New("amqp: not connected")
	ErrConnectionClosed   = errors.New("amqp: connection is closed")
	ErrMaxRetriesExceeded = errors.New("amqp: maximum reconnection attempts exceeded")

	// Channel errors
	ErrChannelPoolClosed     = errors.New("amqp: channel pool is closed")
	ErrChannelPoolExhausted  = errors.New("amqp: channel pool exhausted")
	ErrChannelCreationFailed = errors.New("amqp: failed to create channel")

	// Publisher errors
	ErrPublishTimeout      = errors.New("amqp: timed out waiting for publish confirmation")
	ErrPublishNotConfirmed = errors.New("amqp: broker did not confirm publish")

	// General errors
	ErrInvalidConfiguration = errors.New("amqp: invalid configuration")
)

// ConnectionError represents a connection-related error.
type ConnectionError struct {
	Op       string // Operation that failed
	URL      string // Connection URL (sanitized)
	Attempts int    // Number of attempts made
	Err      error  // Underlying error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("amqp: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("amqp: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel pool error.
type ChannelError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("amqp: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a failed publish operation.
type PublishError struct {
	Exchange   string // Target exchange
	RoutingKey string // Routing key used
	Err        error  // Underlying error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("amqp: publish to %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error.
type ConsumerError struct {
	Queue string // Queue name
	Op    string // Operation that failed
	Err   error  // Underlying error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("amqp: %s on queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// SanitizeURL strips the password from a broker URL so it is safe to log.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.User(u.User.Username())
		}
	}
	return u.String()
}
