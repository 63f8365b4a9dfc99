package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/glimte/chanbind-go/contracts"
	"github.com/glimte/chanbind-go/dispatch"
)

type inputSide struct {
	t *Transport
}

// Subscribe joins the channel's subject, sharing work through the
// configured queue group. The subscription ends when ctx is canceled,
// Unsubscribe is called, or the transport closes.
func (in *inputSide) Subscribe(ctx context.Context, channel string, fn dispatch.DeliveryFunc) error {
	t := in.t

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}
	if _, exists := t.subs[channel]; exists {
		return fmt.Errorf("nats: already subscribed to channel %q", channel)
	}

	handler := func(msg *nats.Msg) {
		delivery := contracts.Delivery{
			Channel: channel,
			Payload: msg.Data,
			Headers: headerToMap(msg.Header),
		}
		if err := fn(ctx, delivery); err != nil {
			t.logger.Error("delivery handling failed", "channel", channel, "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if t.cfg.QueueGroup != "" {
		sub, err = t.conn.QueueSubscribe(t.subject(channel), t.cfg.QueueGroup, handler)
	} else {
		sub, err = t.conn.Subscribe(t.subject(channel), handler)
	}
	if err != nil {
		return fmt.Errorf("nats: subscribe to channel %q: %w", channel, err)
	}

	t.subs[channel] = sub

	go func() {
		select {
		case <-ctx.Done():
			in.Unsubscribe(channel)
		case <-t.done:
		}
	}()

	t.logger.Info("subscribed to channel", "channel", channel, "subject", t.subject(channel))
	return nil
}

// Unsubscribe drops the channel's subscription.
func (in *inputSide) Unsubscribe(channel string) error {
	t := in.t

	t.mu.Lock()
	defer t.mu.Unlock()

	sub, exists := t.subs[channel]
	if !exists {
		return nil
	}
	delete(t.subs, channel)

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats: unsubscribe from channel %q: %w", channel, err)
	}
	return nil
}

// Close drops all subscriptions but keeps the connection open for sends.
func (in *inputSide) Close() error {
	t := in.t

	t.mu.Lock()
	defer t.mu.Unlock()

	for channel, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Error("failed to unsubscribe", "channel", channel, "error", err)
		}
	}
	t.subs = make(map[string]*nats.Subscription)
	return nil
}

type outputSide struct {
	t *Transport
}

// Send publishes body to the channel's subject.
func (out *outputSide) Send(ctx context.Context, channel string, body []byte) error {
	t := out.t

	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := conn.Publish(t.subject(channel), body); err != nil {
		return fmt.Errorf("nats: publish to channel %q: %w", channel, err)
	}
	return nil
}

// Close flushes buffered messages.
func (out *outputSide) Close() error {
	t := out.t

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Flush()
}

// headerToMap converts NATS message headers into delivery headers, keeping
// the first value of each key.
func headerToMap(header nats.Header) map[string]interface{} {
	if len(header) == 0 {
		return nil
	}
	headers := make(map[string]interface{}, len(header))
	for k, values := range header {
		if len(values) > 0 {
			headers[k] = values[0]
		}
	}
	return headers
}
