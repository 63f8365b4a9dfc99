package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/chanbind-go/contracts"
	"github.com/glimte/chanbind-go/dispatch"
)

type inputSide struct {
	t *Transport
}

// Subscribe starts consuming the channel's Redis channel. It returns after
// the server confirms the subscription, so a Send issued afterwards is seen
// by this subscriber.
func (in *inputSide) Subscribe(ctx context.Context, channel string, fn dispatch.DeliveryFunc) error {
	t := in.t

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.client == nil {
		return ErrNotConnected
	}
	if _, exists := t.subs[channel]; exists {
		return fmt.Errorf("redis: already subscribed to channel %q", channel)
	}

	subCtx, cancel := context.WithCancel(ctx)

	pubsub := t.client.Subscribe(subCtx, t.key(channel))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		pubsub.Close()
		return fmt.Errorf("redis: subscribe to channel %q: %w", channel, err)
	}

	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	t.subs[channel] = sub

	go t.consume(subCtx, sub, pubsub, channel, fn)

	t.logger.Info("subscribed to channel", "channel", channel, "key", t.key(channel))
	return nil
}

// Unsubscribe cancels the channel's subscription and waits for its loop to
// exit.
func (in *inputSide) Unsubscribe(channel string) error {
	t := in.t

	t.mu.Lock()
	sub, exists := t.subs[channel]
	if exists {
		delete(t.subs, channel)
	}
	t.mu.Unlock()

	if !exists {
		return nil
	}

	sub.cancel()
	<-sub.done
	return nil
}

// Close cancels all subscriptions but keeps the client open for sends.
func (in *inputSide) Close() error {
	t := in.t

	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*subscription)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

// consume pumps messages from the pub/sub connection into fn, resubscribing
// when the connection drops, until ctx is canceled.
func (t *Transport) consume(ctx context.Context, sub *subscription, pubsub *redis.PubSub, channel string, fn dispatch.DeliveryFunc) {
	defer close(sub.done)

	for {
		// Unblock the message loop when the subscription is canceled.
		watcherDone := make(chan struct{})
		go func(ps *redis.PubSub) {
			select {
			case <-ctx.Done():
				ps.Close()
			case <-watcherDone:
			}
		}(pubsub)

		for msg := range pubsub.Channel() {
			delivery := contracts.Delivery{
				Channel: channel,
				Payload: []byte(msg.Payload),
			}
			if err := fn(ctx, delivery); err != nil {
				t.logger.Error("delivery handling failed", "channel", channel, "error", err)
			}
		}

		close(watcherDone)
		pubsub.Close()

		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.RetryInterval):
		}

		t.logger.Info("redis subscription lost, resubscribing", "channel", channel)

		t.mu.Lock()
		client := t.client
		t.mu.Unlock()
		if client == nil {
			return
		}

		pubsub = client.Subscribe(ctx, t.key(channel))
		if _, err := pubsub.Receive(ctx); err != nil {
			t.logger.Warn("resubscribe failed", "channel", channel, "error", err)
		}
	}
}

type outputSide struct {
	t *Transport
}

// Send publishes body to the channel's Redis channel.
func (out *outputSide) Send(ctx context.Context, channel string, body []byte) error {
	t := out.t

	t.mu.Lock()
	client, closed := t.client, t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if client == nil {
		return ErrNotConnected
	}

	if err := client.Publish(ctx, t.key(channel), body).Err(); err != nil {
		return fmt.Errorf("redis: publish to channel %q: %w", channel, err)
	}
	return nil
}

// Close is a no-op; the client is shared with the input side and closed by
// the transport.
func (out *outputSide) Close() error {
	return nil
}
