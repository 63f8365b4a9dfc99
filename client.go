// Copyright 2025 Chanbind Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chanbind

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/chanbind-go/contracts"
	"github.com/glimte/chanbind-go/dispatch"
	"github.com/glimte/chanbind-go/serialization"
)

// Client wires a handler registry and a broker transport into a runnable
// dispatch loop. Incoming payloads are unwrapped, validated, and routed to
// their channel's handler; handler outputs are serialized and sent back out
// through the transport.
type Client struct {
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	transport  dispatch.Transport
	serializer serialization.Serializer
	codec      serialization.EnvelopeCodec
	logger     *slog.Logger
	envelopes  bool
}

type clientConfig struct {
	logger     *slog.Logger
	serializer serialization.Serializer
	metrics    dispatch.MetricsCollector
	middleware []dispatch.Middleware
	envelopes  bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithSerializer replaces the default JSON serializer for handler outputs.
func WithSerializer(serializer serialization.Serializer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serializer = serializer
	}
}

// WithMetrics sets the metrics collector passed to the dispatcher.
func WithMetrics(collector dispatch.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithMiddleware adds dispatch middleware, outermost first.
func WithMiddleware(middleware ...dispatch.Middleware) ClientOption {
	return func(cfg *clientConfig) {
		cfg.middleware = append(cfg.middleware, middleware...)
	}
}

// WithoutEnvelopes sends handler outputs as bare serialized bodies instead of
// wrapping them in envelopes. Inbound messages are still accepted in either
// form.
func WithoutEnvelopes() ClientOption {
	return func(cfg *clientConfig) {
		cfg.envelopes = false
	}
}

// NewClient builds a client over registry and transport. Construction freezes
// the registry, so every handler must be registered before calling it.
func NewClient(registry *dispatch.Registry, transport dispatch.Transport, options ...ClientOption) (*Client, error) {
	if registry == nil {
		return nil, fmt.Errorf("chanbind: registry cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("chanbind: transport cannot be nil")
	}

	cfg := &clientConfig{
		logger:     slog.Default(),
		serializer: serialization.JSONSerializer{},
		envelopes:  true,
	}
	for _, opt := range options {
		opt(cfg)
	}

	dispatchOpts := []dispatch.DispatcherOption{dispatch.WithLogger(cfg.logger)}
	if cfg.metrics != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithMetrics(cfg.metrics))
	}
	if len(cfg.middleware) > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithMiddleware(cfg.middleware...))
	}

	return &Client{
		registry:   registry,
		dispatcher: dispatch.NewDispatcher(registry, dispatchOpts...),
		transport:  transport,
		serializer: cfg.serializer,
		codec:      serialization.EnvelopeCodec{},
		logger:     cfg.logger,
		envelopes:  cfg.envelopes,
	}, nil
}

// Run connects the transport, subscribes every registered channel, and blocks
// until ctx is cancelled. Cancellation stops the subscriptions and closes the
// transport; a clean shutdown returns nil.
func (c *Client) Run(ctx context.Context) error {
	if !c.transport.IsConnected() {
		if err := c.transport.Connect(ctx); err != nil {
			return fmt.Errorf("chanbind: connect transport: %w", err)
		}
	}

	input := c.transport.Input()
	channels := c.registry.Channels()
	for _, channel := range channels {
		if err := input.Subscribe(ctx, channel, c.handleDelivery); err != nil {
			input.Close()
			return fmt.Errorf("chanbind: subscribe to channel %q: %w", channel, err)
		}
	}

	c.logger.Info("dispatch loop running", "channels", len(channels))

	<-ctx.Done()

	c.logger.Info("dispatch loop stopping")
	if err := input.Close(); err != nil {
		c.logger.Error("failed to stop subscriptions", "error", err)
	}
	return c.transport.Close()
}

// handleDelivery is the DeliveryFunc bound to every subscribed channel. A
// non-nil return tells the transport the delivery failed; the loop itself
// keeps serving subsequent deliveries either way.
func (c *Client) handleDelivery(ctx context.Context, delivery contracts.Delivery) error {
	correlationID := ""
	if serialization.LooksLikeEnvelope(delivery.Payload) {
		env, err := c.codec.Decode(delivery.Payload)
		if err != nil {
			c.logger.Error("failed to decode envelope",
				"channel", delivery.Channel,
				"error", err,
			)
			return err
		}
		correlationID = env.ID
		delivery.Payload = env.Body
		delivery.Headers = envelopeHeaders(delivery.Headers, env)
	}

	batch, err := c.dispatcher.Dispatch(ctx, delivery)
	if err != nil {
		return err
	}

	for _, out := range batch {
		body, err := c.encodeValue(out.Destination, correlationID, out.Value)
		if err != nil {
			c.logger.Error("failed to encode output",
				"channel", delivery.Channel,
				"destination", out.Destination,
				"error", err,
			)
			return err
		}
		if err := c.transport.Output().Send(ctx, out.Destination, body); err != nil {
			c.logger.Error("failed to send output",
				"channel", delivery.Channel,
				"destination", out.Destination,
				"error", err,
			)
			return err
		}
	}
	return nil
}

// Send serializes v and publishes it to channel through the transport,
// applying the client's envelope setting. It needs no handler registration,
// so producing code can share one client with the dispatch loop.
func (c *Client) Send(ctx context.Context, channel string, v any) error {
	if channel == "" {
		return fmt.Errorf("chanbind: channel cannot be empty")
	}
	body, err := c.encodeValue(channel, "", v)
	if err != nil {
		return err
	}
	return c.transport.Output().Send(ctx, channel, body)
}

// Dispatch routes one delivery through the dispatcher without touching the
// transport. Embedders that receive payloads out of band call this directly
// and handle the returned batch themselves.
func (c *Client) Dispatch(ctx context.Context, delivery contracts.Delivery) (dispatch.OutboundBatch, error) {
	return c.dispatcher.Dispatch(ctx, delivery)
}

// Dispatcher returns the underlying dispatcher.
func (c *Client) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// Transport returns the underlying transport.
func (c *Client) Transport() dispatch.Transport {
	return c.transport
}

// Close tears down the transport connection.
func (c *Client) Close() error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

// encodeValue serializes a handler output and, when envelopes are enabled,
// wraps it addressed to destination. correlationID carries the inbound
// envelope's ID so replies can be traced back to their trigger.
func (c *Client) encodeValue(destination, correlationID string, v any) ([]byte, error) {
	body, err := c.serializer.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("chanbind: serialize output for %q: %w", destination, err)
	}
	if !c.envelopes {
		return body, nil
	}
	env := contracts.NewEnvelope(destination, body)
	env.CorrelationID = correlationID
	return c.codec.Encode(env)
}

// envelopeHeaders merges transport headers with the envelope's headers and
// metadata. Envelope entries win on key collision so handlers observe the
// producer's values.
func envelopeHeaders(headers map[string]interface{}, env *contracts.Envelope) map[string]interface{} {
	merged := make(map[string]interface{}, len(headers)+len(env.Headers)+3)
	for k, v := range headers {
		merged[k] = v
	}
	for k, v := range env.Headers {
		merged[k] = v
	}
	merged[contracts.HeaderMessageID] = env.ID
	if env.Timestamp != "" {
		merged[contracts.HeaderTimestamp] = env.Timestamp
	}
	if env.CorrelationID != "" {
		merged[contracts.HeaderCorrelationID] = env.CorrelationID
	}
	return merged
}
