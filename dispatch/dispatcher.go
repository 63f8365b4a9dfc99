package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/glimte/chanbind-go/contracts"
)

// Invoker invokes the handler bound to a delivery's channel with its already
// assembled argument struct.
type Invoker func(ctx context.Context, delivery contracts.Delivery) (Result, error)

// Middleware wraps handler invocation with cross-cutting behavior. The chain
// runs in registration order, outermost first.
type Middleware func(ctx context.Context, delivery contracts.Delivery, next Invoker) (Result, error)

// Dispatcher routes deliveries to registered handlers. It is safe for
// concurrent use: every dispatch operates only on call-local state plus the
// frozen registry.
type Dispatcher struct {
	registry   *Registry
	logger     *slog.Logger
	metrics    MetricsCollector
	middleware []Middleware
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = collector
	}
}

// WithMiddleware adds middleware to the dispatcher
func WithMiddleware(middleware ...Middleware) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// NewDispatcher creates a dispatcher over registry and freezes it, so a
// serving dispatcher can never observe a mutable registry.
func NewDispatcher(registry *Registry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
		metrics:  NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(d)
	}

	registry.Freeze()
	return d
}

// Dispatch validates the delivery payload against the registration's compiled
// schema, assembles the argument struct (validated fields plus injected
// specials), invokes the handler through the middleware chain, and normalizes
// its result into an outbound batch.
//
// Errors are per delivery: a failed dispatch never affects the dispatcher's
// ability to process subsequent deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery contracts.Delivery) (OutboundBatch, error) {
	start := time.Now()

	reg, err := d.registry.Lookup(delivery.Channel)
	if err != nil {
		d.metrics.IncFailed(delivery.Channel, FailureUnknownChannel)
		d.logger.Warn("no handler registered for channel", "channel", delivery.Channel)
		return nil, err
	}

	args := reflect.New(reg.Input.Type).Elem()
	if result := reg.Input.Validate(delivery.Payload, args); !result.Valid {
		d.metrics.IncFailed(delivery.Channel, FailureValidation)
		d.logger.Debug("payload validation failed",
			"channel", delivery.Channel,
			"fieldErrors", len(result.Errors),
		)
		return nil, &PayloadValidationError{Channel: delivery.Channel, Fields: result.Errors}
	}

	injectSpecials(reg.Input, args, delivery)

	res, err := d.invoke(ctx, reg, args, delivery)
	if err != nil {
		d.metrics.IncFailed(delivery.Channel, FailureHandler)
		d.logger.Error("handler failed",
			"channel", delivery.Channel,
			"error", err,
		)
		return nil, &HandlerExecutionError{Channel: delivery.Channel, Err: err}
	}

	batch, err := route(delivery.Channel, res, reg.OutputChannel)
	if err != nil {
		d.metrics.IncFailed(delivery.Channel, FailureRouting)
		return nil, err
	}

	d.metrics.IncDispatched(delivery.Channel)
	d.metrics.ObserveDuration(delivery.Channel, time.Since(start))
	d.logger.Debug("delivery dispatched",
		"channel", delivery.Channel,
		"outputs", len(batch),
		"durationMs", time.Since(start).Milliseconds(),
	)

	return batch, nil
}

// invoke runs the handler through the middleware chain, converting panics
// into errors so one delivery cannot take down the dispatch loop.
func (d *Dispatcher) invoke(ctx context.Context, reg *Registration, args reflect.Value, delivery contracts.Delivery) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	invoker := func(ctx context.Context, _ contracts.Delivery) (Result, error) {
		return reg.call(ctx, args)
	}
	return d.buildMiddlewareChain(invoker)(ctx, delivery)
}

// buildMiddlewareChain builds the middleware execution chain
func (d *Dispatcher) buildMiddlewareChain(invoker Invoker) Invoker {
	if len(d.middleware) == 0 {
		return invoker
	}

	// Build chain in reverse order
	result := invoker
	for i := len(d.middleware) - 1; i >= 0; i-- {
		middleware := d.middleware[i]
		next := result
		result = func(ctx context.Context, delivery contracts.Delivery) (Result, error) {
			return middleware(ctx, delivery, next)
		}
	}

	return result
}
