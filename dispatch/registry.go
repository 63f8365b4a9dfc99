package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/chanbind-go/contracts"
	"github.com/glimte/chanbind-go/schema"
)

// Handler processes validated deliveries from one input channel. P is the
// handler's parameter struct; its schema is compiled at registration time.
//
// Handlers must be safe for concurrent invocation. The dispatcher may run
// many deliveries at once and adds no synchronization around handler calls:
// keep handlers stateless or guard their state internally.
type Handler[P any] func(ctx context.Context, params P) (Result, error)

// Registration binds one handler to one input channel.
type Registration struct {
	Channel       string
	OutputChannel string
	Input         *schema.Input

	call func(ctx context.Context, args reflect.Value) (Result, error)
}

// Registry maps input channels to registrations. It is mutable during
// single-threaded setup and immutable once frozen; NewDispatcher freezes it
// on construction so no registration can race with dispatch.
type Registry struct {
	mu            sync.Mutex
	frozen        bool
	registrations map[string]*Registration
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{
		registrations: make(map[string]*Registration),
	}
}

// RegisterOption configures one registration.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	outputChannel string
	strict        bool
}

// WithOutputChannel sets the default destination for values the handler
// returns. Without it, a handler that produces output fails dispatch with
// NoOutputDestinationError unless it addresses the value itself via To.
func WithOutputChannel(channel string) RegisterOption {
	return func(c *registerConfig) {
		c.outputChannel = channel
	}
}

// WithStrictFields rejects payload keys that match no declared field instead
// of ignoring them.
func WithStrictFields() RegisterOption {
	return func(c *registerConfig) {
		c.strict = true
	}
}

// Register binds handler as the sole consumer of channel. The schema for the
// payload is compiled here, once, from the parameter struct P; a struct that
// cannot be compiled fails with *schema.BuildError. Registering a channel
// twice fails with *DuplicateRegistrationError, and registering after the
// registry is frozen fails with ErrRegistryFrozen. A failed registration
// leaves the registry untouched.
func Register[P any](r *Registry, channel string, handler Handler[P], opts ...RegisterOption) error {
	if channel == "" {
		return fmt.Errorf("dispatch: channel cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("dispatch: handler cannot be nil")
	}

	cfg := registerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	pType := reflect.TypeOf((*P)(nil)).Elem()
	in, err := schema.Build(pType)
	if err != nil {
		return err
	}
	in.Strict = cfg.strict

	// The dispatcher allocates args as an addressable in.Type value, so a
	// pointer-typed P receives the address of that allocation.
	byPointer := pType.Kind() == reflect.Ptr
	call := func(ctx context.Context, args reflect.Value) (Result, error) {
		if byPointer {
			return handler(ctx, args.Addr().Interface().(P))
		}
		return handler(ctx, args.Interface().(P))
	}

	return r.add(&Registration{
		Channel:       channel,
		OutputChannel: cfg.outputChannel,
		Input:         in,
		call:          call,
	})
}

func (r *Registry) add(reg *Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.registrations[reg.Channel]; exists {
		return &DuplicateRegistrationError{Channel: reg.Channel}
	}

	r.registrations[reg.Channel] = reg
	return nil
}

// Freeze makes the registry immutable. Freezing is idempotent; registration
// attempts after Freeze fail with ErrRegistryFrozen.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the registration bound to channel, or *UnknownChannelError.
// Lookup must only be called after Freeze; the map is never written again,
// so concurrent lookups need no locking.
func (r *Registry) Lookup(channel string) (*Registration, error) {
	reg, exists := r.registrations[channel]
	if !exists {
		return nil, &UnknownChannelError{Channel: channel}
	}
	return reg, nil
}

// Channels returns the registered input channels in sorted order.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make([]string, 0, len(r.registrations))
	for channel := range r.registrations {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// injectSpecials fills the injected fields of args from the delivery.
// Injection is by compiled kind and field index; where the field sits in the
// struct does not matter.
func injectSpecials(in *schema.Input, args reflect.Value, delivery contracts.Delivery) {
	for _, sb := range in.Specials {
		field := args.Field(sb.Index)
		switch sb.Kind {
		case schema.SpecialChannelName:
			field.Set(reflect.ValueOf(contracts.ChannelName(delivery.Channel)))
		case schema.SpecialRawPayload:
			field.Set(reflect.ValueOf(contracts.RawPayload(delivery.Payload)))
		case schema.SpecialBundle:
			field.Set(reflect.ValueOf(contracts.Bundle{
				Payload: delivery.Payload,
				Headers: delivery.Headers,
			}))
		}
	}
}
