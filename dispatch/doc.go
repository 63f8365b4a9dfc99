// Package dispatch provides the registration, dispatch, and output-routing
// engine of chanbind.
//
// This package implements the primary dispatch pipeline:
//   - Registry: binds each input channel to exactly one handler, then freezes
//   - Dispatcher: validates payloads, injects special fields, invokes handlers
//   - Result: the sealed sum type handlers return (Value, Values, To)
//   - Output routing: normalizes results into ordered (destination, value)
//     batches
//   - Middleware chain for cross-cutting concerns
//
// Key features:
//   - Typed handlers via generics; the payload schema is compiled from the
//     handler's parameter struct once, at registration time
//   - Frozen registries: setup is single-threaded, dispatch is lock-free
//   - Field-level validation errors, handler panics converted to errors
//   - Transport interfaces kept narrow so brokers stay opaque collaborators
//
// Example usage:
//
//	registry := dispatch.NewRegistry()
//
//	type placeOrder struct {
//	    OrderID  string `json:"orderId"`
//	    Quantity int    `json:"quantity" default:"1"`
//	}
//
//	err := dispatch.Register(registry, "orders", func(ctx context.Context, p placeOrder) (dispatch.Result, error) {
//	    return dispatch.Value(confirmation{ID: p.OrderID}), nil
//	}, dispatch.WithOutputChannel("orders.confirmed"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	dispatcher := dispatch.NewDispatcher(registry)
//	batch, err := dispatcher.Dispatch(ctx, delivery)
//
// Handlers must be safe for concurrent invocation: the hosting service may
// dispatch many deliveries at once and the engine adds no synchronization
// around handler calls.
package dispatch
