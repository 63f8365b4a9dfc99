package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glimte/chanbind-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test parameter types
type orderParams struct {
	OrderID  string `json:"orderId"`
	Quantity int    `json:"quantity" default:"1"`
}

type channelAwareParams struct {
	First   string `json:"first"`
	Channel contracts.ChannelName
	Last    string `json:"last,omitempty"`
}

type pointParams struct {
	X int    `json:"x"`
	Y string `json:"y"`
}

type point struct {
	X int    `json:"x"`
	Y string `json:"y"`
}

type rootPointParams struct {
	Body point `json:"body" chanbind:"root"`
}

// recordingCollector captures metrics calls for assertions.
type recordingCollector struct {
	mu         sync.Mutex
	dispatched map[string]int
	failed     map[string]int
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		dispatched: make(map[string]int),
		failed:     make(map[string]int),
	}
}

func (c *recordingCollector) IncDispatched(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatched[channel]++
}

func (c *recordingCollector) IncFailed(channel string, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[channel+"/"+reason]++
}

func (c *recordingCollector) ObserveDuration(channel string, d time.Duration) {}

func delivery(channel, payload string) contracts.Delivery {
	return contracts.Delivery{
		Channel: channel,
		Payload: json.RawMessage(payload),
	}
}

func TestDispatch(t *testing.T) {
	t.Run("validated fields reach the handler", func(t *testing.T) {
		registry := NewRegistry()
		var got orderParams
		require.NoError(t, Register(registry, "orders", func(ctx context.Context, p orderParams) (Result, error) {
			got = p
			return nil, nil
		}))
		dispatcher := NewDispatcher(registry)

		batch, err := dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-1"}`))

		require.NoError(t, err)
		assert.Empty(t, batch)
		assert.Equal(t, "o-1", got.OrderID)
		assert.Equal(t, 1, got.Quantity)
	})

	t.Run("handler output routes to the default channel", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, Register(registry, "orders", func(ctx context.Context, p orderParams) (Result, error) {
			return Value(p.OrderID), nil
		}, WithOutputChannel("orders.confirmed")))
		dispatcher := NewDispatcher(registry)

		batch, err := dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-1"}`))

		require.NoError(t, err)
		assert.Equal(t, OutboundBatch{{Destination: "orders.confirmed", Value: "o-1"}}, batch)
	})

	t.Run("pointer parameter structs work the same", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, Register(registry, "orders", func(ctx context.Context, p *orderParams) (Result, error) {
			return Value(p.Quantity), nil
		}, WithOutputChannel("out")))
		dispatcher := NewDispatcher(registry)

		batch, err := dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-1","quantity":4}`))

		require.NoError(t, err)
		assert.Equal(t, OutboundBatch{{Destination: "out", Value: 4}}, batch)
	})

	t.Run("unknown channel fails without touching other registrations", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, Register(registry, "orders", noOutput[orderParams]()))
		dispatcher := NewDispatcher(registry)

		_, err := dispatcher.Dispatch(context.Background(), delivery("nowhere", `{}`))
		var unknown *UnknownChannelError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "nowhere", unknown.Channel)

		_, err = dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-1"}`))
		assert.NoError(t, err)
	})

	t.Run("validation failure reports fields and skips the handler", func(t *testing.T) {
		registry := NewRegistry()
		invoked := false
		require.NoError(t, Register(registry, "orders", func(ctx context.Context, p orderParams) (Result, error) {
			invoked = true
			return nil, nil
		}))
		dispatcher := NewDispatcher(registry)

		_, err := dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-1","quantity":"lots"}`))

		var valErr *PayloadValidationError
		require.ErrorAs(t, err, &valErr)
		assert.Equal(t, "orders", valErr.Channel)
		require.Len(t, valErr.Fields, 1)
		assert.Equal(t, "quantity", valErr.Fields[0].Field)
		assert.False(t, invoked)
	})

	t.Run("handler errors are wrapped with the cause preserved", func(t *testing.T) {
		cause := errors.New("inventory exhausted")
		registry := NewRegistry()
		require.NoError(t, Register(registry, "orders", func(ctx context.Context, p orderParams) (Result, error) {
			return nil, cause
		}))
		dispatcher := NewDispatcher(registry)

		_, err := dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-1"}`))

		var execErr *HandlerExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "orders", execErr.Channel)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("handler panics become execution errors", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, Register(registry, "orders", func(ctx context.Context, p orderParams) (Result, error) {
			panic("boom")
		}))
		dispatcher := NewDispatcher(registry)

		_, err := dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-1"}`))

		var execErr *HandlerExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Contains(t, execErr.Error(), "panicked")

		// The dispatcher survives the panic.
		_, err = dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-2"}`))
		assert.NoError(t, err)
	})

	t.Run("handlers without payload fields ignore the body", func(t *testing.T) {
		registry := NewRegistry()
		invoked := false
		require.NoError(t, Register(registry, "ticks", func(ctx context.Context, p struct{}) (Result, error) {
			invoked = true
			return nil, nil
		}))
		dispatcher := NewDispatcher(registry)

		_, err := dispatcher.Dispatch(context.Background(), delivery("ticks", `not even json`))

		assert.NoError(t, err)
		assert.True(t, invoked)
	})

	t.Run("no destination for produced output fails", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, Register(registry, "orders", func(ctx context.Context, p orderParams) (Result, error) {
			return Value("result"), nil
		}))
		dispatcher := NewDispatcher(registry)

		_, err := dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-1"}`))

		var noDest *NoOutputDestinationError
		assert.ErrorAs(t, err, &noDest)
	})
}

func TestDispatchSpecials(t *testing.T) {
	t.Run("ChannelName receives the literal channel regardless of position", func(t *testing.T) {
		registry := NewRegistry()
		var got contracts.ChannelName
		require.NoError(t, Register(registry, "orders", func(ctx context.Context, p channelAwareParams) (Result, error) {
			got = p.Channel
			return nil, nil
		}))
		dispatcher := NewDispatcher(registry)

		_, err := dispatcher.Dispatch(context.Background(), delivery("orders", `{"first":"a"}`))

		require.NoError(t, err)
		assert.Equal(t, contracts.ChannelName("orders"), got)
	})

	t.Run("RawPayload receives the exact payload bytes", func(t *testing.T) {
		type params struct {
			Raw contracts.RawPayload
		}
		payload := `{"anything": [1,2,3]}`
		registry := NewRegistry()
		var got contracts.RawPayload
		require.NoError(t, Register(registry, "raw", func(ctx context.Context, p params) (Result, error) {
			got = p.Raw
			return nil, nil
		}))
		dispatcher := NewDispatcher(registry)

		_, err := dispatcher.Dispatch(context.Background(), delivery("raw", payload))

		require.NoError(t, err)
		assert.Equal(t, payload, string(got))
	})

	t.Run("Bundle receives payload and headers", func(t *testing.T) {
		type params struct {
			Bundle contracts.Bundle
		}
		registry := NewRegistry()
		var got contracts.Bundle
		require.NoError(t, Register(registry, "audit", func(ctx context.Context, p params) (Result, error) {
			got = p.Bundle
			return nil, nil
		}))
		dispatcher := NewDispatcher(registry)

		_, err := dispatcher.Dispatch(context.Background(), contracts.Delivery{
			Channel: "audit",
			Payload: json.RawMessage(`{"k":"v"}`),
			Headers: map[string]interface{}{"x-source": "warehouse"},
		})

		require.NoError(t, err)
		assert.JSONEq(t, `{"k":"v"}`, string(got.Payload))
		assert.Equal(t, "warehouse", got.Headers["x-source"])
	})
}

func TestDispatchRootMode(t *testing.T) {
	t.Run("root and field modes hand the handler the same values", func(t *testing.T) {
		payload := `{"x":1,"y":"a"}`

		fieldRegistry := NewRegistry()
		var fromFields pointParams
		require.NoError(t, Register(fieldRegistry, "points", func(ctx context.Context, p pointParams) (Result, error) {
			fromFields = p
			return nil, nil
		}))
		_, err := NewDispatcher(fieldRegistry).Dispatch(context.Background(), delivery("points", payload))
		require.NoError(t, err)

		rootRegistry := NewRegistry()
		var fromRoot point
		require.NoError(t, Register(rootRegistry, "points", func(ctx context.Context, p rootPointParams) (Result, error) {
			fromRoot = p.Body
			return nil, nil
		}))
		_, err = NewDispatcher(rootRegistry).Dispatch(context.Background(), delivery("points", payload))
		require.NoError(t, err)

		assert.Equal(t, 1, fromFields.X)
		assert.Equal(t, "a", fromFields.Y)
		assert.Equal(t, 1, fromRoot.X)
		assert.Equal(t, "a", fromRoot.Y)
	})
}

func TestDispatchMiddleware(t *testing.T) {
	t.Run("middleware runs outermost first", func(t *testing.T) {
		var order []string
		tag := func(name string) Middleware {
			return func(ctx context.Context, d contracts.Delivery, next Invoker) (Result, error) {
				order = append(order, name)
				return next(ctx, d)
			}
		}

		registry := NewRegistry()
		require.NoError(t, Register(registry, "orders", func(ctx context.Context, p orderParams) (Result, error) {
			order = append(order, "handler")
			return nil, nil
		}))
		dispatcher := NewDispatcher(registry, WithMiddleware(tag("outer"), tag("inner")))

		_, err := dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-1"}`))

		require.NoError(t, err)
		assert.Equal(t, []string{"outer", "inner", "handler"}, order)
	})

	t.Run("middleware can short-circuit the handler", func(t *testing.T) {
		registry := NewRegistry()
		invoked := false
		require.NoError(t, Register(registry, "orders", func(ctx context.Context, p orderParams) (Result, error) {
			invoked = true
			return nil, nil
		}))
		dispatcher := NewDispatcher(registry, WithMiddleware(
			func(ctx context.Context, d contracts.Delivery, next Invoker) (Result, error) {
				return nil, fmt.Errorf("rejected by middleware")
			},
		))

		_, err := dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-1"}`))

		var execErr *HandlerExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.False(t, invoked)
	})
}

func TestDispatchMetrics(t *testing.T) {
	t.Run("collector sees successes and failures", func(t *testing.T) {
		collector := newRecordingCollector()
		registry := NewRegistry()
		require.NoError(t, Register(registry, "orders", noOutput[orderParams]()))
		dispatcher := NewDispatcher(registry, WithMetrics(collector))

		_, err := dispatcher.Dispatch(context.Background(), delivery("orders", `{"orderId":"o-1"}`))
		require.NoError(t, err)
		_, err = dispatcher.Dispatch(context.Background(), delivery("orders", `{}`))
		require.Error(t, err)
		_, err = dispatcher.Dispatch(context.Background(), delivery("nowhere", `{}`))
		require.Error(t, err)

		assert.Equal(t, 1, collector.dispatched["orders"])
		assert.Equal(t, 1, collector.failed["orders/"+FailureValidation])
		assert.Equal(t, 1, collector.failed["nowhere/"+FailureUnknownChannel])
	})
}

func TestDispatchConcurrency(t *testing.T) {
	t.Run("concurrent dispatches share nothing but the frozen registry", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, Register(registry, "orders", func(ctx context.Context, p orderParams) (Result, error) {
			return Value(p.OrderID), nil
		}, WithOutputChannel("out")))
		dispatcher := NewDispatcher(registry)

		const workers = 16
		var wg sync.WaitGroup
		errs := make(chan error, workers)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				payload := fmt.Sprintf(`{"orderId":"o-%d"}`, n)
				batch, err := dispatcher.Dispatch(context.Background(), delivery("orders", payload))
				if err != nil {
					errs <- err
					return
				}
				if len(batch) != 1 || batch[0].Value != fmt.Sprintf("o-%d", n) {
					errs <- fmt.Errorf("unexpected batch for worker %d: %v", n, batch)
				}
			}(i)
		}

		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}
	})
}
