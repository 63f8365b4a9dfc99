package chanbind

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/glimte/chanbind-go/contracts"
	"github.com/glimte/chanbind-go/dispatch"
	"github.com/glimte/chanbind-go/metrics"
	"github.com/glimte/chanbind-go/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryTransport is an in-process Transport for tests. It records sent
// bodies per channel and lets tests inject deliveries into subscriptions the
// way a broker would.
type memoryTransport struct {
	mu        sync.Mutex
	connected bool
	subs      map[string]dispatch.DeliveryFunc
	sent      map[string][][]byte
}

var _ dispatch.Transport = (*memoryTransport)(nil)

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{
		subs: make(map[string]dispatch.DeliveryFunc),
		sent: make(map[string][][]byte),
	}
}

func (m *memoryTransport) Input() dispatch.InputTransport   { return m }
func (m *memoryTransport) Output() dispatch.OutputTransport { return m }

func (m *memoryTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *memoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *memoryTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *memoryTransport) Subscribe(ctx context.Context, channel string, fn dispatch.DeliveryFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[channel] = fn
	return nil
}

func (m *memoryTransport) Unsubscribe(channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, channel)
	return nil
}

func (m *memoryTransport) Send(ctx context.Context, channel string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[channel] = append(m.sent[channel], append([]byte(nil), body...))
	return nil
}

// deliver feeds a payload into channel's subscription as the broker would.
func (m *memoryTransport) deliver(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	fn, ok := m.subs[channel]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription for %s", channel)
	}
	return fn(ctx, contracts.Delivery{Channel: channel, Payload: payload})
}

func (m *memoryTransport) sentTo(channel string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent[channel]))
	copy(out, m.sent[channel])
	return out
}

func (m *memoryTransport) subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels := make([]string, 0, len(m.subs))
	for channel := range m.subs {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

type orderParams struct {
	OrderID string `json:"orderId"`
	Qty     int    `json:"qty" default:"1"`
	Channel contracts.ChannelName
}

type shipmentNote struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// startClient runs client.Run in the background and waits until every
// registered channel is subscribed. Cleanup cancels the run and asserts a
// clean shutdown.
func startClient(t *testing.T, registry *dispatch.Registry, transport *memoryTransport, options ...ClientOption) *Client {
	t.Helper()

	client, err := NewClient(registry, transport, options...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(transport.subscriptions()) == len(registry.Channels())
	}, time.Second, 5*time.Millisecond, "subscriptions never established")

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("Run did not stop after cancellation")
		}
	})
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("requires a registry", func(t *testing.T) {
		_, err := NewClient(nil, newMemoryTransport())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registry")
	})

	t.Run("requires a transport", func(t *testing.T) {
		_, err := NewClient(dispatch.NewRegistry(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "transport")
	})

	t.Run("freezes the registry on construction", func(t *testing.T) {
		registry := dispatch.NewRegistry()
		_, err := NewClient(registry, newMemoryTransport())
		require.NoError(t, err)

		err = dispatch.Register(registry, "late", func(ctx context.Context, p orderParams) (dispatch.Result, error) {
			return nil, nil
		})
		assert.ErrorIs(t, err, dispatch.ErrRegistryFrozen)
	})

	t.Run("exposes dispatcher and transport", func(t *testing.T) {
		transport := newMemoryTransport()
		client, err := NewClient(dispatch.NewRegistry(), transport)
		require.NoError(t, err)
		assert.NotNil(t, client.Dispatcher())
		assert.Same(t, dispatch.Transport(transport), client.Transport())
	})
}

func TestClientRun(t *testing.T) {
	t.Run("connects and subscribes every registered channel", func(t *testing.T) {
		registry := dispatch.NewRegistry()
		require.NoError(t, dispatch.Register(registry, "orders", func(ctx context.Context, p orderParams) (dispatch.Result, error) {
			return nil, nil
		}))
		require.NoError(t, dispatch.Register(registry, "payments", func(ctx context.Context, p orderParams) (dispatch.Result, error) {
			return nil, nil
		}))

		transport := newMemoryTransport()
		startClient(t, registry, transport)

		assert.True(t, transport.IsConnected())
		assert.Equal(t, []string{"orders", "payments"}, transport.subscriptions())
	})

	t.Run("dispatches bare payloads and envelopes the outputs", func(t *testing.T) {
		registry := dispatch.NewRegistry()
		require.NoError(t, dispatch.Register(registry, "orders", func(ctx context.Context, p orderParams) (dispatch.Result, error) {
			return dispatch.Value(shipmentNote{OrderID: p.OrderID, Status: "packed"}), nil
		}, dispatch.WithOutputChannel("shipments")))

		transport := newMemoryTransport()
		startClient(t, registry, transport)

		err := transport.deliver(context.Background(), "orders", []byte(`{"orderId":"o-1"}`))
		require.NoError(t, err)

		sent := transport.sentTo("shipments")
		require.Len(t, sent, 1)

		var env contracts.Envelope
		require.NoError(t, json.Unmarshal(sent[0], &env))
		assert.NotEmpty(t, env.ID)
		assert.Equal(t, "shipments", env.Channel)
		assert.Empty(t, env.CorrelationID)
		assert.JSONEq(t, `{"orderId":"o-1","status":"packed"}`, string(env.Body))
	})

	t.Run("unwraps inbound envelopes and correlates the replies", func(t *testing.T) {
		var seenChannel contracts.ChannelName
		registry := dispatch.NewRegistry()
		require.NoError(t, dispatch.Register(registry, "orders", func(ctx context.Context, p orderParams) (dispatch.Result, error) {
			seenChannel = p.Channel
			return dispatch.Value(shipmentNote{OrderID: p.OrderID, Status: "packed"}), nil
		}, dispatch.WithOutputChannel("shipments")))

		transport := newMemoryTransport()
		startClient(t, registry, transport)

		inbound := contracts.NewEnvelope("orders", []byte(`{"orderId":"o-2"}`))
		wire, err := serialization.EnvelopeCodec{}.Encode(inbound)
		require.NoError(t, err)

		require.NoError(t, transport.deliver(context.Background(), "orders", wire))
		assert.Equal(t, contracts.ChannelName("orders"), seenChannel)

		sent := transport.sentTo("shipments")
		require.Len(t, sent, 1)

		var env contracts.Envelope
		require.NoError(t, json.Unmarshal(sent[0], &env))
		assert.Equal(t, inbound.ID, env.CorrelationID)
		assert.JSONEq(t, `{"orderId":"o-2","status":"packed"}`, string(env.Body))
	})

	t.Run("sends every value of a multi-output result in order", func(t *testing.T) {
		registry := dispatch.NewRegistry()
		require.NoError(t, dispatch.Register(registry, "orders", func(ctx context.Context, p orderParams) (dispatch.Result, error) {
			return dispatch.Values(
				shipmentNote{OrderID: p.OrderID, Status: "picked"},
				shipmentNote{OrderID: p.OrderID, Status: "packed"},
			), nil
		}, dispatch.WithOutputChannel("shipments")))

		transport := newMemoryTransport()
		startClient(t, registry, transport)

		require.NoError(t, transport.deliver(context.Background(), "orders", []byte(`{"orderId":"o-3"}`)))

		sent := transport.sentTo("shipments")
		require.Len(t, sent, 2)
		for i, status := range []string{"picked", "packed"} {
			var env contracts.Envelope
			require.NoError(t, json.Unmarshal(sent[i], &env))
			assert.JSONEq(t, fmt.Sprintf(`{"orderId":"o-3","status":%q}`, status), string(env.Body))
		}
	})

	t.Run("rejects malformed envelopes", func(t *testing.T) {
		registry := dispatch.NewRegistry()
		require.NoError(t, dispatch.Register(registry, "orders", func(ctx context.Context, p orderParams) (dispatch.Result, error) {
			return nil, nil
		}))

		transport := newMemoryTransport()
		startClient(t, registry, transport)

		// id and body keys make it look like an envelope, but id must be a
		// string for the decode to succeed.
		err := transport.deliver(context.Background(), "orders", []byte(`{"id":12,"body":{}}`))
		assert.Error(t, err)
	})

	t.Run("handler failures surface per delivery and leave the loop serving", func(t *testing.T) {
		registry := dispatch.NewRegistry()
		require.NoError(t, dispatch.Register(registry, "orders", func(ctx context.Context, p orderParams) (dispatch.Result, error) {
			if p.OrderID == "boom" {
				return nil, fmt.Errorf("no stock")
			}
			return dispatch.Value(shipmentNote{OrderID: p.OrderID, Status: "packed"}), nil
		}, dispatch.WithOutputChannel("shipments")))

		transport := newMemoryTransport()
		startClient(t, registry, transport)

		err := transport.deliver(context.Background(), "orders", []byte(`{"orderId":"boom"}`))
		var execErr *dispatch.HandlerExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "orders", execErr.Channel)

		require.NoError(t, transport.deliver(context.Background(), "orders", []byte(`{"orderId":"o-4"}`)))
		assert.Len(t, transport.sentTo("shipments"), 1)
	})

	t.Run("validation failures surface per delivery", func(t *testing.T) {
		registry := dispatch.NewRegistry()
		require.NoError(t, dispatch.Register(registry, "orders", func(ctx context.Context, p orderParams) (dispatch.Result, error) {
			return nil, nil
		}))

		transport := newMemoryTransport()
		startClient(t, registry, transport)

		err := transport.deliver(context.Background(), "orders", []byte(`{"orderId":7}`))
		var valErr *dispatch.PayloadValidationError
		require.ErrorAs(t, err, &valErr)
		assert.Equal(t, "orders", valErr.Channel)
	})
}

func TestClientSend(t *testing.T) {
	t.Run("wraps values in envelopes", func(t *testing.T) {
		transport := newMemoryTransport()
		client, err := NewClient(dispatch.NewRegistry(), transport)
		require.NoError(t, err)

		require.NoError(t, client.Send(context.Background(), "audit", shipmentNote{OrderID: "o-9", Status: "sent"}))

		sent := transport.sentTo("audit")
		require.Len(t, sent, 1)
		require.True(t, serialization.LooksLikeEnvelope(sent[0]))

		var env contracts.Envelope
		require.NoError(t, json.Unmarshal(sent[0], &env))
		assert.Equal(t, "audit", env.Channel)
		assert.JSONEq(t, `{"orderId":"o-9","status":"sent"}`, string(env.Body))
	})

	t.Run("sends bare bodies without envelopes", func(t *testing.T) {
		transport := newMemoryTransport()
		client, err := NewClient(dispatch.NewRegistry(), transport, WithoutEnvelopes())
		require.NoError(t, err)

		require.NoError(t, client.Send(context.Background(), "audit", shipmentNote{OrderID: "o-9", Status: "sent"}))

		sent := transport.sentTo("audit")
		require.Len(t, sent, 1)
		assert.False(t, serialization.LooksLikeEnvelope(sent[0]))
		assert.JSONEq(t, `{"orderId":"o-9","status":"sent"}`, string(sent[0]))
	})

	t.Run("rejects an empty channel", func(t *testing.T) {
		client, err := NewClient(dispatch.NewRegistry(), newMemoryTransport())
		require.NoError(t, err)

		err = client.Send(context.Background(), "", shipmentNote{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "channel")
	})

	t.Run("reports unserializable values", func(t *testing.T) {
		client, err := NewClient(dispatch.NewRegistry(), newMemoryTransport())
		require.NoError(t, err)

		err = client.Send(context.Background(), "audit", func() {})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "serialize")
	})
}

func TestClientOptions(t *testing.T) {
	t.Run("middleware runs outermost first", func(t *testing.T) {
		var order []string
		tag := func(name string) dispatch.Middleware {
			return func(ctx context.Context, delivery contracts.Delivery, next dispatch.Invoker) (dispatch.Result, error) {
				order = append(order, name)
				return next(ctx, delivery)
			}
		}

		registry := dispatch.NewRegistry()
		require.NoError(t, dispatch.Register(registry, "orders", func(ctx context.Context, p orderParams) (dispatch.Result, error) {
			order = append(order, "handler")
			return nil, nil
		}))

		client, err := NewClient(registry, newMemoryTransport(), WithMiddleware(tag("outer"), tag("inner")))
		require.NoError(t, err)

		_, err = client.Dispatch(context.Background(), contracts.Delivery{
			Channel: "orders",
			Payload: []byte(`{"orderId":"o-1"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"outer", "inner", "handler"}, order)
	})

	t.Run("metrics collector observes dispatches", func(t *testing.T) {
		registry := dispatch.NewRegistry()
		require.NoError(t, dispatch.Register(registry, "orders", func(ctx context.Context, p orderParams) (dispatch.Result, error) {
			return nil, nil
		}))

		collector := metrics.NewSimpleCollector()
		client, err := NewClient(registry, newMemoryTransport(), WithMetrics(collector))
		require.NoError(t, err)

		_, err = client.Dispatch(context.Background(), contracts.Delivery{
			Channel: "orders",
			Payload: []byte(`{"orderId":"o-1"}`),
		})
		require.NoError(t, err)

		summary := collector.GetSummary()
		assert.Equal(t, int64(1), summary.Dispatched["orders"])
	})
}

func TestClientClose(t *testing.T) {
	t.Run("closes the transport", func(t *testing.T) {
		transport := newMemoryTransport()
		client, err := NewClient(dispatch.NewRegistry(), transport)
		require.NoError(t, err)

		require.NoError(t, transport.Connect(context.Background()))
		require.NoError(t, client.Close())
		assert.False(t, transport.IsConnected())
	})

	t.Run("tolerates a nil transport", func(t *testing.T) {
		client := &Client{}
		assert.NoError(t, client.Close())
	})
}
