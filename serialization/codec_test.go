package serialization

import (
	"encoding/json"
	"testing"

	"github.com/glimte/chanbind-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSerializer(t *testing.T) {
	serializer := JSONSerializer{}

	t.Run("structs encode as JSON", func(t *testing.T) {
		data, err := serializer.Marshal(struct {
			ID string `json:"id"`
		}{ID: "a-1"})

		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"a-1"}`, string(data))
	})

	t.Run("raw bytes pass through untouched", func(t *testing.T) {
		for _, v := range []any{
			json.RawMessage(`{"pre":"encoded"}`),
			contracts.RawPayload(`{"pre":"encoded"}`),
			[]byte(`{"pre":"encoded"}`),
		} {
			data, err := serializer.Marshal(v)
			require.NoError(t, err)
			assert.Equal(t, `{"pre":"encoded"}`, string(data))
		}
	})

	t.Run("scalars encode as JSON literals", func(t *testing.T) {
		data, err := serializer.Marshal(42)
		require.NoError(t, err)
		assert.Equal(t, "42", string(data))
	})
}

func TestEnvelopeCodec(t *testing.T) {
	codec := EnvelopeCodec{}

	t.Run("encode and decode round trip", func(t *testing.T) {
		env := contracts.NewEnvelope("orders", json.RawMessage(`{"orderId":"o-1"}`))
		env.Headers = map[string]interface{}{"x-source": "api"}

		data, err := codec.Encode(env)
		require.NoError(t, err)

		decoded, err := codec.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, env.ID, decoded.ID)
		assert.Equal(t, "orders", decoded.Channel)
		assert.Equal(t, "api", decoded.Headers["x-source"])
		assert.JSONEq(t, string(env.Body), string(decoded.Body))
	})

	t.Run("encode rejects nil envelopes", func(t *testing.T) {
		_, err := codec.Encode(nil)
		assert.Error(t, err)
	})

	t.Run("decode rejects non-JSON data", func(t *testing.T) {
		_, err := codec.Decode([]byte("not json"))
		assert.Error(t, err)
	})

	t.Run("decode rejects envelopes without an id", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"channel":"orders","body":{}}`))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no id")
	})
}

func TestLooksLikeEnvelope(t *testing.T) {
	t.Run("recognizes encoded envelopes", func(t *testing.T) {
		env := contracts.NewEnvelope("orders", json.RawMessage(`{"k":"v"}`))
		data, err := EnvelopeCodec{}.Encode(env)
		require.NoError(t, err)

		assert.True(t, LooksLikeEnvelope(data))
	})

	t.Run("rejects bare payloads", func(t *testing.T) {
		for _, data := range []string{
			`{"orderId":"o-1"}`,
			`[1,2,3]`,
			`"just a string"`,
			`not json at all`,
			`{"id":"has-id-but-no-body"}`,
		} {
			assert.False(t, LooksLikeEnvelope([]byte(data)), "payload: %s", data)
		}
	})
}

func TestPeek(t *testing.T) {
	data := []byte(`{"order":{"id":"o-1","items":[{"sku":"A"}]}}`)

	t.Run("extracts nested paths", func(t *testing.T) {
		id, ok := Peek(data, "order.id")
		require.True(t, ok)
		assert.Equal(t, "o-1", id)

		sku, ok := Peek(data, "order.items.0.sku")
		require.True(t, ok)
		assert.Equal(t, "A", sku)
	})

	t.Run("reports missing paths", func(t *testing.T) {
		_, ok := Peek(data, "order.missing")
		assert.False(t, ok)
	})
}
