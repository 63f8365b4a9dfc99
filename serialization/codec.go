package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/chanbind-go/contracts"
	"github.com/tidwall/gjson"
)

// Serializer converts handler output values to wire bytes.
type Serializer interface {
	Marshal(v any) ([]byte, error)
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

// Marshal encodes v as JSON. Values that are already raw bytes pass through
// untouched so handlers can emit pre-encoded bodies.
func (JSONSerializer) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case json.RawMessage:
		return b, nil
	case contracts.RawPayload:
		return b, nil
	case []byte:
		return b, nil
	}
	return json.Marshal(v)
}

// EnvelopeCodec encodes and decodes transport envelopes.
type EnvelopeCodec struct{}

// Encode serializes an envelope to wire bytes.
func (EnvelopeCodec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("serialization: envelope cannot be nil")
	}
	return json.Marshal(env)
}

// Decode parses wire bytes into an envelope.
func (EnvelopeCodec) Decode(data []byte) (*contracts.Envelope, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("serialization: failed to decode envelope: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("serialization: envelope has no id")
	}
	return &env, nil
}

// LooksLikeEnvelope reports whether data carries an encoded envelope: a JSON
// object with id and body keys. Inbound payloads may be bare values or
// envelopes; this structural peek decides which without a full decode.
func LooksLikeEnvelope(data []byte) bool {
	if !gjson.ValidBytes(data) {
		return false
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return false
	}
	return doc.Get("id").Exists() && doc.Get("body").Exists()
}

// Peek extracts the value at a dotted path from raw JSON without decoding
// the whole document. The second return reports whether the path exists.
func Peek(data []byte, path string) (string, bool) {
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}
