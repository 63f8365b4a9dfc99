package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Standard transport header keys set by the dispatch layer.
const (
	HeaderMessageID     = "x-message-id"
	HeaderCorrelationID = "x-correlation-id"
	HeaderTimestamp     = "x-timestamp"
)

// Envelope wraps outbound messages for transport
type Envelope struct {
	ID            string                 `json:"id"`
	Channel       string                 `json:"channel"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Body          json.RawMessage        `json:"body"`
}

// NewEnvelope creates an envelope for a body addressed to the given channel,
// with a fresh message ID and a UTC timestamp.
func NewEnvelope(channel string, body json.RawMessage) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Channel:   channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Body:      body,
	}
}
