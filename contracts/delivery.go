package contracts

import (
	"encoding/json"
)

// Delivery is one inbound message as handed to the dispatch layer by a
// transport: the logical channel it arrived on, the raw payload bytes, and
// any transport headers.
type Delivery struct {
	Channel string
	Payload json.RawMessage
	Headers map[string]interface{}
}

// ChannelName marks a handler parameter field that receives the identifier of
// the channel the current delivery arrived on. The field is excluded from
// payload validation and must not declare a default.
type ChannelName string

// RawPayload marks a handler parameter field that receives the unprocessed
// payload bytes of the current delivery.
type RawPayload json.RawMessage

// Bundle marks a handler parameter field that receives the payload together
// with the transport headers of the current delivery.
type Bundle struct {
	Payload json.RawMessage
	Headers map[string]interface{}
}
