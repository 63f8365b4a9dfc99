package dispatch

import (
	"fmt"
)

// Outbound is one message produced by a handler: the destination channel and
// the value to serialize. Serialization happens downstream; the router only
// pairs values with destinations.
type Outbound struct {
	Destination string
	Value       any
}

// OutboundBatch is the ordered set of messages produced by one dispatch.
type OutboundBatch []Outbound

// route normalizes a handler result into an outbound batch. A nil result
// produces an empty batch. Any variant that resolves an empty destination
// while carrying a value fails with NoOutputDestinationError.
func route(channel string, res Result, defaultDest string) (OutboundBatch, error) {
	if res == nil {
		return nil, nil
	}

	switch r := res.(type) {
	case multiple:
		if len(r.values) == 0 {
			return nil, nil
		}
		if defaultDest == "" {
			return nil, &NoOutputDestinationError{Channel: channel}
		}
		batch := make(OutboundBatch, 0, len(r.values))
		for _, v := range r.values {
			batch = append(batch, Outbound{Destination: defaultDest, Value: v})
		}
		return batch, nil

	case override:
		if r.destination == "" {
			return nil, &NoOutputDestinationError{Channel: channel}
		}
		return OutboundBatch{{Destination: r.destination, Value: r.value}}, nil

	case single:
		if defaultDest == "" {
			return nil, &NoOutputDestinationError{Channel: channel}
		}
		return OutboundBatch{{Destination: defaultDest, Value: r.value}}, nil

	default:
		// Unreachable while Result stays sealed.
		return nil, fmt.Errorf("dispatch: unsupported result type %T", res)
	}
}
