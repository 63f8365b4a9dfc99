package dispatch

import (
	"errors"
	"fmt"

	"github.com/glimte/chanbind-go/schema"
)

// ErrRegistryFrozen is returned by registration attempts after Freeze.
var ErrRegistryFrozen = errors.New("dispatch: registry is frozen")

// DuplicateRegistrationError indicates a channel that already has a handler.
type DuplicateRegistrationError struct {
	Channel string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("dispatch: channel %q already has a registered handler", e.Channel)
}

// UnknownChannelError indicates a delivery on a channel nothing is bound to.
type UnknownChannelError struct {
	Channel string
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("dispatch: no handler registered for channel %q", e.Channel)
}

// PayloadValidationError indicates a payload that does not satisfy the
// schema derived from the handler's parameter struct. Fields carries the
// per-field detail; the caller decides drop, dead-letter, or retry.
type PayloadValidationError struct {
	Channel string
	Fields  []schema.ValidationError
}

func (e *PayloadValidationError) Error() string {
	return fmt.Sprintf("dispatch: payload for channel %q failed validation (%d field errors)",
		e.Channel, len(e.Fields))
}

// HandlerExecutionError wraps a failure inside a handler. The original cause
// is preserved and reachable through Unwrap.
type HandlerExecutionError struct {
	Channel string
	Err     error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("dispatch: handler for channel %q failed: %v", e.Channel, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error {
	return e.Err
}

// NoOutputDestinationError indicates a handler produced a value but neither
// an override nor a default output channel names where it should go.
type NoOutputDestinationError struct {
	Channel string
}

func (e *NoOutputDestinationError) Error() string {
	return fmt.Sprintf("dispatch: handler for channel %q produced output but no destination is configured", e.Channel)
}
