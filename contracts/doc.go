// Package contracts provides the core data types shared across the chanbind
// dispatch layer.
//
// This package defines the types that flow between transports, the dispatcher,
// and user handlers:
//   - Delivery: one inbound message with its channel identity and headers
//   - Envelope: the wire wrapper for outbound messages
//   - ChannelName, RawPayload, Bundle: marker types for injected handler fields
//
// All types are plain data and safe to copy; none of them hold references to
// transport resources.
package contracts
