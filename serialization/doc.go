// Package serialization converts handler output values and envelopes to and
// from wire bytes.
//
// The dispatch core hands transports raw (destination, value) pairs; this
// package owns the encoding step between them:
//   - Serializer: value -> body bytes (JSON by default, raw bytes pass
//     through)
//   - EnvelopeCodec: contracts.Envelope <-> wire bytes
//   - LooksLikeEnvelope / Peek: cheap structural checks on raw payloads
//     without a full decode
package serialization
