// Package schema derives and enforces input schemas for handler parameter
// structs.
//
// Build inspects a parameter struct once, at registration time, and compiles
// an Input descriptor: which fields come from the payload (with their types,
// required flags, and defaults), which fields the dispatcher injects, and
// whether the struct declares a root field that consumes the whole payload.
// Validate then checks raw payload bytes against a descriptor and populates a
// fresh parameter struct, without inspecting the struct type again.
//
// Field classification:
//   - contracts.ChannelName, contracts.RawPayload, and contracts.Bundle
//     fields are injected by the dispatcher and excluded from validation
//   - a field tagged `chanbind:"root"` consumes the entire payload and cannot
//     coexist with other payload fields
//   - every other exported field is a payload field, named by its json tag
//     (or the Go field name), optional when tagged omitempty or when it
//     carries a `default:"..."` tag
//   - fields tagged `json:"-"` are ignored
//
// Basic usage:
//
//	type placeOrder struct {
//	    Channel  contracts.ChannelName
//	    OrderID  string `json:"orderId"`
//	    Quantity int    `json:"quantity" default:"1"`
//	}
//
//	in, err := schema.Build(reflect.TypeOf(placeOrder{}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	args := reflect.New(in.Type).Elem()
//	result := in.Validate(payload, args)
//	if !result.Valid {
//	    // result.Errors carries field-level detail
//	}
package schema
