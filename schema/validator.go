package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Validation error codes.
const (
	CodeRequiredMissing  = "REQUIRED_FIELD_MISSING"
	CodeTypeMismatch     = "TYPE_MISMATCH"
	CodeMalformedPayload = "MALFORMED_PAYLOAD"
	CodeUnknownField     = "UNKNOWN_FIELD"
)

// ValidationResult represents the result of payload validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface for ValidationError
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

func (r *ValidationResult) add(e ValidationError) {
	r.Valid = false
	r.Errors = append(r.Errors, e)
}

// Validate checks a raw payload against the compiled schema and populates
// into, which must be an addressable value of the schema's parameter struct
// type. Fields already holding values are overwritten; injected fields are
// left untouched for the dispatcher. All field errors are collected, not just
// the first.
func (in *Input) Validate(payload json.RawMessage, into reflect.Value) *ValidationResult {
	result := &ValidationResult{Valid: true}

	switch in.Mode {
	case ModeFields:
		in.validateFields(payload, into, result)
	case ModeRoot:
		in.validateRoot(payload, into, result)
	}

	return result
}

// validateFields expects the payload to be a JSON object and decodes it field
// by field, applying defaults for omitted optional fields. A JSON null value
// counts as omitted.
func (in *Input) validateFields(payload json.RawMessage, into reflect.Value, result *ValidationResult) {
	raw := make(map[string]json.RawMessage)
	if !emptyPayload(payload) {
		if err := json.Unmarshal(payload, &raw); err != nil {
			result.add(ValidationError{
				Field:   "",
				Message: "payload is not a JSON object",
				Code:    CodeMalformedPayload,
			})
			return
		}
	}

	if in.Strict {
		for key := range raw {
			if _, known := in.byName[key]; !known {
				result.add(ValidationError{
					Field:   key,
					Message: "unknown field",
					Code:    CodeUnknownField,
				})
			}
		}
	}

	for i := range in.Fields {
		f := &in.Fields[i]
		rv, present := raw[f.Name]
		if present && string(rv) == "null" {
			present = false
		}

		target := into.Field(f.Index)
		switch {
		case present:
			if err := json.Unmarshal(rv, target.Addr().Interface()); err != nil {
				field, msg := decodeFailure(err, f.Name)
				result.add(ValidationError{
					Field:   field,
					Message: msg,
					Code:    CodeTypeMismatch,
					Value:   snippet(rv),
				})
			}
		case f.HasDefault:
			target.Set(f.Default)
		case f.Required:
			result.add(ValidationError{
				Field:   f.Name,
				Message: "required field is missing",
				Code:    CodeRequiredMissing,
			})
		}
	}
}

// validateRoot decodes the whole payload into the root field.
func (in *Input) validateRoot(payload json.RawMessage, into reflect.Value, result *ValidationResult) {
	f := in.Root
	target := into.Field(f.Index)

	if emptyPayload(payload) {
		switch {
		case f.HasDefault:
			target.Set(f.Default)
		case f.Required:
			result.add(ValidationError{
				Field:   f.Name,
				Message: "required field is missing",
				Code:    CodeRequiredMissing,
			})
		}
		return
	}

	if err := json.Unmarshal(payload, target.Addr().Interface()); err != nil {
		field, msg := decodeFailure(err, f.Name)
		result.add(ValidationError{
			Field:   field,
			Message: msg,
			Code:    CodeTypeMismatch,
			Value:   snippet(payload),
		})
	}
}

func emptyPayload(payload json.RawMessage) bool {
	return len(payload) == 0 || string(payload) == "null"
}

// decodeFailure extracts the offending field path from a decode error,
// prefixing the declared field name so nested failures stay attributable.
func decodeFailure(err error, field string) (string, string) {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		if typeErr.Field != "" {
			field = field + "." + typeErr.Field
		}
		return field, fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)
	}
	return field, fmt.Sprintf("cannot decode value: %v", err)
}

// snippet bounds the reported raw value so oversized payloads do not flood
// error logs.
func snippet(raw json.RawMessage) string {
	const max = 128
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
