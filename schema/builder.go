package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/glimte/chanbind-go/contracts"
)

// SpecialKind identifies a handler parameter field whose value the dispatcher
// injects instead of deriving it from the validated payload.
type SpecialKind int

const (
	// SpecialChannelName injects the identifier of the input channel.
	SpecialChannelName SpecialKind = iota + 1
	// SpecialRawPayload injects the unprocessed payload bytes.
	SpecialRawPayload
	// SpecialBundle injects the payload together with the transport headers.
	SpecialBundle
)

// String returns the marker type name for the kind.
func (k SpecialKind) String() string {
	switch k {
	case SpecialChannelName:
		return "ChannelName"
	case SpecialRawPayload:
		return "RawPayload"
	case SpecialBundle:
		return "Bundle"
	default:
		return fmt.Sprintf("SpecialKind(%d)", int(k))
	}
}

// Mode selects how a payload is validated against an Input.
type Mode int

const (
	// ModeNone means the struct declares no payload fields; the payload is
	// ignored entirely.
	ModeNone Mode = iota
	// ModeFields means the payload must be a JSON object validated field by
	// field.
	ModeFields
	// ModeRoot means the whole payload validates directly against the single
	// root field.
	ModeRoot
)

// Field describes one payload field of a handler parameter struct.
type Field struct {
	Name       string       // payload key, from the json tag or the Go field name
	Index      int          // field index within the parameter struct
	Type       reflect.Type // declared field type
	Required   bool
	HasDefault bool
	Default    reflect.Value // decoded default, valid only when HasDefault
}

// SpecialBinding ties a struct field index to the special kind injected
// into it.
type SpecialBinding struct {
	Index int
	Kind  SpecialKind
}

// Input is the compiled schema for one handler registration. It is built once
// by Build and read concurrently during dispatch; it must not be mutated
// after registration.
type Input struct {
	Type     reflect.Type // the parameter struct type, pointer stripped
	Mode     Mode
	Fields   []Field // payload fields, ModeFields only
	Root     *Field  // the root field, ModeRoot only
	Specials []SpecialBinding

	// Strict rejects payload keys that match no declared field. Set per
	// registration, not derived from the struct.
	Strict bool

	byName map[string]int // payload key -> Fields index
}

// BuildError reports a handler parameter struct that cannot be turned into
// an input schema.
type BuildError struct {
	Type   string // parameter struct type
	Field  string // offending field, when one is identifiable
	Reason string
}

func (e *BuildError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema: cannot build input for %s: field %s: %s", e.Type, e.Field, e.Reason)
	}
	return fmt.Sprintf("schema: cannot build input for %s: %s", e.Type, e.Reason)
}

var (
	channelNameType = reflect.TypeOf(contracts.ChannelName(""))
	rawPayloadType  = reflect.TypeOf(contracts.RawPayload(nil))
	bundleType      = reflect.TypeOf(contracts.Bundle{})
)

// specialKindOf resolves a field type against the closed set of marker types.
func specialKindOf(t reflect.Type) (SpecialKind, bool) {
	switch t {
	case channelNameType:
		return SpecialChannelName, true
	case rawPayloadType:
		return SpecialRawPayload, true
	case bundleType:
		return SpecialBundle, true
	}
	return 0, false
}

// Build compiles the input schema for a handler parameter struct. It is a
// pure function of the declared type: all reflection over the struct happens
// here, never during dispatch.
func Build(t reflect.Type) (*Input, error) {
	if t == nil {
		return nil, &BuildError{Type: "<nil>", Reason: "parameter type must be a struct"}
	}
	orig := t
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, &BuildError{Type: orig.String(), Reason: "parameter type must be a struct"}
	}

	in := &Input{Type: t, byName: make(map[string]int)}
	var root *Field

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		_, hasDefault := sf.Tag.Lookup("default")

		if kind, ok := specialKindOf(sf.Type); ok {
			if hasDefault {
				return nil, &BuildError{Type: t.Name(), Field: sf.Name,
					Reason: fmt.Sprintf("%s fields must not declare a default", kind)}
			}
			if sf.PkgPath != "" {
				return nil, &BuildError{Type: t.Name(), Field: sf.Name,
					Reason: "injected fields must be exported"}
			}
			in.Specials = append(in.Specials, SpecialBinding{Index: i, Kind: kind})
			continue
		}

		if sf.Tag.Get("json") == "-" {
			continue
		}
		if sf.PkgPath != "" {
			return nil, &BuildError{Type: t.Name(), Field: sf.Name,
				Reason: "payload fields must be exported"}
		}

		if mark, ok := sf.Tag.Lookup("chanbind"); ok {
			if mark != "root" {
				return nil, &BuildError{Type: t.Name(), Field: sf.Name,
					Reason: fmt.Sprintf("unknown chanbind tag %q", mark)}
			}
			if root != nil {
				return nil, &BuildError{Type: t.Name(), Field: sf.Name,
					Reason: "only one field may be marked root"}
			}
			f, err := buildField(t, sf, i)
			if err != nil {
				return nil, err
			}
			root = &f
			continue
		}

		f, err := buildField(t, sf, i)
		if err != nil {
			return nil, err
		}
		in.byName[f.Name] = len(in.Fields)
		in.Fields = append(in.Fields, f)
	}

	switch {
	case root != nil && len(in.Fields) > 0:
		return nil, &BuildError{Type: t.Name(), Field: fieldName(t, root.Index),
			Reason: "a root field cannot coexist with other payload fields"}
	case root != nil:
		in.Mode = ModeRoot
		in.Root = root
	case len(in.Fields) > 0:
		in.Mode = ModeFields
	default:
		in.Mode = ModeNone
	}

	return in, nil
}

// buildField compiles one payload field, decoding its default tag (if any)
// into the field's type.
func buildField(owner reflect.Type, sf reflect.StructField, idx int) (Field, error) {
	name := sf.Name
	omitempty := false
	if tag := sf.Tag.Get("json"); tag != "" {
		parts := strings.Split(tag, ",")
		if parts[0] != "" {
			name = parts[0]
		}
		for _, part := range parts[1:] {
			if part == "omitempty" {
				omitempty = true
			}
		}
	}

	f := Field{Name: name, Index: idx, Type: sf.Type, Required: !omitempty}

	if lit, ok := sf.Tag.Lookup("default"); ok {
		dv := reflect.New(sf.Type)
		if err := json.Unmarshal([]byte(lit), dv.Interface()); err != nil {
			// Plain string defaults may be written without JSON quoting.
			if sf.Type.Kind() != reflect.String {
				return Field{}, &BuildError{Type: owner.Name(), Field: sf.Name,
					Reason: fmt.Sprintf("invalid default literal %q: %v", lit, err)}
			}
			dv.Elem().SetString(lit)
		}
		f.Default = dv.Elem()
		f.HasDefault = true
		f.Required = false
	}

	return f, nil
}

func fieldName(t reflect.Type, idx int) string {
	return t.Field(idx).Name
}
