// Package metadata models the open key/value documents attached to memory
// items and temporal facts as explicitly tagged values rather than untyped
// blobs, preserving round-trip fidelity through storage.
package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an invalid kind.
	KindInvalid Kind = iota
	// KindNull represents a null value.
	KindNull
	// KindInt represents an integer value.
	KindInt
	// KindFloat represents a float value.
	KindFloat
	// KindString represents a string value.
	KindString
	// KindBool represents a boolean value.
	KindBool
	// KindArray represents an array value.
	KindArray
)

// Value is a small typed value used for metadata documents.
//
// NOTE: This is also used for persistence; keep it stable.
type Value struct {
	Kind Kind    `json:"k"`
	I64  int64   `json:"i,omitempty"`
	F64  float64 `json:"f,omitempty"`
	S    string  `json:"s,omitempty"`
	B    bool    `json:"b,omitempty"`
	A    []Value `json:"a,omitempty"`
}

// Null returns a null Value.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an integer Value.
func Int(i int64) Value { return Value{Kind: KindInt, I64: i} }

// Float returns a float Value.
func Float(f float64) Value { return Value{Kind: KindFloat, F64: f} }

// String returns a string Value.
func String(s string) Value { return Value{Kind: KindString, S: s} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, B: b} }

// Array returns an array Value.
func Array(vals ...Value) Value { return Value{Kind: KindArray, A: vals} }

// Key returns a stable string representation for use in maps and indexes.
// It must remain stable across versions for persisted metadata usage.
func (v Value) Key() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return "i:" + strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return "f:" + strconv.FormatUint(math.Float64bits(v.F64), 16)
	case KindString:
		return "s:" + v.S
	case KindBool:
		if v.B {
			return "b:1"
		}
		return "b:0"
	case KindArray:
		if len(v.A) == 0 {
			return "a:"
		}
		parts := make([]string, len(v.A))
		for i := range v.A {
			parts[i] = v.A[i].Key()
		}
		return "a:" + strings.Join(parts, "\x1f")
	default:
		return "invalid"
	}
}

// Equal reports whether two values are equal. Int and Float values compare
// numerically across kinds.
func (v Value) Equal(o Value) bool {
	if v.isNumber() && o.isNumber() {
		if v.Kind == KindInt && o.Kind == KindInt {
			return v.I64 == o.I64
		}
		return v.asFloat() == o.asFloat()
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindString:
		return v.S == o.S
	case KindBool:
		return v.B == o.B
	case KindArray:
		if len(v.A) != len(o.A) {
			return false
		}
		for i := range v.A {
			if !v.A[i].Equal(o.A[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (v Value) isNumber() bool { return v.Kind == KindInt || v.Kind == KindFloat }

func (v Value) asFloat() float64 {
	if v.Kind == KindInt {
		return float64(v.I64)
	}
	return v.F64
}

// Document is an open map of metadata attached to a memory item or fact.
type Document map[string]Value

// FromAny converts a loosely typed map (e.g. decoded JSON) into a Document.
// Unsupported value types are stringified via their JSON encoding.
func FromAny(m map[string]any) Document {
	if m == nil {
		return nil
	}
	doc := make(Document, len(m))
	for k, raw := range m {
		doc[k] = valueFromAny(raw)
	}
	return doc
}

func valueFromAny(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(v)
	case string:
		return String(v)
	case int:
		return Int(int64(v))
	case int64:
		return Int(v)
	case float64:
		// JSON numbers decode as float64; keep integral values as ints.
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return Int(int64(v))
		}
		return Float(v)
	case float32:
		return Float(float64(v))
	case []any:
		vals := make([]Value, len(v))
		for i := range v {
			vals[i] = valueFromAny(v[i])
		}
		return Array(vals...)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return String(fmt.Sprintf("%v", v))
		}
		return String(string(b))
	}
}

// ToAny converts the Document back into a loosely typed map.
func (d Document) ToAny() map[string]any {
	if d == nil {
		return nil
	}
	m := make(map[string]any, len(d))
	for k, v := range d {
		m[k] = v.ToAny()
	}
	return m
}

// ToAny converts the Value into its loosely typed Go representation.
func (v Value) ToAny() any {
	switch v.Kind {
	case KindInt:
		return v.I64
	case KindFloat:
		return v.F64
	case KindString:
		return v.S
	case KindBool:
		return v.B
	case KindArray:
		out := make([]any, len(v.A))
		for i := range v.A {
			out[i] = v.A[i].ToAny()
		}
		return out
	default:
		return nil
	}
}

// Encode serializes the Document for storage. A nil document encodes as nil.
func (d Document) Encode() ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Decode deserializes a stored Document. Empty input yields a nil document.
func Decode(b []byte) (Document, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return d, nil
}
