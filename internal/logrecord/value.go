// Package logrecord defines the structured log records carried through the
// export pipeline.
package logrecord

import (
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the type held by a Value.
type Kind uint8

const (
	// KindString holds a UTF-8 string.
	KindString Kind = iota + 1
	// KindInt holds a signed 64-bit integer.
	KindInt
	// KindFloat holds a 64-bit IEEE 754 float.
	KindFloat
	// KindBool holds a boolean.
	KindBool
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a typed field value. The zero Value is invalid.
type Value struct {
	kind Kind
	str  string
	num  uint64
}

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// IntValue returns an integer Value.
func IntValue(n int64) Value { return Value{kind: KindInt, num: uint64(n)} }

// FloatValue returns a float Value.
func FloatValue(f float64) Value { return Value{kind: KindFloat, num: math.Float64bits(f)} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Kind returns the kind of v.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string held by v, or "" if v is not a string.
func (v Value) Str() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// Int returns the integer held by v, or 0 if v is not an integer.
func (v Value) Int() int64 {
	if v.kind != KindInt {
		return 0
	}
	return int64(v.num)
}

// Float returns the float held by v, or 0 if v is not a float.
func (v Value) Float() float64 {
	if v.kind != KindFloat {
		return 0
	}
	return math.Float64frombits(v.num)
}

// Bool returns the boolean held by v, or false if v is not a boolean.
func (v Value) Bool() bool {
	return v.kind == KindBool && v.num == 1
}

// Equal reports whether v and o hold the same kind and value.
// Floats compare by bit pattern so NaN equals itself.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.str == o.str && v.num == o.num
}

// String formats v for diagnostics.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool())
	default:
		return "<invalid>"
	}
}

// size approximates the encoded size of v in bytes.
func (v Value) size() int {
	switch v.kind {
	case KindString:
		return len(v.str) + 5
	case KindInt, KindFloat:
		return 9
	case KindBool:
		return 2
	default:
		return 0
	}
}
