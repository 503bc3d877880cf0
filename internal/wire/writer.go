// Package wire encodes log records into the ingestion service's binary
// blob format: compact-binary rows grouped under deduplicated schemas and
// compressed with LZ4.
package wire

import (
	"encoding/binary"
	"math"
)

// Type is a compact-binary field type.
type Type byte

// Compact-binary type codes.
const (
	TypeStop   Type = 0
	TypeBool   Type = 2
	TypeUint8  Type = 3
	TypeUint16 Type = 4
	TypeUint32 Type = 5
	TypeUint64 Type = 6
	TypeDouble Type = 8
	TypeString Type = 9
	TypeStruct Type = 10
	TypeList   Type = 11
	TypeInt32  Type = 16
	TypeInt64  Type = 17
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case TypeStop:
		return "stop"
	case TypeBool:
		return "bool"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeStruct:
		return "struct"
	case TypeList:
		return "list"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	default:
		return "unknown"
	}
}

// Writer appends compact-binary values to a byte slice. The zero Writer is
// ready to use.
type Writer struct {
	buf []byte
}

// Bytes returns the encoded bytes. The slice aliases the Writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of encoded bytes.
func (w *Writer) Len() int { return len(w.buf) }

// Reset empties the Writer, keeping its buffer.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

// FieldBegin writes a field header. Ids up to 5 share the type byte; larger
// ids take one or two extra bytes.
func (w *Writer) FieldBegin(t Type, id uint16) {
	switch {
	case id <= 5:
		w.buf = append(w.buf, byte(id)<<5|byte(t))
	case id <= 0xff:
		w.buf = append(w.buf, 0xC0|byte(t), byte(id))
	default:
		w.buf = append(w.buf, 0xE0|byte(t), byte(id), byte(id>>8))
	}
}

// StructEnd terminates the current struct.
func (w *Writer) StructEnd() { w.buf = append(w.buf, byte(TypeStop)) }

// Uvarint writes an unsigned LEB128 integer.
func (w *Writer) Uvarint(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }

// Varint writes a zig-zag encoded signed integer.
func (w *Writer) Varint(v int64) { w.buf = binary.AppendVarint(w.buf, v) }

// Bool writes one byte, 1 for true.
func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// Uint8 writes one byte.
func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

// Double writes a little-endian IEEE 754 double.
func (w *Writer) Double(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// String writes a varint byte length followed by the UTF-8 bytes.
func (w *Writer) String(s string) {
	w.Uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// ListBegin writes a list header: element type and count.
func (w *Writer) ListBegin(elem Type, n int) {
	if n < 7 {
		w.buf = append(w.buf, byte(n+1)<<5|byte(elem))
		return
	}
	w.buf = append(w.buf, byte(elem))
	w.Uvarint(uint64(n))
}
