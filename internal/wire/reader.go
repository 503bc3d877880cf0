package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer is returned when the input ends in the middle of a value.
var ErrShortBuffer = errors.New("wire: unexpected end of data")

// Reader decodes values written by Writer.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a Reader over data.
func NewReader(data []byte) *Reader { return &Reader{buf: data} }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// FieldBegin reads a field header. A TypeStop header ends the struct.
func (r *Reader) FieldBegin() (Type, uint16, error) {
	b, err := r.Uint8()
	if err != nil {
		return 0, 0, err
	}
	t := Type(b & 0x1f)
	switch id := b >> 5; id {
	case 6:
		low, err := r.Uint8()
		if err != nil {
			return 0, 0, err
		}
		return t, uint16(low), nil
	case 7:
		p, err := r.take(2)
		if err != nil {
			return 0, 0, err
		}
		return t, binary.LittleEndian.Uint16(p), nil
	default:
		return t, uint16(id), nil
	}
}

// Uvarint reads an unsigned LEB128 integer.
func (r *Reader) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrShortBuffer
	}
	r.off += n
	return v, nil
}

// Varint reads a zig-zag encoded signed integer.
func (r *Reader) Varint() (int64, error) {
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrShortBuffer
	}
	r.off += n
	return v, nil
}

// Bool reads one byte.
func (r *Reader) Bool() (bool, error) {
	b, err := r.Uint8()
	return b != 0, err
}

// Uint8 reads one byte.
func (r *Reader) Uint8() (uint8, error) {
	p, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// Double reads a little-endian IEEE 754 double.
func (r *Reader) Double() (float64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(p)), nil
}

// String reads a length-prefixed string.
func (r *Reader) String() (string, error) {
	n, err := r.Uvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(r.Remaining()) {
		return "", ErrShortBuffer
	}
	p, _ := r.take(int(n))
	return string(p), nil
}

// ListBegin reads a list header.
func (r *Reader) ListBegin() (Type, int, error) {
	b, err := r.Uint8()
	if err != nil {
		return 0, 0, err
	}
	elem := Type(b & 0x1f)
	if n := b >> 5; n != 0 {
		return elem, int(n) - 1, nil
	}
	n, err := r.Uvarint()
	if err != nil {
		return 0, 0, err
	}
	if n > uint64(r.Remaining()) {
		return 0, 0, fmt.Errorf("wire: list length %d exceeds remaining input", n)
	}
	return elem, int(n), nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p, nil
}
