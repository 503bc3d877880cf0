package wire

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf16"

	"github.com/plexsphere/telexport/internal/logrecord"
)

// Blob framing constants.
const (
	blobVersion uint32 = 1
	blobFormat  uint32 = 2 // compact binary rows

	entitySchema uint16 = 0
	entityEvent  uint16 = 2

	terminator uint32 = 0xDEADC0DE
)

// DefaultEventVersion is the eventVersion written into blob metadata.
const DefaultEventVersion = "Ver1v0"

// Metadata is the per-blob source description, written once per blob.
type Metadata struct {
	Namespace    string
	EventVersion string
	Tenant       string
	Role         string
	RoleInstance string
}

// String returns the metadata in its wire form.
func (m Metadata) String() string {
	v := m.EventVersion
	if v == "" {
		v = DefaultEventVersion
	}
	return "namespace=" + m.Namespace +
		";eventVersion=" + v +
		";tenant=" + m.Tenant +
		";role=" + m.Role +
		";roleinstance=" + m.RoleInstance
}

// Blob accumulates rows of one upload. Schemas are written once each, in
// first-seen order; rows keep insertion order.
type Blob struct {
	meta     string
	schemas  []*Schema
	seen     map[uint64]bool
	rows     []Row
	start    time.Time
	end      time.Time
	minLevel uint8
}

// NewBlob creates an empty Blob.
func NewBlob(meta Metadata) *Blob {
	return &Blob{meta: meta.String(), seen: make(map[uint64]bool)}
}

// Add appends row to the blob.
func (b *Blob) Add(row Row) {
	if !b.seen[row.Schema.ID] {
		b.seen[row.Schema.ID] = true
		b.schemas = append(b.schemas, row.Schema)
	}
	if len(b.rows) == 0 || row.Time.Before(b.start) {
		b.start = row.Time
	}
	if len(b.rows) == 0 || row.Time.After(b.end) {
		b.end = row.Time
	}
	if len(b.rows) == 0 || row.Level < b.minLevel {
		b.minLevel = row.Level
	}
	b.rows = append(b.rows, row)
}

// Len returns the number of rows.
func (b *Blob) Len() int { return len(b.rows) }

// TimeRange returns the earliest and latest row timestamps.
func (b *Blob) TimeRange() (start, end time.Time) { return b.start, b.end }

// MinLevel returns the lowest row severity number.
func (b *Blob) MinLevel() uint8 { return b.minLevel }

// SchemaIDs returns the schema ids in blob order as hex strings.
func (b *Blob) SchemaIDs() []string {
	ids := make([]string, len(b.schemas))
	for i, s := range b.schemas {
		ids[i] = strconv.FormatUint(s.ID, 16)
	}
	return ids
}

// Bytes encodes the blob.
func (b *Blob) Bytes() []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	buf.Write(le.AppendUint32(nil, blobVersion))
	buf.Write(le.AppendUint32(nil, blobFormat))
	writeUTF16(&buf, b.meta)

	for _, s := range b.schemas {
		buf.Write(le.AppendUint16(nil, entitySchema))
		buf.Write(le.AppendUint64(nil, s.ID))
		buf.Write(s.MD5[:])
		buf.Write(le.AppendUint32(nil, uint32(len(s.Bytes))))
		buf.Write(s.Bytes)
		buf.Write(le.AppendUint32(nil, terminator))
	}
	for _, r := range b.rows {
		buf.Write(le.AppendUint16(nil, entityEvent))
		buf.Write(le.AppendUint64(nil, r.Schema.ID))
		buf.WriteByte(r.Level)
		writeUTF16(&buf, r.Event)
		buf.Write(le.AppendUint32(nil, uint32(len(r.Data))))
		buf.Write(r.Data)
		buf.Write(le.AppendUint32(nil, terminator))
	}
	return buf.Bytes()
}

// writeUTF16 writes a uint32 byte length followed by UTF-16LE code units.
func writeUTF16(buf *bytes.Buffer, s string) {
	units := utf16.Encode([]rune(s))
	buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(2*len(units))))
	for _, u := range units {
		buf.Write(binary.LittleEndian.AppendUint16(nil, u))
	}
}

// DecodedRow is one event entity of a decoded blob.
type DecodedRow struct {
	Event    string
	Level    uint8
	SchemaID uint64
	Data     []byte
}

// DecodedBlob is the parsed form of an encoded blob.
type DecodedBlob struct {
	Metadata string
	Schemas  map[uint64]*Schema
	Rows     []DecodedRow
}

// Fields decodes the columns of row i.
func (d *DecodedBlob) Fields(i int) (map[string]logrecord.Value, error) {
	row := d.Rows[i]
	s, ok := d.Schemas[row.SchemaID]
	if !ok {
		return nil, fmt.Errorf("wire: row %d references unknown schema %x", i, row.SchemaID)
	}
	return DecodeRow(s, row.Data)
}

// DecodeBlob parses and verifies an encoded blob: framing, terminators,
// schema checksums, and schema references of every row.
func DecodeBlob(data []byte) (*DecodedBlob, error) {
	r := &byteReader{buf: data}
	if v := r.u32(); v != blobVersion {
		return nil, fmt.Errorf("wire: blob: unsupported version %d", v)
	}
	if f := r.u32(); f != blobFormat {
		return nil, fmt.Errorf("wire: blob: unsupported format %d", f)
	}
	d := &DecodedBlob{Metadata: r.utf16(), Schemas: make(map[uint64]*Schema)}

	for r.err == nil && r.remaining() > 0 {
		switch kind := r.u16(); kind {
		case entitySchema:
			id := r.u64()
			var sum [md5.Size]byte
			copy(sum[:], r.bytes(md5.Size))
			body := r.bytes(int(r.u32()))
			if r.u32() != terminator && r.err == nil {
				return nil, errors.New("wire: blob: schema entity missing terminator")
			}
			if r.err != nil {
				break
			}
			s, err := DecodeSchema(body)
			if err != nil {
				return nil, err
			}
			if s.ID != id || s.MD5 != sum {
				return nil, fmt.Errorf("wire: blob: schema %x checksum mismatch", id)
			}
			d.Schemas[id] = s
		case entityEvent:
			row := DecodedRow{SchemaID: r.u64(), Level: r.u8()}
			row.Event = r.utf16()
			row.Data = r.bytes(int(r.u32()))
			if r.u32() != terminator && r.err == nil {
				return nil, errors.New("wire: blob: event entity missing terminator")
			}
			if r.err != nil {
				break
			}
			if _, ok := d.Schemas[row.SchemaID]; !ok {
				return nil, fmt.Errorf("wire: blob: event references unknown schema %x", row.SchemaID)
			}
			d.Rows = append(d.Rows, row)
		default:
			if r.err == nil {
				return nil, fmt.Errorf("wire: blob: unknown entity type %d", kind)
			}
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("wire: blob: %w", r.err)
	}
	return d, nil
}

// byteReader reads little-endian framing values, remembering the first
// error.
type byteReader struct {
	buf []byte
	off int
	err error
}

func (r *byteReader) remaining() int { return len(r.buf) - r.off }

func (r *byteReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.err = ErrShortBuffer
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *byteReader) u8() uint8 {
	if p := r.bytes(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *byteReader) u16() uint16 {
	if p := r.bytes(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (r *byteReader) u32() uint32 {
	if p := r.bytes(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (r *byteReader) u64() uint64 {
	if p := r.bytes(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

func (r *byteReader) utf16() string {
	n := int(r.u32())
	p := r.bytes(n)
	if p == nil || n%2 != 0 {
		if r.err == nil {
			r.err = errors.New("odd UTF-16 byte length")
		}
		return ""
	}
	units := make([]uint16, n/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(p[2*i:])
	}
	return string(utf16.Decode(units))
}
