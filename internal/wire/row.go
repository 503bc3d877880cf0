package wire

import (
	"crypto/md5"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/plexsphere/telexport/internal/failure"
	"github.com/plexsphere/telexport/internal/logrecord"
)

// envName is the env_name column of every row.
const envName = "Log"

// envVersion is the env_ver column of every row.
const envVersion = "4.0"

// Fixed columns written before the record fields, in order.
var fixedFields = []Field{
	{Name: "env_name", Type: TypeString},
	{Name: "env_ver", Type: TypeString},
	{Name: "timestamp", Type: TypeString},
	{Name: "env_time", Type: TypeString},
	{Name: "name", Type: TypeString},
	{Name: "target", Type: TypeString},
	{Name: "severityNumber", Type: TypeInt32},
	{Name: "severityText", Type: TypeString},
}

var reservedColumns = func() map[string]bool {
	m := make(map[string]bool, len(fixedFields))
	for _, f := range fixedFields {
		m[f.Name] = true
	}
	return m
}()

// ReservedColumn reports whether name is a fixed column that record fields
// may not use.
func ReservedColumn(name string) bool { return reservedColumns[name] }

// Field is one schema column.
type Field struct {
	Name string
	Type Type
}

// Schema describes the column layout shared by rows of the same shape.
// ID is the xxhash64 of the encoded schema; MD5 lets the service verify it.
type Schema struct {
	ID     uint64
	MD5    [md5.Size]byte
	Fields []Field
	Bytes  []byte
}

// NewSchema encodes fields and derives the schema identifiers.
func NewSchema(fields []Field) *Schema {
	var w Writer
	w.ListBegin(TypeStruct, len(fields))
	for i, f := range fields {
		w.FieldBegin(TypeString, 1)
		w.String(f.Name)
		w.FieldBegin(TypeUint8, 2)
		w.Uint8(byte(f.Type))
		w.FieldBegin(TypeUint16, 3)
		w.Uvarint(uint64(i + 1))
		w.StructEnd()
	}
	b := w.Bytes()
	return &Schema{
		ID:     xxhash.Sum64(b),
		MD5:    md5.Sum(b),
		Fields: fields,
		Bytes:  b,
	}
}

// DecodeSchema parses schema bytes produced by NewSchema.
func DecodeSchema(b []byte) (*Schema, error) {
	r := NewReader(b)
	elem, n, err := r.ListBegin()
	if err != nil {
		return nil, fmt.Errorf("wire: schema: %w", err)
	}
	if elem != TypeStruct {
		return nil, fmt.Errorf("wire: schema: unexpected element type %s", elem)
	}
	fields := make([]Field, 0, n)
	for i := 0; i < n; i++ {
		var f Field
		for {
			t, id, err := r.FieldBegin()
			if err != nil {
				return nil, fmt.Errorf("wire: schema: %w", err)
			}
			if t == TypeStop {
				break
			}
			switch id {
			case 1:
				f.Name, err = r.String()
			case 2:
				var v uint8
				v, err = r.Uint8()
				f.Type = Type(v)
			case 3:
				_, err = r.Uvarint()
			default:
				err = fmt.Errorf("unknown schema field id %d", id)
			}
			if err != nil {
				return nil, fmt.Errorf("wire: schema: %w", err)
			}
		}
		fields = append(fields, f)
	}
	if r.Remaining() != 0 {
		return nil, errors.New("wire: schema: trailing bytes")
	}
	return &Schema{ID: xxhash.Sum64(b), MD5: md5.Sum(b), Fields: fields, Bytes: b}, nil
}

// Row is one encoded record.
type Row struct {
	Event  string
	Level  uint8
	Time   time.Time
	Schema *Schema
	Data   []byte
}

// EncodeRow encodes r as a row. Records that fail validation, or that
// carry a field named like a fixed column, return a serialization error.
func EncodeRow(r logrecord.Record) (Row, error) {
	const op = "wire: encode row"
	if err := r.Validate(); err != nil {
		return Row{}, failure.Serialization(op, err)
	}
	keys := r.SortedKeys()
	fields := make([]Field, 0, len(fixedFields)+len(keys))
	fields = append(fields, fixedFields...)

	ts := r.Timestamp.UTC().Format(time.RFC3339Nano)
	var w Writer
	w.FieldBegin(TypeString, 1)
	w.String(envName)
	w.FieldBegin(TypeString, 2)
	w.String(envVersion)
	w.FieldBegin(TypeString, 3)
	w.String(ts)
	w.FieldBegin(TypeString, 4)
	w.String(ts)
	w.FieldBegin(TypeString, 5)
	w.String(r.Name)
	w.FieldBegin(TypeString, 6)
	w.String(r.Target)
	w.FieldBegin(TypeInt32, 7)
	w.Varint(int64(r.Severity))
	w.FieldBegin(TypeString, 8)
	w.String(r.Severity.String())

	for _, k := range keys {
		if reservedColumns[k] {
			return Row{}, failure.Serialization(op, fmt.Errorf("field %q collides with a fixed column", k))
		}
		v := r.Fields[k]
		id := uint16(len(fields) + 1)
		switch v.Kind() {
		case logrecord.KindString:
			fields = append(fields, Field{Name: k, Type: TypeString})
			w.FieldBegin(TypeString, id)
			w.String(v.Str())
		case logrecord.KindInt:
			fields = append(fields, Field{Name: k, Type: TypeInt64})
			w.FieldBegin(TypeInt64, id)
			w.Varint(v.Int())
		case logrecord.KindFloat:
			fields = append(fields, Field{Name: k, Type: TypeDouble})
			w.FieldBegin(TypeDouble, id)
			w.Double(v.Float())
		case logrecord.KindBool:
			fields = append(fields, Field{Name: k, Type: TypeBool})
			w.FieldBegin(TypeBool, id)
			w.Bool(v.Bool())
		}
	}
	w.StructEnd()

	return Row{
		Event:  r.Name,
		Level:  uint8(r.Severity),
		Time:   r.Timestamp,
		Schema: NewSchema(fields),
		Data:   w.Bytes(),
	}, nil
}

// DecodeRow decodes row data laid out by schema into typed values keyed by
// column name.
func DecodeRow(schema *Schema, data []byte) (map[string]logrecord.Value, error) {
	r := NewReader(data)
	out := make(map[string]logrecord.Value, len(schema.Fields))
	for {
		t, id, err := r.FieldBegin()
		if err != nil {
			return nil, fmt.Errorf("wire: row: %w", err)
		}
		if t == TypeStop {
			break
		}
		if id == 0 || int(id) > len(schema.Fields) {
			return nil, fmt.Errorf("wire: row: field id %d outside schema", id)
		}
		f := schema.Fields[id-1]
		if f.Type != t {
			return nil, fmt.Errorf("wire: row: field %q has type %s, schema says %s", f.Name, t, f.Type)
		}
		var v logrecord.Value
		switch t {
		case TypeString:
			var s string
			s, err = r.String()
			v = logrecord.StringValue(s)
		case TypeInt32, TypeInt64:
			var n int64
			n, err = r.Varint()
			v = logrecord.IntValue(n)
		case TypeDouble:
			var d float64
			d, err = r.Double()
			v = logrecord.FloatValue(d)
		case TypeBool:
			var b bool
			b, err = r.Bool()
			v = logrecord.BoolValue(b)
		default:
			err = fmt.Errorf("unsupported column type %s", t)
		}
		if err != nil {
			return nil, fmt.Errorf("wire: row: %w", err)
		}
		out[f.Name] = v
	}
	if r.Remaining() != 0 {
		return nil, errors.New("wire: row: trailing bytes")
	}
	return out, nil
}
