// Package document implements the dynamically-typed document model that
// sits above the page store: a tree of scalars, arrays, and sub-documents
// with an `_id` primary key, plus the binary codec used to serialize a
// document into a data-block chain.
package document

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// FieldType identifies the Go type carried by a Field's Value.
type FieldType byte

const (
	FieldNull FieldType = iota
	FieldString
	FieldInt64
	FieldFloat64
	FieldBool
	FieldDocument
	FieldArray
	FieldVector // []float32, the embedding type vector indexes operate on
)

// Field is one named, typed value in a Document.
type Field struct {
	Name  string
	Type  FieldType
	Value interface{} // string | int64 | float64 | bool | nil | *Document | []interface{} | []float32
}

// Document is a field-oriented, binary-storable record. The `_id` field, if
// present, is the collection's primary key.
type Document struct {
	Fields []Field
}

// New creates an empty document.
func New() *Document {
	return &Document{}
}

// Set adds or overwrites a field.
func (d *Document) Set(name string, value interface{}) {
	t, v := inferType(value)
	for i, f := range d.Fields {
		if f.Name == name {
			d.Fields[i].Type, d.Fields[i].Value = t, v
			return
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Type: t, Value: v})
}

// Get returns a top-level field's value.
func (d *Document) Get(name string) (interface{}, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// GetPath resolves a path given as its segments (e.g.
// []string{"params", "timeout"}) through nested
// sub-documents, the navigation primitive key expressions compile down to.
func (d *Document) GetPath(path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	val, ok := d.Get(path[0])
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return val, true
	}
	sub, ok := val.(*Document)
	if !ok {
		return nil, false
	}
	return sub.GetPath(path[1:])
}

// ID returns the `_id` field's value, if present.
func (d *Document) ID() (interface{}, bool) { return d.Get("_id") }

// SetID assigns `_id`, overwriting any existing value.
func (d *Document) SetID(id interface{}) { d.Set("_id", id) }

// InferType maps a Go value to its FieldType and normalized storage form
// (e.g. int -> int64), the same inference Set applies to a field's value.
func InferType(value interface{}) (FieldType, interface{}) { return inferType(value) }

func inferType(value interface{}) (FieldType, interface{}) {
	if value == nil {
		return FieldNull, nil
	}
	switch v := value.(type) {
	case string:
		return FieldString, v
	case int:
		return FieldInt64, int64(v)
	case int32:
		return FieldInt64, int64(v)
	case int64:
		return FieldInt64, v
	case float32:
		return FieldFloat64, float64(v)
	case float64:
		return FieldFloat64, v
	case bool:
		return FieldBool, v
	case *Document:
		return FieldDocument, v
	case []interface{}:
		return FieldArray, v
	case []float32:
		return FieldVector, v
	default:
		return FieldNull, nil
	}
}

// Encode serializes the document: [fieldCount:u16] then per field
// [nameLen:u16][name][type:byte][value bytes].
func (d *Document) Encode() ([]byte, error) {
	buf := make([]byte, 0, 256)
	var tmp2 [2]byte

	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(d.Fields)))
	buf = append(buf, tmp2[:]...)

	for _, f := range d.Fields {
		nameBytes := []byte(f.Name)
		if len(nameBytes) > math.MaxUint16 {
			return nil, fmt.Errorf("document: field name too long: %s", f.Name)
		}
		binary.LittleEndian.PutUint16(tmp2[:], uint16(len(nameBytes)))
		buf = append(buf, tmp2[:]...)
		buf = append(buf, nameBytes...)
		buf = append(buf, byte(f.Type))

		valBytes, err := encodeValue(f.Type, f.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	return buf, nil
}

// Decode deserializes a document from Encode's wire format.
func Decode(data []byte) (*Document, error) {
	if len(data) < 2 {
		return nil, errors.New("document: data too short")
	}
	doc := New()
	offset := 0

	fieldCount := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	for i := 0; i < fieldCount; i++ {
		if offset+2 > len(data) {
			return nil, errors.New("document: truncated name length")
		}
		nameLen := int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
		if offset+nameLen > len(data) {
			return nil, errors.New("document: truncated name")
		}
		name := string(data[offset : offset+nameLen])
		offset += nameLen

		if offset >= len(data) {
			return nil, errors.New("document: truncated type tag")
		}
		ftype := FieldType(data[offset])
		offset++

		val, n, err := decodeValue(ftype, data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		doc.Fields = append(doc.Fields, Field{Name: name, Type: ftype, Value: val})
	}
	return doc, nil
}

// EncodeValue serializes a single typed value using the same wire format
// Encode uses for a field's value, letting callers (e.g. index key encoding)
// reuse the codec without building a whole Document around one value.
func EncodeValue(t FieldType, v interface{}) ([]byte, error) { return encodeValue(t, v) }

// DecodeValue is EncodeValue's inverse, returning the value and the number
// of bytes consumed from data.
func DecodeValue(t FieldType, data []byte) (interface{}, int, error) { return decodeValue(t, data) }

func encodeValue(t FieldType, v interface{}) ([]byte, error) {
	switch t {
	case FieldNull:
		return nil, nil
	case FieldBool:
		if v.(bool) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case FieldInt64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v.(int64)))
		return buf, nil
	case FieldFloat64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v.(float64)))
		return buf, nil
	case FieldString:
		s := v.(string)
		buf := make([]byte, 4+len(s))
		binary.LittleEndian.PutUint32(buf, uint32(len(s)))
		copy(buf[4:], s)
		return buf, nil
	case FieldDocument:
		sub := v.(*Document)
		encoded, err := sub.Encode()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4+len(encoded))
		binary.LittleEndian.PutUint32(buf, uint32(len(encoded)))
		copy(buf[4:], encoded)
		return buf, nil
	case FieldArray:
		arr := v.([]interface{})
		inner := make([]byte, 0, 64)
		var tmp2 [2]byte
		binary.LittleEndian.PutUint16(tmp2[:], uint16(len(arr)))
		inner = append(inner, tmp2[:]...)
		for _, elem := range arr {
			et, ev := inferType(elem)
			inner = append(inner, byte(et))
			eb, err := encodeValue(et, ev)
			if err != nil {
				return nil, err
			}
			inner = append(inner, eb...)
		}
		buf := make([]byte, 4+len(inner))
		binary.LittleEndian.PutUint32(buf, uint32(len(inner)))
		copy(buf[4:], inner)
		return buf, nil
	case FieldVector:
		vec := v.([]float32)
		buf := make([]byte, 4+len(vec)*4)
		binary.LittleEndian.PutUint32(buf, uint32(len(vec)))
		for i, f := range vec {
			binary.LittleEndian.PutUint32(buf[4+i*4:], math.Float32bits(f))
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("document: unknown field type %d", t)
	}
}

func decodeValue(t FieldType, data []byte) (interface{}, int, error) {
	switch t {
	case FieldNull:
		return nil, 0, nil
	case FieldBool:
		if len(data) < 1 {
			return nil, 0, errors.New("document: truncated bool")
		}
		return data[0] != 0, 1, nil
	case FieldInt64:
		if len(data) < 8 {
			return nil, 0, errors.New("document: truncated int64")
		}
		return int64(binary.LittleEndian.Uint64(data)), 8, nil
	case FieldFloat64:
		if len(data) < 8 {
			return nil, 0, errors.New("document: truncated float64")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), 8, nil
	case FieldString:
		if len(data) < 4 {
			return nil, 0, errors.New("document: truncated string length")
		}
		slen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+slen {
			return nil, 0, errors.New("document: truncated string")
		}
		return string(data[4 : 4+slen]), 4 + slen, nil
	case FieldDocument:
		if len(data) < 4 {
			return nil, 0, errors.New("document: truncated embedded document length")
		}
		dlen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+dlen {
			return nil, 0, errors.New("document: truncated embedded document")
		}
		sub, err := Decode(data[4 : 4+dlen])
		if err != nil {
			return nil, 0, err
		}
		return sub, 4 + dlen, nil
	case FieldArray:
		if len(data) < 4 {
			return nil, 0, errors.New("document: truncated array length")
		}
		alen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+alen {
			return nil, 0, errors.New("document: truncated array")
		}
		arrData := data[4 : 4+alen]
		if len(arrData) < 2 {
			return []interface{}{}, 4 + alen, nil
		}
		count := int(binary.LittleEndian.Uint16(arrData))
		aoff := 2
		arr := make([]interface{}, 0, count)
		for i := 0; i < count; i++ {
			et := FieldType(arrData[aoff])
			aoff++
			ev, n, err := decodeValue(et, arrData[aoff:])
			if err != nil {
				return nil, 0, err
			}
			aoff += n
			arr = append(arr, ev)
		}
		return arr, 4 + alen, nil
	case FieldVector:
		if len(data) < 4 {
			return nil, 0, errors.New("document: truncated vector length")
		}
		vlen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+vlen*4 {
			return nil, 0, errors.New("document: truncated vector")
		}
		vec := make([]float32, vlen)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+i*4:]))
		}
		return vec, 4 + vlen*4, nil
	default:
		return nil, 0, fmt.Errorf("document: unknown field type %d", t)
	}
}
