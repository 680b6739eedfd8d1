// Package tlv encodes the envelope fields around change record payloads:
// entity ids, sequence numbers, ticks and the opaque payload bytes. Fields
// are id(2) type(1) len(4) big endian, then the value.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrInvalidLength    = errors.New("tlv: invalid value length")
)

const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
	// TypeGroup values are themselves an encoded field list.
	TypeGroup uint8 = 8
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func U8(id uint16, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func U16(id uint16, v uint16) Field {
	return Field{ID: id, Type: TypeU16, Value: binary.BigEndian.AppendUint16(nil, v)}
}

func U32(id uint16, v uint32) Field {
	return Field{ID: id, Type: TypeU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func U64(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeU64, Value: binary.BigEndian.AppendUint64(nil, v)}
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

// Bytes does not copy v.
func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: v}
}

func Group(id uint16, fields ...Field) Field {
	return Field{ID: id, Type: TypeGroup, Value: EncodeFields(fields)}
}

func AppendField(dst []byte, f Field) []byte {
	dst = binary.BigEndian.AppendUint16(dst, f.ID)
	dst = append(dst, f.Type)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Value)))
	return append(dst, f.Value...)
}

func EncodeField(f Field) []byte {
	return AppendField(make([]byte, 0, HeaderLen+len(f.Value)), f)
}

func EncodeFields(fields []Field) []byte {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = AppendField(out, f)
	}
	return out
}

// DecodeFields splits payload into fields. Values alias payload.
func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	for i := 0; i < len(payload); {
		if len(payload)-i < HeaderLen {
			return nil, fmt.Errorf("%w at offset %d", ErrShortFieldHeader, i)
		}
		f := Field{
			ID:   binary.BigEndian.Uint16(payload[i : i+2]),
			Type: payload[i+2],
		}
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint64(len(payload)-i) < uint64(l) {
			return nil, fmt.Errorf("%w: field %d wants %d bytes, %d left", ErrShortFieldValue, f.ID, l, len(payload)-i)
		}
		f.Value = payload[i : i+int(l)]
		i += int(l)
		fields = append(fields, f)
	}
	return fields, nil
}

// Get returns the first field with id.
func Get(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// All returns every field with id, in order.
func All(fields []Field, id uint16) []Field {
	var out []Field
	for _, f := range fields {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func (f Field) fixed(typ uint8, n int) ([]byte, error) {
	if f.Type != typ {
		return nil, fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.ID, f.Type, typ)
	}
	if n >= 0 && len(f.Value) != n {
		return nil, fmt.Errorf("%w: field %d has %d bytes, want %d", ErrInvalidLength, f.ID, len(f.Value), n)
	}
	return f.Value, nil
}

func (f Field) AsU8() (uint8, error) {
	b, err := f.fixed(TypeU8, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f Field) AsU16() (uint16, error) {
	b, err := f.fixed(TypeU16, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (f Field) AsU32() (uint32, error) {
	b, err := f.fixed(TypeU32, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (f Field) AsU64() (uint64, error) {
	b, err := f.fixed(TypeU64, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (f Field) AsBool() (bool, error) {
	b, err := f.fixed(TypeBool, 1)
	if err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: field %d bool byte %d", ErrInvalidLength, f.ID, b[0])
}

func (f Field) AsString() (string, error) {
	b, err := f.fixed(TypeString, -1)
	return string(b), err
}

func (f Field) AsBytes() ([]byte, error) {
	return f.fixed(TypeBytes, -1)
}

func (f Field) AsGroup() ([]Field, error) {
	b, err := f.fixed(TypeGroup, -1)
	if err != nil {
		return nil, err
	}
	return DecodeFields(b)
}
