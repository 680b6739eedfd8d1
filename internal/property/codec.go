package property

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/cellmesh/internal/bitstream"
)

var (
	ErrLengthOverflow = errors.New("property: packed length overflow")
	ErrBadPresence    = errors.New("property: invalid presence byte")
)

const (
	packedEscape = 0xFF
	// MaxPackedLength is the largest count or string length the packed form carries.
	MaxPackedLength = 1<<24 - 1
)

// AppendPackedLength appends n as one byte when below 0xFF, otherwise as
// 0xFF followed by a 3-byte little-endian length.
func AppendPackedLength(dst []byte, n int) ([]byte, error) {
	if n < 0 || n > MaxPackedLength {
		return dst, fmt.Errorf("%w: %d", ErrLengthOverflow, n)
	}
	if n < packedEscape {
		return append(dst, byte(n)), nil
	}
	return append(dst, packedEscape, byte(n), byte(n>>8), byte(n>>16)), nil
}

func ReadPackedLength(r *bitstream.Reader) (int, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("packed length: %w", err)
	}
	if b != packedEscape {
		return int(b), nil
	}
	ext, err := r.ReadBytes(3)
	if err != nil {
		return 0, fmt.Errorf("packed length: %w", err)
	}
	return int(ext[0]) | int(ext[1])<<8 | int(ext[2])<<16, nil
}

// AppendValue appends the wire form of v, which must conform to t.
func AppendValue(dst []byte, t *Type, v Value) ([]byte, error) {
	switch t.Kind {
	case KindScalar:
		s, ok := v.(*ScalarValue)
		if !ok || s == nil {
			return dst, mismatch(t, v)
		}
		if !scalarAccepts(t.Scalar, s.V) {
			return dst, fmt.Errorf("%w: %s cannot hold %T(%v)", ErrValueMismatch, t.Scalar, s.V, s.V)
		}
		return appendScalar(dst, t.Scalar, s.V)
	case KindFixedSequence, KindVariableSequence:
		s, ok := v.(*SequenceValue)
		if !ok || s == nil {
			return dst, mismatch(t, v)
		}
		if t.Kind == KindFixedSequence {
			if len(s.Items) != t.Size {
				return dst, fmt.Errorf("%w: fixed sequence wants %d items, has %d", ErrValueMismatch, t.Size, len(s.Items))
			}
		} else {
			var err error
			if dst, err = AppendPackedLength(dst, len(s.Items)); err != nil {
				return dst, err
			}
		}
		for i, item := range s.Items {
			var err error
			if dst, err = AppendValue(dst, t.Elem, item); err != nil {
				return dst, fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return dst, nil
	case KindNullable:
		n, ok := v.(*NullableValue)
		if !ok || n == nil {
			return dst, mismatch(t, v)
		}
		if n.Inner == nil {
			return append(dst, 0), nil
		}
		return AppendValue(append(dst, 1), t.Elem, n.Inner)
	case KindComposite:
		c, ok := v.(*CompositeValue)
		if !ok || c == nil || len(c.Fields) != len(t.Fields) {
			return dst, mismatch(t, v)
		}
		for i, f := range t.Fields {
			var err error
			if dst, err = AppendValue(dst, f.Type, c.Fields[i]); err != nil {
				return dst, fmt.Errorf("%s: %w", f.Name, err)
			}
		}
		return dst, nil
	}
	return dst, fmt.Errorf("%w: unknown kind %d", ErrInvalidType, t.Kind)
}

func appendScalar(dst []byte, s ScalarType, v any) ([]byte, error) {
	switch s {
	case TypeBool:
		if v.(bool) {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case TypeInt8:
		return append(dst, byte(v.(int64))), nil
	case TypeInt16:
		return binary.LittleEndian.AppendUint16(dst, uint16(v.(int64))), nil
	case TypeInt32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v.(int64))), nil
	case TypeInt64:
		return binary.LittleEndian.AppendUint64(dst, uint64(v.(int64))), nil
	case TypeUint8:
		return append(dst, byte(v.(uint64))), nil
	case TypeUint16:
		return binary.LittleEndian.AppendUint16(dst, uint16(v.(uint64))), nil
	case TypeUint32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v.(uint64))), nil
	case TypeUint64:
		return binary.LittleEndian.AppendUint64(dst, v.(uint64)), nil
	case TypeFloat32:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v.(float64)))), nil
	case TypeFloat64:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.(float64))), nil
	case TypeString:
		str := v.(string)
		out, err := AppendPackedLength(dst, len(str))
		if err != nil {
			return dst, err
		}
		return append(out, str...), nil
	}
	return dst, fmt.Errorf("%w: unknown scalar %d", ErrInvalidType, s)
}

// EncodeValue is AppendValue into a fresh buffer.
func EncodeValue(t *Type, v Value) ([]byte, error) {
	return AppendValue(nil, t, v)
}

// DecodeValue reads one value of type t from the reader's current position.
// A short stream yields an error wrapping bitstream.ErrExhausted.
func DecodeValue(r *bitstream.Reader, t *Type) (Value, error) {
	switch t.Kind {
	case KindScalar:
		return decodeScalar(r, t.Scalar)
	case KindFixedSequence:
		items := make([]Value, t.Size)
		for i := range items {
			item, err := DecodeValue(r, t.Elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = item
		}
		return &SequenceValue{Items: items}, nil
	case KindVariableSequence:
		n, err := ReadPackedLength(r)
		if err != nil {
			return nil, err
		}
		// the count is untrusted until the elements actually decode
		items := make([]Value, 0, min(n, r.RemainingBytes()))
		for i := 0; i < n; i++ {
			item, err := DecodeValue(r, t.Elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, item)
		}
		return &SequenceValue{Items: items}, nil
	case KindNullable:
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("presence: %w", err)
		}
		switch b {
		case 0:
			return None(), nil
		case 1:
			inner, err := DecodeValue(r, t.Elem)
			if err != nil {
				return nil, err
			}
			return Some(inner), nil
		default:
			return nil, fmt.Errorf("%w: %d", ErrBadPresence, b)
		}
	case KindComposite:
		vals := make([]Value, len(t.Fields))
		for i, f := range t.Fields {
			fv, err := DecodeValue(r, f.Type)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Name, err)
			}
			vals[i] = fv
		}
		return &CompositeValue{Fields: vals}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidType, t.Kind)
}

func decodeScalar(r *bitstream.Reader, s ScalarType) (Value, error) {
	if s == TypeString {
		n, err := ReadPackedLength(r)
		if err != nil {
			return nil, err
		}
		b, err := r.ReadBytes(n)
		if err != nil {
			return nil, fmt.Errorf("string body: %w", err)
		}
		return Str(string(b)), nil
	}
	w := s.width()
	if w == 0 {
		return nil, fmt.Errorf("%w: unknown scalar %d", ErrInvalidType, s)
	}
	b, err := r.ReadBytes(w)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s, err)
	}
	switch s {
	case TypeBool:
		return Bool(b[0] != 0), nil
	case TypeInt8:
		return Int(int64(int8(b[0]))), nil
	case TypeInt16:
		return Int(int64(int16(binary.LittleEndian.Uint16(b)))), nil
	case TypeInt32:
		return Int(int64(int32(binary.LittleEndian.Uint32(b)))), nil
	case TypeInt64:
		return Int(int64(binary.LittleEndian.Uint64(b))), nil
	case TypeUint8:
		return Uint(uint64(b[0])), nil
	case TypeUint16:
		return Uint(uint64(binary.LittleEndian.Uint16(b))), nil
	case TypeUint32:
		return Uint(uint64(binary.LittleEndian.Uint32(b))), nil
	case TypeUint64:
		return Uint(binary.LittleEndian.Uint64(b)), nil
	case TypeFloat32:
		return Float(float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))), nil
	default:
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	}
}
