package property

import (
	"fmt"
	"math"
)

// Value is the closed variant of live property values. The concrete types
// are ScalarValue, SequenceValue, NullableValue and CompositeValue.
type Value interface {
	shape() Kind
}

// ScalarValue holds one of bool, int64, uint64, float64 or string.
type ScalarValue struct {
	V any
}

// SequenceValue backs both fixed and variable sequences; the Type decides
// which wire rules apply.
type SequenceValue struct {
	Items []Value
}

// NullableValue wraps an optional value; Inner == nil means None.
type NullableValue struct {
	Inner Value
}

type CompositeValue struct {
	Fields []Value
}

func (*ScalarValue) shape() Kind    { return KindScalar }
func (*SequenceValue) shape() Kind  { return KindVariableSequence }
func (*NullableValue) shape() Kind  { return KindNullable }
func (*CompositeValue) shape() Kind { return KindComposite }

func Bool(v bool) *ScalarValue     { return &ScalarValue{V: v} }
func Int(v int64) *ScalarValue     { return &ScalarValue{V: v} }
func Uint(v uint64) *ScalarValue   { return &ScalarValue{V: v} }
func Float(v float64) *ScalarValue { return &ScalarValue{V: v} }
func Str(v string) *ScalarValue    { return &ScalarValue{V: v} }
func Seq(items ...Value) *SequenceValue {
	return &SequenceValue{Items: items}
}
func Some(v Value) *NullableValue { return &NullableValue{Inner: v} }
func None() *NullableValue        { return &NullableValue{} }
func Fields(vals ...Value) *CompositeValue {
	return &CompositeValue{Fields: vals}
}

// Zero builds the default value for t. Nullables default to None and
// variable sequences to empty.
func Zero(t *Type) Value {
	switch t.Kind {
	case KindScalar:
		switch t.Scalar {
		case TypeBool:
			return Bool(false)
		case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
			return Int(0)
		case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
			return Uint(0)
		case TypeFloat32, TypeFloat64:
			return Float(0)
		default:
			return Str("")
		}
	case KindFixedSequence:
		items := make([]Value, t.Size)
		for i := range items {
			items[i] = Zero(t.Elem)
		}
		return &SequenceValue{Items: items}
	case KindVariableSequence:
		return &SequenceValue{}
	case KindNullable:
		return None()
	case KindComposite:
		vals := make([]Value, len(t.Fields))
		for i, f := range t.Fields {
			vals[i] = Zero(f.Type)
		}
		return &CompositeValue{Fields: vals}
	}
	return nil
}

// Conforms checks that v has the shape t describes, recursively.
func Conforms(t *Type, v Value) error {
	switch t.Kind {
	case KindScalar:
		s, ok := v.(*ScalarValue)
		if !ok || s == nil {
			return mismatch(t, v)
		}
		if !scalarAccepts(t.Scalar, s.V) {
			return fmt.Errorf("%w: %s cannot hold %T(%v)", ErrValueMismatch, t.Scalar, s.V, s.V)
		}
	case KindFixedSequence, KindVariableSequence:
		s, ok := v.(*SequenceValue)
		if !ok || s == nil {
			return mismatch(t, v)
		}
		if t.Kind == KindFixedSequence && len(s.Items) != t.Size {
			return fmt.Errorf("%w: fixed sequence wants %d items, has %d", ErrValueMismatch, t.Size, len(s.Items))
		}
		for i, item := range s.Items {
			if err := Conforms(t.Elem, item); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case KindNullable:
		n, ok := v.(*NullableValue)
		if !ok || n == nil {
			return mismatch(t, v)
		}
		if n.Inner != nil {
			return Conforms(t.Elem, n.Inner)
		}
	case KindComposite:
		c, ok := v.(*CompositeValue)
		if !ok || c == nil {
			return mismatch(t, v)
		}
		if len(c.Fields) != len(t.Fields) {
			return fmt.Errorf("%w: composite %q wants %d fields, has %d", ErrValueMismatch, t.Name, len(t.Fields), len(c.Fields))
		}
		for i, f := range t.Fields {
			if err := Conforms(f.Type, c.Fields[i]); err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidType, t.Kind)
	}
	return nil
}

func mismatch(t *Type, v Value) error {
	return fmt.Errorf("%w: %s node got %T", ErrValueMismatch, t.Kind, v)
}

func scalarAccepts(s ScalarType, v any) bool {
	switch x := v.(type) {
	case bool:
		return s == TypeBool
	case int64:
		switch s {
		case TypeInt8:
			return x >= math.MinInt8 && x <= math.MaxInt8
		case TypeInt16:
			return x >= math.MinInt16 && x <= math.MaxInt16
		case TypeInt32:
			return x >= math.MinInt32 && x <= math.MaxInt32
		case TypeInt64:
			return true
		}
	case uint64:
		switch s {
		case TypeUint8:
			return x <= math.MaxUint8
		case TypeUint16:
			return x <= math.MaxUint16
		case TypeUint32:
			return x <= math.MaxUint32
		case TypeUint64:
			return true
		}
	case float64:
		if s == TypeFloat32 {
			return math.IsNaN(x) || math.IsInf(x, 0) || math.Abs(x) <= math.MaxFloat32
		}
		return s == TypeFloat64
	case string:
		return s == TypeString
	}
	return false
}

// Clone deep-copies v.
func Clone(v Value) Value {
	switch x := v.(type) {
	case *ScalarValue:
		if x == nil {
			return nil
		}
		return &ScalarValue{V: x.V}
	case *SequenceValue:
		if x == nil {
			return nil
		}
		items := make([]Value, len(x.Items))
		for i, item := range x.Items {
			items[i] = Clone(item)
		}
		return &SequenceValue{Items: items}
	case *NullableValue:
		if x == nil {
			return nil
		}
		return &NullableValue{Inner: Clone(x.Inner)}
	case *CompositeValue:
		if x == nil {
			return nil
		}
		vals := make([]Value, len(x.Fields))
		for i, f := range x.Fields {
			vals[i] = Clone(f)
		}
		return &CompositeValue{Fields: vals}
	}
	return nil
}
