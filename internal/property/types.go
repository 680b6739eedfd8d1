package property

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidType   = errors.New("property: invalid type")
	ErrValueMismatch = errors.New("property: value does not match type")
)

// Kind is the shape of a property tree node. Dispatch over values always goes
// through Kind, never through a type tag on the wire.
type Kind uint8

const (
	KindScalar Kind = iota + 1
	KindFixedSequence
	KindVariableSequence
	KindNullable
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindFixedSequence:
		return "fixed_sequence"
	case KindVariableSequence:
		return "variable_sequence"
	case KindNullable:
		return "nullable"
	case KindComposite:
		return "composite"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type ScalarType uint8

const (
	TypeBool ScalarType = iota + 1
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeString
)

var scalarNames = map[ScalarType]string{
	TypeBool: "BOOL", TypeInt8: "INT8", TypeInt16: "INT16", TypeInt32: "INT32", TypeInt64: "INT64",
	TypeUint8: "UINT8", TypeUint16: "UINT16", TypeUint32: "UINT32", TypeUint64: "UINT64",
	TypeFloat32: "FLOAT32", TypeFloat64: "FLOAT64", TypeString: "STRING",
}

func (s ScalarType) String() string {
	if n, ok := scalarNames[s]; ok {
		return n
	}
	return fmt.Sprintf("SCALAR(%d)", uint8(s))
}

// width is the fixed encoded size, 0 for variable-width scalars.
func (s ScalarType) width() int {
	switch s {
	case TypeBool, TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// Flags select which consumers see changes to a root property.
type Flags uint8

const (
	FlagGhosted Flags = 1 << iota
	FlagClientVisible

	FlagAll = FlagGhosted | FlagClientVisible
)

// Type is one node of a property tree.
type Type struct {
	Kind   Kind
	Scalar ScalarType
	Elem   *Type
	Size   int
	Name   string
	Fields []Field
}

// Field is a named child of a composite node.
type Field struct {
	Name  string
	Type  *Type
	Flags Flags
}

func ScalarOf(s ScalarType) *Type {
	return &Type{Kind: KindScalar, Scalar: s}
}

func FixedSequence(elem *Type, size int) *Type {
	return &Type{Kind: KindFixedSequence, Elem: elem, Size: size}
}

func VariableSequence(elem *Type) *Type {
	return &Type{Kind: KindVariableSequence, Elem: elem}
}

func Nullable(elem *Type) *Type {
	return &Type{Kind: KindNullable, Elem: elem}
}

func Composite(name string, fields ...Field) *Type {
	return &Type{Kind: KindComposite, Name: name, Fields: fields}
}

// Indexable reports whether a change path can continue below this node.
// Scalars and fixed sequences are leaves: they are always overwritten whole.
func (t *Type) Indexable() bool {
	switch t.Kind {
	case KindComposite, KindVariableSequence, KindNullable:
		return true
	default:
		return false
	}
}

// Depth is the maximum number of path indices that can address a node at or
// below t.
func (t *Type) Depth() int {
	switch t.Kind {
	case KindComposite:
		d := 0
		for _, f := range t.Fields {
			if fd := f.Type.Depth(); fd > d {
				d = fd
			}
		}
		return 1 + d
	case KindVariableSequence, KindNullable:
		return 1 + t.Elem.Depth()
	default:
		return 0
	}
}

func (t *Type) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidType)
	}
	switch t.Kind {
	case KindScalar:
		if _, ok := scalarNames[t.Scalar]; !ok {
			return fmt.Errorf("%w: unknown scalar %d", ErrInvalidType, t.Scalar)
		}
	case KindFixedSequence:
		if t.Size <= 0 {
			return fmt.Errorf("%w: fixed sequence size %d", ErrInvalidType, t.Size)
		}
		return t.Elem.Validate()
	case KindVariableSequence:
		if err := t.Elem.Validate(); err != nil {
			return err
		}
		// slice inserts are delimited only by the bytes each element consumes
		if t.Elem.minWidth() == 0 {
			return fmt.Errorf("%w: sequence element %s encodes to zero bytes", ErrInvalidType, t.Elem)
		}
		return nil
	case KindNullable:
		if t.Elem != nil && t.Elem.Kind == KindNullable {
			return fmt.Errorf("%w: nested nullable", ErrInvalidType)
		}
		return t.Elem.Validate()
	case KindComposite:
		seen := make(map[string]struct{}, len(t.Fields))
		for i, f := range t.Fields {
			name := strings.TrimSpace(f.Name)
			if name == "" {
				return fmt.Errorf("%w: composite %q field[%d] missing name", ErrInvalidType, t.Name, i)
			}
			if _, dup := seen[name]; dup {
				return fmt.Errorf("%w: composite %q duplicate field %q", ErrInvalidType, t.Name, name)
			}
			seen[name] = struct{}{}
			if err := f.Type.Validate(); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidType, t.Kind)
	}
	return nil
}

// minWidth is the fewest bytes any value of t encodes to.
func (t *Type) minWidth() int {
	switch t.Kind {
	case KindScalar:
		if w := t.Scalar.width(); w > 0 {
			return w
		}
		return 1
	case KindFixedSequence:
		return t.Size * t.Elem.minWidth()
	case KindVariableSequence, KindNullable:
		return 1
	case KindComposite:
		n := 0
		for _, f := range t.Fields {
			n += f.Type.minWidth()
		}
		return n
	}
	return 0
}

// String renders the canonical form used for schema digests.
func (t *Type) String() string {
	var b strings.Builder
	t.writeCanonical(&b)
	return b.String()
}

func (t *Type) writeCanonical(b *strings.Builder) {
	switch t.Kind {
	case KindScalar:
		b.WriteString(t.Scalar.String())
	case KindFixedSequence:
		fmt.Fprintf(b, "ARRAY<%d>(", t.Size)
		t.Elem.writeCanonical(b)
		b.WriteByte(')')
	case KindVariableSequence:
		b.WriteString("LIST(")
		t.Elem.writeCanonical(b)
		b.WriteByte(')')
	case KindNullable:
		b.WriteString("NULLABLE(")
		t.Elem.writeCanonical(b)
		b.WriteByte(')')
	case KindComposite:
		fmt.Fprintf(b, "DICT %s{", t.Name)
		for i, f := range t.Fields {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%s/%d:", f.Name, f.Flags)
			f.Type.writeCanonical(b)
		}
		b.WriteByte('}')
	}
}
