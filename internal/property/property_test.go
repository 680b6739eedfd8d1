package property

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/danmuck/cellmesh/internal/bitstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func avatarType(t *testing.T) *EntityType {
	t.Helper()
	et, err := NewEntityType(7, "Avatar",
		Field{Name: "health", Type: ScalarOf(TypeInt16), Flags: FlagAll},
		Field{Name: "name", Type: ScalarOf(TypeString), Flags: FlagClientVisible},
		Field{Name: "pos", Type: FixedSequence(ScalarOf(TypeFloat32), 3), Flags: FlagGhosted},
		Field{Name: "inventory", Type: VariableSequence(ScalarOf(TypeUint32)), Flags: FlagAll},
		Field{Name: "mount", Type: Nullable(Composite("Mount",
			Field{Name: "kind", Type: ScalarOf(TypeUint8)},
			Field{Name: "speed", Type: ScalarOf(TypeFloat64)},
		)), Flags: FlagAll},
	)
	require.NoError(t, err)
	return et
}

func TestValueRoundTrip(t *testing.T) {
	et := avatarType(t)
	v := Fields(
		Int(-120),
		Str("ghost"),
		Seq(Float(1.5), Float(-2), Float(0)),
		Seq(Uint(1), Uint(70000)),
		Some(Fields(Uint(3), Float(7.25))),
	)
	require.NoError(t, Conforms(et.Root(), v))

	buf, err := EncodeValue(et.Root(), v)
	require.NoError(t, err)

	got, err := DecodeValue(bitstream.NewReader(buf), et.Root())
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestFixedSequenceHasNoCount(t *testing.T) {
	buf, err := EncodeValue(FixedSequence(ScalarOf(TypeUint8), 3), Seq(Uint(1), Uint(2), Uint(3)))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf)

	buf, err = EncodeValue(VariableSequence(ScalarOf(TypeUint8)), Seq(Uint(1), Uint(2), Uint(3)))
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 1, 2, 3}, buf)
}

func TestScalarsAreLittleEndian(t *testing.T) {
	buf, err := EncodeValue(ScalarOf(TypeUint32), Uint(0x01020304))
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 3, 2, 1}, buf)

	buf, err = EncodeValue(ScalarOf(TypeBool), Bool(true))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, buf)
}

func TestPackedLength(t *testing.T) {
	short, err := AppendPackedLength(nil, 0xFE)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFE}, short)

	long, err := AppendPackedLength(nil, 0xFF)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0, 0}, long)

	n, err := ReadPackedLength(bitstream.NewReader([]byte{0xFF, 0x01, 0x02, 0x03}))
	require.NoError(t, err)
	assert.Equal(t, 0x030201, n)

	_, err = AppendPackedLength(nil, MaxPackedLength+1)
	assert.True(t, errors.Is(err, ErrLengthOverflow))
}

func TestLongStringRoundTrip(t *testing.T) {
	s := strings.Repeat("x", 300)
	buf, err := EncodeValue(ScalarOf(TypeString), Str(s))
	require.NoError(t, err)
	assert.Equal(t, 4+300, len(buf))

	got, err := DecodeValue(bitstream.NewReader(buf), ScalarOf(TypeString))
	require.NoError(t, err)
	assert.Equal(t, Str(s), got)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := DecodeValue(bitstream.NewReader([]byte{5, 1, 2}), VariableSequence(ScalarOf(TypeUint8)))
	assert.True(t, errors.Is(err, bitstream.ErrExhausted))

	_, err = DecodeValue(bitstream.NewReader([]byte{1}), Nullable(ScalarOf(TypeInt32)))
	assert.True(t, errors.Is(err, bitstream.ErrExhausted))
}

func TestDecodeBadPresence(t *testing.T) {
	_, err := DecodeValue(bitstream.NewReader([]byte{2, 0}), Nullable(ScalarOf(TypeUint8)))
	assert.True(t, errors.Is(err, ErrBadPresence))
}

func TestEncodeRejectsMismatch(t *testing.T) {
	_, err := EncodeValue(ScalarOf(TypeInt8), Uint(1))
	assert.True(t, errors.Is(err, ErrValueMismatch))

	_, err = EncodeValue(FixedSequence(ScalarOf(TypeUint8), 2), Seq(Uint(1)))
	assert.True(t, errors.Is(err, ErrValueMismatch))
}

func TestIntegerBoundsOnEncode(t *testing.T) {
	cases := []struct {
		scalar ScalarType
		ok     []Value
		bad    []Value
	}{
		{TypeInt8, []Value{Int(-128), Int(127)}, []Value{Int(-129), Int(128), Int(300)}},
		{TypeInt16, []Value{Int(-32768), Int(32767)}, []Value{Int(-32769), Int(32768)}},
		{TypeInt32, []Value{Int(math.MinInt32), Int(math.MaxInt32)}, []Value{Int(math.MinInt32 - 1), Int(math.MaxInt32 + 1)}},
		{TypeInt64, []Value{Int(math.MinInt64), Int(math.MaxInt64)}, nil},
		{TypeUint8, []Value{Uint(0), Uint(255)}, []Value{Uint(256)}},
		{TypeUint16, []Value{Uint(65535)}, []Value{Uint(65536)}},
		{TypeUint32, []Value{Uint(math.MaxUint32)}, []Value{Uint(math.MaxUint32 + 1)}},
		{TypeUint64, []Value{Uint(math.MaxUint64)}, nil},
		{TypeFloat32, []Value{Float(math.MaxFloat32), Float(math.Inf(-1))}, []Value{Float(math.MaxFloat64)}},
	}
	for _, tc := range cases {
		typ := ScalarOf(tc.scalar)
		for _, v := range tc.ok {
			buf, err := EncodeValue(typ, v)
			require.NoError(t, err, "%s %v", tc.scalar, v)
			got, err := DecodeValue(bitstream.NewReader(buf), typ)
			require.NoError(t, err)
			assert.Equal(t, v, got, "%s", tc.scalar)
		}
		for _, v := range tc.bad {
			_, err := EncodeValue(typ, v)
			assert.True(t, errors.Is(err, ErrValueMismatch), "%s %v", tc.scalar, v)
			assert.True(t, errors.Is(Conforms(typ, v), ErrValueMismatch), "%s %v", tc.scalar, v)
		}
	}
}

func TestValidateRejectsBadTrees(t *testing.T) {
	assert.True(t, errors.Is(Nullable(Nullable(ScalarOf(TypeBool))).Validate(), ErrInvalidType))
	assert.True(t, errors.Is(FixedSequence(ScalarOf(TypeBool), 0).Validate(), ErrInvalidType))
	dup := Composite("dup",
		Field{Name: "a", Type: ScalarOf(TypeBool)},
		Field{Name: "a", Type: ScalarOf(TypeBool)},
	)
	assert.True(t, errors.Is(dup.Validate(), ErrInvalidType))

	// elements that encode to nothing cannot be delimited inside a slice edit
	assert.True(t, errors.Is(VariableSequence(Composite("Mark")).Validate(), ErrInvalidType))
	assert.True(t, errors.Is(VariableSequence(FixedSequence(Composite("Mark"), 2)).Validate(), ErrInvalidType))
	_, err := NewEntityType(9, "Marks", Field{Name: "marks", Type: VariableSequence(Composite("Mark"))})
	assert.True(t, errors.Is(err, ErrInvalidType))

	assert.NoError(t, VariableSequence(Composite("Tag", Field{Name: "on", Type: ScalarOf(TypeBool)})).Validate())
	assert.NoError(t, VariableSequence(Nullable(Composite("Empty"))).Validate())
}

func TestDepthAndIndexable(t *testing.T) {
	et := avatarType(t)
	// root -> mount (nullable) -> composite -> scalar
	assert.Equal(t, 3, et.MaxDepth())
	assert.False(t, FixedSequence(ScalarOf(TypeUint8), 4).Indexable())
	assert.True(t, Nullable(ScalarOf(TypeUint8)).Indexable())
}

func TestZeroState(t *testing.T) {
	et := avatarType(t)
	state := et.NewState()
	require.NoError(t, Conforms(et.Root(), state))
	assert.Len(t, state.Fields[2].(*SequenceValue).Items, 3)
	assert.Nil(t, state.Fields[4].(*NullableValue).Inner)
}

func TestCloneIsDeep(t *testing.T) {
	v := Seq(Uint(1), Uint(2))
	c := Clone(v).(*SequenceValue)
	c.Items[0].(*ScalarValue).V = uint64(9)
	assert.Equal(t, uint64(1), v.Items[0].(*ScalarValue).V)
}

func TestDigestTracksSchema(t *testing.T) {
	a := avatarType(t)
	b := avatarType(t)
	assert.Equal(t, a.Digest(), b.Digest())

	c := MustEntityType(7, "Avatar", Field{Name: "health", Type: ScalarOf(TypeInt32), Flags: FlagAll})
	assert.NotEqual(t, a.Digest(), c.Digest())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	et := avatarType(t)
	require.NoError(t, reg.Register(et))
	assert.True(t, errors.Is(reg.Register(et), ErrDuplicateType))

	got, err := reg.Lookup(7)
	require.NoError(t, err)
	assert.Same(t, et, got)

	_, err = reg.Lookup(8)
	assert.True(t, errors.Is(err, ErrUnknownEntityType))
	assert.Equal(t, 1, reg.Len())

	idx, ok := et.PropertyIndex("inventory")
	assert.True(t, ok)
	assert.Equal(t, 3, idx)
	flags, ok := et.PropertyFlags(2)
	assert.True(t, ok)
	assert.Equal(t, FlagGhosted, flags)
}
