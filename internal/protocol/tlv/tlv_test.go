package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		U32(1, 7),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestTypedAccessors(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		U8(1, 3), U16(2, 500), U64(3, 1<<40), Bool(4, true), String(5, "cell-a"),
		Group(6, U32(1, 9), Bytes(2, []byte{1})),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, err := fields[0].AsU8(); err != nil || v != 3 {
		t.Fatalf("u8: %v %v", v, err)
	}
	if v, err := fields[1].AsU16(); err != nil || v != 500 {
		t.Fatalf("u16: %v %v", v, err)
	}
	if v, err := fields[2].AsU64(); err != nil || v != 1<<40 {
		t.Fatalf("u64: %v %v", v, err)
	}
	if v, err := fields[3].AsBool(); err != nil || !v {
		t.Fatalf("bool: %v %v", v, err)
	}
	if v, err := fields[4].AsString(); err != nil || v != "cell-a" {
		t.Fatalf("string: %v %v", v, err)
	}
	inner, err := fields[5].AsGroup()
	if err != nil || len(inner) != 2 {
		t.Fatalf("group: %v %v", inner, err)
	}
	if v, err := inner[0].AsU32(); err != nil || v != 9 {
		t.Fatalf("group u32: %v %v", v, err)
	}
	if _, err := fields[0].AsU64(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestAllReturnsRepeatedFieldsInOrder(t *testing.T) {
	fields := []Field{U8(1, 1), U8(2, 0), U8(1, 2)}
	got := All(fields, 1)
	if len(got) != 2 || got[0].Value[0] != 1 || got[1].Value[0] != 2 {
		t.Fatalf("unexpected: %+v", got)
	}
	if _, ok := Get(fields, 3); ok {
		t.Fatalf("unexpected field 3")
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestBoolRejectsOtherBytes(t *testing.T) {
	f := Field{ID: 1, Type: TypeBool, Value: []byte{2}}
	if _, err := f.AsBool(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}
