package schema

import (
	"testing"

	"github.com/danmuck/cellmesh/internal/protocol/tlv"
	"github.com/danmuck/cellmesh/internal/testutil/testlog"
)

func record(seq uint64) tlv.Field {
	return tlv.Group(FieldRecord,
		tlv.U64(FieldSeq, seq),
		tlv.U8(FieldKind, 1),
		tlv.Bytes(FieldPayload, []byte{0x80, 0x01}),
	)
}

func TestValidateGhostBatch(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldCell, "cell-a"),
		tlv.U32(FieldEntity, 7),
		tlv.U64(FieldTick, 10),
		record(1),
		record(2),
	}
	if err := Validate(MsgGhostBatch, fields); err != nil {
		t.Fatalf("validate ghost batch: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldEntity, 7),
		tlv.U64(FieldTick, 10),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgWitnessBatch, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgGhostBatch, []tlv.Field{tlv.String(FieldCell, "cell-a")})
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldEntity || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldEntity, 7),
		tlv.U32(FieldTick, 10),
	}
	ve, ok := Validate(MsgWitnessBatch, fields).(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError")
	}
	if ve.FieldID != FieldTick || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateChecksEachRecordGroup(t *testing.T) {
	testlog.Start(t)
	bad := tlv.Group(FieldRecord, tlv.U64(FieldSeq, 3), tlv.U8(FieldKind, 1))
	fields := []tlv.Field{tlv.U32(FieldEntity, 7), tlv.U64(FieldTick, 10), record(1), bad}
	ve, ok := Validate(MsgWitnessBatch, fields).(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError")
	}
	if ve.FieldID != FieldPayload || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateInitAndHandoffShareFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldCell, "cell-a"),
		tlv.U32(FieldEntity, 1),
		tlv.U16(FieldTypeID, 3),
		tlv.U64(FieldDigest, 0xdead),
		tlv.String(FieldOwner, "cell-a"),
		tlv.Bytes(FieldState, []byte{0}),
		tlv.U64(FieldSeq, 0),
	}
	for _, mt := range []uint8{MsgGhostInit, MsgHandoff} {
		if err := Validate(mt, fields); err != nil {
			t.Fatalf("message %d: %v", mt, err)
		}
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	ve, ok := Validate(99, nil).(ValidationError)
	if !ok || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected: %+v", ve)
	}
}
