// Package schema declares the replication message types carried in frames
// and the TLV fields each one requires.
package schema

import (
	"fmt"

	"github.com/danmuck/cellmesh/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

const (
	MsgWitnessBatch uint8 = 1
	MsgGhostBatch   uint8 = 2
	MsgGhostInit    uint8 = 3
	MsgHandoff      uint8 = 4
	MsgDrop         uint8 = 5
)

const (
	FieldEntity uint16 = 1
	FieldTick   uint16 = 2
	FieldCell   uint16 = 3

	// FieldRecord repeats once per change record, as a group.
	FieldRecord uint16 = 10

	FieldSeq     uint16 = 20
	FieldKind    uint16 = 21
	FieldPayload uint16 = 22

	FieldTypeID uint16 = 30
	FieldDigest uint16 = 31
	FieldOwner  uint16 = 32
	FieldState  uint16 = 33

	FieldReason  uint16 = 40
	FieldRecords uint16 = 41
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint8
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var initFields = []Requirement{
	{FieldCell, tlv.TypeString},
	{FieldEntity, tlv.TypeU32},
	{FieldTypeID, tlv.TypeU16},
	{FieldDigest, tlv.TypeU64},
	{FieldOwner, tlv.TypeString},
	{FieldState, tlv.TypeBytes},
	{FieldSeq, tlv.TypeU64},
}

var requirements = map[uint8][]Requirement{
	MsgWitnessBatch: {
		{FieldEntity, tlv.TypeU32},
		{FieldTick, tlv.TypeU64},
	},
	MsgGhostBatch: {
		{FieldCell, tlv.TypeString},
		{FieldEntity, tlv.TypeU32},
		{FieldTick, tlv.TypeU64},
	},
	MsgGhostInit: initFields,
	MsgHandoff:   initFields,
	MsgDrop: {
		{FieldEntity, tlv.TypeU32},
		{FieldTick, tlv.TypeU64},
		{FieldReason, tlv.TypeString},
		{FieldRecords, tlv.TypeU32},
	},
}

var recordFields = []Requirement{
	{FieldSeq, tlv.TypeU64},
	{FieldKind, tlv.TypeU8},
	{FieldPayload, tlv.TypeBytes},
}

// Validate enforces required fields and their types for a message type.
// Unknown fields are ignored so newer senders stay readable.
func Validate(messageType uint8, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint8("message_type", messageType).Msg("schema: unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	if err := check(messageType, reqs, fields); err != nil {
		return err
	}
	for _, f := range tlv.All(fields, FieldRecord) {
		if f.Type != tlv.TypeGroup {
			return ValidationError{MessageType: messageType, FieldID: FieldRecord, Reason: "type mismatch"}
		}
		inner, err := tlv.DecodeFields(f.Value)
		if err != nil {
			return ValidationError{MessageType: messageType, FieldID: FieldRecord, Reason: err.Error()}
		}
		if err := check(messageType, recordFields, inner); err != nil {
			return err
		}
	}
	return nil
}

func check(messageType uint8, reqs []Requirement, fields []tlv.Field) error {
	for _, req := range reqs {
		f, found := tlv.Get(fields, req.ID)
		if !found {
			log.Warn().Uint8("message_type", messageType).Uint16("field", req.ID).Msg("schema: missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Warn().
				Uint8("message_type", messageType).
				Uint16("field", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: field type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
