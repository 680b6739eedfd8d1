// Package transport moves replication traffic between cells and to witness
// clients. Stream wraps an io.Writer in frames, Receive reads them back, and
// Queue is the in-process variant used when both ends share a process.
package transport

import (
	"fmt"

	"github.com/danmuck/cellmesh/internal/delta"
	"github.com/danmuck/cellmesh/internal/ghost"
	"github.com/danmuck/cellmesh/internal/protocol/frame"
	"github.com/danmuck/cellmesh/internal/protocol/pathcodec"
	"github.com/danmuck/cellmesh/internal/protocol/schema"
	"github.com/danmuck/cellmesh/internal/protocol/tlv"
	"github.com/danmuck/cellmesh/internal/witness"
)

// Message is one decoded frame. Exactly one of Batch, Init and Drop is set,
// according to Type.
type Message struct {
	Type     uint8
	Session  [16]byte
	Sequence uint64
	Cell     string
	Batch    *delta.Batch
	Init     *ghost.Init
	Drop     *witness.DropEvent
}

func encodeBatch(msgType uint8, cell string, b delta.Batch) []byte {
	fields := make([]tlv.Field, 0, 3+len(b.Records))
	if msgType == schema.MsgGhostBatch {
		fields = append(fields, tlv.String(schema.FieldCell, cell))
	}
	fields = append(fields,
		tlv.U32(schema.FieldEntity, uint32(b.Entity)),
		tlv.U64(schema.FieldTick, b.Tick),
	)
	for _, rec := range b.Records {
		fields = append(fields, tlv.Group(schema.FieldRecord,
			tlv.U64(schema.FieldSeq, rec.Seq),
			tlv.U8(schema.FieldKind, uint8(rec.Kind)),
			tlv.Bytes(schema.FieldPayload, rec.Payload),
		))
	}
	return tlv.EncodeFields(fields)
}

func encodeInit(cell string, init ghost.Init) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldCell, cell),
		tlv.U32(schema.FieldEntity, uint32(init.Entity)),
		tlv.U16(schema.FieldTypeID, init.TypeID),
		tlv.U64(schema.FieldDigest, init.Digest),
		tlv.String(schema.FieldOwner, init.Owner),
		tlv.Bytes(schema.FieldState, init.State),
		tlv.U64(schema.FieldSeq, init.Seq),
	})
}

func encodeDrop(ev witness.DropEvent) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.U32(schema.FieldEntity, uint32(ev.Entity)),
		tlv.U64(schema.FieldTick, ev.Tick),
		tlv.String(schema.FieldReason, string(ev.Reason)),
		tlv.U32(schema.FieldRecords, uint32(ev.Records)),
	})
}

// Decode validates a frame payload against its message schema and decodes it.
func Decode(f frame.Frame) (Message, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, err
	}
	if err := schema.Validate(f.Header.Type, fields); err != nil {
		return Message{}, err
	}
	msg := Message{Type: f.Header.Type, Session: f.Header.Session, Sequence: f.Header.Sequence}
	if c, ok := tlv.Get(fields, schema.FieldCell); ok {
		if msg.Cell, err = c.AsString(); err != nil {
			return Message{}, err
		}
	}
	var d decoder
	entity := delta.EntityID(d.u32(fields, schema.FieldEntity))
	switch f.Header.Type {
	case schema.MsgWitnessBatch, schema.MsgGhostBatch:
		b := delta.Batch{Entity: entity, Tick: d.u64(fields, schema.FieldTick)}
		for _, rf := range tlv.All(fields, schema.FieldRecord) {
			inner, err := rf.AsGroup()
			if err != nil {
				return Message{}, err
			}
			payload := d.bytes(inner, schema.FieldPayload)
			b.Records = append(b.Records, delta.ChangeRecord{
				Entity:  entity,
				Seq:     d.u64(inner, schema.FieldSeq),
				Tick:    b.Tick,
				Kind:    pathcodec.ChangeKind(d.u8(inner, schema.FieldKind)),
				Payload: append([]byte(nil), payload...),
			})
		}
		msg.Batch = &b
	case schema.MsgGhostInit, schema.MsgHandoff:
		msg.Init = &ghost.Init{
			Entity: entity,
			TypeID: d.u16(fields, schema.FieldTypeID),
			Digest: d.u64(fields, schema.FieldDigest),
			Owner:  d.str(fields, schema.FieldOwner),
			State:  append([]byte(nil), d.bytes(fields, schema.FieldState)...),
			Seq:    d.u64(fields, schema.FieldSeq),
		}
	case schema.MsgDrop:
		msg.Drop = &witness.DropEvent{
			Entity:  entity,
			Tick:    d.u64(fields, schema.FieldTick),
			Reason:  witness.DropReason(d.str(fields, schema.FieldReason)),
			Records: int(d.u32(fields, schema.FieldRecords)),
		}
	}
	if d.err != nil {
		return Message{}, fmt.Errorf("transport: decode message type %d: %w", f.Header.Type, d.err)
	}
	return msg, nil
}

// decoder keeps the first accessor error so Decode reads straight through.
// Presence and types are already checked by the schema.
type decoder struct {
	err error
}

func (d *decoder) field(fields []tlv.Field, id uint16) tlv.Field {
	f, _ := tlv.Get(fields, id)
	return f
}

func (d *decoder) keep(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) u8(fields []tlv.Field, id uint16) uint8 {
	v, err := d.field(fields, id).AsU8()
	d.keep(err)
	return v
}

func (d *decoder) u16(fields []tlv.Field, id uint16) uint16 {
	v, err := d.field(fields, id).AsU16()
	d.keep(err)
	return v
}

func (d *decoder) u32(fields []tlv.Field, id uint16) uint32 {
	v, err := d.field(fields, id).AsU32()
	d.keep(err)
	return v
}

func (d *decoder) u64(fields []tlv.Field, id uint16) uint64 {
	v, err := d.field(fields, id).AsU64()
	d.keep(err)
	return v
}

func (d *decoder) str(fields []tlv.Field, id uint16) string {
	v, err := d.field(fields, id).AsString()
	d.keep(err)
	return v
}

func (d *decoder) bytes(fields []tlv.Field, id uint16) []byte {
	v, err := d.field(fields, id).AsBytes()
	d.keep(err)
	return v
}
