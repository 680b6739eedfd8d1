package delta

import (
	"fmt"

	"github.com/danmuck/cellmesh/internal/property"
	"github.com/danmuck/cellmesh/internal/protocol/pathcodec"
)

// Mutator is the authoritative write path for one REAL entity. Each call
// encodes a record, applies it to the owned state through the same decoder
// every receiver runs, and queues it in generation order.
type Mutator struct {
	entity  EntityID
	et      *property.EntityType
	state   *property.CompositeValue
	applier Applier
	seq     uint64
	tick    uint64
	pending []ChangeRecord
}

// NewMutator continues the sequence after lastSeq, so an entity taken over
// from a ghost keeps numbering where the old owner stopped.
func NewMutator(id EntityID, et *property.EntityType, state *property.CompositeValue, lastSeq uint64) *Mutator {
	return &Mutator{
		entity:  id,
		et:      et,
		state:   state,
		applier: Applier{Component: "mutator"},
		seq:     lastSeq,
	}
}

func (m *Mutator) SetTick(tick uint64) {
	m.tick = tick
}

// Seq is the sequence number of the last emitted record.
func (m *Mutator) Seq() uint64 {
	return m.seq
}

func (m *Mutator) State() *property.CompositeValue {
	return m.state
}

// Set overwrites the node at path with v.
func (m *Mutator) Set(path []int, v property.Value) error {
	w := pathcodec.NewWriter()
	target, _, err := m.walk(w, path)
	if err != nil {
		return err
	}
	if target.Indexable() {
		w.Finish()
	}
	if err := property.Conforms(target, v); err != nil {
		return fmt.Errorf("%w: %w", ErrContractViolation, err)
	}
	body, err := property.EncodeValue(target, v)
	if err != nil {
		return err
	}
	return m.emit(pathcodec.KindSingle, w.Bytes(body))
}

// SetSlice replaces [first, second) of the variable sequence at path with items.
func (m *Mutator) SetSlice(path []int, first, second int, items ...property.Value) error {
	w := pathcodec.NewWriter()
	target, node, err := m.walk(w, path)
	if err != nil {
		return err
	}
	if target.Kind != property.KindVariableSequence {
		return fmt.Errorf("%w: %w: %s", ErrContractViolation, ErrSliceTarget, target.Kind)
	}
	w.Finish()
	n := len(node.(*property.SequenceValue).Items)
	if err := w.WriteOldSlice(pathcodec.Slice{First: first, Second: second}, n); err != nil {
		return fmt.Errorf("%w: %w", ErrContractViolation, err)
	}
	var body []byte
	for i, item := range items {
		if body, err = property.AppendValue(body, target.Elem, item); err != nil {
			return fmt.Errorf("slice item %d: %w", i, err)
		}
	}
	return m.emit(pathcodec.KindSlice, w.Bytes(body))
}

// Replay re-issues an already encoded change under this entity's sequence,
// for records that reach the owner through some other path.
func (m *Mutator) Replay(kind pathcodec.ChangeKind, payload []byte) error {
	return m.emit(kind, payload)
}

// walk writes the path indices and returns the target node's type and value.
func (m *Mutator) walk(w *pathcodec.Writer, path []int) (*property.Type, property.Value, error) {
	t := m.et.Root()
	var v property.Value = m.state
	for depth, idx := range path {
		switch t.Kind {
		case property.KindComposite:
			if err := w.WriteNextIndex(idx, len(t.Fields)); err != nil {
				return nil, nil, m.pathErr(path, depth, err)
			}
			v = v.(*property.CompositeValue).Fields[idx]
			t = t.Fields[idx].Type
		case property.KindVariableSequence:
			items := v.(*property.SequenceValue).Items
			if err := w.WriteNextIndex(idx, len(items)); err != nil {
				return nil, nil, m.pathErr(path, depth, err)
			}
			v = items[idx]
			t = t.Elem
		case property.KindNullable:
			if err := w.WriteNextIndex(idx, 1); err != nil {
				return nil, nil, m.pathErr(path, depth, err)
			}
			inner := v.(*property.NullableValue).Inner
			if inner == nil {
				return nil, nil, fmt.Errorf("%w: %w: path=%v depth=%d", ErrContractViolation, ErrNullTarget, path, depth)
			}
			v = inner
			t = t.Elem
		default:
			return nil, nil, fmt.Errorf("%w: %w: %s at depth %d is not addressable", ErrContractViolation, ErrIndexOutOfRange, t.Kind, depth)
		}
	}
	return t, v, nil
}

func (m *Mutator) pathErr(path []int, depth int, err error) error {
	return fmt.Errorf("%w: %w: path=%v depth=%d: %w", ErrContractViolation, ErrIndexOutOfRange, path, depth, err)
}

func (m *Mutator) emit(kind pathcodec.ChangeKind, payload []byte) error {
	rec := ChangeRecord{
		Entity:  m.entity,
		Seq:     m.seq + 1,
		Tick:    m.tick,
		Kind:    kind,
		Payload: payload,
	}
	applied, err := m.applier.Apply(m.et, m.state, rec)
	if err != nil {
		return err
	}
	m.seq = applied.Seq
	m.pending = append(m.pending, applied)
	return nil
}

// Drain hands over the records emitted since the last call.
func (m *Mutator) Drain() []ChangeRecord {
	out := m.pending
	m.pending = nil
	return out
}
