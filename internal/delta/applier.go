package delta

import (
	"fmt"

	"github.com/danmuck/cellmesh/internal/bitstream"
	"github.com/danmuck/cellmesh/internal/observability"
	"github.com/danmuck/cellmesh/internal/property"
	"github.com/danmuck/cellmesh/internal/protocol/pathcodec"
	"github.com/rs/zerolog/log"
)

// Applier decodes change records against live entity state.
//
// Strict turns contract violations into panics; otherwise they are logged,
// counted and returned wrapped in ErrContractViolation.
type Applier struct {
	Strict    bool
	Component string
}

// Apply decodes rec.Payload against state and mutates it in place. The
// returned record carries the decoded path and slice bounds.
//
// Slice edits decode every inserted element before splicing. Other changes
// that fail on stream exhaustion may leave state partially written; callers
// check NeedsResync.
func (a *Applier) Apply(et *property.EntityType, state *property.CompositeValue, rec ChangeRecord) (ChangeRecord, error) {
	pr := pathcodec.NewReader(bitstream.NewReader(rec.Payload), et.MaxDepth())
	out := rec
	err := classify(a.apply(pr, et.Root(), state, &out))
	out.Path = pr.Path()
	if err != nil {
		a.report(rec, err)
		return out, err
	}
	return out, nil
}

func (a *Applier) report(rec ChangeRecord, err error) {
	if !IsContractViolation(err) {
		return
	}
	if a.Strict {
		panic(fmt.Sprintf("%s: %v", rec, err))
	}
	component := a.Component
	if component == "" {
		component = "delta"
	}
	observability.RecordContractViolation(component)
	log.Warn().
		Str("component", component).
		Uint32("entity", uint32(rec.Entity)).
		Uint64("seq", rec.Seq).
		Err(err).
		Msg("change record skipped")
}

func (a *Applier) apply(pr *pathcodec.Reader, t *property.Type, v property.Value, rec *ChangeRecord) error {
	switch t.Kind {
	case property.KindScalar, property.KindFixedSequence:
		if rec.Kind == pathcodec.KindSlice {
			return fmt.Errorf("%w: %s", ErrSliceTarget, t.Kind)
		}
		return overwrite(pr, t, v)

	case property.KindNullable:
		idx, err := pr.ReadNextIndex(1)
		if err != nil {
			return err
		}
		if idx == pathcodec.NoIndex {
			return a.terminal(pr, t, v, rec)
		}
		n := v.(*property.NullableValue)
		if n.Inner == nil {
			return ErrNullTarget
		}
		return a.apply(pr, t.Elem, n.Inner, rec)

	case property.KindComposite:
		c := v.(*property.CompositeValue)
		idx, err := pr.ReadNextIndex(len(t.Fields))
		if err != nil {
			return err
		}
		if idx == pathcodec.NoIndex {
			return a.terminal(pr, t, v, rec)
		}
		return a.apply(pr, t.Fields[idx].Type, c.Fields[idx], rec)

	case property.KindVariableSequence:
		s := v.(*property.SequenceValue)
		idx, err := pr.ReadNextIndex(len(s.Items))
		if err != nil {
			return err
		}
		if idx == pathcodec.NoIndex {
			if rec.Kind == pathcodec.KindSlice {
				return applySlice(pr, t, s, rec)
			}
			return overwrite(pr, t, v)
		}
		return a.apply(pr, t.Elem, s.Items[idx], rec)
	}
	return fmt.Errorf("%w: unknown kind %d", property.ErrInvalidType, t.Kind)
}

func (a *Applier) terminal(pr *pathcodec.Reader, t *property.Type, v property.Value, rec *ChangeRecord) error {
	if rec.Kind == pathcodec.KindSlice {
		return fmt.Errorf("%w: %s", ErrSliceTarget, t.Kind)
	}
	return overwrite(pr, t, v)
}

func overwrite(pr *pathcodec.Reader, t *property.Type, v property.Value) error {
	payload := pr.Payload()
	nv, err := property.DecodeValue(payload, t)
	if err != nil {
		return err
	}
	if n := payload.RemainingBytes(); n != 0 {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, n)
	}
	assign(v, nv)
	return nil
}

func applySlice(pr *pathcodec.Reader, t *property.Type, s *property.SequenceValue, rec *ChangeRecord) error {
	old, err := pr.ReadOldSlice(len(s.Items))
	if err != nil {
		return err
	}
	payload := pr.Payload()
	var inserted []property.Value
	for left := payload.RemainingBytes(); left > 0; left = payload.RemainingBytes() {
		item, err := property.DecodeValue(payload, t.Elem)
		if err != nil {
			return fmt.Errorf("slice item %d: %w", len(inserted), err)
		}
		if payload.RemainingBytes() == left {
			return fmt.Errorf("%w: %d after slice item %d consumed nothing", ErrTrailingBytes, left, len(inserted))
		}
		inserted = append(inserted, item)
	}
	rec.OldSlice = old
	rec.NewSlice = splice(s, old, inserted)
	return nil
}

// splice replaces s[old.First:old.Second] with items and returns the range
// they now occupy.
func splice(s *property.SequenceValue, old pathcodec.Slice, items []property.Value) pathcodec.Slice {
	next := make([]property.Value, 0, len(s.Items)-old.Len()+len(items))
	next = append(next, s.Items[:old.First]...)
	ns := pathcodec.Slice{First: old.First, Second: old.First}
	for _, item := range items {
		next = append(next, item)
		ns.Second++
	}
	next = append(next, s.Items[old.Second:]...)
	s.Items = next
	return ns
}

// assign copies src into the node dst points at, keeping dst's identity so
// parents need no rewiring.
func assign(dst, src property.Value) {
	switch d := dst.(type) {
	case *property.ScalarValue:
		d.V = src.(*property.ScalarValue).V
	case *property.SequenceValue:
		d.Items = src.(*property.SequenceValue).Items
	case *property.NullableValue:
		d.Inner = src.(*property.NullableValue).Inner
	case *property.CompositeValue:
		d.Fields = src.(*property.CompositeValue).Fields
	}
}
