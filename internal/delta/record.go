package delta

import (
	"errors"
	"fmt"

	"github.com/danmuck/cellmesh/internal/bitstream"
	"github.com/danmuck/cellmesh/internal/property"
	"github.com/danmuck/cellmesh/internal/protocol/pathcodec"
)

// EntityID identifies a simulated entity process-wide.
type EntityID uint32

var (
	ErrContractViolation = errors.New("delta: contract violation")
	ErrNullTarget        = errors.New("delta: path continues into absent nullable value")
	ErrIndexOutOfRange   = errors.New("delta: path index out of range")
	ErrSliceTarget       = errors.New("delta: slice change must end at a variable sequence")
	ErrTrailingBytes     = errors.New("delta: payload has trailing bytes")
	ErrResyncRequired    = errors.New("delta: resync required")
)

// ChangeRecord is one encoded mutation. Payload is the complete wire form:
// path bits, slice bounds, padding and value bytes. The decoded fields are
// filled by the producer (Mutator) or the consumer (Applier) for routing and
// diagnostics; they are never serialized separately.
type ChangeRecord struct {
	Entity   EntityID
	Seq      uint64
	Tick     uint64
	Kind     pathcodec.ChangeKind
	Path     []int
	OldSlice pathcodec.Slice
	NewSlice pathcodec.Slice
	Payload  []byte
}

// Property is the top-level property index the record targets, -1 for a
// whole-entity overwrite.
func (r ChangeRecord) Property() int {
	if len(r.Path) == 0 {
		return -1
	}
	return r.Path[0]
}

func (r ChangeRecord) Size() int {
	return len(r.Payload)
}

// SamePath reports whether two records address the same node.
func (r ChangeRecord) SamePath(o ChangeRecord) bool {
	if r.Entity != o.Entity || len(r.Path) != len(o.Path) {
		return false
	}
	for i := range r.Path {
		if r.Path[i] != o.Path[i] {
			return false
		}
	}
	return true
}

func (r ChangeRecord) String() string {
	return fmt.Sprintf("entity=%d seq=%d kind=%s path=%v bytes=%d", r.Entity, r.Seq, r.Kind, r.Path, len(r.Payload))
}

// NeedsResync reports whether err left the target in an undefined state that
// only a full-state resend can repair.
func NeedsResync(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrResyncRequired) ||
		errors.Is(err, bitstream.ErrExhausted) ||
		errors.Is(err, ErrTrailingBytes) ||
		errors.Is(err, property.ErrBadPresence)
}

// IsContractViolation reports sender/receiver schema disagreement.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrContractViolation)
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrContractViolation):
		return err
	case errors.Is(err, pathcodec.ErrPathFinished),
		errors.Is(err, pathcodec.ErrPathOpen),
		errors.Is(err, pathcodec.ErrPathTooDeep),
		errors.Is(err, pathcodec.ErrIndexRange),
		errors.Is(err, pathcodec.ErrSliceRange),
		errors.Is(err, ErrNullTarget),
		errors.Is(err, ErrIndexOutOfRange),
		errors.Is(err, ErrSliceTarget),
		errors.Is(err, property.ErrValueMismatch):
		return fmt.Errorf("%w: %w", ErrContractViolation, err)
	}
	return err
}

// Batch is the unit handed to a transport: one entity's records for one
// consumer, in generation order.
type Batch struct {
	Entity  EntityID
	Tick    uint64
	Records []ChangeRecord
}

func (b Batch) Size() int {
	n := 0
	for _, r := range b.Records {
		n += len(r.Payload)
	}
	return n
}
