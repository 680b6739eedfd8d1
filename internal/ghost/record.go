package ghost

import (
	"errors"
	"fmt"

	"github.com/danmuck/cellmesh/internal/bitstream"
	"github.com/danmuck/cellmesh/internal/delta"
	"github.com/danmuck/cellmesh/internal/property"
)

var (
	ErrUnknownEntity       = errors.New("ghost: unknown entity")
	ErrEntityExists        = errors.New("ghost: entity already present")
	ErrSchemaMismatch      = errors.New("ghost: schema digest mismatch")
	ErrAuthorityTransition = errors.New("ghost: update rejected during authority transition")
	ErrNotGhost            = errors.New("ghost: entity is not a ghost")
	ErrNotReal             = errors.New("ghost: entity is not real")
	ErrInvalidTransition   = errors.New("ghost: invalid authority transition")
	ErrStaleUpdate         = errors.New("ghost: update for deleted ghost")
	ErrNilChannel          = errors.New("ghost: nil channel")
)

// Authority is the explicit per-entity authority state.
type Authority string

const (
	AuthorityGhost         Authority = "ghost"
	AuthorityTransitioning Authority = "transitioning"
	AuthorityReal          Authority = "real"
)

// Channel queues ghost traffic to one neighbor cell without blocking.
type Channel interface {
	Enqueue(b delta.Batch) error
}

// Init is everything a neighbor needs to create a ghost, or a new owner needs
// to take over: the type, its digest, the full encoded state and the ghost
// stream position that state reflects.
type Init struct {
	Entity delta.EntityID
	TypeID uint16
	Digest uint64
	Owner  string
	State  []byte
	Seq    uint64
}

// NewInit encodes state for adoption on another cell.
func NewInit(id delta.EntityID, et *property.EntityType, state *property.CompositeValue, owner string, seq uint64) (Init, error) {
	buf, err := property.EncodeValue(et.Root(), state)
	if err != nil {
		return Init{}, fmt.Errorf("encode init state: %w", err)
	}
	return Init{Entity: id, TypeID: et.ID, Digest: et.Digest(), Owner: owner, State: buf, Seq: seq}, nil
}

func decodeInit(reg *property.Registry, init Init) (*property.EntityType, *property.CompositeValue, error) {
	et, err := reg.Lookup(init.TypeID)
	if err != nil {
		return nil, nil, err
	}
	if et.Digest() != init.Digest {
		return nil, nil, fmt.Errorf("%w: type=%s have=%016x got=%016x", ErrSchemaMismatch, et.Name, et.Digest(), init.Digest)
	}
	r := bitstream.NewReader(init.State)
	v, err := property.DecodeValue(r, et.Root())
	if err != nil {
		return nil, nil, fmt.Errorf("decode init state: %w", err)
	}
	if r.RemainingBytes() != 0 {
		return nil, nil, fmt.Errorf("decode init state: %w", delta.ErrTrailingBytes)
	}
	return et, v.(*property.CompositeValue), nil
}

// Record is one entity known to this cell.
type Record struct {
	Entity    delta.EntityID
	Type      *property.EntityType
	State     *property.CompositeValue
	Authority Authority
	Owner     string
	// LastSeq is the ghost stream position: last applied on a ghost, last
	// propagated on a real.
	LastSeq uint64
	Resync  bool

	buffered map[uint64]delta.ChangeRecord
	haunts   map[string]Channel
	mutator  *delta.Mutator
}

// Status is a read-only view of a record.
type Status struct {
	Entity    delta.EntityID `json:"entity"`
	Type      string         `json:"type"`
	Authority Authority      `json:"authority"`
	Owner     string         `json:"owner"`
	LastSeq   uint64         `json:"last_seq"`
	Buffered  int            `json:"buffered"`
	Haunts    int            `json:"haunts"`
	Resync    bool           `json:"resync"`
}

func (r *Record) status() Status {
	return Status{
		Entity:    r.Entity,
		Type:      r.Type.Name,
		Authority: r.Authority,
		Owner:     r.Owner,
		LastSeq:   r.LastSeq,
		Buffered:  len(r.buffered),
		Haunts:    len(r.haunts),
		Resync:    r.Resync,
	}
}

// Stats counts update outcomes since the coordinator started.
type Stats struct {
	Applied            uint64 `json:"applied"`
	Duplicates         uint64 `json:"duplicates"`
	Buffered           uint64 `json:"buffered"`
	RejectedTransition uint64 `json:"rejected_transition"`
	DroppedOnOffload   uint64 `json:"dropped_on_offload"`
	Stale              uint64 `json:"stale"`
	Failed             uint64 `json:"failed"`
}

// Decision is an OffloadPolicy verdict for one ghost.
type Decision uint8

const (
	Keep Decision = iota
	Onload
	Delete
)

// OffloadPolicy decides, from distance thresholds the coordinator does not
// know about, whether a ghost should become real here or be dropped.
type OffloadPolicy interface {
	Decide(s Status) Decision
}

type PolicyFunc func(s Status) Decision

func (f PolicyFunc) Decide(s Status) Decision {
	return f(s)
}

// TickReport summarizes one ghost check.
type TickReport struct {
	Tick     uint64
	Checked  int
	Onloaded []delta.EntityID
	Deleted  []delta.EntityID
}
