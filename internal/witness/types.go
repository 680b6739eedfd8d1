package witness

import (
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/cellmesh/internal/config"
	"github.com/danmuck/cellmesh/internal/delta"
)

var (
	ErrUnknownWitness   = errors.New("witness: unknown witness")
	ErrDuplicateWitness = errors.New("witness: witness already registered")
	ErrUnknownEntity    = errors.New("witness: entity has no position")
	ErrNilChannel       = errors.New("witness: nil channel")
)

// ID names a witness; transports use their session id.
type ID string

// Vec3 is a world position. Under spherical topology X is latitude and Y is
// longitude, both in degrees, and Z is ignored.
type Vec3 struct {
	X, Y, Z float64
}

// Channel queues a batch for delivery to one witness. It must not block; a
// returned error leaves the batch pending for a later tick.
type Channel interface {
	Enqueue(b delta.Batch) error
}

// DropNotifier is implemented by channels that can tell their client which
// pending records it will never receive. Notices are best effort.
type DropNotifier interface {
	SendDrop(ev DropEvent) error
}

type PairState uint8

const (
	StateIdle PairState = iota
	StatePending
	StateFlushed
	StateOutOfRange
)

func (s PairState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateFlushed:
		return "flushed"
	case StateOutOfRange:
		return "out_of_range"
	default:
		return fmt.Sprintf("pair_state(%d)", uint8(s))
	}
}

type DropReason string

const (
	DropOutOfRange    DropReason = "out_of_range"
	DropUnsubscribed  DropReason = "unsubscribed"
	DropEntityRemoved DropReason = "entity_removed"
)

// DropEvent accounts for pending records discarded on purpose.
type DropEvent struct {
	Witness ID
	Entity  delta.EntityID
	Reason  DropReason
	Records int
	Tick    uint64
}

// TickReport summarizes one scheduler tick.
type TickReport struct {
	Tick       uint64
	Batches    int
	Records    int
	Bytes      int
	Deferred   int
	Failed     int
	Suppressed int
	Drops      []DropEvent
}

// WitnessStatus is a read-only view for the admin surface.
type WitnessStatus struct {
	ID         ID      `json:"id"`
	Radius     float64 `json:"radius"`
	Pairs      int     `json:"pairs"`
	Pending    int     `json:"pending_records"`
	OutOfRange int     `json:"out_of_range"`
	Budget     float64 `json:"budget_bytes"`
	// LastFlush is the most recent tick any pair of the witness flushed.
	LastFlush uint64 `json:"last_flush_tick"`
}

// Distance measures in world units under the configured topology.
func Distance(cfg config.Cell, a, b Vec3) float64 {
	if cfg.Topology == config.TopologySpherical {
		return greatCircle(cfg.SphereRadius, a, b)
	}
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func greatCircle(radius float64, a, b Vec3) float64 {
	lat1, lat2 := a.X*math.Pi/180, b.X*math.Pi/180
	dLat := lat2 - lat1
	dLon := (b.Y - a.Y) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * radius * math.Asin(math.Min(1, math.Sqrt(h)))
}
