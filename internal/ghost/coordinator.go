package ghost

import (
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/cellmesh/internal/config"
	"github.com/danmuck/cellmesh/internal/delta"
	"github.com/danmuck/cellmesh/internal/observability"
	"github.com/danmuck/cellmesh/internal/property"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// maxBuffered bounds out-of-order updates held per ghost; past it the gap is
// not going to close and the ghost needs a fresh Init.
const maxBuffered = 1024

// Coordinator holds the ghost and real records of one cell. It is owned by
// the cell tick goroutine and is not safe for concurrent use.
type Coordinator struct {
	cell       string
	cfg        config.Cell
	registry   *property.Registry
	applier    delta.Applier
	records    map[delta.EntityID]*Record
	cursor     delta.EntityID
	tombstones *lru.Cache[delta.EntityID, uint64]
	stats      Stats
}

func New(cell string, cfg config.Cell, registry *property.Registry) (*Coordinator, error) {
	if err := cfg.ValidateGhosts(); err != nil {
		return nil, fmt.Errorf("ghost coordinator: %w", err)
	}
	tombs, err := lru.New[delta.EntityID, uint64](cfg.GhostTombstones)
	if err != nil {
		return nil, fmt.Errorf("ghost coordinator: %w", err)
	}
	return &Coordinator{
		cell:       cell,
		cfg:        cfg,
		registry:   registry,
		applier:    delta.Applier{Strict: cfg.StrictContracts, Component: "ghost"},
		records:    make(map[delta.EntityID]*Record),
		tombstones: tombs,
	}, nil
}

// AdoptGhost creates a GHOST record from an owner's Init. A record that
// needs resync is replaced.
func (c *Coordinator) AdoptGhost(init Init) error {
	if r, ok := c.records[init.Entity]; ok && !(r.Authority == AuthorityGhost && r.Resync) {
		return fmt.Errorf("%w: %d (%s)", ErrEntityExists, init.Entity, r.Authority)
	}
	et, state, err := decodeInit(c.registry, init)
	if err != nil {
		return err
	}
	c.records[init.Entity] = &Record{
		Entity:    init.Entity,
		Type:      et,
		State:     state,
		Authority: AuthorityGhost,
		Owner:     init.Owner,
		LastSeq:   init.Seq,
		buffered:  make(map[uint64]delta.ChangeRecord),
	}
	c.tombstones.Remove(init.Entity)
	log.Debug().
		Str("cell", c.cell).
		Uint32("entity", uint32(init.Entity)).
		Str("owner", init.Owner).
		Uint64("seq", init.Seq).
		Msg("ghost adopted")
	return nil
}

// RegisterReal creates a REAL record for an entity created on this cell.
func (c *Coordinator) RegisterReal(id delta.EntityID, et *property.EntityType, state *property.CompositeValue) error {
	if _, ok := c.records[id]; ok {
		return fmt.Errorf("%w: %d", ErrEntityExists, id)
	}
	if state == nil {
		state = et.NewState()
	}
	if err := property.Conforms(et.Root(), state); err != nil {
		return err
	}
	c.records[id] = &Record{
		Entity:    id,
		Type:      et,
		State:     state,
		Authority: AuthorityReal,
		Owner:     c.cell,
		haunts:    make(map[string]Channel),
		mutator:   delta.NewMutator(id, et, state, 0),
	}
	return nil
}

// ApplyGhostUpdate applies one record from the owner and returns every record
// that took effect, which includes buffered successors the record unblocked.
// Duplicates are dropped, records past a gap wait for it to fill, and nothing
// is applied while the record is transitioning. A record that violates the
// schema contract is reported in the returned error and skipped.
func (c *Coordinator) ApplyGhostUpdate(id delta.EntityID, rec delta.ChangeRecord) ([]delta.ChangeRecord, error) {
	r, ok := c.records[id]
	if !ok {
		if _, dead := c.tombstones.Get(id); dead {
			c.count("stale")
			c.stats.Stale++
			return nil, fmt.Errorf("%w: %d seq=%d", ErrStaleUpdate, id, rec.Seq)
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	switch r.Authority {
	case AuthorityTransitioning:
		c.stats.RejectedTransition++
		c.count("rejected_transition")
		log.Warn().
			Str("cell", c.cell).
			Uint32("entity", uint32(id)).
			Uint64("seq", rec.Seq).
			Msg("ghost update rejected during offload")
		return nil, fmt.Errorf("%w: %d seq=%d", ErrAuthorityTransition, id, rec.Seq)
	case AuthorityReal:
		return nil, fmt.Errorf("%w: %d", ErrNotGhost, id)
	}
	if r.Resync {
		return nil, fmt.Errorf("%w: %d", delta.ErrResyncRequired, id)
	}

	switch {
	case rec.Seq <= r.LastSeq:
		c.stats.Duplicates++
		c.count("duplicate")
		return nil, nil
	case rec.Seq > r.LastSeq+1:
		if len(r.buffered) >= maxBuffered {
			r.Resync = true
			return nil, fmt.Errorf("%w: %d gap at seq=%d", delta.ErrResyncRequired, id, r.LastSeq+1)
		}
		r.buffered[rec.Seq] = rec
		c.stats.Buffered++
		c.count("buffered")
		return nil, nil
	}

	var out []delta.ChangeRecord
	var errs []error
	for {
		applied, err := c.applyInOrder(r, rec)
		switch {
		case err == nil:
			out = append(out, applied)
		case r.Resync:
			return out, errors.Join(append(errs, err)...)
		default:
			errs = append(errs, err)
		}
		next, ok := r.buffered[r.LastSeq+1]
		if !ok {
			return out, errors.Join(errs...)
		}
		delete(r.buffered, next.Seq)
		rec = next
	}
}

// applyInOrder applies the next record of the stream. A contract violation
// is detected before any state is written, so the record is skipped and the
// stream moves past it; any other failure may have left partial state and
// marks the ghost for resync.
func (c *Coordinator) applyInOrder(r *Record, rec delta.ChangeRecord) (delta.ChangeRecord, error) {
	rec.Entity = r.Entity
	applied, err := c.applier.Apply(r.Type, r.State, rec)
	if err != nil {
		c.stats.Failed++
		c.count("failed")
		if delta.IsContractViolation(err) {
			r.LastSeq = rec.Seq
			return rec, err
		}
		r.Resync = true
		return rec, err
	}
	r.LastSeq = rec.Seq
	c.stats.Applied++
	c.count("applied")
	return applied, nil
}

// Offload starts taking authority: GHOST -> TRANSITIONING. Buffered
// out-of-order updates are discarded; the new state arrives with the handoff.
func (c *Coordinator) Offload(id delta.EntityID) error {
	r, err := c.transition(id, AuthorityGhost, AuthorityTransitioning)
	if err != nil {
		return err
	}
	if n := len(r.buffered); n > 0 {
		c.stats.DroppedOnOffload += uint64(n)
		r.buffered = make(map[uint64]delta.ChangeRecord)
	}
	return nil
}

// OnOffloadComplete finishes the handoff: TRANSITIONING -> REAL. A non-nil
// handoff replaces the ghost's state with the full state the old owner sent.
func (c *Coordinator) OnOffloadComplete(id delta.EntityID, handoff *Init) error {
	r, ok := c.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	if r.Authority != AuthorityTransitioning {
		return fmt.Errorf("%w: %d %s -> %s", ErrInvalidTransition, id, r.Authority, AuthorityReal)
	}
	if handoff != nil {
		et, state, err := decodeInit(c.registry, *handoff)
		if err != nil {
			return err
		}
		r.Type, r.State, r.LastSeq = et, state, handoff.Seq
	}
	if _, err := c.transition(id, AuthorityTransitioning, AuthorityReal); err != nil {
		return err
	}
	r.Owner = c.cell
	r.Resync = false
	r.buffered = nil
	r.haunts = make(map[string]Channel)
	r.mutator = delta.NewMutator(id, r.Type, r.State, r.LastSeq)
	return nil
}

// ReleaseAuthority hands a REAL entity to newOwner: REAL -> GHOST here, and
// the returned Init is what the new owner completes its offload with.
func (c *Coordinator) ReleaseAuthority(id delta.EntityID, newOwner string) (Init, error) {
	r, ok := c.records[id]
	if !ok {
		return Init{}, fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	if r.Authority != AuthorityReal {
		return Init{}, fmt.Errorf("%w: %d", ErrNotReal, id)
	}
	init, err := NewInit(id, r.Type, r.State, newOwner, r.LastSeq)
	if err != nil {
		return Init{}, err
	}
	if _, err := c.transition(id, AuthorityReal, AuthorityGhost); err != nil {
		return Init{}, err
	}
	r.Owner = newOwner
	r.mutator = nil
	r.haunts = nil
	r.buffered = make(map[uint64]delta.ChangeRecord)
	return init, nil
}

func (c *Coordinator) transition(id delta.EntityID, from, to Authority) (*Record, error) {
	r, ok := c.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	if r.Authority != from {
		return nil, fmt.Errorf("%w: %d %s -> %s", ErrInvalidTransition, id, r.Authority, to)
	}
	r.Authority = to
	observability.RecordAuthorityTransition(c.cell, string(from), string(to))
	log.Info().
		Str("cell", c.cell).
		Uint32("entity", uint32(id)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("authority transition")
	return r, nil
}

// Write runs fn against the entity's authoritative mutator and returns the
// records it produced, in generation order.
func (c *Coordinator) Write(id delta.EntityID, tick uint64, fn func(m *delta.Mutator) error) ([]delta.ChangeRecord, error) {
	r, err := c.real(id)
	if err != nil {
		return nil, err
	}
	r.mutator.SetTick(tick)
	ferr := fn(r.mutator)
	// records emitted before a failure are already applied and must still flow
	return r.mutator.Drain(), ferr
}

// ApplyAuthoritative replays an encoded record against a REAL entity. This
// is how an update rejected during the transition gets applied once this
// cell owns the entity.
func (c *Coordinator) ApplyAuthoritative(id delta.EntityID, tick uint64, rec delta.ChangeRecord) ([]delta.ChangeRecord, error) {
	return c.Write(id, tick, func(m *delta.Mutator) error {
		return m.Replay(rec.Kind, rec.Payload)
	})
}

func (c *Coordinator) real(id delta.EntityID) (*Record, error) {
	r, ok := c.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	if r.Authority != AuthorityReal {
		return nil, fmt.Errorf("%w: %d (%s)", ErrNotReal, id, r.Authority)
	}
	return r, nil
}

// AddHaunt starts ghosting a REAL entity onto a neighbor cell and returns the
// Init the neighbor adopts.
func (c *Coordinator) AddHaunt(id delta.EntityID, cell string, ch Channel) (Init, error) {
	if ch == nil {
		return Init{}, ErrNilChannel
	}
	r, err := c.real(id)
	if err != nil {
		return Init{}, err
	}
	if _, ok := r.haunts[cell]; ok {
		return Init{}, fmt.Errorf("%w: %d already haunts %s", ErrEntityExists, id, cell)
	}
	init, err := NewInit(id, r.Type, r.State, c.cell, r.LastSeq)
	if err != nil {
		return Init{}, err
	}
	r.haunts[cell] = ch
	return init, nil
}

func (c *Coordinator) RemoveHaunt(id delta.EntityID, cell string) error {
	r, err := c.real(id)
	if err != nil {
		return err
	}
	delete(r.haunts, cell)
	return nil
}

// Propagate forwards the ghosted subset of recs to every haunt. The ghost
// stream is numbered separately from the mutator so that skipping
// client-only properties leaves no gaps on the neighbors.
func (c *Coordinator) Propagate(id delta.EntityID, tick uint64, recs []delta.ChangeRecord) error {
	r, err := c.real(id)
	if err != nil {
		return err
	}
	var out []delta.ChangeRecord
	for _, rec := range recs {
		if !ghosted(r.Type, rec) {
			continue
		}
		r.LastSeq++
		rec.Seq = r.LastSeq
		out = append(out, rec)
	}
	if len(out) == 0 || len(r.haunts) == 0 {
		return nil
	}
	cells := make([]string, 0, len(r.haunts))
	for cell := range r.haunts {
		cells = append(cells, cell)
	}
	sort.Strings(cells)
	var errs []error
	batch := delta.Batch{Entity: id, Tick: tick, Records: out}
	for _, cell := range cells {
		if err := r.haunts[cell].Enqueue(batch); err != nil {
			log.Warn().
				Str("cell", c.cell).
				Str("haunt", cell).
				Uint32("entity", uint32(id)).
				Err(err).
				Msg("ghost propagation failed")
			errs = append(errs, fmt.Errorf("haunt %s: %w", cell, err))
		}
	}
	return errors.Join(errs...)
}

func ghosted(et *property.EntityType, rec delta.ChangeRecord) bool {
	prop := rec.Property()
	if prop < 0 {
		return true
	}
	flags, ok := et.PropertyFlags(prop)
	return ok && flags&property.FlagGhosted != 0
}

// DeleteGhost forgets a ghost. Its last sequence is remembered so updates
// still in flight are counted as stale instead of unknown.
func (c *Coordinator) DeleteGhost(id delta.EntityID) error {
	r, ok := c.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	if r.Authority == AuthorityReal {
		return fmt.Errorf("%w: %d", ErrNotGhost, id)
	}
	delete(c.records, id)
	c.tombstones.Add(id, r.LastSeq)
	return nil
}

// Tick consults policy every GhostCheckPeriod ticks for at most
// MaxGhostsPerTick ghosts, resuming where the previous check stopped.
func (c *Coordinator) Tick(tick uint64, policy OffloadPolicy) TickReport {
	report := TickReport{Tick: tick}
	if policy == nil || tick%c.cfg.GhostCheckPeriod != 0 {
		return report
	}
	ids := c.ghostIDs()
	if len(ids) == 0 {
		return report
	}
	start := sort.Search(len(ids), func(i int) bool { return ids[i] >= c.cursor })
	for i := 0; i < len(ids) && report.Checked < c.cfg.MaxGhostsPerTick; i++ {
		id := ids[(start+i)%len(ids)]
		r := c.records[id]
		report.Checked++
		c.cursor = id + 1
		switch policy.Decide(r.status()) {
		case Onload:
			if err := c.Offload(id); err != nil {
				log.Warn().Str("cell", c.cell).Uint32("entity", uint32(id)).Err(err).Msg("offload failed")
				continue
			}
			report.Onloaded = append(report.Onloaded, id)
		case Delete:
			if err := c.DeleteGhost(id); err == nil {
				report.Deleted = append(report.Deleted, id)
			}
		}
	}
	return report
}

func (c *Coordinator) ghostIDs() []delta.EntityID {
	ids := make([]delta.EntityID, 0, len(c.records))
	for id, r := range c.records {
		if r.Authority == AuthorityGhost {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Coordinator) count(outcome string) {
	observability.RecordGhostUpdate(c.cell, outcome)
}

func (c *Coordinator) Lookup(id delta.EntityID) (*Record, bool) {
	r, ok := c.records[id]
	return r, ok
}

func (c *Coordinator) Status(id delta.EntityID) (Status, bool) {
	r, ok := c.records[id]
	if !ok {
		return Status{}, false
	}
	return r.status(), true
}

func (c *Coordinator) Snapshot() []Status {
	out := make([]Status, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Reals lists REAL entity ids in ascending order.
func (c *Coordinator) Reals() []delta.EntityID {
	ids := make([]delta.EntityID, 0, len(c.records))
	for id, r := range c.records {
		if r.Authority == AuthorityReal {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Coordinator) Stats() Stats {
	return c.stats
}
