// Package witness decides, per tick, which entities' pending change records
// are flushed to which witness. Priority accumulates while a pair has
// unsent changes, faster for near entities, and the byte budget of each
// witness bounds how many eligible pairs flush in one tick.
//
// A Scheduler is owned by one cell tick goroutine and is not safe for
// concurrent use.
package witness

import (
	"fmt"
	"math"
	"sort"

	"github.com/danmuck/cellmesh/internal/config"
	"github.com/danmuck/cellmesh/internal/delta"
	"github.com/danmuck/cellmesh/internal/observability"
	"github.com/danmuck/cellmesh/internal/protocol/pathcodec"
	"github.com/rs/zerolog/log"
)

type pair struct {
	entity    delta.EntityID
	state     PairState
	priority  float64
	lastDelta float64
	pending   []delta.ChangeRecord
	lastFlush uint64
	distance  float64
}

type Witness struct {
	id     ID
	pos    Vec3
	radius float64
	ch     Channel
	pairs  map[delta.EntityID]*pair
	budget *budget
}

type Scheduler struct {
	cell      string
	cfg       config.Cell
	tick      uint64
	witnesses map[ID]*Witness
	order     []ID
	entities  map[delta.EntityID]Vec3

	suppressed int
}

// New validates the witness tunables of cfg.
func New(cell string, cfg config.Cell) (*Scheduler, error) {
	if err := cfg.ValidateWitness(); err != nil {
		return nil, fmt.Errorf("witness scheduler: %w", err)
	}
	return &Scheduler{
		cell:      cell,
		cfg:       cfg,
		witnesses: make(map[ID]*Witness),
		entities:  make(map[delta.EntityID]Vec3),
	}, nil
}

// AddWitness registers an observer. A radius <= 0 selects the default AoI
// radius; any radius is clamped to [MinAoIRadius, MaxAoIRadius].
func (s *Scheduler) AddWitness(id ID, pos Vec3, radius float64, ch Channel) error {
	if ch == nil {
		return ErrNilChannel
	}
	if _, ok := s.witnesses[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWitness, id)
	}
	if radius <= 0 {
		radius = s.cfg.DefaultAoIRadius
	}
	w := &Witness{
		id:     id,
		pos:    pos,
		radius: s.cfg.ClampAoIRadius(radius),
		ch:     ch,
		pairs:  make(map[delta.EntityID]*pair),
		budget: newBudget(s.cfg.WitnessBytesPerTick),
	}
	s.witnesses[id] = w
	s.order = append(s.order, id)
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	log.Debug().Str("cell", s.cell).Str("witness", string(id)).Float64("radius", w.radius).Msg("witness added")
	return nil
}

// RemoveWitness discards every pending record of the witness. Batches already
// handed to its channel are not recalled.
func (s *Scheduler) RemoveWitness(id ID) ([]DropEvent, error) {
	w, ok := s.witnesses[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWitness, id)
	}
	var drops []DropEvent
	for _, p := range w.sortedPairs() {
		if ev, dropped := s.drop(w, p, DropUnsubscribed); dropped {
			drops = append(drops, ev)
		}
	}
	delete(s.witnesses, id)
	for i, wid := range s.order {
		if wid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	log.Debug().Str("cell", s.cell).Str("witness", string(id)).Int("drops", len(drops)).Msg("witness removed")
	return drops, nil
}

func (s *Scheduler) SetWitnessPosition(id ID, pos Vec3) error {
	w, ok := s.witnesses[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWitness, id)
	}
	w.pos = pos
	return nil
}

func (s *Scheduler) SetAoIRadius(id ID, radius float64) error {
	w, ok := s.witnesses[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWitness, id)
	}
	w.radius = s.cfg.ClampAoIRadius(radius)
	return nil
}

func (s *Scheduler) SetEntityPosition(id delta.EntityID, pos Vec3) {
	s.entities[id] = pos
}

func (s *Scheduler) EntityPosition(id delta.EntityID) (Vec3, bool) {
	pos, ok := s.entities[id]
	return pos, ok
}

// RemoveEntity forgets an entity and drops whatever was pending for it.
func (s *Scheduler) RemoveEntity(id delta.EntityID) []DropEvent {
	delete(s.entities, id)
	var drops []DropEvent
	for _, wid := range s.order {
		w := s.witnesses[wid]
		p, ok := w.pairs[id]
		if !ok {
			continue
		}
		if ev, dropped := s.drop(w, p, DropEntityRemoved); dropped {
			drops = append(drops, ev)
		}
		delete(w.pairs, id)
	}
	return drops
}

// Enqueue offers a record to every witness. Witnesses that are out of range
// of the entity count it as suppressed and never see it.
func (s *Scheduler) Enqueue(rec delta.ChangeRecord) (suppressed int, err error) {
	pos, ok := s.entities[rec.Entity]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownEntity, rec.Entity)
	}
	for _, wid := range s.order {
		w := s.witnesses[wid]
		p := w.pairs[rec.Entity]
		if p == nil {
			p = &pair{entity: rec.Entity, state: StateIdle}
			w.pairs[rec.Entity] = p
			p.distance = Distance(s.cfg, w.pos, pos)
			if p.distance > w.radius {
				p.state = StateOutOfRange
			}
		}
		if p.state == StateOutOfRange {
			suppressed++
			s.suppressed++
			observability.RecordWitnessSuppressed(s.cell)
			continue
		}
		p.push(rec)
		p.state = StatePending
	}
	return suppressed, nil
}

// push appends in generation order. A SINGLE record that rewrites the same
// node as the queue tail replaces it.
func (p *pair) push(rec delta.ChangeRecord) {
	if n := len(p.pending); n > 0 {
		tail := p.pending[n-1]
		if tail.Kind == pathcodec.KindSingle && rec.Kind == pathcodec.KindSingle && tail.SamePath(rec) {
			p.pending[n-1] = rec
			return
		}
	}
	p.pending = append(p.pending, rec)
}

// Tick runs one scheduling round at the given tick.
func (s *Scheduler) Tick(tick uint64) TickReport {
	s.tick = tick
	report := TickReport{Tick: tick, Suppressed: s.suppressed}
	s.suppressed = 0
	for _, wid := range s.order {
		s.tickWitness(s.witnesses[wid], &report)
	}
	return report
}

func (s *Scheduler) tickWitness(w *Witness, report *TickReport) {
	var eligible []*pair
	for _, p := range w.sortedPairs() {
		if s.refreshRange(w, p, report) {
			continue
		}
		if p.state == StateFlushed {
			p.state = StateIdle
		}
		if p.state != StatePending {
			continue
		}
		p.priority += s.nextDelta(w, p)
		if p.priority >= s.cfg.WitnessMaxDelta {
			eligible = append(eligible, p)
		} else {
			report.Deferred++
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].priority != eligible[j].priority {
			return eligible[i].priority > eligible[j].priority
		}
		return eligible[i].entity < eligible[j].entity
	})

	for i, p := range eligible {
		if w.budget.available(s.tick) <= 0 {
			report.Deferred += len(eligible) - i
			return
		}
		batch := delta.Batch{Entity: p.entity, Tick: s.tick, Records: p.pending}
		if err := w.ch.Enqueue(batch); err != nil {
			report.Failed++
			log.Warn().
				Str("cell", s.cell).
				Str("witness", string(w.id)).
				Uint32("entity", uint32(p.entity)).
				Err(err).
				Msg("witness enqueue failed, records kept pending")
			continue
		}
		size := batch.Size()
		w.budget.spend(s.tick, size)
		p.pending = nil
		p.priority = 0
		p.state = StateFlushed
		p.lastFlush = s.tick
		report.Batches++
		report.Records += len(batch.Records)
		report.Bytes += size
		observability.RecordWitnessFlush(s.cell, len(batch.Records), size)
	}
}

// refreshRange applies AoI entry and exit. It reports true when the pair is
// (now) out of range.
func (s *Scheduler) refreshRange(w *Witness, p *pair, report *TickReport) bool {
	pos, ok := s.entities[p.entity]
	if !ok {
		return true
	}
	p.distance = Distance(s.cfg, w.pos, pos)
	inRange := p.distance <= w.radius
	switch {
	case !inRange && p.state != StateOutOfRange:
		if ev, dropped := s.drop(w, p, DropOutOfRange); dropped {
			report.Drops = append(report.Drops, ev)
		}
		p.state = StateOutOfRange
		return true
	case inRange && p.state == StateOutOfRange:
		// resume from the next generated change, not from history
		p.state = StateIdle
		p.priority = 0
		p.lastDelta = 0
		return false
	}
	return !inRange
}

// nextDelta blends linearly from MaxDelta at distance 0 to MinDelta at the
// AoI radius, then applies the growth throttle against the previous delta.
func (s *Scheduler) nextDelta(w *Witness, p *pair) float64 {
	minD, maxD := s.cfg.WitnessMinDelta, s.cfg.WitnessMaxDelta
	frac := 0.0
	if w.radius > 0 {
		frac = math.Min(1, math.Max(0, p.distance/w.radius))
	}
	d := maxD - (maxD-minD)*frac
	ceiling := math.Max(minD, p.lastDelta*s.cfg.WitnessGrowthThrottle)
	d = math.Min(d, math.Min(ceiling, maxD))
	p.lastDelta = d
	return d
}

func (s *Scheduler) drop(w *Witness, p *pair, reason DropReason) (DropEvent, bool) {
	n := len(p.pending)
	p.pending = nil
	p.priority = 0
	if n == 0 {
		return DropEvent{}, false
	}
	ev := DropEvent{Witness: w.id, Entity: p.entity, Reason: reason, Records: n, Tick: s.tick}
	observability.RecordWitnessDrop(s.cell, string(reason), n)
	log.Debug().
		Str("cell", s.cell).
		Str("witness", string(w.id)).
		Uint32("entity", uint32(p.entity)).
		Str("reason", string(reason)).
		Int("records", n).
		Msg("pending records dropped")
	if n, ok := w.ch.(DropNotifier); ok {
		if err := n.SendDrop(ev); err != nil {
			log.Warn().
				Str("cell", s.cell).
				Str("witness", string(w.id)).
				Uint32("entity", uint32(p.entity)).
				Err(err).
				Msg("drop notice not delivered")
		}
	}
	return ev, true
}

func (w *Witness) sortedPairs() []*pair {
	out := make([]*pair, 0, len(w.pairs))
	for _, p := range w.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entity < out[j].entity })
	return out
}

// PairState reports the scheduling state of one (witness, entity) pair.
func (s *Scheduler) PairState(id ID, entity delta.EntityID) (PairState, bool) {
	w, ok := s.witnesses[id]
	if !ok {
		return StateIdle, false
	}
	p, ok := w.pairs[entity]
	if !ok {
		return StateIdle, false
	}
	return p.state, true
}

// LastFlush reports the tick the pair last flushed, 0 if it never did.
func (s *Scheduler) LastFlush(id ID, entity delta.EntityID) (uint64, bool) {
	w, ok := s.witnesses[id]
	if !ok {
		return 0, false
	}
	p, ok := w.pairs[entity]
	if !ok {
		return 0, false
	}
	return p.lastFlush, true
}

// Pending reports how many records wait for the pair.
func (s *Scheduler) Pending(id ID, entity delta.EntityID) int {
	w, ok := s.witnesses[id]
	if !ok {
		return 0
	}
	if p, ok := w.pairs[entity]; ok {
		return len(p.pending)
	}
	return 0
}

func (s *Scheduler) Snapshot() []WitnessStatus {
	out := make([]WitnessStatus, 0, len(s.order))
	for _, wid := range s.order {
		w := s.witnesses[wid]
		st := WitnessStatus{ID: w.id, Radius: w.radius, Pairs: len(w.pairs), Budget: w.budget.available(s.tick)}
		for _, p := range w.pairs {
			st.Pending += len(p.pending)
			if p.state == StateOutOfRange {
				st.OutOfRange++
			}
			if p.lastFlush > st.LastFlush {
				st.LastFlush = p.lastFlush
			}
		}
		out = append(out, st)
	}
	return out
}
