// Package cell runs one spatial cell: a witness scheduler and a ghost
// coordinator driven from a single tick goroutine.
//
// Ownership boundary:
// - cell owns the tick counter and the order of work inside a tick
//
// - witness owns per-observer flush decisions
//
// - ghost owns authority and the ghost streams to and from neighbors
//
// Everything except Snapshot and Do must be called from the goroutine that
// runs Tick (or Run).
package cell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/cellmesh/internal/config"
	"github.com/danmuck/cellmesh/internal/delta"
	"github.com/danmuck/cellmesh/internal/ghost"
	"github.com/danmuck/cellmesh/internal/observability"
	"github.com/danmuck/cellmesh/internal/property"
	"github.com/danmuck/cellmesh/internal/witness"
	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("cell: not running")

// BackupSink receives the REAL entities whose periodic backup is due.
type BackupSink interface {
	BackupDue(tick uint64, entities []delta.EntityID)
}

type BackupFunc func(tick uint64, entities []delta.EntityID)

func (f BackupFunc) BackupDue(tick uint64, entities []delta.EntityID) {
	f(tick, entities)
}

// Report is the outcome of one cell tick.
type Report struct {
	Tick     uint64
	Witness  witness.TickReport
	Ghost    ghost.TickReport
	Backups  []delta.EntityID
	Duration time.Duration
}

// Snapshot is the state published at the end of each tick for readers on
// other goroutines.
type Snapshot struct {
	Cell      string                  `json:"cell"`
	Tick      uint64                  `json:"tick"`
	Witnesses []witness.WitnessStatus `json:"witnesses"`
	Entities  []ghost.Status          `json:"entities"`
	Stats     ghost.Stats             `json:"ghost_stats"`
	LastTick  TickSummary             `json:"last_tick"`
}

type TickSummary struct {
	Batches    int           `json:"batches"`
	Records    int           `json:"records"`
	Bytes      int           `json:"bytes"`
	Deferred   int           `json:"deferred"`
	Drops      int           `json:"drops"`
	Onloaded   int           `json:"onloaded"`
	Deleted    int           `json:"deleted"`
	Backups    int           `json:"backups"`
	Duration   time.Duration `json:"duration_ns"`
	Suppressed int           `json:"suppressed"`
}

type Option func(*Cell)

func WithOffloadPolicy(p ghost.OffloadPolicy) Option {
	return func(c *Cell) { c.policy = p }
}

func WithBackupSink(s BackupSink) Option {
	return func(c *Cell) { c.backups = s }
}

type Cell struct {
	id        string
	cfg       config.Cell
	registry  *property.Registry
	scheduler *witness.Scheduler
	ghosts    *ghost.Coordinator
	policy    ghost.OffloadPolicy
	backups   BackupSink
	tick      uint64

	ops chan func()

	mu   sync.RWMutex
	snap Snapshot
}

// New validates cfg and builds the cell's scheduler and coordinator.
func New(cfg config.Cell, registry *property.Registry, opts ...Option) (*Cell, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sched, err := witness.New(cfg.ID, cfg)
	if err != nil {
		return nil, err
	}
	ghosts, err := ghost.New(cfg.ID, cfg, registry)
	if err != nil {
		return nil, err
	}
	c := &Cell{
		id:        cfg.ID,
		cfg:       cfg,
		registry:  registry,
		scheduler: sched,
		ghosts:    ghosts,
		ops:       make(chan func()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.publish(Report{})
	return c, nil
}

func (c *Cell) ID() string {
	return c.id
}

func (c *Cell) Config() config.Cell {
	return c.cfg
}

func (c *Cell) Registry() *property.Registry {
	return c.registry
}

// CurrentTick is the last completed tick.
func (c *Cell) CurrentTick() uint64 {
	return c.tick
}

// Spawn creates a REAL entity at pos. A nil state starts from zero values.
func (c *Cell) Spawn(id delta.EntityID, typeID uint16, state *property.CompositeValue, pos witness.Vec3) error {
	et, err := c.registry.Lookup(typeID)
	if err != nil {
		return err
	}
	if err := c.ghosts.RegisterReal(id, et, state); err != nil {
		return err
	}
	c.scheduler.SetEntityPosition(id, pos)
	return nil
}

// Move updates an entity position; range checks see it on the next tick.
func (c *Cell) Move(id delta.EntityID, pos witness.Vec3) error {
	if _, ok := c.ghosts.Lookup(id); !ok {
		return fmt.Errorf("%w: %d", ghost.ErrUnknownEntity, id)
	}
	c.scheduler.SetEntityPosition(id, pos)
	return nil
}

// Mutate runs fn against a REAL entity. Client visible records go to the
// witnesses, ghosted records to the haunts.
func (c *Cell) Mutate(id delta.EntityID, fn func(m *delta.Mutator) error) ([]delta.ChangeRecord, error) {
	recs, err := c.ghosts.Write(id, c.tick+1, fn)
	if len(recs) == 0 {
		return nil, err
	}
	r, _ := c.ghosts.Lookup(id)
	errs := []error{err, c.offerWitnesses(r.Type, recs)}
	errs = append(errs, c.ghosts.Propagate(id, c.tick+1, recs))
	return recs, errors.Join(errs...)
}

func (c *Cell) offerWitnesses(et *property.EntityType, recs []delta.ChangeRecord) error {
	var errs []error
	for _, rec := range recs {
		if !visible(et, rec) {
			continue
		}
		if _, err := c.scheduler.Enqueue(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func visible(et *property.EntityType, rec delta.ChangeRecord) bool {
	prop := rec.Property()
	if prop < 0 {
		return true
	}
	flags, ok := et.PropertyFlags(prop)
	return ok && flags&property.FlagClientVisible != 0
}

// AdoptGhost accepts an Init from the owning neighbor.
func (c *Cell) AdoptGhost(init ghost.Init, pos witness.Vec3) error {
	if err := c.ghosts.AdoptGhost(init); err != nil {
		return err
	}
	c.scheduler.SetEntityPosition(init.Entity, pos)
	return nil
}

// ApplyGhostUpdates applies one batch from the owner. Records that take
// effect are offered to local witnesses like any other change.
func (c *Cell) ApplyGhostUpdates(b delta.Batch) error {
	r, ok := c.ghosts.Lookup(b.Entity)
	var errs []error
	for _, rec := range b.Records {
		applied, err := c.ghosts.ApplyGhostUpdate(b.Entity, rec)
		if len(applied) > 0 {
			errs = append(errs, c.offerWitnesses(r.Type, applied))
		}
		if err != nil {
			errs = append(errs, err)
			if delta.NeedsResync(err) || !ok {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Offload begins onloading a ghost.
func (c *Cell) Offload(id delta.EntityID) error {
	return c.ghosts.Offload(id)
}

func (c *Cell) CompleteOffload(id delta.EntityID, handoff *ghost.Init) error {
	return c.ghosts.OnOffloadComplete(id, handoff)
}

// Replay applies an update that was rejected while this cell was taking
// authority, now that it owns the entity.
func (c *Cell) Replay(id delta.EntityID, rec delta.ChangeRecord) ([]delta.ChangeRecord, error) {
	return c.Mutate(id, func(m *delta.Mutator) error {
		return m.Replay(rec.Kind, rec.Payload)
	})
}

func (c *Cell) ReleaseAuthority(id delta.EntityID, newOwner string) (ghost.Init, error) {
	return c.ghosts.ReleaseAuthority(id, newOwner)
}

func (c *Cell) AddHaunt(id delta.EntityID, neighbor string, ch ghost.Channel) (ghost.Init, error) {
	return c.ghosts.AddHaunt(id, neighbor, ch)
}

func (c *Cell) RemoveHaunt(id delta.EntityID, neighbor string) error {
	return c.ghosts.RemoveHaunt(id, neighbor)
}

// DeleteGhost forgets a ghost and everything pending for it.
func (c *Cell) DeleteGhost(id delta.EntityID) ([]witness.DropEvent, error) {
	if err := c.ghosts.DeleteGhost(id); err != nil {
		return nil, err
	}
	return c.scheduler.RemoveEntity(id), nil
}

func (c *Cell) AddWitness(id witness.ID, pos witness.Vec3, radius float64, ch witness.Channel) error {
	return c.scheduler.AddWitness(id, pos, radius, ch)
}

func (c *Cell) RemoveWitness(id witness.ID) ([]witness.DropEvent, error) {
	return c.scheduler.RemoveWitness(id)
}

func (c *Cell) MoveWitness(id witness.ID, pos witness.Vec3) error {
	return c.scheduler.SetWitnessPosition(id, pos)
}

func (c *Cell) SetAoIRadius(id witness.ID, radius float64) error {
	return c.scheduler.SetAoIRadius(id, radius)
}

// Tick advances the cell by one tick: witness flushes, the ghost check and
// the backup rotation, in that order.
func (c *Cell) Tick() Report {
	start := time.Now()
	c.tick++
	report := Report{Tick: c.tick}
	report.Witness = c.scheduler.Tick(c.tick)
	report.Ghost = c.ghosts.Tick(c.tick, c.policy)
	for _, id := range report.Ghost.Deleted {
		c.scheduler.RemoveEntity(id)
	}
	report.Backups = c.backupsDue(c.tick)
	if len(report.Backups) > 0 && c.backups != nil {
		c.backups.BackupDue(c.tick, report.Backups)
	}
	report.Duration = time.Since(start)
	observability.RecordTick(c.id, report.Duration)
	observability.RecordBackupsDue(c.id, len(report.Backups))
	c.publish(report)
	return report
}

// backupsDue selects the 1/BackupPeriod share of REAL entities whose turn it
// is, so every entity is backed up once per period.
func (c *Cell) backupsDue(tick uint64) []delta.EntityID {
	period := c.cfg.BackupPeriod
	var due []delta.EntityID
	for _, id := range c.ghosts.Reals() {
		if uint64(id)%period == tick%period {
			due = append(due, id)
		}
	}
	return due
}

// Run ticks every interval until ctx is done. Work posted through Do runs
// between ticks on the same goroutine.
func (c *Cell) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cell %s: tick interval must be > 0", c.id)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Str("cell", c.id).Dur("interval", interval).Msg("cell running")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("cell", c.id).Uint64("tick", c.tick).Msg("cell stopped")
			return nil
		case op := <-c.ops:
			op()
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Do runs fn on the tick goroutine and waits for it. It fails with
// ErrStopped if Run is not picking up work before ctx ends.
func (c *Cell) Do(ctx context.Context, fn func(c *Cell) error) error {
	done := make(chan error, 1)
	op := func() { done <- fn(c) }
	select {
	case c.ops <- op:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cell) publish(r Report) {
	snap := Snapshot{
		Cell:      c.id,
		Tick:      c.tick,
		Witnesses: c.scheduler.Snapshot(),
		Entities:  c.ghosts.Snapshot(),
		Stats:     c.ghosts.Stats(),
		LastTick: TickSummary{
			Batches:    r.Witness.Batches,
			Records:    r.Witness.Records,
			Bytes:      r.Witness.Bytes,
			Deferred:   r.Witness.Deferred,
			Drops:      len(r.Witness.Drops),
			Suppressed: r.Witness.Suppressed,
			Onloaded:   len(r.Ghost.Onloaded),
			Deleted:    len(r.Ghost.Deleted),
			Backups:    len(r.Backups),
			Duration:   r.Duration,
		},
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}

// Snapshot returns the state as of the last completed tick. Safe from any
// goroutine.
func (c *Cell) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}
