package cell

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/cellmesh/internal/config"
	"github.com/danmuck/cellmesh/internal/delta"
	"github.com/danmuck/cellmesh/internal/ghost"
	"github.com/danmuck/cellmesh/internal/property"
	"github.com/danmuck/cellmesh/internal/testutil/testlog"
	"github.com/danmuck/cellmesh/internal/witness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	propHealth = iota
	propName
	propAggro
)

type sink struct {
	mu      sync.Mutex
	batches []delta.Batch
}

func (s *sink) Enqueue(b delta.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}

func (s *sink) paths() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, b := range s.batches {
		for _, r := range b.Records {
			out = append(out, r.Property())
		}
	}
	return out
}

func registry(t *testing.T) *property.Registry {
	t.Helper()
	reg := property.NewRegistry()
	require.NoError(t, reg.Register(property.MustEntityType(3, "Guard",
		property.Field{Name: "health", Type: property.ScalarOf(property.TypeUint16), Flags: property.FlagAll},
		property.Field{Name: "name", Type: property.ScalarOf(property.TypeString), Flags: property.FlagClientVisible},
		property.Field{Name: "aggro", Type: property.ScalarOf(property.TypeFloat32), Flags: property.FlagGhosted},
	)))
	return reg
}

func testConfig(id string) config.Cell {
	cfg := config.Default()
	cfg.ID = id
	cfg.BackupPeriod = 2
	cfg.GhostCheckPeriod = 1
	return cfg
}

func newCell(t *testing.T, id string, opts ...Option) *Cell {
	t.Helper()
	c, err := New(testConfig(id), registry(t), opts...)
	require.NoError(t, err)
	return c
}

func touchAll(m *delta.Mutator) error {
	if err := m.Set([]int{propHealth}, property.Uint(80)); err != nil {
		return err
	}
	if err := m.Set([]int{propName}, property.Str("gate")); err != nil {
		return err
	}
	return m.Set([]int{propAggro}, property.Float(0.5))
}

func tickN(c *Cell, n int) {
	for i := 0; i < n; i++ {
		c.Tick()
	}
}

func TestMutateRoutesByPropertyFlags(t *testing.T) {
	testlog.Start(t)
	c := newCell(t, "cell-a")
	require.NoError(t, c.Spawn(1, 3, nil, witness.Vec3{}))
	client := &sink{}
	require.NoError(t, c.AddWitness("client", witness.Vec3{X: 1}, 0, client))
	neighbor := &sink{}
	_, err := c.AddHaunt(1, "cell-b", neighbor)
	require.NoError(t, err)

	recs, err := c.Mutate(1, touchAll)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	tickN(c, 20)
	assert.Equal(t, []int{propHealth, propName}, client.paths())
	assert.Equal(t, []int{propHealth, propAggro}, neighbor.paths())
}

func TestGhostUpdatesReachLocalWitnesses(t *testing.T) {
	testlog.Start(t)
	owner := newCell(t, "cell-a")
	other := newCell(t, "cell-b")
	require.NoError(t, owner.Spawn(1, 3, nil, witness.Vec3{}))
	link := &sink{}
	init, err := owner.AddHaunt(1, "cell-b", link)
	require.NoError(t, err)
	require.NoError(t, other.AdoptGhost(init, witness.Vec3{}))

	client := &sink{}
	require.NoError(t, other.AddWitness("client", witness.Vec3{}, 0, client))

	_, err = owner.Mutate(1, touchAll)
	require.NoError(t, err)
	require.Len(t, link.batches, 1)
	require.NoError(t, other.ApplyGhostUpdates(link.batches[0]))

	tickN(other, 20)
	// aggro is ghosted but not client visible
	assert.Equal(t, []int{propHealth}, client.paths())
}

func TestBackupRotationCoversEveryRealOncePerPeriod(t *testing.T) {
	testlog.Start(t)
	due := map[uint64][]delta.EntityID{}
	c := newCell(t, "cell-a", WithBackupSink(BackupFunc(func(tick uint64, ids []delta.EntityID) {
		due[tick] = ids
	})))
	for id := delta.EntityID(1); id <= 4; id++ {
		require.NoError(t, c.Spawn(id, 3, nil, witness.Vec3{}))
	}
	r1 := c.Tick()
	r2 := c.Tick()
	assert.Equal(t, []delta.EntityID{1, 3}, r1.Backups)
	assert.Equal(t, []delta.EntityID{2, 4}, r2.Backups)
	assert.Equal(t, []delta.EntityID{1, 3}, due[1])
	assert.Equal(t, []delta.EntityID{2, 4}, due[2])
}

func TestRegionPolicyOnloadsAndDeletes(t *testing.T) {
	testlog.Start(t)
	owner := newCell(t, "cell-a")
	c := newCell(t, "cell-b")
	c.SetOffloadPolicy(c.RegionPolicy(Region{Center: witness.Vec3{}, Radius: 100}))

	for id, x := range map[delta.EntityID]float64{1: 50, 2: 300, 3: 700} {
		require.NoError(t, owner.Spawn(id, 3, nil, witness.Vec3{X: x}))
		init, err := owner.AddHaunt(id, "cell-b", &sink{})
		require.NoError(t, err)
		require.NoError(t, c.AdoptGhost(init, witness.Vec3{X: x}))
	}

	report := c.Tick()
	assert.Equal(t, []delta.EntityID{1}, report.Ghost.Onloaded)
	assert.Equal(t, []delta.EntityID{3}, report.Ghost.Deleted)

	snap := c.Snapshot()
	require.Len(t, snap.Entities, 2)
	assert.Equal(t, ghost.AuthorityTransitioning, snap.Entities[0].Authority)
	assert.Equal(t, ghost.AuthorityGhost, snap.Entities[1].Authority)
	assert.Equal(t, 1, snap.LastTick.Onloaded)
}

func TestHandoffBetweenCells(t *testing.T) {
	testlog.Start(t)
	a := newCell(t, "cell-a")
	b := newCell(t, "cell-b")
	require.NoError(t, a.Spawn(9, 3, nil, witness.Vec3{}))
	link := &sink{}
	init, err := a.AddHaunt(9, "cell-b", link)
	require.NoError(t, err)
	require.NoError(t, b.AdoptGhost(init, witness.Vec3{}))

	require.NoError(t, b.Offload(9))
	_, err = a.Mutate(9, touchAll)
	require.NoError(t, err)
	late := link.batches[0]
	assert.Error(t, b.ApplyGhostUpdates(late))

	handoff, err := a.ReleaseAuthority(9, "cell-b")
	require.NoError(t, err)
	require.NoError(t, b.CompleteOffload(9, &handoff))

	r, ok := b.ghosts.Lookup(9)
	require.True(t, ok)
	assert.Equal(t, uint64(80), r.State.Fields[propHealth].(*property.ScalarValue).V)

	// late records replay cleanly on the new owner
	recs, err := b.Replay(9, late.Records[0])
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = a.Mutate(9, touchAll)
	assert.ErrorIs(t, err, ghost.ErrNotReal)
}

func TestRunServesDoBetweenTicks(t *testing.T) {
	testlog.Start(t)
	c := newCell(t, "cell-a")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Millisecond) }()

	require.NoError(t, c.Do(ctx, func(c *Cell) error {
		return c.Spawn(5, 3, nil, witness.Vec3{})
	}))
	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return snap.Tick > 0 && len(snap.Entities) == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	stopped, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	err := c.Do(stopped, func(*Cell) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("cell-a")
	cfg.GhostDistance = 1
	_, err := New(cfg, registry(t))
	require.Error(t, err)

	c := newCell(t, "cell-a")
	assert.Error(t, c.Run(context.Background(), 0))
}
