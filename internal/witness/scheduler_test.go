package witness

import (
	"errors"
	"math"
	"testing"

	"github.com/danmuck/cellmesh/internal/config"
	"github.com/danmuck/cellmesh/internal/delta"
	"github.com/danmuck/cellmesh/internal/protocol/pathcodec"
	"github.com/danmuck/cellmesh/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	batches []delta.Batch
	err     error
}

func (r *recorder) Enqueue(b delta.Batch) error {
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, b)
	return nil
}

func testConfig() config.Cell {
	cfg := config.Default()
	cfg.MaxAoIRadius = 100
	cfg.DefaultAoIRadius = 100
	cfg.GhostDistance = 100
	cfg.WitnessMinDelta = 1
	cfg.WitnessMaxDelta = 10
	cfg.WitnessGrowthThrottle = 2
	cfg.WitnessBytesPerTick = 1 << 20
	return cfg
}

func single(entity delta.EntityID, seq uint64, path ...int) delta.ChangeRecord {
	return delta.ChangeRecord{
		Entity:  entity,
		Seq:     seq,
		Kind:    pathcodec.KindSingle,
		Path:    path,
		Payload: []byte{byte(seq), 0, 0},
	}
}

func newScheduler(t *testing.T, cfg config.Cell) *Scheduler {
	t.Helper()
	s, err := New("cell-test", cfg)
	require.NoError(t, err)
	return s
}

// ticksUntilFlush advances until the recorder sees a new batch.
func ticksUntilFlush(s *Scheduler, ch *recorder, from uint64, limit int) (uint64, bool) {
	seen := len(ch.batches)
	for i := 0; i < limit; i++ {
		from++
		s.Tick(from)
		if len(ch.batches) > seen {
			return from, true
		}
	}
	return from, false
}

func TestNewRejectsInvertedDeltas(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.WitnessMinDelta, cfg.WitnessMaxDelta = 10, 1
	_, err := New("cell", cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.WitnessGrowthThrottle = 0.5
	_, err = New("cell", cfg)
	require.Error(t, err)
}

func TestNearEntityFlushesAfterThrottledGrowth(t *testing.T) {
	testlog.Start(t)
	s := newScheduler(t, testConfig())
	ch := &recorder{}
	require.NoError(t, s.AddWitness("w1", Vec3{}, 0, ch))
	s.SetEntityPosition(1, Vec3{})

	_, err := s.Enqueue(single(1, 1, 0))
	require.NoError(t, err)

	// deltas 1, 2, 4, 8 -> priority crosses 10 on the fourth tick
	tick, ok := ticksUntilFlush(s, ch, 0, 20)
	require.True(t, ok)
	assert.Equal(t, uint64(4), tick)

	state, _ := s.PairState("w1", 1)
	assert.Equal(t, StateFlushed, state)
	s.Tick(tick + 1)
	state, _ = s.PairState("w1", 1)
	assert.Equal(t, StateIdle, state)

	// growth state survives the flush, so the next change goes out at once
	_, err = s.Enqueue(single(1, 2, 0))
	require.NoError(t, err)
	next, ok := ticksUntilFlush(s, ch, tick+1, 20)
	require.True(t, ok)
	assert.Equal(t, tick+2, next)
}

func TestThrottleOfOneMeansNoGrowth(t *testing.T) {
	cfg := testConfig()
	cfg.WitnessGrowthThrottle = 1
	s := newScheduler(t, cfg)
	ch := &recorder{}
	require.NoError(t, s.AddWitness("w1", Vec3{}, 0, ch))
	s.SetEntityPosition(1, Vec3{})
	_, err := s.Enqueue(single(1, 1, 0))
	require.NoError(t, err)

	tick, ok := ticksUntilFlush(s, ch, 0, 20)
	require.True(t, ok)
	assert.Equal(t, uint64(10), tick)
}

func TestOutOfRangeNeverFlushesAndResumesFromNextChange(t *testing.T) {
	testlog.Start(t)
	s := newScheduler(t, testConfig())
	ch := &recorder{}
	require.NoError(t, s.AddWitness("w1", Vec3{}, 0, ch))
	s.SetEntityPosition(1, Vec3{X: 500})

	suppressed, err := s.Enqueue(single(1, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, suppressed)

	var tick uint64
	for ; tick < 30; tick++ {
		report := s.Tick(tick)
		if tick == 0 {
			assert.Equal(t, 1, report.Suppressed)
		}
	}
	assert.Empty(t, ch.batches)
	state, _ := s.PairState("w1", 1)
	assert.Equal(t, StateOutOfRange, state)

	s.SetEntityPosition(1, Vec3{X: 1})
	s.Tick(tick)
	state, _ = s.PairState("w1", 1)
	assert.Equal(t, StateIdle, state)

	_, err = s.Enqueue(single(1, 2, 3))
	require.NoError(t, err)
	_, ok := ticksUntilFlush(s, ch, tick, 20)
	require.True(t, ok)
	require.Len(t, ch.batches, 1)
	require.Len(t, ch.batches[0].Records, 1)
	assert.Equal(t, uint64(2), ch.batches[0].Records[0].Seq)
}

func TestLeavingRangeDropsPendingWithEvent(t *testing.T) {
	s := newScheduler(t, testConfig())
	ch := &recorder{}
	require.NoError(t, s.AddWitness("w1", Vec3{}, 0, ch))
	s.SetEntityPosition(7, Vec3{X: 10})
	_, err := s.Enqueue(single(7, 1, 0))
	require.NoError(t, err)
	_, err = s.Enqueue(single(7, 2, 1))
	require.NoError(t, err)

	s.SetEntityPosition(7, Vec3{X: 150})
	report := s.Tick(1)
	require.Len(t, report.Drops, 1)
	assert.Equal(t, DropEvent{Witness: "w1", Entity: 7, Reason: DropOutOfRange, Records: 2, Tick: 1}, report.Drops[0])
	assert.Equal(t, 0, s.Pending("w1", 7))
	assert.Empty(t, ch.batches)
}

func TestBatchKeepsGenerationOrderAndCoalescesTail(t *testing.T) {
	s := newScheduler(t, testConfig())
	ch := &recorder{}
	require.NoError(t, s.AddWitness("w1", Vec3{}, 0, ch))
	s.SetEntityPosition(3, Vec3{})

	slice := delta.ChangeRecord{Entity: 3, Seq: 2, Kind: pathcodec.KindSlice, Path: []int{1}, Payload: []byte{9}}
	for _, rec := range []delta.ChangeRecord{single(3, 1, 0), slice, single(3, 3, 2), single(3, 4, 2), single(3, 5, 0)} {
		_, err := s.Enqueue(rec)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, s.Pending("w1", 3))

	_, ok := ticksUntilFlush(s, ch, 0, 20)
	require.True(t, ok)
	var seqs []uint64
	for _, rec := range ch.batches[0].Records {
		seqs = append(seqs, rec.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 4, 5}, seqs)
}

func TestEligiblePairsFlushByPriorityThenID(t *testing.T) {
	cfg := testConfig()
	cfg.WitnessBytesPerTick = 1
	s := newScheduler(t, cfg)
	ch := &recorder{}
	require.NoError(t, s.AddWitness("w1", Vec3{}, 0, ch))
	s.SetEntityPosition(5, Vec3{X: 2})
	s.SetEntityPosition(4, Vec3{X: 2})
	_, err := s.Enqueue(single(5, 1, 0))
	require.NoError(t, err)
	_, err = s.Enqueue(single(4, 1, 0))
	require.NoError(t, err)

	for tick := uint64(1); tick <= 12; tick++ {
		s.Tick(tick)
	}
	require.Len(t, ch.batches, 2)
	// equal priority: lower id first, then the 3-byte overspend is paid back
	// at one byte per tick before the second batch may go
	assert.Equal(t, delta.EntityID(4), ch.batches[0].Entity)
	assert.Equal(t, delta.EntityID(5), ch.batches[1].Entity)
	assert.Equal(t, ch.batches[0].Tick+3, ch.batches[1].Tick)
}

func TestChannelFailureKeepsRecordsPending(t *testing.T) {
	testlog.Start(t)
	s := newScheduler(t, testConfig())
	ch := &recorder{err: errors.New("queue full")}
	require.NoError(t, s.AddWitness("w1", Vec3{}, 0, ch))
	s.SetEntityPosition(1, Vec3{})
	_, err := s.Enqueue(single(1, 1, 0))
	require.NoError(t, err)

	var failed int
	for tick := uint64(1); tick <= 5; tick++ {
		failed += s.Tick(tick).Failed
	}
	assert.Greater(t, failed, 0)
	assert.Equal(t, 1, s.Pending("w1", 1))

	ch.err = nil
	report := s.Tick(6)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 0, s.Pending("w1", 1))
}

func TestRemoveWitnessDropsPendingAsUnsubscribed(t *testing.T) {
	s := newScheduler(t, testConfig())
	ch := &recorder{}
	require.NoError(t, s.AddWitness("w1", Vec3{}, 0, ch))
	s.SetEntityPosition(1, Vec3{})
	s.SetEntityPosition(2, Vec3{})
	_, err := s.Enqueue(single(1, 1, 0))
	require.NoError(t, err)
	_, err = s.Enqueue(single(2, 1, 0))
	require.NoError(t, err)

	drops, err := s.RemoveWitness("w1")
	require.NoError(t, err)
	require.Len(t, drops, 2)
	for _, d := range drops {
		assert.Equal(t, DropUnsubscribed, d.Reason)
		assert.Equal(t, 1, d.Records)
	}
	_, err = s.RemoveWitness("w1")
	assert.True(t, errors.Is(err, ErrUnknownWitness))
}

func TestEnqueueRequiresEntityPosition(t *testing.T) {
	s := newScheduler(t, testConfig())
	_, err := s.Enqueue(single(99, 1, 0))
	assert.True(t, errors.Is(err, ErrUnknownEntity))
}

func TestAoIRadiusClamped(t *testing.T) {
	s := newScheduler(t, testConfig())
	require.NoError(t, s.AddWitness("far", Vec3{}, 1e9, &recorder{}))
	require.NoError(t, s.AddWitness("dflt", Vec3{}, 0, &recorder{}))
	require.NoError(t, s.AddWitness("tiny", Vec3{}, 0.001, &recorder{}))
	assert.True(t, errors.Is(s.AddWitness("far", Vec3{}, 1, &recorder{}), ErrDuplicateWitness))

	radii := map[ID]float64{}
	for _, st := range s.Snapshot() {
		radii[st.ID] = st.Radius
	}
	assert.Equal(t, 100.0, radii["far"])
	assert.Equal(t, 100.0, radii["dflt"])
	assert.Equal(t, config.MinAoIRadius, radii["tiny"])
}

func TestGreatCircleDistance(t *testing.T) {
	cfg := testConfig()
	cfg.Topology = config.TopologySpherical
	cfg.SphereRadius = 1000
	d := Distance(cfg, Vec3{X: 0, Y: 0}, Vec3{X: 0, Y: 90})
	assert.InDelta(t, 1000*math.Pi/2, d, 1e-6)

	cfg.Topology = config.TopologyEuclidean
	assert.InDelta(t, 5.0, Distance(cfg, Vec3{}, Vec3{X: 3, Y: 4}), 1e-9)
}

type noticeRecorder struct {
	recorder
	notices []DropEvent
	err     error
}

func (r *noticeRecorder) SendDrop(ev DropEvent) error {
	if r.err != nil {
		return r.err
	}
	r.notices = append(r.notices, ev)
	return nil
}

func TestDropsAreSentToNotifyingChannels(t *testing.T) {
	testlog.Start(t)
	s := newScheduler(t, testConfig())
	ch := &noticeRecorder{}
	require.NoError(t, s.AddWitness("w1", Vec3{}, 0, ch))
	s.SetEntityPosition(7, Vec3{X: 10})
	s.SetEntityPosition(8, Vec3{X: 20})
	_, err := s.Enqueue(single(7, 1, 0))
	require.NoError(t, err)
	_, err = s.Enqueue(single(8, 1, 0))
	require.NoError(t, err)

	s.SetEntityPosition(7, Vec3{X: 150})
	report := s.Tick(1)
	require.Len(t, report.Drops, 1)
	require.Len(t, ch.notices, 1)
	assert.Equal(t, report.Drops[0], ch.notices[0])

	// a failed notice is logged, the drop itself still happens
	ch.err = errors.New("closed")
	drops, err := s.RemoveWitness("w1")
	require.NoError(t, err)
	require.Len(t, drops, 1)
	assert.Equal(t, DropUnsubscribed, drops[0].Reason)
	assert.Len(t, ch.notices, 1)
}

func TestLastFlushTracksPairAndWitness(t *testing.T) {
	testlog.Start(t)
	s := newScheduler(t, testConfig())
	ch := &recorder{}
	require.NoError(t, s.AddWitness("w1", Vec3{}, 0, ch))
	s.SetEntityPosition(4, Vec3{})
	_, err := s.Enqueue(single(4, 1, 0))
	require.NoError(t, err)

	last, ok := s.LastFlush("w1", 4)
	require.True(t, ok)
	assert.Equal(t, uint64(0), last)

	tick, flushed := ticksUntilFlush(s, ch, 0, 20)
	require.True(t, flushed)
	last, _ = s.LastFlush("w1", 4)
	assert.Equal(t, tick, last)
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, tick, snap[0].LastFlush)

	_, ok = s.LastFlush("w1", 99)
	assert.False(t, ok)
}
