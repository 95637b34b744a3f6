package deadlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kurodb/kurodb/core/locktable"
)

// stubGraph serves a fixed wait-for snapshot.
type stubGraph struct {
	infos []locktable.WaitInfo
}

func (s *stubGraph) Snapshot() []locktable.WaitInfo { return s.infos }

// stubAges maps transaction ids to start timestamps.
type stubAges map[uint64]uint64

func (s stubAges) TxnAge(txnID uint64) (uint64, bool) {
	ts, ok := s[txnID]
	return ts, ok
}

func newTestDetector(graph WaitGraphSource, ages TxnAgeSource, onVictim VictimHandler) *Detector {
	return NewDetector(Config{}, graph, ages, onVictim, zap.NewNop())
}

// TestDetector_NoCycle verifies that a plain waiting chain produces no
// victims.
func TestDetector_NoCycle(t *testing.T) {
	graph := &stubGraph{infos: []locktable.WaitInfo{
		{Key: "a", Waiter: 2, Blockers: []uint64{1}},
		{Key: "b", Waiter: 3, Blockers: []uint64{2}},
	}}
	d := newTestDetector(graph, stubAges{1: 10, 2: 20, 3: 30}, func(uint64) {
		t.Fatal("victim chosen with no cycle present")
	})
	require.Empty(t, d.DetectOnce())
}

// TestDetector_SimpleCycleYoungestVictim verifies that a two-transaction
// cycle is broken by aborting the one with the greater start timestamp.
func TestDetector_SimpleCycleYoungestVictim(t *testing.T) {
	graph := &stubGraph{infos: []locktable.WaitInfo{
		{Key: "a", Waiter: 1, Blockers: []uint64{2}},
		{Key: "b", Waiter: 2, Blockers: []uint64{1}},
	}}
	var aborted []uint64
	d := newTestDetector(graph, stubAges{1: 10, 2: 20}, func(txnID uint64) {
		aborted = append(aborted, txnID)
	})

	victims := d.DetectOnce()
	require.Equal(t, []uint64{2}, victims)
	require.Equal(t, []uint64{2}, aborted)
}

// TestDetector_TimestampTieBreak verifies that equal start timestamps fall
// back to the greater transaction id.
func TestDetector_TimestampTieBreak(t *testing.T) {
	graph := &stubGraph{infos: []locktable.WaitInfo{
		{Key: "a", Waiter: 5, Blockers: []uint64{7}},
		{Key: "b", Waiter: 7, Blockers: []uint64{5}},
	}}
	d := newTestDetector(graph, stubAges{5: 10, 7: 10}, func(uint64) {})
	require.Equal(t, []uint64{7}, d.DetectOnce())
}

// TestDetector_MultipleCycles verifies that one pass keeps breaking cycles
// until the graph is acyclic.
func TestDetector_MultipleCycles(t *testing.T) {
	graph := &stubGraph{infos: []locktable.WaitInfo{
		// Cycle one: 1 <-> 2.
		{Key: "a", Waiter: 1, Blockers: []uint64{2}},
		{Key: "b", Waiter: 2, Blockers: []uint64{1}},
		// Cycle two: 3 <-> 4.
		{Key: "c", Waiter: 3, Blockers: []uint64{4}},
		{Key: "d", Waiter: 4, Blockers: []uint64{3}},
	}}
	d := newTestDetector(graph, stubAges{1: 10, 2: 20, 3: 30, 4: 40}, func(uint64) {})

	victims := d.DetectOnce()
	require.Len(t, victims, 2)
	require.Contains(t, victims, uint64(2))
	require.Contains(t, victims, uint64(4))
}

// TestDetector_ThreeWayCycle verifies cycle extraction through a longer
// chain: 1 -> 2 -> 3 -> 1.
func TestDetector_ThreeWayCycle(t *testing.T) {
	graph := &stubGraph{infos: []locktable.WaitInfo{
		{Key: "a", Waiter: 1, Blockers: []uint64{2}},
		{Key: "b", Waiter: 2, Blockers: []uint64{3}},
		{Key: "c", Waiter: 3, Blockers: []uint64{1}},
	}}
	d := newTestDetector(graph, stubAges{1: 10, 2: 20, 3: 30}, func(uint64) {})
	require.Equal(t, []uint64{3}, d.DetectOnce())
}

// TestDetector_BreaksRealLockCycle drives the detector against a live lock
// table: two transactions each holding one key and waiting for the other's.
// The younger transaction is aborted and its parked acquire wakes with
// ErrDeadlockVictim, letting the survivor proceed.
func TestDetector_BreaksRealLockCycle(t *testing.T) {
	lt := locktable.NewTable(locktable.Config{ShardCount: 4}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, lt.Acquire(ctx, 1, "a", locktable.Exclusive))
	require.NoError(t, lt.Acquire(ctx, 2, "b", locktable.Exclusive))

	var wg sync.WaitGroup
	wg.Add(2)
	var err1, err2 error
	go func() {
		defer wg.Done()
		err1 = lt.Acquire(ctx, 1, "b", locktable.Exclusive)
	}()
	go func() {
		defer wg.Done()
		err2 = lt.Acquire(ctx, 2, "a", locktable.Exclusive)
	}()
	time.Sleep(100 * time.Millisecond) // let both waiters park

	d := newTestDetector(lt, stubAges{1: 10, 2: 20}, func(txnID uint64) {
		lt.ReleaseAll(txnID, locktable.ErrDeadlockVictim)
	})
	require.Equal(t, []uint64{2}, d.DetectOnce())

	wg.Wait()
	require.NoError(t, err1)
	require.ErrorIs(t, err2, locktable.ErrDeadlockVictim)
	require.True(t, lt.HoldsLock(1, "b", locktable.Exclusive))
}

// TestDetector_StartStop verifies the periodic goroutine breaks a cycle on
// its own and that Stop waits for it to exit.
func TestDetector_StartStop(t *testing.T) {
	graph := &stubGraph{infos: []locktable.WaitInfo{
		{Key: "a", Waiter: 1, Blockers: []uint64{2}},
		{Key: "b", Waiter: 2, Blockers: []uint64{1}},
	}}
	victim := make(chan uint64, 16)
	d := NewDetector(Config{Interval: 10 * time.Millisecond}, graph, stubAges{1: 10, 2: 20}, func(txnID uint64) {
		victim <- txnID
	}, zap.NewNop())

	d.Start()
	select {
	case id := <-victim:
		require.Equal(t, uint64(2), id)
	case <-time.After(time.Second):
		t.Fatal("periodic pass never broke the cycle")
	}
	d.Stop()
}
