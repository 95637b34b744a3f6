package transaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kurodb/kurodb/core/deadlock"
	"github.com/kurodb/kurodb/core/locktable"
	"github.com/kurodb/kurodb/core/mvcc"
	"github.com/kurodb/kurodb/core/wal"
	"github.com/kurodb/kurodb/pkg/kvstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log, err := wal.NewLogManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return NewManager(Config{Shards: 4, LockWaitTimeout: 2 * time.Second}, log, kvstore.NewMemoryStore(), zap.NewNop(), nil)
}

// commitValue is a helper to commit a single write at the given level.
func commitValue(t *testing.T, m *Manager, level IsolationLevel, key, value string) {
	t.Helper()
	ctx := context.Background()
	txn := m.Begin(ctx, level)
	require.NoError(t, m.Write(ctx, txn, key, []byte(value)))
	require.NoError(t, m.Commit(ctx, txn))
}

// TestManager_CommitMakesWritesVisible covers the basic lifecycle: buffered
// writes are invisible to other transactions until commit, then visible to
// snapshots taken afterwards.
func TestManager_CommitMakesWritesVisible(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	writer := m.Begin(ctx, Serializable)
	require.NoError(t, m.Write(ctx, writer, "k", []byte("v1")))

	observer := m.Begin(ctx, Serializable)
	_, err := m.Read(ctx, observer, "k")
	require.ErrorIs(t, err, ErrKeyNotFound, "uncommitted write must be invisible")
	require.NoError(t, m.Abort(ctx, observer))

	require.NoError(t, m.Commit(ctx, writer))
	require.Equal(t, StatusCommitted, writer.Status())

	after := m.Begin(ctx, Serializable)
	v, err := m.Read(ctx, after, "k")
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))
	require.NoError(t, m.Commit(ctx, after))
}

// TestManager_ReadYourWrites verifies that a transaction reads its own
// buffered writes before any committed version.
func TestManager_ReadYourWrites(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	commitValue(t, m, Serializable, "k", "old")

	txn := m.Begin(ctx, Serializable)
	require.NoError(t, m.Write(ctx, txn, "k", []byte("mine")))
	v, err := m.Read(ctx, txn, "k")
	require.NoError(t, err)
	require.Equal(t, "mine", string(v))
	require.NoError(t, m.Abort(ctx, txn))
}

// TestManager_AbortDiscardsWrites verifies atomicity of the abort path: no
// buffered write ever becomes visible and the locks are released.
func TestManager_AbortDiscardsWrites(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	txn := m.Begin(ctx, Serializable)
	require.NoError(t, m.Write(ctx, txn, "a", []byte("x")))
	require.NoError(t, m.Write(ctx, txn, "b", []byte("y")))
	require.NoError(t, m.Abort(ctx, txn))
	require.Equal(t, StatusAborted, txn.Status())

	reader := m.Begin(ctx, Serializable)
	_, err := m.Read(ctx, reader, "a")
	require.ErrorIs(t, err, ErrKeyNotFound)
	_, err = m.Read(ctx, reader, "b")
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, m.Abort(ctx, reader))

	require.False(t, m.Locks().HoldsLock(txn.ID(), "a", locktable.Shared))
}

// TestManager_AbortIdempotent verifies repeated aborts are no-ops and that a
// committed transaction cannot be aborted.
func TestManager_AbortIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	txn := m.Begin(ctx, ReadCommitted)
	require.NoError(t, m.Abort(ctx, txn))
	require.NoError(t, m.Abort(ctx, txn))

	committed := m.Begin(ctx, ReadCommitted)
	require.NoError(t, m.Write(ctx, committed, "k", []byte("v")))
	require.NoError(t, m.Commit(ctx, committed))
	require.ErrorIs(t, m.Abort(ctx, committed), ErrTxnInvalidState)
}

// TestManager_SerializableWriteConflict runs the classic write-write race:
// T2 blocks on T1's exclusive lock; T1 commits; T2's commit then fails
// validation against the newer version, and T2's write never lands.
func TestManager_SerializableWriteConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	commitValue(t, m, Serializable, "x", "v0")

	t1 := m.Begin(ctx, Serializable)
	t2 := m.Begin(ctx, Serializable)

	require.NoError(t, m.Write(ctx, t1, "x", []byte("t1")))

	t2Done := make(chan error, 1)
	go func() {
		// Parks on t1's exclusive lock until t1 commits.
		if err := m.Write(ctx, t2, "x", []byte("t2")); err != nil {
			t2Done <- err
			return
		}
		t2Done <- m.Commit(ctx, t2)
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, m.Commit(ctx, t1))
	require.ErrorIs(t, <-t2Done, mvcc.ErrConflict)
	require.Equal(t, StatusAborted, t2.Status())

	reader := m.Begin(ctx, Serializable)
	v, err := m.Read(ctx, reader, "x")
	require.NoError(t, err)
	require.Equal(t, "t1", string(v), "the losing write must not be installed")
	require.NoError(t, m.Abort(ctx, reader))
}

// TestManager_SerializableReadRevalidation verifies that a serializable
// transaction whose read set was overwritten by a concurrent commit fails
// its own commit.
func TestManager_SerializableReadRevalidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	commitValue(t, m, Serializable, "r", "v0")

	txn := m.Begin(ctx, Serializable)
	_, err := m.Read(ctx, txn, "r")
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, txn, "w", []byte("v")))

	commitValue(t, m, Serializable, "r", "v1")

	require.ErrorIs(t, m.Commit(ctx, txn), mvcc.ErrConflict)
	require.Equal(t, StatusAborted, txn.Status())
}

// TestManager_RepeatableReadStability verifies that repeated reads inside a
// RepeatableRead transaction return the snapshot value even after another
// transaction commits a newer one, and that the commit still succeeds.
func TestManager_RepeatableReadStability(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	commitValue(t, m, RepeatableRead, "k", "v0")

	txn := m.Begin(ctx, RepeatableRead)
	v, err := m.Read(ctx, txn, "k")
	require.NoError(t, err)
	require.Equal(t, "v0", string(v))

	commitValue(t, m, RepeatableRead, "k", "v1")

	v, err = m.Read(ctx, txn, "k")
	require.NoError(t, err)
	require.Equal(t, "v0", string(v), "snapshot must not drift")
	require.NoError(t, m.Commit(ctx, txn))
}

// TestManager_ReadCommittedSeesNewCommits verifies that ReadCommitted takes
// a fresh snapshot per read: it observes commits that land mid-transaction
// but never uncommitted data.
func TestManager_ReadCommittedSeesNewCommits(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	commitValue(t, m, ReadCommitted, "k", "v0")

	txn := m.Begin(ctx, ReadCommitted)
	v, err := m.Read(ctx, txn, "k")
	require.NoError(t, err)
	require.Equal(t, "v0", string(v))

	commitValue(t, m, ReadCommitted, "k", "v1")

	v, err = m.Read(ctx, txn, "k")
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))
	require.NoError(t, m.Abort(ctx, txn))
}

// TestManager_ReadUncommittedIgnoresSnapshot verifies the ReadUncommitted
// read path returns the newest installed version regardless of the
// transaction's start timestamp.
func TestManager_ReadUncommittedIgnoresSnapshot(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	txn := m.Begin(ctx, ReadUncommitted)
	commitValue(t, m, ReadCommitted, "k", "late")

	v, err := m.Read(ctx, txn, "k")
	require.NoError(t, err)
	require.Equal(t, "late", string(v))
	require.NoError(t, m.Abort(ctx, txn))
}

// TestManager_LockingLevelsLastWriterWins verifies that under ReadCommitted
// the second writer blocks on the key lock instead of conflicting and its
// commit overwrites the first.
func TestManager_LockingLevelsLastWriterWins(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	t1 := m.Begin(ctx, ReadCommitted)
	t2 := m.Begin(ctx, ReadCommitted)

	require.NoError(t, m.Write(ctx, t1, "x", []byte("t1")))
	t2Done := make(chan error, 1)
	go func() {
		if err := m.Write(ctx, t2, "x", []byte("t2")); err != nil {
			t2Done <- err
			return
		}
		t2Done <- m.Commit(ctx, t2)
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, m.Commit(ctx, t1))
	require.NoError(t, <-t2Done)

	reader := m.Begin(ctx, ReadCommitted)
	v, err := m.Read(ctx, reader, "x")
	require.NoError(t, err)
	require.Equal(t, "t2", string(v))
	require.NoError(t, m.Abort(ctx, reader))
}

// TestManager_DeadlockVictimAborted wires the manager to a live detector and
// builds a two-transaction cycle. The younger transaction is force-aborted:
// its blocked Write returns ErrDeadlockVictim, and the survivor commits.
func TestManager_DeadlockVictimAborted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	det := deadlock.NewDetector(deadlock.Config{Interval: 20 * time.Millisecond},
		m.Locks(), m, m.AbortVictim, zap.NewNop())
	det.Start()
	defer det.Stop()

	t1 := m.Begin(ctx, Serializable)
	t2 := m.Begin(ctx, Serializable)
	require.NoError(t, m.Write(ctx, t1, "a", []byte("1")))
	require.NoError(t, m.Write(ctx, t2, "b", []byte("2")))

	var wg sync.WaitGroup
	wg.Add(2)
	var err1, err2 error
	go func() {
		defer wg.Done()
		err1 = m.Write(ctx, t1, "b", []byte("1"))
	}()
	go func() {
		defer wg.Done()
		err2 = m.Write(ctx, t2, "a", []byte("2"))
	}()
	wg.Wait()

	// t2 is younger (greater start timestamp) and must be the victim.
	require.NoError(t, err1)
	require.ErrorIs(t, err2, locktable.ErrDeadlockVictim)
	require.Equal(t, StatusAborted, t2.Status())

	require.NoError(t, m.Commit(ctx, t1))
}

// TestManager_LockWaitTimeout verifies that a contended write gives up with
// ErrLockTimeout and aborts the transaction.
func TestManager_LockWaitTimeout(t *testing.T) {
	log, err := wal.NewLogManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	m := NewManager(Config{Shards: 4, LockWaitTimeout: 100 * time.Millisecond}, log, nil, zap.NewNop(), nil)
	ctx := context.Background()

	holder := m.Begin(ctx, Serializable)
	require.NoError(t, m.Write(ctx, holder, "k", []byte("v")))

	waiter := m.Begin(ctx, Serializable)
	err = m.Write(ctx, waiter, "k", []byte("w"))
	require.ErrorIs(t, err, locktable.ErrLockTimeout)
	require.Equal(t, StatusAborted, waiter.Status())
	require.True(t, IsRetryable(err))

	require.NoError(t, m.Commit(ctx, holder))
}

// TestManager_WriteCancellation verifies that cancelling the caller's
// context abandons a blocked write and aborts the transaction.
func TestManager_WriteCancellation(t *testing.T) {
	m := newTestManager(t)
	bg := context.Background()

	holder := m.Begin(bg, Serializable)
	require.NoError(t, m.Write(bg, holder, "k", []byte("v")))

	waiter := m.Begin(bg, Serializable)
	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() {
		done <- m.Write(ctx, waiter, "k", []byte("w"))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, StatusAborted, waiter.Status())
	require.NoError(t, m.Abort(bg, holder))
}

// TestManager_OperationsOnFinishedTxn verifies that reads and writes against
// a finished transaction fail with ErrTxnInvalidState.
func TestManager_OperationsOnFinishedTxn(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	txn := m.Begin(ctx, Serializable)
	require.NoError(t, m.Abort(ctx, txn))

	_, err := m.Read(ctx, txn, "k")
	require.ErrorIs(t, err, ErrTxnInvalidState)
	require.ErrorIs(t, m.Write(ctx, txn, "k", nil), ErrTxnInvalidState)
	require.ErrorIs(t, m.Commit(ctx, txn), ErrTxnInvalidState)
}

// TestManager_PrepareFinishCommit drives the participant protocol directly:
// prepare retains locks, the decision installs the writes, and redelivered
// decisions are no-ops.
func TestManager_PrepareFinishCommit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	txn := m.Begin(ctx, Serializable)
	require.NoError(t, m.Write(ctx, txn, "k", []byte("v")))
	require.NoError(t, m.PrepareCommit(ctx, txn))
	require.Equal(t, StatusPreparing, txn.Status())
	require.True(t, m.Locks().HoldsLock(txn.ID(), "k", locktable.Exclusive),
		"locks must be retained between prepare and decision")

	require.NoError(t, m.FinishCommit(ctx, txn.ID()))
	require.Equal(t, StatusCommitted, txn.Status())

	// Redelivery of the same decision is idempotent; the opposite decision
	// is rejected.
	require.NoError(t, m.FinishCommit(ctx, txn.ID()))
	require.ErrorIs(t, m.FinishAbort(ctx, txn.ID()), ErrTxnInvalidState)

	reader := m.Begin(ctx, Serializable)
	v, err := m.Read(ctx, reader, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
	require.NoError(t, m.Abort(ctx, reader))
}

// TestManager_PrepareFinishAbort verifies the abort decision path and its
// idempotence.
func TestManager_PrepareFinishAbort(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	txn := m.Begin(ctx, Serializable)
	require.NoError(t, m.Write(ctx, txn, "k", []byte("v")))
	require.NoError(t, m.PrepareCommit(ctx, txn))

	require.NoError(t, m.FinishAbort(ctx, txn.ID()))
	require.Equal(t, StatusAborted, txn.Status())
	require.NoError(t, m.FinishAbort(ctx, txn.ID()))
	require.ErrorIs(t, m.FinishCommit(ctx, txn.ID()), ErrTxnInvalidState)

	reader := m.Begin(ctx, Serializable)
	_, err := m.Read(ctx, reader, "k")
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, m.Abort(ctx, reader))
}

// TestManager_FinishUnknownTxn verifies decision delivery for an id the
// manager has never seen.
func TestManager_FinishUnknownTxn(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.ErrorIs(t, m.FinishCommit(ctx, 9999), ErrTxnNotFound)
	require.ErrorIs(t, m.FinishAbort(ctx, 9999), ErrTxnNotFound)
}

// TestManager_PreparedTxnOutlivesVictimSelection verifies that a prepared
// branch is never force-aborted by deadlock victim selection: after a yes
// vote only the coordinator's decision may finish it. The detector can name
// a transaction from a stale wait snapshot after it already moved on to
// prepare, and that call must be a no-op.
func TestManager_PreparedTxnOutlivesVictimSelection(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	txn := m.Begin(ctx, Serializable)
	require.NoError(t, m.Write(ctx, txn, "k", []byte("v")))
	require.NoError(t, m.PrepareCommit(ctx, txn))

	m.AbortVictim(txn.ID())
	require.Equal(t, StatusPreparing, txn.Status(), "prepared branch must not be unilaterally aborted")
	require.True(t, m.Locks().HoldsLock(txn.ID(), "k", locktable.Exclusive),
		"prepared branch must keep its locks")

	require.NoError(t, m.FinishCommit(ctx, txn.ID()))
	require.Equal(t, StatusCommitted, txn.Status())

	reader := m.Begin(ctx, Serializable)
	v, err := m.Read(ctx, reader, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
	require.NoError(t, m.Abort(ctx, reader))
}

// TestManager_LocalOutcomesNotRetained verifies that purely local commits
// and aborts leave no terminal bookkeeping behind: only branches that went
// through PrepareCommit are remembered for decision redelivery, so a later
// decision delivery for a local transaction's id reports it unknown.
func TestManager_LocalOutcomesNotRetained(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	committed := m.Begin(ctx, Serializable)
	require.NoError(t, m.Write(ctx, committed, "k", []byte("v")))
	require.NoError(t, m.Commit(ctx, committed))
	require.ErrorIs(t, m.FinishCommit(ctx, committed.ID()), ErrTxnNotFound)
	require.ErrorIs(t, m.FinishAbort(ctx, committed.ID()), ErrTxnNotFound)

	aborted := m.Begin(ctx, Serializable)
	require.NoError(t, m.Write(ctx, aborted, "k2", []byte("v")))
	require.NoError(t, m.Abort(ctx, aborted))
	require.ErrorIs(t, m.FinishAbort(ctx, aborted.ID()), ErrTxnNotFound)

	// A prepared branch, by contrast, keeps its outcome for redelivery.
	prepared := m.Begin(ctx, Serializable)
	require.NoError(t, m.Write(ctx, prepared, "k3", []byte("v")))
	require.NoError(t, m.PrepareCommit(ctx, prepared))
	require.NoError(t, m.FinishCommit(ctx, prepared.ID()))
	require.NoError(t, m.FinishCommit(ctx, prepared.ID()))
}

// TestManager_PrepareConflictVotesNo verifies that validation failure during
// prepare aborts the transaction locally.
func TestManager_PrepareConflictVotesNo(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	commitValue(t, m, Serializable, "k", "v0")

	txn := m.Begin(ctx, Serializable)
	_, err := m.Read(ctx, txn, "k")
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, txn, "other", []byte("v")))

	commitValue(t, m, Serializable, "k", "v1")

	require.ErrorIs(t, m.PrepareCommit(ctx, txn), mvcc.ErrConflict)
	require.Equal(t, StatusAborted, txn.Status())
}

// TestManager_WatermarkAdvances verifies that finishing all transactions
// lets GC reclaim superseded versions.
func TestManager_WatermarkAdvances(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 5; i++ {
		commitValue(t, m, Serializable, "k", "v")
	}
	require.Zero(t, m.ActiveCount())
	// Watermark sits at the newest timestamp; a read prunes the chain down
	// to the single visible base version.
	_, _ = m.Versions().ReadSnapshot("k", ^uint64(0))
	require.Equal(t, 1, m.Versions().VersionCount("k"))
}
