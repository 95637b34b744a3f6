// Package locktable implements the per-key lock table backing pessimistic
// concurrency control. Locks come in Shared and Exclusive modes; incompatible
// requests park on a per-key FIFO queue and are resumed by a grant, a
// deadlock-victim abort, a configurable wait timeout, or context
// cancellation. The table is sharded by key hash so unrelated keys never
// contend on the same mutex.
package locktable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kurodb/kurodb/internal/keyhash"
)

var (
	// ErrLockTimeout reports that a lock wait exceeded the configured
	// timeout. The owning transaction should be aborted and may be retried.
	ErrLockTimeout = errors.New("lock wait timed out")
	// ErrDeadlockVictim reports that the waiter was chosen as a deadlock
	// victim and force-aborted.
	ErrDeadlockVictim = errors.New("transaction chosen as deadlock victim")
	// ErrWaitCancelled reports that the wait ended because the owning
	// transaction was aborted from another goroutine.
	ErrWaitCancelled = errors.New("lock wait cancelled: transaction aborted")
)

// Mode is a lock mode.
type Mode int

const (
	// Shared locks are mutually compatible.
	Shared Mode = iota
	// Exclusive locks are compatible with nothing.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// compatible reports whether a new request of mode b may run alongside an
// existing holder of mode a.
func compatible(a, b Mode) bool {
	return a == Shared && b == Shared
}

type requestStatus int

const (
	statusWaiting requestStatus = iota
	statusGranted
	statusCancelled
)

// request is one parked acquire call.
type request struct {
	txnID   uint64
	mode    Mode // final mode; Exclusive for upgrades
	upgrade bool
	seq     uint64
	status  requestStatus
	grant   chan error // buffered; receives nil on grant or the abort cause
}

// lockState is the lock record for a single key. It exists only while the
// key has holders or waiters.
type lockState struct {
	holders map[uint64]Mode
	queue   []*request
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*lockState
	// byTxn tracks, per transaction, the keys it holds or waits on inside
	// this shard, so ReleaseAll does not scan every key.
	byTxn map[uint64]map[string]struct{}
}

// Config tunes the lock table.
type Config struct {
	// ShardCount is rounded up to a power of two; defaults to 64.
	ShardCount int
	// WaitTimeout bounds any single lock wait. Zero disables the timeout
	// and leaves deadlock detection as the only forced wakeup.
	WaitTimeout time.Duration
}

// DefaultWaitTimeout is the fallback per-wait timeout when none is set.
// Timeouts are a safety net behind the deadlock detector, not a replacement:
// a slow but live transaction can trip them spuriously.
const DefaultWaitTimeout = 5 * time.Second

// Table is the sharded lock table. Safe for concurrent use.
type Table struct {
	shards      []*shard
	shardCount  int
	waitTimeout time.Duration
	seq         atomic.Uint64
	logger      *zap.Logger
}

// NewTable creates a lock table.
func NewTable(cfg Config, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	count := keyhash.NormalizeShardCount(cfg.ShardCount)
	shards := make([]*shard, count)
	for i := range shards {
		shards[i] = &shard{
			locks: make(map[string]*lockState),
			byTxn: make(map[uint64]map[string]struct{}),
		}
	}
	return &Table{
		shards:      shards,
		shardCount:  count,
		waitTimeout: cfg.WaitTimeout,
		logger:      logger,
	}
}

func (t *Table) shardFor(key string) *shard {
	return t.shards[keyhash.Shard(key, t.shardCount)]
}

// Acquire takes the lock on key in the given mode on behalf of txnID,
// blocking while incompatible holders or earlier waiters are in the way.
// Re-acquiring an already-held compatible lock is a no-op; a Shared holder
// requesting Exclusive follows the upgrade path. The error is nil on grant,
// ErrLockTimeout, ErrDeadlockVictim, ErrWaitCancelled, or the context error.
func (t *Table) Acquire(ctx context.Context, txnID uint64, key string, mode Mode) error {
	sh := t.shardFor(key)

	sh.mu.Lock()
	ls, ok := sh.locks[key]
	if !ok {
		ls = &lockState{holders: make(map[uint64]Mode)}
		sh.locks[key] = ls
	}

	var req *request
	if held, holding := ls.holders[txnID]; holding {
		if held == Exclusive || mode == Shared {
			sh.mu.Unlock()
			return nil
		}
		// Upgrade: sole holder with no queued exclusive work goes straight
		// to Exclusive; otherwise queue behind earlier-queued exclusive
		// requests, ahead of everything that arrives later.
		if len(ls.holders) == 1 && !hasExclusiveWaiter(ls) {
			ls.holders[txnID] = Exclusive
			sh.mu.Unlock()
			return nil
		}
		req = &request{
			txnID:   txnID,
			mode:    Exclusive,
			upgrade: true,
			seq:     t.seq.Add(1),
			grant:   make(chan error, 1),
		}
		ls.queue = insertUpgrade(ls.queue, req)
	} else {
		if len(ls.queue) == 0 && grantableAgainstHolders(ls, txnID, mode) {
			ls.holders[txnID] = mode
			sh.trackKey(txnID, key)
			sh.mu.Unlock()
			return nil
		}
		req = &request{
			txnID: txnID,
			mode:  mode,
			seq:   t.seq.Add(1),
			grant: make(chan error, 1),
		}
		ls.queue = append(ls.queue, req)
	}
	sh.trackKey(txnID, key)
	sh.mu.Unlock()

	return t.wait(ctx, sh, key, req)
}

// wait parks the caller on req until it is granted or forced awake.
func (t *Table) wait(ctx context.Context, sh *shard, key string, req *request) error {
	var timeoutC <-chan time.Time
	if t.waitTimeout > 0 {
		timer := time.NewTimer(t.waitTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-req.grant:
		return err
	case <-ctx.Done():
		if !t.withdraw(sh, key, req) {
			return t.settleRace(sh, key, req, ctx.Err())
		}
		return ctx.Err()
	case <-timeoutC:
		if !t.withdraw(sh, key, req) {
			return t.settleRace(sh, key, req, ErrLockTimeout)
		}
		t.logger.Warn("lock wait timed out",
			zap.Uint64("txn", req.txnID),
			zap.String("key", key),
			zap.String("mode", req.mode.String()))
		return ErrLockTimeout
	}
}

// withdraw removes req from the wait queue if it is still parked there.
// Returns false when the request was already resolved concurrently.
func (t *Table) withdraw(sh *shard, key string, req *request) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if req.status != statusWaiting {
		return false
	}
	req.status = statusCancelled

	ls := sh.locks[key]
	if ls != nil {
		ls.queue = removeRequest(ls.queue, req)
		if !ls.holds(req.txnID) {
			sh.untrackKey(req.txnID, key)
		}
		t.promoteLocked(sh, key, ls)
	}
	return true
}

// settleRace resolves the race between a forced wakeup and a concurrent
// grant or abort: the grant channel already carries the outcome. A won grant
// is handed back immediately so the caller's abort path releases it; the
// caller still observes its own wakeup reason.
func (t *Table) settleRace(sh *shard, key string, req *request, wakeErr error) error {
	granted := <-req.grant
	if granted == nil {
		t.Release(req.txnID, key)
	}
	return wakeErr
}

// Release drops txnID's lock on key and re-evaluates the wait queue.
func (t *Table) Release(txnID uint64, key string) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ls, ok := sh.locks[key]
	if !ok {
		return
	}
	if _, holding := ls.holders[txnID]; !holding {
		return
	}
	delete(ls.holders, txnID)
	if !ls.waitsFor(txnID) {
		sh.untrackKey(txnID, key)
	}
	t.promoteLocked(sh, key, ls)
}

// ReleaseAll drops every lock txnID holds and cancels every wait it has
// queued, delivering cause to the parked goroutines. Used by abort; the
// deadlock detector passes ErrDeadlockVictim.
func (t *Table) ReleaseAll(txnID uint64, cause error) {
	if cause == nil {
		cause = ErrWaitCancelled
	}
	for _, sh := range t.shards {
		sh.mu.Lock()
		keys := sh.byTxn[txnID]
		for key := range keys {
			ls, ok := sh.locks[key]
			if !ok {
				continue
			}
			for _, req := range ls.queue {
				if req.txnID == txnID && req.status == statusWaiting {
					req.status = statusCancelled
					req.grant <- cause
				}
			}
			ls.queue = removeByTxn(ls.queue, txnID)
			delete(ls.holders, txnID)
			t.promoteLocked(sh, key, ls)
		}
		delete(sh.byTxn, txnID)
		sh.mu.Unlock()
	}
}

// promoteLocked grants as many queued requests as compatibility allows,
// front of the queue first. Must be called with the shard mutex held.
func (t *Table) promoteLocked(sh *shard, key string, ls *lockState) {
	for len(ls.queue) > 0 {
		head := ls.queue[0]
		if head.status != statusWaiting {
			ls.queue = ls.queue[1:]
			continue
		}
		if !grantableAgainstHolders(ls, head.txnID, head.mode) {
			break
		}
		ls.queue = ls.queue[1:]
		ls.holders[head.txnID] = head.mode
		head.status = statusGranted
		sh.trackKey(head.txnID, key)
		head.grant <- nil
		if head.mode == Exclusive {
			break
		}
	}
	if len(ls.holders) == 0 && len(ls.queue) == 0 {
		delete(sh.locks, key)
	}
}

// grantableAgainstHolders reports whether txnID may take the lock in mode
// given only the current holders. An upgrade is grantable once the upgrader
// is the sole holder.
func grantableAgainstHolders(ls *lockState, txnID uint64, mode Mode) bool {
	for holder, held := range ls.holders {
		if holder == txnID {
			continue
		}
		if !compatible(held, mode) {
			return false
		}
	}
	return true
}

func hasExclusiveWaiter(ls *lockState) bool {
	for _, req := range ls.queue {
		if req.status == statusWaiting && req.mode == Exclusive {
			return true
		}
	}
	return false
}

// insertUpgrade places an upgrade request behind earlier-queued exclusive
// requests but ahead of queued shared requests, preventing upgrade
// starvation without letting upgrades jump older exclusive work.
func insertUpgrade(queue []*request, req *request) []*request {
	idx := 0
	for i, q := range queue {
		if q.mode == Exclusive {
			idx = i + 1
		}
	}
	queue = append(queue, nil)
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = req
	return queue
}

func removeRequest(queue []*request, req *request) []*request {
	for i, q := range queue {
		if q == req {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func removeByTxn(queue []*request, txnID uint64) []*request {
	out := queue[:0]
	for _, q := range queue {
		if q.txnID != txnID {
			out = append(out, q)
		}
	}
	return out
}

func (ls *lockState) holds(txnID uint64) bool {
	_, ok := ls.holders[txnID]
	return ok
}

func (ls *lockState) waitsFor(txnID uint64) bool {
	for _, q := range ls.queue {
		if q.txnID == txnID && q.status == statusWaiting {
			return true
		}
	}
	return false
}

func (sh *shard) trackKey(txnID uint64, key string) {
	keys, ok := sh.byTxn[txnID]
	if !ok {
		keys = make(map[string]struct{})
		sh.byTxn[txnID] = keys
	}
	keys[key] = struct{}{}
}

func (sh *shard) untrackKey(txnID uint64, key string) {
	if keys, ok := sh.byTxn[txnID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(sh.byTxn, txnID)
		}
	}
}

// HoldsLock reports whether txnID currently holds key in at least mode.
func (t *Table) HoldsLock(txnID uint64, key string, mode Mode) bool {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ls, ok := sh.locks[key]
	if !ok {
		return false
	}
	held, holding := ls.holders[txnID]
	return holding && (held == Exclusive || mode == Shared)
}

// WaitInfo describes one parked request and the transactions standing in
// its way. The deadlock detector rebuilds the wait-for graph from these.
type WaitInfo struct {
	Key      string
	Waiter   uint64
	Blockers []uint64
}

// Snapshot captures the current wait-for relationships across all shards.
// A waiter is blocked by every incompatible holder and by every earlier
// queued request it cannot run alongside.
func (t *Table) Snapshot() []WaitInfo {
	var infos []WaitInfo
	for _, sh := range t.shards {
		sh.mu.Lock()
		for key, ls := range sh.locks {
			for i, req := range ls.queue {
				if req.status != statusWaiting {
					continue
				}
				var blockers []uint64
				for holder, held := range ls.holders {
					if holder == req.txnID {
						continue
					}
					if !compatible(held, req.mode) {
						blockers = append(blockers, holder)
					}
				}
				for _, ahead := range ls.queue[:i] {
					if ahead.status != statusWaiting || ahead.txnID == req.txnID {
						continue
					}
					if !compatible(ahead.mode, req.mode) || !compatible(req.mode, ahead.mode) {
						blockers = append(blockers, ahead.txnID)
					}
				}
				if len(blockers) > 0 {
					infos = append(infos, WaitInfo{Key: key, Waiter: req.txnID, Blockers: blockers})
				}
			}
		}
		sh.mu.Unlock()
	}
	return infos
}
