// Package transaction implements the transaction manager: lifecycle,
// isolation-level enforcement, and the commit/abort protocol. The manager
// owns the lock table and the version store; callers hold a Txn and drive it
// through Read/Write/Commit/Abort. Multi-participant commits use the
// PrepareCommit/FinishCommit/FinishAbort participant protocol driven by the
// two-phase commit coordinator.
package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kurodb/kurodb/core/locktable"
	"github.com/kurodb/kurodb/core/mvcc"
	"github.com/kurodb/kurodb/core/wal"
	"github.com/kurodb/kurodb/internal/metrics"
	"github.com/kurodb/kurodb/pkg/kvstore"
)

// Config tunes the transaction manager and the structures it owns.
type Config struct {
	// Shards is the shard count for the lock table and version store.
	Shards int
	// LockWaitTimeout bounds any single lock wait; zero picks
	// locktable.DefaultWaitTimeout.
	LockWaitTimeout time.Duration
}

// Manager owns the transaction lifecycle. Safe for concurrent use.
type Manager struct {
	oracle   *Oracle
	locks    *locktable.Table
	versions *mvcc.Store
	wal      *wal.LogManager
	sink     kvstore.Store
	logger   *zap.Logger
	metrics  *metrics.EngineMetrics

	// commitMu serializes validation and install for the read-revalidating
	// level: two transactions whose validations miss each other's pending
	// writes could otherwise both pass and commit a non-serializable pair.
	commitMu sync.Mutex

	mu     sync.Mutex
	active map[uint64]*Txn
	// finished keeps the terminal outcome of prepared transactions so the
	// 2PC decision phase stays idempotent under retransmission. Purely local
	// transactions are forgotten the moment they finish.
	finished map[uint64]Status
}

// NewManager creates a transaction manager. log must be non-nil; sink may be
// nil when no committed-state collaborator is attached; em may be nil to run
// without metrics.
func NewManager(cfg Config, log *wal.LogManager, sink kvstore.Store, logger *zap.Logger, em *metrics.EngineMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	waitTimeout := cfg.LockWaitTimeout
	if waitTimeout == 0 {
		waitTimeout = locktable.DefaultWaitTimeout
	}
	return &Manager{
		oracle: NewOracle(),
		locks: locktable.NewTable(locktable.Config{
			ShardCount:  cfg.Shards,
			WaitTimeout: waitTimeout,
		}, logger.Named("locktable")),
		versions: mvcc.NewStore(mvcc.Config{ShardCount: cfg.Shards}, logger.Named("mvcc")),
		wal:      log,
		sink:     sink,
		logger:   logger,
		metrics:  em,
		active:   make(map[uint64]*Txn),
		finished: make(map[uint64]Status),
	}
}

// Locks exposes the lock table, for the deadlock detector and tests.
func (m *Manager) Locks() *locktable.Table { return m.locks }

// Versions exposes the version store, for tests.
func (m *Manager) Versions() *mvcc.Store { return m.versions }

// Begin starts a transaction at the given isolation level, allocating its id
// and snapshot timestamp.
func (m *Manager) Begin(ctx context.Context, level IsolationLevel) *Txn {
	m.mu.Lock()
	txn := &Txn{
		id:        m.oracle.Next(),
		startTS:   m.oracle.Next(),
		isolation: level,
		status:    StatusActive,
		readSet:   make(map[string]struct{}),
		writeSet:  make(map[string][]byte),
	}
	m.active[txn.id] = txn
	m.mu.Unlock()

	m.metrics.TxnStarted(ctx)
	m.logger.Debug("txn begin",
		zap.Uint64("txn", txn.id),
		zap.Uint64("start_ts", txn.startTS),
		zap.String("isolation", level.String()))
	return txn
}

// Read returns the value of key visible to txn, adding key to the read set.
// A transaction always sees its own buffered writes.
func (m *Manager) Read(ctx context.Context, txn *Txn, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if txn.Status() != StatusActive {
		return nil, ErrTxnInvalidState
	}
	txn.recordRead(key)

	if v, ok := txn.bufferedWrite(key); ok {
		return v, nil
	}

	strat := strategies[txn.isolation]
	var (
		value []byte
		ok    bool
	)
	if strat.snapshotTS == nil {
		value, ok = m.versions.ReadLatest(key)
	} else {
		value, ok = m.versions.ReadSnapshot(key, strat.snapshotTS(m, txn))
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

// Write buffers value for key into txn's write set. For the locking
// isolation levels it first acquires the exclusive key lock, suspending the
// caller while the key is contended; a forced wakeup (deadlock victim, lock
// timeout, cancellation) aborts the transaction and surfaces the cause.
func (m *Manager) Write(ctx context.Context, txn *Txn, key string, value []byte) error {
	if txn.Status() != StatusActive {
		if txn.wasVictim() {
			return locktable.ErrDeadlockVictim
		}
		return ErrTxnInvalidState
	}

	if strategies[txn.isolation].lockWrites {
		waitStart := time.Now()
		err := m.locks.Acquire(ctx, txn.id, key, locktable.Exclusive)
		m.metrics.LockWaited(ctx, time.Since(waitStart).Seconds())
		if err != nil {
			m.abortInternal(ctx, txn, abortReasonFor(err))
			return fmt.Errorf("write %q: %w", key, err)
		}
	}
	txn.bufferWrite(key, value)
	return nil
}

// Commit drives txn from Active through Preparing to Committed: validate per
// the isolation level, append a durable commit record, install the write set
// atomically, release all locks. On validation failure the transaction is
// aborted and the conflict reported; no partial writes are ever visible.
func (m *Manager) Commit(ctx context.Context, txn *Txn) error {
	if err := txn.transition(StatusActive, StatusPreparing); err != nil {
		if txn.wasVictim() {
			return locktable.ErrDeadlockVictim
		}
		return err
	}

	strat := strategies[txn.isolation]
	if strat.revalidateReads {
		m.commitMu.Lock()
		defer m.commitMu.Unlock()
	}
	if err := m.validate(txn, strat); err != nil {
		m.metrics.Conflict(ctx)
		m.abortFromPreparing(ctx, txn, "conflict")
		return err
	}
	return m.installCommit(ctx, txn, strat)
}

// Abort discards txn's buffered writes, releases its locks, and marks it
// Aborted. Idempotent: aborting an aborted transaction is a no-op.
func (m *Manager) Abort(ctx context.Context, txn *Txn) error {
	txn.mu.Lock()
	switch txn.status {
	case StatusAborted:
		txn.mu.Unlock()
		return nil
	case StatusCommitted:
		txn.mu.Unlock()
		return ErrTxnInvalidState
	}
	txn.status = StatusAborted
	txn.mu.Unlock()

	m.releaseAborted(ctx, txn, "explicit")
	return nil
}

// --- 2PC participant protocol ---

// PrepareCommit runs phase 1 on this node: validation and a durable prepare
// record, with all locks retained. After a nil return the transaction is
// Preparing and must be finished by FinishCommit or FinishAbort; this node
// has voted yes and may not unilaterally decide.
func (m *Manager) PrepareCommit(ctx context.Context, txn *Txn) error {
	if err := txn.transition(StatusActive, StatusPreparing); err != nil {
		if txn.wasVictim() {
			return locktable.ErrDeadlockVictim
		}
		return err
	}
	txn.markPrepared()

	strat := strategies[txn.isolation]
	if err := m.validate(txn, strat); err != nil {
		m.metrics.Conflict(ctx)
		m.abortFromPreparing(ctx, txn, "conflict")
		return err
	}
	if _, err := m.wal.AppendSync(&wal.Record{Type: wal.RecordTypePrepare, TxnID: txn.id}); err != nil {
		m.abortFromPreparing(ctx, txn, "io")
		return fmt.Errorf("%w: prepare record: %v", ErrStorageIO, err)
	}
	m.logger.Debug("txn prepared", zap.Uint64("txn", txn.id))
	return nil
}

// FinishCommit applies the global commit decision to a prepared transaction.
// Idempotent by transaction id: repeating a delivered decision returns nil.
func (m *Manager) FinishCommit(ctx context.Context, txnID uint64) error {
	txn, done, err := m.lookupPrepared(txnID, StatusCommitted)
	if err != nil || done {
		return err
	}
	if txn.Status() != StatusPreparing {
		return ErrTxnNotPrepared
	}
	return m.installCommit(ctx, txn, strategies[txn.isolation])
}

// FinishAbort applies the global abort decision to a prepared transaction.
// Idempotent by transaction id.
func (m *Manager) FinishAbort(ctx context.Context, txnID uint64) error {
	txn, done, err := m.lookupPrepared(txnID, StatusAborted)
	if err != nil || done {
		return err
	}

	txn.mu.Lock()
	if txn.status == StatusCommitted {
		txn.mu.Unlock()
		return ErrTxnInvalidState
	}
	alreadyAborted := txn.status == StatusAborted
	txn.status = StatusAborted
	txn.mu.Unlock()

	if !alreadyAborted {
		m.releaseAborted(ctx, txn, "coordinator")
	}
	return nil
}

// lookupPrepared resolves a transaction id for a decision delivery. done is
// true when the decision was already applied with the wanted outcome.
func (m *Manager) lookupPrepared(txnID uint64, want Status) (txn *Txn, done bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn, ok := m.active[txnID]; ok {
		return txn, false, nil
	}
	if outcome, ok := m.finished[txnID]; ok {
		if outcome == want {
			return nil, true, nil
		}
		return nil, false, ErrTxnInvalidState
	}
	return nil, false, ErrTxnNotFound
}

// --- deadlock detector integration ---

// TxnAge reports the start timestamp of an active transaction, for victim
// selection.
func (m *Manager) TxnAge(txnID uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.active[txnID]
	if !ok {
		return 0, false
	}
	return txn.startTS, true
}

// AbortVictim force-aborts a transaction chosen as a deadlock victim,
// releasing its locks and waking its parked lock wait with
// locktable.ErrDeadlockVictim. Only Active transactions are eligible: the
// detector works from a slightly stale wait snapshot, and a cycle member
// that has since moved into Preparing is either mid-commit or a yes-voted
// branch whose outcome belongs to the coordinator. A Preparing transaction
// holds its locks and waits on nothing, so skipping it never leaves a live
// cycle unbroken.
func (m *Manager) AbortVictim(txnID uint64) {
	m.mu.Lock()
	txn, ok := m.active[txnID]
	m.mu.Unlock()
	if !ok {
		return
	}

	txn.mu.Lock()
	if txn.status != StatusActive {
		txn.mu.Unlock()
		return
	}
	txn.status = StatusAborted
	txn.victim = true
	txn.mu.Unlock()

	ctx := context.Background()
	m.metrics.DeadlockBroken(ctx)
	m.locks.ReleaseAll(txnID, locktable.ErrDeadlockVictim)
	m.appendAbortRecord(txnID)
	m.finishTxn(txn)
	m.metrics.TxnAborted(ctx, "deadlock")
	m.logger.Info("txn force-aborted as deadlock victim", zap.Uint64("txn", txnID))
}

// --- internals ---

// validate applies the isolation level's commit-time checks.
func (m *Manager) validate(txn *Txn, strat strategy) error {
	if strat.revalidateReads {
		for _, key := range txn.readKeys() {
			if m.versions.HasNewerCommit(key, txn.startTS) {
				return fmt.Errorf("read of %q: %w", key, mvcc.ErrConflict)
			}
		}
	}
	if strat.checkWriteConflicts {
		txn.mu.Lock()
		keys := append([]string(nil), txn.writeOrder...)
		txn.mu.Unlock()
		for _, key := range keys {
			if err := m.versions.CheckConflict(key, txn.startTS); err != nil {
				return fmt.Errorf("write of %q: %w", key, err)
			}
		}
	}
	return nil
}

// walWrite is the WAL payload entry for one committed key.
type walWrite struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// installCommit is the shared tail of Commit and FinishCommit: durable
// commit record, version installs, sink writes, lock release. The caller
// has already validated; the transaction is Preparing.
func (m *Manager) installCommit(ctx context.Context, txn *Txn, strat strategy) error {
	commitTS := m.oracle.Next()

	txn.mu.Lock()
	order := append([]string(nil), txn.writeOrder...)
	writes := make([]walWrite, 0, len(order))
	for _, key := range order {
		writes = append(writes, walWrite{Key: key, Value: txn.writeSet[key]})
	}
	txn.mu.Unlock()

	payload, err := json.Marshal(writes)
	if err != nil {
		m.abortFromPreparing(ctx, txn, "io")
		return fmt.Errorf("%w: encode commit record: %v", ErrStorageIO, err)
	}
	if _, err := m.wal.AppendSync(&wal.Record{Type: wal.RecordTypeCommit, TxnID: txn.id, Payload: payload}); err != nil {
		m.abortFromPreparing(ctx, txn, "io")
		return fmt.Errorf("%w: commit record: %v", ErrStorageIO, err)
	}

	// Conflict checking at install time only applies to the optimistic
	// levels; the locking levels hold exclusive locks, so last-writer-wins
	// by commit order is the intended outcome.
	installGuard := uint64(math.MaxUint64)
	if strat.checkWriteConflicts {
		installGuard = txn.startTS
	}
	for _, w := range writes {
		if err := m.versions.Install(w.Key, w.Value, txn.id, commitTS, installGuard); err != nil {
			// The held exclusive lock (locking levels) and the serialized
			// commit section (read-revalidating level) rule this out among
			// each other; a concurrent ReadUncommitted commit takes neither
			// and can still land between validation and install, tripping
			// the guard.
			m.abortFromPreparing(ctx, txn, "conflict")
			return fmt.Errorf("install of %q: %w", w.Key, err)
		}
		if m.sink != nil {
			if err := m.sink.Put(w.Key, w.Value); err != nil {
				m.abortFromPreparing(ctx, txn, "io")
				return fmt.Errorf("%w: sink put %q: %v", ErrStorageIO, w.Key, err)
			}
		}
	}

	m.locks.ReleaseAll(txn.id, nil)

	txn.mu.Lock()
	txn.status = StatusCommitted
	txn.mu.Unlock()

	m.finishTxn(txn)
	m.metrics.TxnCommitted(ctx)
	m.logger.Debug("txn committed",
		zap.Uint64("txn", txn.id),
		zap.Uint64("commit_ts", commitTS),
		zap.Int("writes", len(writes)))
	return nil
}

// abortFromPreparing aborts a transaction that already left Active.
func (m *Manager) abortFromPreparing(ctx context.Context, txn *Txn, reason string) {
	txn.mu.Lock()
	txn.status = StatusAborted
	txn.mu.Unlock()
	m.releaseAborted(ctx, txn, reason)
}

// abortInternal aborts an Active transaction after an operation failure.
func (m *Manager) abortInternal(ctx context.Context, txn *Txn, reason string) {
	txn.mu.Lock()
	if txn.status == StatusCommitted || txn.status == StatusAborted {
		txn.mu.Unlock()
		return
	}
	txn.status = StatusAborted
	txn.mu.Unlock()
	m.releaseAborted(ctx, txn, reason)
}

// releaseAborted performs the shared cleanup for every abort path. The
// transaction status is already Aborted.
func (m *Manager) releaseAborted(ctx context.Context, txn *Txn, reason string) {
	m.locks.ReleaseAll(txn.id, locktable.ErrWaitCancelled)
	m.appendAbortRecord(txn.id)
	m.finishTxn(txn)
	m.metrics.TxnAborted(ctx, reason)
	m.logger.Debug("txn aborted",
		zap.Uint64("txn", txn.id),
		zap.String("reason", reason))
}

// appendAbortRecord logs the abort without forcing a sync; aborts carry no
// durability obligation.
func (m *Manager) appendAbortRecord(txnID uint64) {
	if _, err := m.wal.Append(&wal.Record{Type: wal.RecordTypeAbort, TxnID: txnID}); err != nil {
		m.logger.Warn("failed to append abort record", zap.Uint64("txn", txnID), zap.Error(err))
	}
}

// finishTxn removes txn from the active set and advances the GC watermark to
// the oldest remaining snapshot. Only transactions that entered the prepare
// protocol have their terminal outcome retained, for idempotent decision
// redelivery; local commits and aborts leave no bookkeeping behind.
func (m *Manager) finishTxn(txn *Txn) {
	m.mu.Lock()
	delete(m.active, txn.id)
	if txn.isPrepared() {
		m.finished[txn.id] = txn.Status()
	}

	watermark := m.oracle.Current()
	for _, t := range m.active {
		if t.startTS < watermark {
			watermark = t.startTS
		}
	}
	m.mu.Unlock()

	m.versions.SetWatermark(watermark)
}

// ActiveCount reports the number of in-flight transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (t *Txn) wasVictim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.victim
}

func abortReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, locktable.ErrDeadlockVictim):
		return "deadlock"
	case errors.Is(err, locktable.ErrLockTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
