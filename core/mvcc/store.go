// Package mvcc holds the multi-version value store. Each key carries a chain
// of committed versions, newest first, so snapshot reads never block writers
// and never see a half-committed state. Old versions are reclaimed lazily
// once the garbage-collection watermark (the oldest active transaction's
// start timestamp) has moved past them.
package mvcc

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kurodb/kurodb/internal/keyhash"
)

// ErrConflict reports a write-write conflict: another transaction committed
// a newer version of the key after the failing transaction's snapshot was
// taken. The transaction must abort; the caller may retry it from scratch.
var ErrConflict = errors.New("write-write conflict with a newer committed version")

// version is one committed value for a key. prev points to the next-older
// version.
type version struct {
	value    []byte
	txnID    uint64
	commitTS uint64
	prev     *version
}

type shard struct {
	mu     sync.RWMutex
	chains map[string]*version
}

// Config tunes the version store.
type Config struct {
	// ShardCount is rounded up to a power of two; defaults to 64.
	ShardCount int
}

// Store is the sharded version store. Safe for concurrent use.
type Store struct {
	shards     []*shard
	shardCount int
	watermark  atomic.Uint64
	logger     *zap.Logger
}

// NewStore creates an empty version store.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	count := keyhash.NormalizeShardCount(cfg.ShardCount)
	shards := make([]*shard, count)
	for i := range shards {
		shards[i] = &shard{chains: make(map[string]*version)}
	}
	return &Store{
		shards:     shards,
		shardCount: count,
		logger:     logger,
	}
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[keyhash.Shard(key, s.shardCount)]
}

// ReadSnapshot returns the newest version of key with commitTS <= asOf,
// walking the version chain. It never blocks on writers. ok is false when no
// version is visible at the snapshot.
func (s *Store) ReadSnapshot(key string, asOf uint64) (value []byte, ok bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	v := sh.chains[key]
	for v != nil && v.commitTS > asOf {
		v = v.prev
	}
	if v == nil {
		sh.mu.RUnlock()
		return nil, false
	}
	value = v.value
	sh.mu.RUnlock()

	// Reclamation is amortized over reads rather than done by a sweeper.
	s.pruneKey(key)
	return value, true
}

// ReadLatest returns the newest committed version regardless of any
// snapshot. This is the ReadUncommitted read path.
func (s *Store) ReadLatest(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v := sh.chains[key]
	if v == nil {
		return nil, false
	}
	return v.value, true
}

// CheckConflict reports ErrConflict if any version of key committed after
// startTS. Run for every key in a write set before installing any of them,
// so a failed commit installs nothing.
func (s *Store) CheckConflict(key string, startTS uint64) error {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if head := sh.chains[key]; head != nil && head.commitTS > startTS {
		return ErrConflict
	}
	return nil
}

// HasNewerCommit reports whether key received a commit after sinceTS. Used
// for serializable read-set revalidation.
func (s *Store) HasNewerCommit(key string, sinceTS uint64) bool {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	head := sh.chains[key]
	return head != nil && head.commitTS > sinceTS
}

// Install appends a new committed version of key. startTS is the committing
// transaction's snapshot; a version committed past it fails the install with
// ErrConflict and leaves the chain untouched.
func (s *Store) Install(key string, value []byte, txnID, commitTS, startTS uint64) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	head := sh.chains[key]
	if head != nil && head.commitTS > startTS {
		return ErrConflict
	}
	sh.chains[key] = &version{
		value:    value,
		txnID:    txnID,
		commitTS: commitTS,
		prev:     head,
	}
	s.pruneChainLocked(sh, key)
	return nil
}

// SetWatermark moves the GC watermark. Versions whose commitTS is at or
// below the watermark are unreachable by any active snapshot except the
// newest such version, which remains the visible base.
func (s *Store) SetWatermark(ts uint64) {
	for {
		cur := s.watermark.Load()
		if ts <= cur {
			return
		}
		if s.watermark.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// Watermark returns the current GC watermark.
func (s *Store) Watermark() uint64 {
	return s.watermark.Load()
}

func (s *Store) pruneKey(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	s.pruneChainLocked(sh, key)
	sh.mu.Unlock()
}

// pruneChainLocked cuts the chain below the newest version that every active
// snapshot can still see. Must be called with the shard write lock held.
func (s *Store) pruneChainLocked(sh *shard, key string) {
	wm := s.watermark.Load()
	if wm == 0 {
		return
	}
	v := sh.chains[key]
	for v != nil {
		if v.commitTS <= wm {
			// v is the base version for the oldest snapshot; anything
			// older is unreachable.
			v.prev = nil
			return
		}
		v = v.prev
	}
}

// VersionCount reports the chain length for key. Test hook for GC behavior.
func (s *Store) VersionCount(key string) int {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	n := 0
	for v := sh.chains[key]; v != nil; v = v.prev {
		n++
	}
	return n
}
