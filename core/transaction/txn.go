package transaction

import "sync"

// Status represents the in-memory state of a transaction.
type Status int

const (
	StatusActive    Status = iota // operations are being applied
	StatusPreparing               // commit in progress, or prepared and waiting for a 2PC decision
	StatusCommitted               // writes installed and visible
	StatusAborted                 // writes discarded, locks released
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPreparing:
		return "preparing"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsolationLevel selects how reads and commits of a transaction behave. The
// set is closed; the manager dispatches behavior through a strategy table
// keyed by level.
type IsolationLevel int

const (
	// ReadUncommitted reads the newest installed version with no snapshot
	// and writes without locks. Unsafe; provided for completeness only.
	ReadUncommitted IsolationLevel = iota
	// ReadCommitted takes a fresh snapshot for every read; writes take
	// exclusive locks held until commit.
	ReadCommitted
	// RepeatableRead pins the transaction's begin-time snapshot for all
	// reads; writes take exclusive locks held until commit.
	RepeatableRead
	// Serializable is RepeatableRead plus write-write conflict checking
	// and read-set revalidation at commit.
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	default:
		return "unknown"
	}
}

// Txn is the handle for one transaction. It is owned by a single caller;
// the mutex only guards against the deadlock detector's force-abort racing
// the owner.
type Txn struct {
	id        uint64
	startTS   uint64
	isolation IsolationLevel

	mu         sync.Mutex
	status     Status
	victim     bool // force-aborted by the deadlock detector
	prepared   bool // entered the coordinator-driven commit protocol
	readSet    map[string]struct{}
	writeSet   map[string][]byte
	writeOrder []string // write-set keys in first-write order, for deterministic installs
}

// ID returns the transaction id.
func (t *Txn) ID() uint64 { return t.id }

// StartTS returns the transaction's snapshot timestamp.
func (t *Txn) StartTS() uint64 { return t.startTS }

// Isolation returns the transaction's isolation level.
func (t *Txn) Isolation() IsolationLevel { return t.isolation }

// Status returns the transaction's current status.
func (t *Txn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// transition moves the transaction from one status to another, failing with
// ErrTxnInvalidState when the current status differs from the expected one.
func (t *Txn) transition(from, to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != from {
		return ErrTxnInvalidState
	}
	t.status = to
	return nil
}

func (t *Txn) markPrepared() {
	t.mu.Lock()
	t.prepared = true
	t.mu.Unlock()
}

func (t *Txn) isPrepared() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prepared
}

func (t *Txn) recordRead(key string) {
	t.mu.Lock()
	t.readSet[key] = struct{}{}
	t.mu.Unlock()
}

func (t *Txn) bufferWrite(key string, value []byte) {
	t.mu.Lock()
	if _, ok := t.writeSet[key]; !ok {
		t.writeOrder = append(t.writeOrder, key)
	}
	t.writeSet[key] = value
	t.mu.Unlock()
}

// bufferedWrite returns the transaction's own pending write for key, so a
// transaction always reads its own writes regardless of isolation level.
func (t *Txn) bufferedWrite(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.writeSet[key]
	return v, ok
}

// readKeys returns a copy of the read set.
func (t *Txn) readKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.readSet))
	for k := range t.readSet {
		keys = append(keys, k)
	}
	return keys
}
