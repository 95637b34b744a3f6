package transaction

// strategy captures how one isolation level reads, locks, and validates.
// Dispatch goes through the closed table below rather than per-level
// branching in the manager.
type strategy struct {
	// lockWrites makes Write acquire an exclusive key lock held to commit.
	lockWrites bool
	// checkWriteConflicts validates the write set against newer committed
	// versions before install.
	checkWriteConflicts bool
	// revalidateReads re-checks the read set for newer commits at commit
	// time.
	revalidateReads bool
	// snapshotTS picks the snapshot timestamp for one read; nil means
	// "no snapshot" (read the newest installed version).
	snapshotTS func(m *Manager, txn *Txn) uint64
}

func pinnedSnapshot(_ *Manager, txn *Txn) uint64 {
	return txn.startTS
}

// freshSnapshot gives ReadCommitted its per-statement snapshot: every read
// observes everything committed so far.
func freshSnapshot(m *Manager, _ *Txn) uint64 {
	return m.oracle.Current()
}

var strategies = map[IsolationLevel]strategy{
	ReadUncommitted: {},
	ReadCommitted: {
		lockWrites: true,
		snapshotTS: freshSnapshot,
	},
	RepeatableRead: {
		lockWrites: true,
		snapshotTS: pinnedSnapshot,
	},
	Serializable: {
		lockWrites:          true,
		checkWriteConflicts: true,
		revalidateReads:     true,
		snapshotTS:          pinnedSnapshot,
	},
}
