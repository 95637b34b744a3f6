// Package deadlock detects cycles in the transaction wait-for graph and
// breaks them by force-aborting a victim. The graph is not maintained
// incrementally; each pass rebuilds it from a lock table snapshot, which
// keeps the detector independent of lock table internals and makes a pass
// trivially consistent.
package deadlock

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kurodb/kurodb/core/locktable"
)

// DefaultInterval is the periodic detection interval. Any cycle is broken
// within one interval of forming.
const DefaultInterval = 100 * time.Millisecond

// WaitGraphSource supplies the current wait-for relationships. Implemented
// by locktable.Table.
type WaitGraphSource interface {
	Snapshot() []locktable.WaitInfo
}

// TxnAgeSource resolves transaction ages for victim selection. Implemented
// by the transaction manager.
type TxnAgeSource interface {
	// TxnAge returns the start timestamp of the transaction, or ok=false
	// if it is no longer active.
	TxnAge(txnID uint64) (startTS uint64, ok bool)
}

// VictimHandler force-aborts the chosen victim, releasing its locks and
// waking its parked acquire with locktable.ErrDeadlockVictim.
type VictimHandler func(txnID uint64)

// Config tunes the detector.
type Config struct {
	// Interval between detection passes; defaults to DefaultInterval.
	Interval time.Duration
}

// Detector runs periodic deadlock detection passes.
type Detector struct {
	locks    WaitGraphSource
	ages     TxnAgeSource
	onVictim VictimHandler
	interval time.Duration
	logger   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewDetector creates a detector. onVictim must be non-nil.
func NewDetector(cfg Config, locks WaitGraphSource, ages TxnAgeSource, onVictim VictimHandler, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Detector{
		locks:    locks,
		ages:     ages,
		onVictim: onVictim,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic detection goroutine.
func (d *Detector) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

func (d *Detector) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.DetectOnce()
		case <-d.stop:
			return
		}
	}
}

// Stop halts the detection goroutine and waits for it to exit.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	<-d.done
}

// DetectOnce runs a single detection pass, aborting one victim per detected
// cycle until the graph is acyclic. It returns the victims in abort order.
func (d *Detector) DetectOnce() []uint64 {
	adj := buildGraph(d.locks.Snapshot())

	var victims []uint64
	for {
		cycle := findCycle(adj)
		if len(cycle) == 0 {
			break
		}
		victim := d.chooseVictim(cycle)
		victims = append(victims, victim)
		removeNode(adj, victim)

		d.logger.Warn("deadlock cycle broken",
			zap.Uint64s("cycle", cycle),
			zap.Uint64("victim", victim))
		d.onVictim(victim)
	}
	return victims
}

// chooseVictim picks the youngest transaction in the cycle: the one with the
// greatest start timestamp, ties broken by the greater transaction id. The
// youngest has done the least work, so aborting it wastes the least.
func (d *Detector) chooseVictim(cycle []uint64) uint64 {
	victim := cycle[0]
	victimTS, _ := d.ages.TxnAge(victim)
	for _, txnID := range cycle[1:] {
		ts, _ := d.ages.TxnAge(txnID)
		if ts > victimTS || (ts == victimTS && txnID > victim) {
			victim = txnID
			victimTS = ts
		}
	}
	return victim
}

func buildGraph(infos []locktable.WaitInfo) map[uint64]map[uint64]struct{} {
	adj := make(map[uint64]map[uint64]struct{})
	for _, wi := range infos {
		edges, ok := adj[wi.Waiter]
		if !ok {
			edges = make(map[uint64]struct{})
			adj[wi.Waiter] = edges
		}
		for _, blocker := range wi.Blockers {
			edges[blocker] = struct{}{}
		}
	}
	return adj
}

func removeNode(adj map[uint64]map[uint64]struct{}, txnID uint64) {
	delete(adj, txnID)
	for _, edges := range adj {
		delete(edges, txnID)
	}
}

// findCycle runs a DFS over the wait-for graph and returns the transactions
// on the first cycle found, or nil when the graph is acyclic. Node order is
// sorted so passes are deterministic.
func findCycle(adj map[uint64]map[uint64]struct{}) []uint64 {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[uint64]int, len(adj))
	var stack []uint64
	var cycle []uint64

	var visit func(node uint64) bool
	visit = func(node uint64) bool {
		color[node] = grey
		stack = append(stack, node)
		for _, next := range sortedEdges(adj[node]) {
			switch color[next] {
			case grey:
				// Back edge: everything on the stack from next onward
				// forms the cycle.
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == next {
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[node] = black
		stack = stack[:len(stack)-1]
		return false
	}

	for _, node := range sortedNodes(adj) {
		if color[node] == white {
			if visit(node) {
				return cycle
			}
		}
	}
	return nil
}

func sortedNodes(adj map[uint64]map[uint64]struct{}) []uint64 {
	nodes := make([]uint64, 0, len(adj))
	for node := range adj {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

func sortedEdges(edges map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(edges))
	for node := range edges {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
