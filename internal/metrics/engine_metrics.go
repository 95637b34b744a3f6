package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds all the metric instruments for the transaction engine.
type EngineMetrics struct {
	TxnsStartedCounter      metric.Int64Counter
	TxnsCommittedCounter    metric.Int64Counter
	TxnsAbortedCounter      metric.Int64Counter
	ConflictsCounter        metric.Int64Counter
	DeadlocksCounter        metric.Int64Counter
	LockWaitHistogram       metric.Float64Histogram
	ActiveTxnsUpDownCounter metric.Int64UpDownCounter
}

// NewEngineMetrics creates and registers all the metrics for the transaction engine.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	txnsStartedCounter, err := meter.Int64Counter(
		"kurodb.txn.started_total",
		metric.WithDescription("Total number of transactions begun."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsCommittedCounter, err := meter.Int64Counter(
		"kurodb.txn.committed_total",
		metric.WithDescription("Total number of transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsAbortedCounter, err := meter.Int64Counter(
		"kurodb.txn.aborted_total",
		metric.WithDescription("Total number of transactions aborted, by reason."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	conflictsCounter, err := meter.Int64Counter(
		"kurodb.txn.conflicts_total",
		metric.WithDescription("Total number of optimistic validation failures."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deadlocksCounter, err := meter.Int64Counter(
		"kurodb.deadlock.detected_total",
		metric.WithDescription("Total number of deadlock cycles broken."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lockWaitHistogram, err := meter.Float64Histogram(
		"kurodb.lock.wait_duration",
		metric.WithDescription("Time spent waiting for key locks."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	activeTxnsUpDownCounter, err := meter.Int64UpDownCounter(
		"kurodb.txn.active",
		metric.WithDescription("Number of currently active transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		TxnsStartedCounter:      txnsStartedCounter,
		TxnsCommittedCounter:    txnsCommittedCounter,
		TxnsAbortedCounter:      txnsAbortedCounter,
		ConflictsCounter:        conflictsCounter,
		DeadlocksCounter:        deadlocksCounter,
		LockWaitHistogram:       lockWaitHistogram,
		ActiveTxnsUpDownCounter: activeTxnsUpDownCounter,
	}, nil
}

// TxnStarted records the start of a transaction. Safe on a nil receiver so
// the engine can run without telemetry wired up (e.g. in tests).
func (m *EngineMetrics) TxnStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.TxnsStartedCounter.Add(ctx, 1)
	m.ActiveTxnsUpDownCounter.Add(ctx, 1)
}

// TxnCommitted records a successful commit.
func (m *EngineMetrics) TxnCommitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.TxnsCommittedCounter.Add(ctx, 1)
	m.ActiveTxnsUpDownCounter.Add(ctx, -1)
}

// TxnAborted records an abort with the given reason ("explicit", "conflict",
// "deadlock", "timeout", "cancelled", "io").
func (m *EngineMetrics) TxnAborted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.TxnsAbortedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.ActiveTxnsUpDownCounter.Add(ctx, -1)
}

// Conflict records an optimistic validation failure.
func (m *EngineMetrics) Conflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.ConflictsCounter.Add(ctx, 1)
}

// DeadlockBroken records one resolved deadlock cycle.
func (m *EngineMetrics) DeadlockBroken(ctx context.Context) {
	if m == nil {
		return
	}
	m.DeadlocksCounter.Add(ctx, 1)
}

// LockWaited records the time a transaction spent parked on a key lock.
func (m *EngineMetrics) LockWaited(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.LockWaitHistogram.Record(ctx, seconds)
}
