package transaction

import "sync/atomic"

// Oracle hands out the logical timestamps that order every transaction:
// transaction ids, snapshot (start) timestamps, and commit timestamps all
// come from the same monotonic counter, so comparing any two of them is
// always meaningful.
type Oracle struct {
	counter atomic.Uint64
}

// NewOracle creates an oracle starting above zero, so zero can mean
// "no timestamp".
func NewOracle() *Oracle {
	return &Oracle{}
}

// Next allocates the next timestamp.
func (o *Oracle) Next() uint64 {
	return o.counter.Add(1)
}

// Current returns the most recently allocated timestamp.
func (o *Oracle) Current() uint64 {
	return o.counter.Load()
}
