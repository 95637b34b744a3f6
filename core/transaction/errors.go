package transaction

import (
	"errors"

	"github.com/kurodb/kurodb/core/locktable"
	"github.com/kurodb/kurodb/core/mvcc"
)

// --- Error Definitions ---

var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrTxnNotFound     = errors.New("transaction not found")
	ErrTxnInvalidState = errors.New("transaction is in an invalid state for this operation")
	ErrTxnNotPrepared  = errors.New("transaction has not been prepared")
	ErrStorageIO       = errors.New("storage i/o error")
)

// IsRetryable reports whether err is a transient transaction failure the
// caller may retry with a fresh Begin. The engine never retries a caller's
// transaction on its own.
func IsRetryable(err error) bool {
	return errors.Is(err, mvcc.ErrConflict) ||
		errors.Is(err, locktable.ErrDeadlockVictim) ||
		errors.Is(err, locktable.ErrLockTimeout)
}
