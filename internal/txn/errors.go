package txn

import "errors"

// Error sentinels. Failures wrap one of these together with the underlying
// cause, so both match through errors.Is.
var (
	// ErrPool reports that no pooled connection could be checked out in time
	// or the backend refused to start a transaction.
	ErrPool = errors.New("txn: connection pool unavailable")
	// ErrLock reports a lock timeout, a second lock attempt, or a lock on a
	// finished transaction.
	ErrLock = errors.New("txn: lock unavailable")
	// ErrCommit reports a failed commit. No staged write became visible.
	ErrCommit = errors.New("txn: commit failed")
	// ErrRollback reports a failed rollback. The lock is released anyway.
	ErrRollback = errors.New("txn: rollback failed")
	// ErrDone is returned when a finished transaction is used again.
	ErrDone = errors.New("txn: transaction already finished")
	// ErrNotLocked is returned for writes outside the write-locked collection.
	ErrNotLocked = errors.New("txn: collection not write-locked by this transaction")
)
