package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrPositionConflict means the slot already has an active position, the
	// slot lock is contended, or the storage constraint rejected a write. The
	// caller should skip the trade for this cycle rather than retry.
	ErrPositionConflict = errors.New("position slot conflict")

	// ErrCapitalExceeded means the proposed size would breach the owning
	// strategy's capital allocation.
	ErrCapitalExceeded = errors.New("capital allocation exceeded")

	// ErrLockHeld is returned by the lock provider when another party holds
	// the requested key.
	ErrLockHeld = errors.New("lock already held")

	// ErrLockUnavailable means the lock provider itself was unreachable.
	// Claims fail closed on it: no trade without mutual exclusion.
	ErrLockUnavailable = errors.New("lock provider unavailable")

	// ErrSideMismatch means a fill's side differs from the open position's.
	// Partial reversals go through close-then-claim, never accumulate.
	ErrSideMismatch = errors.New("fill side does not match position side")
)
