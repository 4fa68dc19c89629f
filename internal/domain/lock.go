package domain

import (
	"context"
	"fmt"
	"time"
)

// SlotLocker grants short-lived mutual exclusion on a named key. Acquire
// returns an unlock function that is safe to call more than once; a held lock
// auto-expires after ttl so a crashed holder cannot starve the slot. Releasing
// an already-expired lock is a no-op.
//
// The lock is advisory: storage constraints remain the authoritative
// tie-breaker and callers must never rely on the lock alone.
type SlotLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SlotKey builds the canonical lock key for a position slot.
func SlotKey(accountID, symbol string) string {
	return fmt.Sprintf("position:%s:%s", accountID, symbol)
}
