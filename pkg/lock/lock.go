// Package lock serializes work per key. The ledger uses one key per loan so
// payments on the same loan run one at a time while different loans proceed
// independently.
package lock

import (
	"context"
	"errors"
)

// ErrLockFailed is returned when a lock could not be acquired in time.
var ErrLockFailed = errors.New("failed to acquire lock")

// Locker acquires an exclusive lock on key. The returned release func must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// LoanKey is the lock key for a loan.
func LoanKey(loanID string) string {
	return "loan:lock:" + loanID
}
