// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock is already held,
// for example by the watchdog of another replica.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock represents an acquired distributed lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker is a non-blocking distributed lock. If the lock is already held,
// Lock must return ErrLockNotAcquired.
type Locker interface {
	Lock(ctx context.Context, name string) (Lock, error)
}

// Guard is the in-process single-slot guard around a periodic run.
type Guard interface {
	TryAcquire() bool
	Release()
}
