package lock

import (
	"context"
	"errors"
)

// ErrTimeout is returned when a scope lock could not be obtained in time.
var ErrTimeout = errors.New("lock: timed out waiting for scope lock")

// Locker grants exclusive access to a scope key. The returned release func
// is idempotent and must be called exactly once the critical section ends.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}
