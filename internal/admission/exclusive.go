package admission

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/nekogravitycat/booking-guard/internal/ledger"
	"github.com/nekogravitycat/booking-guard/internal/lock"
)

// Exclusive runs fn while holding the lock for key. The store passed to fn
// is the one to read and append through inside the critical section.
type Exclusive interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context, store ledger.Repository) error) error
}

// LockedLedger pairs a Locker with a ledger that needs no per-lock binding,
// such as the in-memory one.
type LockedLedger struct {
	Locker lock.Locker
	Store  ledger.Repository
}

func (l LockedLedger) WithLock(ctx context.Context, key string, fn func(ctx context.Context, store ledger.Repository) error) error {
	release, err := l.Locker.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, l.Store)
}

// PgLedger runs the critical section in one Postgres transaction holding an
// advisory lock, with the ledger bound to that transaction.
type PgLedger struct {
	Lock *lock.PgAdvisory
}

func (l PgLedger) WithLock(ctx context.Context, key string, fn func(ctx context.Context, store ledger.Repository) error) error {
	return l.Lock.WithLock(ctx, key, func(tx pgx.Tx) error {
		return fn(ctx, ledger.NewPgxRepository(tx))
	})
}
