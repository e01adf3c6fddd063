package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgAdvisory serializes callers per key across every replica sharing one
// Postgres database. The lock is a transaction-level advisory lock, so the
// work done under it runs on the same connection and the lock is released
// by the commit or rollback.
type PgAdvisory struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPgAdvisory(pool *pgxpool.Pool, timeout time.Duration) *PgAdvisory {
	return &PgAdvisory{pool: pool, timeout: timeout}
}

// WithLock begins a transaction, takes the advisory lock for key and runs fn
// inside it. fn must do all of its database work through tx: a pooled query
// issued while the lock is held would need a second connection. The
// transaction commits when fn returns nil and rolls back otherwise.
//
// Waiting for a pool connection and waiting for the lock are both bounded
// by the timeout and reported as ErrTimeout.
func (l *PgAdvisory) WithLock(ctx context.Context, key string, fn func(tx pgx.Tx) error) (err error) {
	tx, err := l.begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			// Rollback must run even when ctx is already done.
			rbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tx.Rollback(rbCtx)
		}
	}()

	if l.timeout > 0 {
		ms := fmt.Sprintf("%dms", l.timeout.Milliseconds())
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", ms); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.LockNotAvailable {
			return ErrTimeout
		}
		return fmt.Errorf("advisory lock %q: %w", key, err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit under lock %q: %w", key, err)
	}
	return nil
}

// begin acquires a pooled connection and opens a transaction on it, waiting
// at most the lock timeout for a free connection.
func (l *PgAdvisory) begin(ctx context.Context) (pgx.Tx, error) {
	acquireCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	tx, err := l.pool.Begin(acquireCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("begin locked transaction: %w", err)
	}
	return tx, nil
}
