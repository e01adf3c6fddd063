package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekogravitycat/booking-guard/internal/clock"
	"github.com/nekogravitycat/booking-guard/internal/ledger"
	"github.com/nekogravitycat/booking-guard/internal/lock"
	"github.com/nekogravitycat/booking-guard/internal/throttle"
)

type failingLocker struct{ err error }

func (l failingLocker) Acquire(context.Context, string) (func(), error) {
	return nil, l.err
}

// appendFailingStore reads from a real ledger but refuses every append.
type appendFailingStore struct {
	ledger.Repository
}

func (appendFailingStore) Append(context.Context, *ledger.BookingEvent) error {
	return errors.New("disk full")
}

func countEvents(t *testing.T, store ledger.Repository, requester string) int {
	t.Helper()
	events, err := store.QueryEvents(context.Background(), ledger.ScopeKey{RequesterID: requester}, time.Time{})
	require.NoError(t, err)
	return len(events)
}

func TestGuard_ConcurrentAdmitsNeverExceedQuota(t *testing.T) {
	const callers = 25
	f := newFixture(t)

	var wins int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			d, _, err := f.guard.Admit(context.Background(), Request{
				RequesterID: "u1",
				ResourceID:  fmt.Sprintf("r%d", i),
			})
			if assert.NoError(t, err) && d.Allowed() {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(5), wins)
	assert.Equal(t, 5, countEvents(t, f.store, "u1"))
}

func TestGuard_ConcurrentAdmitsSameResource(t *testing.T) {
	f := newFixture(t)

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _, err := f.guard.Admit(context.Background(), Request{RequesterID: "u1", ResourceID: "r1"})
			if assert.NoError(t, err) && d.Allowed() {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins, "cooldown admits exactly one")
	assert.Equal(t, 1, countEvents(t, f.store, "u1"))
}

func TestGuard_QuotaScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, event, err := f.guard.Admit(ctx, Request{RequesterID: "u1", ResourceID: fmt.Sprintf("r%d", i)})
		require.NoError(t, err)
		require.True(t, d.Allowed(), "booking %d", i)
		require.NotNil(t, event)
		assert.Equal(t, 5-i, d.RemainingQuota)
		assert.Equal(t, i, d.UsedQuota)
		assert.Equal(t, f.clock.Now(), event.CreatedAt)
		f.clock.Advance(10 * time.Second)
	}

	d, event, err := f.guard.Admit(ctx, Request{RequesterID: "u1", ResourceID: "r6"})
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.Equal(t, StatusRateLimited, d.Status)
	assert.Equal(t, ReasonUserQuotaExceeded, d.Reason)
	assert.Equal(t, 3600-50, d.RetryAfterSeconds)

	f.clock.Advance(20 * time.Minute)
	later, _, err := f.guard.Admit(ctx, Request{RequesterID: "u1", ResourceID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, ReasonUserQuotaExceeded, later.Reason)
	assert.Less(t, later.RetryAfterSeconds, d.RetryAfterSeconds, "hint shrinks toward the hour boundary")

	// Once the oldest booking leaves the window one slot frees up.
	f.clock.Set(t0.Add(time.Hour))
	d, event, err = f.guard.Admit(ctx, Request{RequesterID: "u1", ResourceID: "r7"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.NotNil(t, event)
	assert.Equal(t, 0, d.RemainingQuota)
}

func TestGuard_CooldownScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, _, err := f.guard.Admit(ctx, Request{RequesterID: "u1", ResourceID: "r1"})
	require.NoError(t, err)
	require.True(t, d.Allowed())

	f.clock.Set(t0.Add(10 * time.Minute))
	d, _, err = f.guard.Admit(ctx, Request{RequesterID: "u1", ResourceID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicateBooking, d.Reason)
	assert.Equal(t, 1200, d.RetryAfterSeconds)

	f.clock.Set(t0.Add(31 * time.Minute))
	d, _, err = f.guard.Admit(ctx, Request{RequesterID: "u1", ResourceID: "r1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.Equal(t, 2, countEvents(t, f.store, "u1"))
}

func TestGuard_DenialHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.record(t, "u1", "r1", t0)

	d, event, err := f.guard.Admit(context.Background(), Request{RequesterID: "u1", ResourceID: "r1"})
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Nil(t, event)
	assert.Equal(t, 1, countEvents(t, f.store, "u1"))
}

func TestGuard_CheckDoesNotRecord(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		d, err := f.guard.Check(context.Background(), Request{RequesterID: "u1", ResourceID: "r1"})
		require.NoError(t, err)
		assert.True(t, d.Allowed())
		assert.Equal(t, 5, d.RemainingQuota)
	}
	assert.Equal(t, 0, countEvents(t, f.store, "u1"))
}

func TestGuard_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.guard.Admit(context.Background(), Request{RequesterID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidCandidate)

	_, err = f.guard.Check(context.Background(), Request{ResourceID: "r1"})
	assert.ErrorIs(t, err, ErrInvalidCandidate)
}

func TestGuard_FailsClosed(t *testing.T) {
	t.Run("lock timeout", func(t *testing.T) {
		f := newFixture(t)
		g := NewGuard(f.evaluator, LockedLedger{Locker: failingLocker{err: lock.ErrTimeout}, Store: f.store}, f.clock, nil)

		d, event, err := g.Admit(context.Background(), Request{RequesterID: "u1", ResourceID: "r1"})
		require.NoError(t, err)
		assert.Nil(t, event)
		assert.Equal(t, ReasonEvaluatorUnavailable, d.Reason)
	})

	t.Run("append fails", func(t *testing.T) {
		f := newFixture(t)
		store := appendFailingStore{Repository: f.store}
		g := NewGuard(f.evaluator, LockedLedger{Locker: lock.NewKeyedMutex(0), Store: store}, f.clock, nil)

		d, event, err := g.Admit(context.Background(), Request{RequesterID: "u1", ResourceID: "r1"})
		require.NoError(t, err)
		assert.Nil(t, event)
		assert.Equal(t, ReasonEvaluatorUnavailable, d.Reason)
		assert.Equal(t, 0, countEvents(t, f.store, "u1"))
	})

	t.Run("caller gone", func(t *testing.T) {
		f := newFixture(t)
		g := NewGuard(f.evaluator, LockedLedger{Locker: failingLocker{err: context.Canceled}, Store: f.store}, f.clock, nil)

		_, _, err := g.Admit(context.Background(), Request{RequesterID: "u1", ResourceID: "r1"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGuard_ThrottleCountsOnlyEvaluatedRequests(t *testing.T) {
	clk := clock.NewManual(t0)
	store := ledger.NewMemoryRepository()
	th := throttle.NewMemory(3, time.Second)
	ev := NewEvaluator(store, clk, nil, DefaultRules(DefaultPolicy, th)...)
	g := NewGuard(ev, LockedLedger{Locker: lock.NewKeyedMutex(0), Store: store}, clk, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, _, err := g.Admit(ctx, Request{RequesterID: fmt.Sprintf("u%d", i), ResourceID: "r1", CallerAddress: "10.0.0.1"})
		require.NoError(t, err)
		require.True(t, d.Allowed())
	}

	d, event, err := g.Admit(ctx, Request{RequesterID: "u9", ResourceID: "r1", CallerAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.Equal(t, ReasonIPThrottled, d.Reason)
	assert.Equal(t, 0, countEvents(t, store, "u9"))
}

// boundLedger hands the critical section its own store, the way the
// Postgres pairing hands it a transaction-bound ledger.
type boundLedger struct {
	store ledger.Repository
	calls int
}

func (b *boundLedger) WithLock(ctx context.Context, _ string, fn func(context.Context, ledger.Repository) error) error {
	b.calls++
	return fn(ctx, b.store)
}

func TestGuard_AdmitReadsAndAppendsThroughLockedStore(t *testing.T) {
	f := newFixture(t)
	locked := ledger.NewMemoryRepository()
	for i := 0; i < 5; i++ {
		require.NoError(t, locked.Append(context.Background(), &ledger.BookingEvent{
			RequesterID: "u1",
			ResourceID:  fmt.Sprintf("r%d", i),
			CreatedAt:   t0,
		}))
	}
	bound := &boundLedger{store: locked}
	g := NewGuard(f.evaluator, bound, f.clock, nil)

	// The evaluator's own ledger is empty; the quota is only visible through the bound store.
	d, event, err := g.Admit(context.Background(), Request{RequesterID: "u1", ResourceID: "r9"})
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.Equal(t, ReasonUserQuotaExceeded, d.Reason)

	d, event, err = g.Admit(context.Background(), Request{RequesterID: "u2", ResourceID: "r9"})
	require.NoError(t, err)
	require.True(t, d.Allowed())
	require.NotNil(t, event)
	assert.Equal(t, 1, countEvents(t, locked, "u2"))
	assert.Equal(t, 0, countEvents(t, f.store, "u2"))
	assert.Equal(t, 2, bound.calls)
}

func TestGuard_CheckDoesNotCountAgainstThrottle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := f.guard.Check(ctx, Request{RequesterID: "u1", ResourceID: "r1", CallerAddress: "10.0.0.1"})
		require.NoError(t, err)
		require.True(t, d.Allowed(), "check %d", i)
	}

	d, _, err := f.guard.Admit(ctx, Request{RequesterID: "u1", ResourceID: "r1", CallerAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	res, err := f.throttle.Check(ctx, "10.0.0.1", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count, "only the admit and this call were counted")
}
