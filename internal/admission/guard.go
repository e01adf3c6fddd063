package admission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nekogravitycat/booking-guard/internal/clock"
	"github.com/nekogravitycat/booking-guard/internal/ledger"
)

// Guard closes the check-then-act race: evaluation and the append of the
// admitted event happen under one exclusive lock per requester. Every rule
// scope starts with the requester, so that single key covers all of them.
type Guard struct {
	evaluator *Evaluator
	exclusive Exclusive
	clock     clock.Clock
	log       *zap.Logger
}

func NewGuard(evaluator *Evaluator, exclusive Exclusive, clk clock.Clock, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		evaluator: evaluator,
		exclusive: exclusive,
		clock:     clk,
		log:       log,
	}
}

func scopeLockKey(requesterID string) string {
	return "admission:requester:" + requesterID
}

// Check is a dry run: it evaluates the ledger rules without locking or
// recording anything, and without counting against the address throttle.
// The answer may be stale by the time the caller acts on it; use Admit to
// actually consume quota.
func (g *Guard) Check(ctx context.Context, req Request) (Decision, error) {
	return g.evaluator.Preview(ctx, Candidate{
		RequesterID:   req.RequesterID,
		ResourceID:    req.ResourceID,
		CallerAddress: req.CallerAddress,
		Now:           g.clock.Now(),
	})
}

// Admit evaluates req and, if allowed, appends its BookingEvent before the
// scope lock is released. On denial nothing is written.
func (g *Guard) Admit(ctx context.Context, req Request) (Decision, *ledger.BookingEvent, error) {
	c := Candidate{
		RequesterID:   req.RequesterID,
		ResourceID:    req.ResourceID,
		CallerAddress: req.CallerAddress,
	}
	if err := c.validate(); err != nil {
		return Decision{}, nil, err
	}

	var (
		d     Decision
		event *ledger.BookingEvent
	)
	err := g.exclusive.WithLock(ctx, scopeLockKey(req.RequesterID), func(ctx context.Context, store ledger.Repository) error {
		// Read the clock only once the lock is held so the event timestamp is
		// ordered after everything the evaluation saw.
		c.Now = g.clock.Now()

		var err error
		if d, err = g.evaluator.evaluate(ctx, store, c, false); err != nil || !d.Allowed() {
			return err
		}

		e := &ledger.BookingEvent{
			RequesterID: req.RequesterID,
			ResourceID:  req.ResourceID,
			CreatedAt:   c.Now,
		}
		if err := store.Append(ctx, e); err != nil {
			return fmt.Errorf("append booking event: %w", err)
		}
		event = e
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Decision{}, nil, fmt.Errorf("admission aborted: %w", err)
		}
		g.log.Error("scope lock or append failed, denying",
			zap.String("requester_id", req.RequesterID),
			zap.String("resource_id", req.ResourceID),
			zap.Error(err))
		return Unavailable(), nil, nil
	}
	if event == nil {
		return d, nil, nil
	}

	g.log.Info("booking admitted",
		zap.String("event_id", event.ID),
		zap.String("requester_id", req.RequesterID),
		zap.String("resource_id", req.ResourceID))
	return d.committed(), event, nil
}

// Usage returns the requester's primary quota state.
func (g *Guard) Usage(ctx context.Context, requesterID string) (Decision, error) {
	return g.evaluator.Usage(ctx, requesterID)
}
