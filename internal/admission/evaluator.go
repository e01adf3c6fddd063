package admission

import (
	"context"

	"go.uber.org/zap"

	"github.com/nekogravitycat/booking-guard/internal/clock"
	"github.com/nekogravitycat/booking-guard/internal/ledger"
)

// Evaluator runs an ordered rule set against the ledger. It only reads;
// recording an admitted booking is the Guard's job.
type Evaluator struct {
	events ledger.Reader
	rules  []Rule
	clock  clock.Clock
	log    *zap.Logger
}

func NewEvaluator(events ledger.Reader, clk clock.Clock, log *zap.Logger, rules ...Rule) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{
		events: events,
		rules:  rules,
		clock:  clk,
		log:    log,
	}
}

// Evaluate runs the rules in declared order and stops at the first denial.
// Missing identifiers return ErrInvalidCandidate before any rule runs. A
// failing collaborator never lets a request through: it yields Unavailable.
func (e *Evaluator) Evaluate(ctx context.Context, c Candidate) (Decision, error) {
	return e.evaluate(ctx, e.events, c, false)
}

// Preview is Evaluate without the rules that keep their own state, so a dry
// run leaves no trace, not even in the address throttle.
func (e *Evaluator) Preview(ctx context.Context, c Candidate) (Decision, error) {
	return e.evaluate(ctx, e.events, c, true)
}

// evaluate reads from events, which inside the Guard is the ledger bound to
// the held scope lock.
func (e *Evaluator) evaluate(ctx context.Context, events ledger.Reader, c Candidate, preview bool) (Decision, error) {
	if err := c.validate(); err != nil {
		return Decision{}, err
	}
	if c.Now.IsZero() {
		c.Now = e.clock.Now()
	}

	var primary Outcome
	primarySet := false
	for _, rule := range e.rules {
		if _, stateful := rule.(*ThrottleRule); stateful && preview {
			continue
		}
		out, err := rule.Evaluate(ctx, events, c)
		if err != nil {
			e.log.Error("admission rule failed, denying",
				zap.String("rule", rule.Name()),
				zap.String("requester_id", c.RequesterID),
				zap.Error(err))
			return Unavailable(), nil
		}
		if out.Denied {
			d := denied(rule.Name(), out.Reason, out.Message, ceilSeconds(out.RetryAfter))
			e.log.Info("admission denied",
				zap.String("rule", rule.Name()),
				zap.String("reason", string(out.Reason)),
				zap.String("requester_id", c.RequesterID),
				zap.String("resource_id", c.ResourceID),
				zap.Int("retry_after", d.RetryAfterSeconds))
			return d, nil
		}
		if !primarySet {
			primary, primarySet = out, true
		}
	}

	return allowed(primary.Used, primary.Remaining), nil
}

// Usage reports the primary quota's state for a requester without running
// any other rule, so it neither touches the throttle nor needs a resource.
func (e *Evaluator) Usage(ctx context.Context, requesterID string) (Decision, error) {
	c := Candidate{RequesterID: requesterID, ResourceID: "-", Now: e.clock.Now()}
	if err := c.validate(); err != nil {
		return Decision{}, err
	}

	for _, rule := range e.rules {
		q, ok := rule.(*QuotaRule)
		if !ok {
			continue
		}
		out, err := q.Evaluate(ctx, e.events, c)
		if err != nil {
			e.log.Error("usage query failed", zap.String("requester_id", requesterID), zap.Error(err))
			return Unavailable(), nil
		}
		if out.Denied {
			return denied(q.Name(), out.Reason, out.Message, ceilSeconds(out.RetryAfter)), nil
		}
		return allowed(out.Used, out.Remaining), nil
	}
	return allowed(0, 0), nil
}
