package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/nekogravitycat/booking-guard/internal/ledger"
	"github.com/nekogravitycat/booking-guard/internal/throttle"
)

// Outcome is what a single rule reports back to the evaluator.
type Outcome struct {
	Denied     bool
	Reason     Reason
	Message    string
	RetryAfter time.Duration
	Used       int
	Remaining  int
}

// Rule is one independent admission check. Rules must be pure with respect
// to the ledger: they read it and never write.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, events ledger.Reader, c Candidate) (Outcome, error)
}

// ScopeFunc derives the ledger scope a candidate is evaluated against.
type ScopeFunc func(c Candidate) ledger.ScopeKey

func ByRequester(c Candidate) ledger.ScopeKey {
	return ledger.ScopeKey{RequesterID: c.RequesterID}
}

func ByRequesterAndResource(c Candidate) ledger.ScopeKey {
	return ledger.ScopeKey{RequesterID: c.RequesterID, ResourceID: c.ResourceID}
}

// QuotaRule denies once the number of scoped events inside the rolling
// window reaches Limit. Limit 0 is a cooldown: any event in the window denies.
type QuotaRule struct {
	RuleName string
	Reason   Reason
	Message  string
	Window   time.Duration
	Scope    ScopeFunc
	Limit    int
}

func (r *QuotaRule) Name() string {
	return r.RuleName
}

func (r *QuotaRule) Evaluate(ctx context.Context, events ledger.Reader, c Candidate) (Outcome, error) {
	scope := r.Scope(c)
	inWindow, err := events.QueryEvents(ctx, scope, c.Now.Add(-r.Window))
	if err != nil {
		return Outcome{}, fmt.Errorf("rule %s: query %s: %w", r.RuleName, scope, err)
	}

	count := len(inWindow)
	out := Outcome{Used: count, Remaining: max(r.Limit-count, 0)}

	threshold := max(r.Limit, 1)
	if count < threshold {
		return out, nil
	}

	// The request becomes admissible once count drops below threshold, i.e.
	// when the event at index count-threshold leaves the window. For a
	// cooldown that is the latest event.
	blocking := inWindow[count-threshold]
	out.Denied = true
	out.Reason = r.Reason
	out.Message = r.Message
	out.RetryAfter = r.Window - c.Now.Sub(blocking.CreatedAt)
	return out, nil
}

// ThrottleRule delegates to the per-address throttle. Unlike quota rules it
// does not look at the ledger.
type ThrottleRule struct {
	RuleName string
	Message  string
	Throttle throttle.Throttle
}

func (r *ThrottleRule) Name() string {
	return r.RuleName
}

func (r *ThrottleRule) Evaluate(ctx context.Context, _ ledger.Reader, c Candidate) (Outcome, error) {
	res, err := r.Throttle.Check(ctx, c.CallerAddress, c.Now)
	if err != nil {
		return Outcome{}, fmt.Errorf("rule %s: %w", r.RuleName, err)
	}
	if res.Allowed {
		return Outcome{}, nil
	}
	return Outcome{
		Denied:     true,
		Reason:     ReasonIPThrottled,
		Message:    r.Message,
		RetryAfter: res.RetryAfter,
	}, nil
}

// Policy carries the numbers behind the default rule set.
type Policy struct {
	QuotaLimit     int
	QuotaWindow    time.Duration
	CooldownWindow time.Duration
}

// DefaultPolicy: 5 bookings per hour, 30 minutes between bookings of the same resource.
var DefaultPolicy = Policy{
	QuotaLimit:     5,
	QuotaWindow:    time.Hour,
	CooldownWindow: 30 * time.Minute,
}

// DefaultRules builds the rule set in evaluation order: requester quota,
// resource cooldown, then the network throttle.
func DefaultRules(p Policy, t throttle.Throttle) []Rule {
	return []Rule{
		&QuotaRule{
			RuleName: "user_booking_quota",
			Reason:   ReasonUserQuotaExceeded,
			Message:  fmt.Sprintf("You can only create %d bookings per %s. Try again later.", p.QuotaLimit, humanize(p.QuotaWindow)),
			Window:   p.QuotaWindow,
			Scope:    ByRequester,
			Limit:    p.QuotaLimit,
		},
		&QuotaRule{
			RuleName: "resource_cooldown",
			Reason:   ReasonDuplicateBooking,
			Message:  fmt.Sprintf("You already have a recent booking with this barber. Wait %s before booking again.", humanizeCount(p.CooldownWindow)),
			Window:   p.CooldownWindow,
			Scope:    ByRequesterAndResource,
			Limit:    0,
		},
		&ThrottleRule{
			RuleName: "ip_throttle",
			Message:  throttledMessage,
			Throttle: t,
		},
	}
}

// humanize renders windows as "hour", "30 minutes", "2 hours".
func humanize(d time.Duration) string {
	n, unit := split(d)
	if n == 1 {
		return unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// humanizeCount always includes the number: "1 minute", "30 minutes".
func humanizeCount(d time.Duration) string {
	n, unit := split(d)
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func split(d time.Duration) (int64, string) {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return int64(d / time.Hour), "hour"
	case d >= time.Minute && d%time.Minute == 0:
		return int64(d / time.Minute), "minute"
	default:
		return int64(d / time.Second), "second"
	}
}
