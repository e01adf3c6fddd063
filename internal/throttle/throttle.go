package throttle

import (
	"context"
	"time"
)

// Result is the outcome of one check-and-increment.
type Result struct {
	Allowed    bool
	Count      int64         // requests seen in the current window, this one included
	Limit      int64         // requests allowed per window
	RetryAfter time.Duration // time until the window resets; zero when allowed
}

// Throttle counts requests per caller network address in fixed windows.
// Check increments and compares atomically: concurrent callers never lose counts.
type Throttle interface {
	Check(ctx context.Context, addr string, now time.Time) (Result, error)
}
