package admission

import (
	"net/http"
	"strings"
	"time"

	"github.com/nekogravitycat/booking-guard/internal/pkg/apperror"
)

var (
	ErrInvalidCandidate = apperror.NewWithReason(http.StatusBadRequest, "INVALID_REQUEST", "requester_id and resource_id are required")
)

type Status string

const (
	StatusAllowed     Status = "ALLOWED"
	StatusRateLimited Status = "RATE_LIMITED"
)

// Reason is the machine-readable denial code returned to clients.
type Reason string

const (
	ReasonUserQuotaExceeded    Reason = "USER_BOOKING_QUOTA_EXCEEDED"
	ReasonDuplicateBooking     Reason = "DUPLICATE_BARBER_BOOKING"
	ReasonIPThrottled          Reason = "IP_THROTTLED"
	ReasonEvaluatorUnavailable Reason = "EVALUATOR_UNAVAILABLE"
)

// unavailableRetryAfter is the retry hint handed out while failing closed.
const unavailableRetryAfter = 5

// Request is what the booking workflow asks about.
type Request struct {
	RequesterID   string
	ResourceID    string
	CallerAddress string
}

// Candidate is a Request pinned to an evaluation instant. A zero Now means
// the evaluator's clock is read.
type Candidate struct {
	RequesterID   string
	ResourceID    string
	CallerAddress string
	Now           time.Time
}

func (c Candidate) validate() error {
	if strings.TrimSpace(c.RequesterID) == "" || strings.TrimSpace(c.ResourceID) == "" {
		return ErrInvalidCandidate
	}
	return nil
}

// Decision is the result of one evaluation: either allowed, carrying the
// primary rule's remaining quota, or denied, carrying the rule that denied
// and a retry hint. Never both.
type Decision struct {
	Status            Status `json:"status"`
	RuleName          string `json:"-"`
	Reason            Reason `json:"reason,omitempty"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after,omitempty"`
	RemainingQuota    int    `json:"remaining_quota"`
	UsedQuota         int    `json:"user_bookings_this_hour"`
}

func (d Decision) Allowed() bool {
	return d.Status == StatusAllowed
}

func allowed(used, remaining int) Decision {
	return Decision{
		Status:         StatusAllowed,
		Message:        "Rate limit check passed",
		RemainingQuota: remaining,
		UsedQuota:      used,
	}
}

func denied(rule string, reason Reason, message string, retryAfter int) Decision {
	return Decision{
		Status:            StatusRateLimited,
		RuleName:          rule,
		Reason:            reason,
		Message:           message,
		RetryAfterSeconds: retryAfter,
	}
}

// Unavailable is the fail-closed decision used when the ledger, the
// throttle or the scope lock cannot be reached.
func Unavailable() Decision {
	return denied("", ReasonEvaluatorUnavailable,
		"Booking admission is temporarily unavailable. Please try again shortly.",
		unavailableRetryAfter)
}

const throttledMessage = "Too many booking requests from your network. Slow down please."

// Throttled is the denial for a caller address over its request rate.
func Throttled(retryAfter time.Duration) Decision {
	return denied("ip_throttle", ReasonIPThrottled, throttledMessage, ceilSeconds(retryAfter))
}

// committed reflects one more booking having been recorded against the quota.
func (d Decision) committed() Decision {
	d.UsedQuota++
	if d.RemainingQuota > 0 {
		d.RemainingQuota--
	}
	return d
}

// ceilSeconds rounds d up to whole seconds, never below zero.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
