package ledger

import (
	"errors"
	"net/http"
	"time"

	"github.com/nekogravitycat/booking-guard/internal/pkg/apperror"
)

var (
	ErrInvalidEvent  = apperror.New(http.StatusBadRequest, "booking event requires requester_id and resource_id")
	ErrInvalidFilter = apperror.New(http.StatusBadRequest, "requester_id filter is required")

	// ErrSchemaMissing is returned when the booking_events table does not exist.
	ErrSchemaMissing = errors.New("ledger: booking_events table is missing, run migrations")
)

// BookingEvent is an immutable fact: a booking was admitted and committed.
// Events are ordered by CreatedAt, ties broken by Seq (insertion order).
type BookingEvent struct {
	ID          string
	Seq         int64
	RequesterID string
	ResourceID  string
	CreatedAt   time.Time
}

// ScopeKey selects the subset of events a rule is evaluated against.
// An empty ResourceID means every resource of the requester.
type ScopeKey struct {
	RequesterID string
	ResourceID  string
}

func (k ScopeKey) String() string {
	if k.ResourceID == "" {
		return "requester:" + k.RequesterID
	}
	return "requester:" + k.RequesterID + "/resource:" + k.ResourceID
}

// Matches reports whether e falls inside the scope.
func (k ScopeKey) Matches(e *BookingEvent) bool {
	if e.RequesterID != k.RequesterID {
		return false
	}
	return k.ResourceID == "" || e.ResourceID == k.ResourceID
}

// Filter drives the paged audit listing. RequesterID is mandatory.
type Filter struct {
	RequesterID string
	ResourceID  string
	Since       *time.Time
	Page        int
	PageSize    int
}

func (f *Filter) normalize() error {
	if f.RequesterID == "" {
		return ErrInvalidFilter
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	return nil
}
