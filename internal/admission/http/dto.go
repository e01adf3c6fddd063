package http

import (
	"time"

	"github.com/nekogravitycat/booking-guard/internal/admission"
	"github.com/nekogravitycat/booking-guard/internal/ledger"
	"github.com/nekogravitycat/booking-guard/internal/pkg/request"
)

// AdmissionBody is shared by the dry-run check and booking creation.
// RequesterID is optional; when present it must match the token subject.
type AdmissionBody struct {
	ResourceID  string `json:"resource_id"`
	RequesterID string `json:"requester_id"`
}

// DeniedResponse is returned with 429, and with 503 when usage cannot be read.
type DeniedResponse struct {
	Error      string           `json:"error"`
	Reason     admission.Reason `json:"reason"`
	RetryAfter int              `json:"retry_after"`
}

func NewDeniedResponse(d admission.Decision) DeniedResponse {
	return DeniedResponse{
		Error:      d.Message,
		Reason:     d.Reason,
		RetryAfter: d.RetryAfterSeconds,
	}
}

type EventResponse struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	ResourceID  string    `json:"resource_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewEventResponse(e *ledger.BookingEvent) EventResponse {
	return EventResponse{
		ID:          e.ID,
		RequesterID: e.RequesterID,
		ResourceID:  e.ResourceID,
		CreatedAt:   e.CreatedAt,
	}
}

// CreateResponse is returned with 201 once the booking event is committed.
type CreateResponse struct {
	Event     EventResponse      `json:"event"`
	Admission admission.Decision `json:"admission"`
}

// ListEventsRequest defines query parameters for the requester's audit trail.
type ListEventsRequest struct {
	request.ListParams
	ResourceID string     `form:"resource_id"`
	Since      *time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
}
