package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nekogravitycat/booking-guard/internal/admission"
	"github.com/nekogravitycat/booking-guard/internal/auth"
	"github.com/nekogravitycat/booking-guard/internal/ledger"
	"github.com/nekogravitycat/booking-guard/internal/pkg/apperror"
	"github.com/nekogravitycat/booking-guard/internal/pkg/response"
)

var ErrRequesterMismatch = apperror.NewWithReason(http.StatusForbidden, "FORBIDDEN", "requester_id does not match the authenticated user")

// Guard is the subset of admission.Guard the handlers drive.
type Guard interface {
	Check(ctx context.Context, req admission.Request) (admission.Decision, error)
	Admit(ctx context.Context, req admission.Request) (admission.Decision, *ledger.BookingEvent, error)
	Usage(ctx context.Context, requesterID string) (admission.Decision, error)
}

// EventLister serves the paged audit trail.
type EventLister interface {
	List(ctx context.Context, filter ledger.Filter) ([]*ledger.BookingEvent, int, error)
}

type Handler struct {
	guard  Guard
	events EventLister
}

func NewHandler(guard Guard, events EventLister) *Handler {
	return &Handler{
		guard:  guard,
		events: events,
	}
}

// bindRequest resolves the admission request from the body, the token and
// the connection. It writes the error response itself and reports false.
func (h *Handler) bindRequest(c *gin.Context) (admission.Request, bool) {
	var body AdmissionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return admission.Request{}, false
	}

	requesterID := auth.GetRequesterID(c)
	if requesterID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return admission.Request{}, false
	}
	if body.RequesterID != "" && body.RequesterID != requesterID {
		response.Error(c, ErrRequesterMismatch)
		return admission.Request{}, false
	}

	return admission.Request{
		RequesterID:   requesterID,
		ResourceID:    body.ResourceID,
		CallerAddress: c.ClientIP(),
	}, true
}

// Check evaluates the request without recording anything.
func (h *Handler) Check(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	d, err := h.guard.Check(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !d.Allowed() {
		writeDenied(c, d)
		return
	}

	setRemaining(c, d)
	c.JSON(http.StatusOK, d)
}

// Create admits the booking and records its event atomically.
func (h *Handler) Create(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	d, event, err := h.guard.Admit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !d.Allowed() {
		writeDenied(c, d)
		return
	}

	setRemaining(c, d)
	c.JSON(http.StatusCreated, CreateResponse{
		Event:     NewEventResponse(event),
		Admission: d,
	})
}

// Usage reports the requester's quota state. An exhausted quota is still a
// successful answer here; only an unavailable evaluator is an error.
func (h *Handler) Usage(c *gin.Context) {
	requesterID := auth.GetRequesterID(c)
	if requesterID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	d, err := h.guard.Usage(c.Request.Context(), requesterID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if d.Reason == admission.ReasonEvaluatorUnavailable {
		c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
		c.JSON(http.StatusServiceUnavailable, NewDeniedResponse(d))
		return
	}

	setRemaining(c, d)
	c.JSON(http.StatusOK, d)
}

// ListEvents pages through the requester's own booking events, newest first.
func (h *Handler) ListEvents(c *gin.Context) {
	var req ListEventsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters", "details": err.Error()})
		return
	}
	req.Normalize()

	requesterID := auth.GetRequesterID(c)
	if requesterID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	events, total, err := h.events.List(c.Request.Context(), ledger.Filter{
		RequesterID: requesterID,
		ResourceID:  req.ResourceID,
		Since:       req.Since,
		Page:        req.Page,
		PageSize:    req.PageSize,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]EventResponse, len(events))
	for i, e := range events {
		items[i] = NewEventResponse(e)
	}

	c.JSON(http.StatusOK, response.NewPageResponse(items, req.Page, req.PageSize, total))
}

func setRemaining(c *gin.Context, d admission.Decision) {
	c.Header("X-Ratelimit-Remaining", strconv.Itoa(d.RemainingQuota))
}

// writeDenied answers every denial with 429; an outage is told apart from
// real abuse only by its reason code.
func writeDenied(c *gin.Context, d admission.Decision) {
	c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, NewDeniedResponse(d))
}
