package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nekogravitycat/booking-guard/internal/admission"
	"github.com/nekogravitycat/booking-guard/internal/clock"
	"github.com/nekogravitycat/booking-guard/internal/throttle"
)

// AddressThrottle rejects callers by network address before any token is
// parsed, so unauthenticated floods never reach the auth or the ledger. It
// is a coarse outer limit; the admission rule set keeps its own per-address
// throttle for booking submissions.
func AddressThrottle(t throttle.Throttle, clk clock.Clock, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		addr := c.ClientIP()
		res, err := t.Check(c.Request.Context(), addr, clk.Now())
		if err != nil {
			log.Error("address throttle unavailable, denying", zap.String("client_ip", addr), zap.Error(err))
			writeDenied(c, admission.Unavailable())
			return
		}
		if !res.Allowed {
			writeDenied(c, admission.Throttled(res.RetryAfter))
			return
		}
		c.Next()
	}
}
