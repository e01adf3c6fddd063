package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nekogravitycat/booking-guard/internal/pkg/apperror"
	"github.com/nekogravitycat/booking-guard/internal/pkg/response"
)

var (
	ErrMissingToken = apperror.NewWithReason(http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header")
	ErrBadScheme    = apperror.NewWithReason(http.StatusUnauthorized, "UNAUTHORIZED", "invalid Authorization header format")
	ErrInvalidToken = apperror.NewWithReason(http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
)

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrBadScheme
	}
	return strings.TrimSpace(token), nil
}

// AuthRequired validates the bearer JWT and exposes its subject as the
// requester for the rest of the chain.
func AuthRequired(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		claims, err := jwtManager.ParseAndValidate(token)
		if err != nil {
			response.Error(c, ErrInvalidToken)
			c.Abort()
			return
		}

		SetRequesterID(c, claims.RequesterID())
		c.Next()
	}
}
