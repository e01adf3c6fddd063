package auth

import "github.com/gin-gonic/gin"

const requesterIDKey = "requesterID"

// SetRequesterID stores the authenticated requester on the Gin context.
func SetRequesterID(c *gin.Context, requesterID string) {
	c.Set(requesterIDKey, requesterID)
}

// GetRequesterID returns the authenticated requester's ID or empty string.
func GetRequesterID(c *gin.Context) string {
	if v, ok := c.Get(requesterIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
