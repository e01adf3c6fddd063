package http

import (
	"github.com/gin-gonic/gin"
)

func RegisterRoutes(g *gin.RouterGroup, h *Handler, authMiddleware gin.HandlerFunc) {
	admissionGroup := g.Group("/admission")
	admissionGroup.Use(authMiddleware)
	{
		admissionGroup.POST("/check", h.Check)
	}

	bookings := g.Group("/bookings")
	bookings.Use(authMiddleware)
	{
		bookings.POST("", h.Create)
		bookings.GET("/usage", h.Usage)
		bookings.GET("/events", h.ListEvents)
	}
}
