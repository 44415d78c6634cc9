package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"booking-chat/internal/middleware"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// actorFromContext returns the caller's email when the request is authenticated.
func actorFromContext(c *gin.Context) *string {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok || claims.Email() == "" {
		return nil
	}
	email := claims.Email()
	return &email
}
