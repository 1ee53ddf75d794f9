package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/booking-core/pkg/response"
)

const (
	// UserIDHeader is set by the gateway after authentication
	UserIDHeader = "X-User-ID"
	// ContextKeyUserID is the gin context key for the requester
	ContextKeyUserID = "user_id"
)

// Requester copies the gateway's X-User-ID header into the gin context.
// Requests without it are rejected with 401.
func Requester() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			response.Unauthorized(c, "X-User-ID header is required")
			return
		}
		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}

// GetUserID returns the requester set by Requester
func GetUserID(c *gin.Context) (string, bool) {
	userID := c.GetString(ContextKeyUserID)
	return userID, userID != ""
}
