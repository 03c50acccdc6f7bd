package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/godocompany/market-moderation/utils"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID tags every request with an id, reusing a well-formed inbound one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {

		// Keep the caller's id only when it is a plain identifier
		id, ok := utils.SanitizeID(c.GetHeader(RequestIDHeader))
		if !ok {
			id = uuid.NewString()
		}

		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()

	}
}

// GetRequestID gets the id assigned by RequestID
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
