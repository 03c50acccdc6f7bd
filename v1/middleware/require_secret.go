package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireSecret only lets through requests carrying "Authorization: Bearer
// <secret>". With no secret configured every request is refused.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {

		// Get the bearer value from the header
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")

		if secret == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Next()

	}
}
