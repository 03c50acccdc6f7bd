package hooks

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func Health(started time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {

		// Return the process health
		c.JSON(http.StatusOK, gin.H{
			"data": gin.H{
				"status":         "ok",
				"uptime_seconds": int64(time.Since(started).Seconds()),
			},
		})

	}
}
