package hooks

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/godocompany/market-moderation/services"
)

func ModerationState(
	store *services.SessionStore,
	roster *services.Roster,
) gin.HandlerFunc {
	return func(c *gin.Context) {

		// Count the members who get new-listing notifications
		members := roster.All()
		available := 0
		for _, m := range members {
			if m.Available {
				available++
			}
		}

		// Return the queue and sanction counters
		c.JSON(http.StatusOK, gin.H{
			"data": gin.H{
				"store": store.Snapshot(),
				"roster": gin.H{
					"members":   len(members),
					"available": available,
				},
			},
		})

	}
}
