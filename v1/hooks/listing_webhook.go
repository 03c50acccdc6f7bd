package hooks

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/godocompany/market-moderation/services"
	"github.com/godocompany/market-moderation/v1/middleware"
	"github.com/rs/zerolog"
)

const maxWebhookBody = 1 << 20

func ListingWebhook(
	intake *services.ListingIntake,
	log zerolog.Logger,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		deliveryID := middleware.GetRequestID(c)

		// Get the request body
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
		var req services.ListingEvent
		if err := c.ShouldBindJSON(&req); err != nil {
			log.Info().Err(err).Str("delivery", deliveryID).Msg("malformed listing webhook")
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed webhook body"})
			return
		}

		// Apply the event to the moderation queue
		outcome, err := intake.Handle(c.Request.Context(), req)
		var pe *services.PolicyError
		if errors.As(err, &pe) {
			c.JSON(http.StatusBadRequest, gin.H{"error": pe.Reason})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("delivery", deliveryID).Msg("listing webhook failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": services.GenericFailureMessage})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"data": gin.H{
				"status":      outcome,
				"delivery_id": deliveryID,
			},
		})

	}
}
