package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/microsoftjulius/billing-sub001/internal/payments"
)

// GatewayWebhookHandler receives payment notifications pushed by the
// mobile-money gateway. Processing failures return 5xx so the gateway's own
// retry mechanism re-delivers; malformed or unverifiable payloads return 4xx
// because redelivery cannot fix them.
func GatewayWebhookHandler(svc *payments.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
			return
		}

		outcome, err := svc.HandleCallback(c.Request.Context(), body)
		if err != nil {
			switch {
			case errors.Is(err, payments.ErrBadSignature):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			case errors.Is(err, payments.ErrMalformedCallback):
				c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed callback payload"})
			case errors.Is(err, payments.ErrPaymentNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "Unknown payment reference"})
			default:
				c.JSON(http.StatusBadGateway, gin.H{"error": "Callback processing failed"})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": outcome.Outcome})
	}
}
