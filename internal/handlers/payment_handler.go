package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/microsoftjulius/billing-sub001/internal/payments"
	"github.com/microsoftjulius/billing-sub001/models"
)

type initiatePaymentRequest struct {
	CustomerID  *uint   `json:"customerId"`
	PlanID      *uint   `json:"planId"`
	Phone       string  `json:"phone" binding:"required"`
	Amount      float64 `json:"amount" binding:"required"`
	Currency    string  `json:"currency"`
	Description string  `json:"description"`
}

// InitiatePaymentHandler starts a mobile-money collection. When the gateway
// call fails the pending payment is still returned: its transaction id is the
// key the customer polls with once the gateway recovers.
func InitiatePaymentHandler(svc *payments.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}

		var req initiatePaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
			return
		}

		payment, err := svc.Initiate(c.Request.Context(), sc, payments.InitiateInput{
			CustomerID:  req.CustomerID,
			PlanID:      req.PlanID,
			Phone:       req.Phone,
			Amount:      req.Amount,
			Currency:    req.Currency,
			Description: req.Description,
		})
		if err != nil {
			switch {
			case errors.Is(err, payments.ErrInvalidAmount), errors.Is(err, payments.ErrMissingPhone):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, payments.ErrGatewayInitiate):
				c.JSON(http.StatusBadGateway, gin.H{
					"error":   err.Error(),
					"payment": payment,
				})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate payment"})
			}
			return
		}

		c.JSON(http.StatusCreated, payment)
	}
}

// VerifyPaymentHandler polls the authoritative payment status. A transient
// gateway failure never surfaces as a payment failure here.
func VerifyPaymentHandler(svc *payments.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}

		payment, err := svc.Verify(c.Request.Context(), sc, c.Param("transactionId"))
		if err != nil {
			if errors.Is(err, payments.ErrPaymentNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify payment"})
			return
		}
		c.JSON(http.StatusOK, payment)
	}
}

// ListPaymentsHandler returns the scope's payments, newest first.
func ListPaymentsHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}

		query := sc.Apply(db.Model(&models.Payment{}))
		if status := c.Query("status"); status != "" {
			query = query.Where("status = ?", status)
		}
		if phone := c.Query("phone"); phone != "" {
			query = query.Where("phone = ?", phone)
		}

		var totalRows int64
		if err := query.Count(&totalRows).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count payments"})
			return
		}

		var list []models.Payment
		if err := query.Scopes(Paginate(c)).Order("created_at DESC").Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payments"})
			return
		}
		if list == nil {
			list = make([]models.Payment, 0)
		}

		c.JSON(http.StatusOK, CreatePaginatedResponse(c, list, totalRows))
	}
}
