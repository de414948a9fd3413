package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/microsoftjulius/billing-sub001/internal/handlers"
	"github.com/microsoftjulius/billing-sub001/internal/middleware"
)

// RegisterPublicRoutes registers the routes that do not require a user token.
func RegisterPublicRoutes(r *gin.Engine, deps Deps) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/login", handlers.LoginHandler(deps.DB))

	// Signed by the gateway, never by a user.
	r.POST("/api/webhooks/payment", handlers.GatewayWebhookHandler(deps.Payments))
}

// RegisterAPIRoutes registers all authenticated API routes.
func RegisterAPIRoutes(r *gin.Engine, deps Deps) {
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware())
	{
		payments := api.Group("/payments")
		{
			payments.POST("", handlers.InitiatePaymentHandler(deps.Payments))
			payments.GET("", handlers.ListPaymentsHandler(deps.DB))
			payments.GET("/:transactionId/verify", handlers.VerifyPaymentHandler(deps.Payments))
		}

		vouchers := api.Group("/vouchers")
		{
			vouchers.GET("", handlers.ListVouchersHandler(deps.DB))
			vouchers.POST("", handlers.CreateVouchersHandler(deps.Vouchers))
			vouchers.GET("/export", handlers.ExportVouchersHandler(deps.DB))
			vouchers.GET("/:id", handlers.GetVoucherHandler(deps.Vouchers))
			vouchers.PUT("/:id", handlers.UpdateVoucherHandler(deps.Vouchers))
			vouchers.DELETE("/:id", handlers.DeleteVoucherHandler(deps.Vouchers))
			vouchers.POST("/:id/activate", handlers.ActivateVoucherHandler(deps.Vouchers))
			vouchers.POST("/:id/disable", handlers.DisableVoucherHandler(deps.Vouchers))
			vouchers.POST("/:id/refund", handlers.RefundVoucherHandler(deps.Vouchers))
			vouchers.POST("/:id/transfer", handlers.TransferVoucherHandler(deps.Vouchers))
		}

		reconciliation := api.Group("/reconciliation")
		{
			reconciliation.POST("/sync", handlers.SyncVouchersHandler(deps.Reconciler))
			reconciliation.POST("/cleanup", middleware.RequireGlobal(), handlers.CleanupExpiredHandler(deps.Reconciler))
		}
	}
}
