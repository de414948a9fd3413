package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/microsoftjulius/billing-sub001/internal/reconcile"
)

type syncRequest struct {
	Mode string `json:"mode"`
}

// SyncVouchersHandler triggers an on-demand reconciliation run for the
// request's tenant. The report is returned even when some vouchers failed;
// "success" tells the caller whether the run converged completely.
func SyncVouchersHandler(rec *reconcile.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}

		var req syncRequest
		_ = c.ShouldBindJSON(&req)

		mode, err := reconcile.ParseMode(req.Mode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		report, err := rec.Run(c.Request.Context(), sc, mode)
		if err != nil {
			if errors.Is(err, reconcile.ErrGlobalScope) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Specify a tenant_id to reconcile"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": report.Successful(),
			"report":  report,
		})
	}
}

type cleanupRequest struct {
	RetentionDays int `json:"retentionDays"`
}

// CleanupExpiredHandler removes expired vouchers from the controller and
// purges old payment-less expired vouchers past the retention window.
func CleanupExpiredHandler(rec *reconcile.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}

		req := cleanupRequest{RetentionDays: 30}
		_ = c.ShouldBindJSON(&req)
		if req.RetentionDays < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "retentionDays must be at least 1"})
			return
		}

		report, err := rec.CleanupExpired(c.Request.Context(), sc, time.Duration(req.RetentionDays)*24*time.Hour)
		if err != nil {
			if errors.Is(err, reconcile.ErrGlobalScope) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Specify a tenant_id to clean up"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, report)
	}
}
