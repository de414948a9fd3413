package routes

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/microsoftjulius/billing-sub001/internal/payments"
	"github.com/microsoftjulius/billing-sub001/internal/reconcile"
	"github.com/microsoftjulius/billing-sub001/internal/vouchers"
)

// Deps carries the wired services the route handlers close over.
type Deps struct {
	DB         *gorm.DB
	Payments   *payments.Service
	Vouchers   *vouchers.Service
	Reconciler *reconcile.Reconciler
}

// SetupRoutes registers every route on the engine. The gateway webhook is
// registered outside the auth group: the gateway signs its payloads instead
// of carrying a user token.
func SetupRoutes(r *gin.Engine, deps Deps) {
	RegisterPublicRoutes(r, deps)
	RegisterAPIRoutes(r, deps)
}
