package models

import "time"

// Payment statuses. Completed and failed are terminal: the only legal
// transitions are pending -> completed and pending -> failed, enforced as a
// compare-and-swap on the status column wherever a transition is written.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

// Payment is one attempted settlement. Rows are created on initiation and
// mutated only by verification/callback handling; they are never deleted.
type Payment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// TenantID is NULL for global payments created outside any tenant.
	TenantID *uint   `gorm:"column:tenant_id;index" json:"tenantId,omitempty"`
	Tenant   *Tenant `gorm:"foreignKey:TenantID"    json:"tenant,omitempty"`

	CustomerID *uint     `gorm:"column:customer_id;index" json:"customerId,omitempty"`
	Customer   *Customer `gorm:"foreignKey:CustomerID"    json:"customer,omitempty"`

	PlanID *uint        `gorm:"column:plan_id" json:"planId,omitempty"`
	Plan   *BillingPlan `gorm:"foreignKey:PlanID" json:"plan,omitempty"`

	// TransactionID is the caller-visible idempotency key,
	// format <prefix>-<date>-<random>, globally unique.
	TransactionID string `gorm:"column:transaction_id;uniqueIndex;not null" json:"transactionId"`

	// ProviderReference is the gateway's opaque id. Set at most once and never
	// overwritten after being set.
	ProviderReference *string `gorm:"column:provider_reference;uniqueIndex" json:"providerReference,omitempty"`

	Phone       string  `gorm:"column:phone;not null"              json:"phone"`
	Amount      float64 `gorm:"column:amount;type:numeric(12,2)"   json:"amount"`
	Currency    string  `gorm:"column:currency;default:UGX"        json:"currency"`
	Description string  `gorm:"column:description"                 json:"description"`

	Status        string     `gorm:"column:status;index;default:pending" json:"status"`
	PaidAt        *time.Time `gorm:"column:paid_at"                      json:"paidAt,omitempty"`
	FailedAt      *time.Time `gorm:"column:failed_at"                    json:"failedAt,omitempty"`
	FailureReason string     `gorm:"column:failure_reason"               json:"failureReason,omitempty"`

	// GatewayResponse keeps the provider's last raw response for audit.
	GatewayResponse string `gorm:"column:gateway_response;type:text" json:"-"`
}

func (Payment) TableName() string { return "payments" }

// Terminal reports whether the payment has reached a final state.
func (p *Payment) Terminal() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusFailed
}
