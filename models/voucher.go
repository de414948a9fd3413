package models

import (
	"time"

	"gorm.io/gorm"
)

// Voucher statuses. See internal/vouchers for the transition rules.
const (
	VoucherStatusUnused   = "unused"
	VoucherStatusActive   = "active"
	VoucherStatusUsed     = "used"
	VoucherStatusExpired  = "expired"
	VoucherStatusDisabled = "disabled"
	VoucherStatusRefunded = "refunded"
)

// Voucher is one unit of sellable access. Code doubles as the hotspot
// username on the access controller and is unique per tenant. The unique
// index on payment_id is the durable settlement idempotency marker: at most
// one voucher can ever exist for a given payment.
type Voucher struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	TenantID uint    `gorm:"column:tenant_id;not null;uniqueIndex:idx_vouchers_tenant_code" json:"tenantId"`
	Tenant   *Tenant `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`

	CustomerID *uint     `gorm:"column:customer_id;index" json:"customerId,omitempty"`
	Customer   *Customer `gorm:"foreignKey:CustomerID"    json:"customer,omitempty"`

	PaymentID *uint    `gorm:"column:payment_id;uniqueIndex" json:"paymentId,omitempty"`
	Payment   *Payment `gorm:"foreignKey:PaymentID"          json:"payment,omitempty"`

	Code     string `gorm:"column:code;not null;uniqueIndex:idx_vouchers_tenant_code" json:"code"`
	Password string `gorm:"column:password;not null" json:"password"`

	Profile       string  `gorm:"column:profile;not null"          json:"profile"`
	ValidityHours int     `gorm:"column:validity_hours;not null"   json:"validityHours"`
	DataLimitMB   int64   `gorm:"column:data_limit_mb;default:0"   json:"dataLimitMb"`
	Price         float64 `gorm:"column:price;type:numeric(12,2)"  json:"price"`

	Status string `gorm:"column:status;index;default:unused" json:"status"`

	// ExpiresAt is only set once the voucher leaves unused; a voucher in
	// active or used state always has a non-null ExpiresAt.
	ActivatedAt *time.Time `gorm:"column:activated_at" json:"activatedAt,omitempty"`
	ExpiresAt   *time.Time `gorm:"column:expires_at"   json:"expiresAt,omitempty"`
	SmsSentAt   *time.Time `gorm:"column:sms_sent_at"  json:"smsSentAt,omitempty"`
}

func (Voucher) TableName() string { return "vouchers" }
