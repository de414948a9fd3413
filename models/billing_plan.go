package models

import (
	"time"

	"gorm.io/gorm"
)

// BillingPlan describes one sellable access package. Profile is the bandwidth
// profile name pushed to the access controller together with the voucher.
type BillingPlan struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	TenantID uint    `gorm:"column:tenant_id;index;not null" json:"tenantId"`
	Tenant   *Tenant `gorm:"foreignKey:TenantID"             json:"tenant,omitempty"`

	Name          string  `gorm:"column:name;not null"               json:"name"`
	Profile       string  `gorm:"column:profile;not null"            json:"profile"`
	Price         float64 `gorm:"column:price;type:numeric(12,2)"    json:"price"`
	Currency      string  `gorm:"column:currency;default:UGX"        json:"currency"`
	ValidityHours int     `gorm:"column:validity_hours;not null"     json:"validityHours"`
	DataLimitMB   int64   `gorm:"column:data_limit_mb;default:0"     json:"dataLimitMb"`
	Active        bool    `gorm:"column:active;default:true"         json:"active"`
}

func (BillingPlan) TableName() string { return "billing_plans" }
