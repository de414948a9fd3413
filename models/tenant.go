package models

import "time"

// Tenant is the isolation boundary. Every voucher, plan and device belongs to
// exactly one tenant; payments may be global (tenant_id NULL).
// Tenants are soft-disabled via Active, never hard-deleted while referenced.
type Tenant struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Code is the short slug used as the transaction-id prefix and in exports.
	Code   string `gorm:"column:code;uniqueIndex;not null" json:"code"`
	Name   string `gorm:"column:name;not null"             json:"name"`
	Active bool   `gorm:"column:active;default:true"       json:"active"`

	// MaxActiveVouchers caps concurrently active vouchers; 0 means unlimited.
	MaxActiveVouchers int `gorm:"column:max_active_vouchers;default:0" json:"maxActiveVouchers"`
}

func (Tenant) TableName() string { return "tenants" }
