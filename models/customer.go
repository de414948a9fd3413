package models

import (
	"time"

	"gorm.io/gorm"
)

// Customer is a hotspot end user identified by phone number.
type Customer struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	TenantID uint    `gorm:"column:tenant_id;index;not null" json:"tenantId"`
	Tenant   *Tenant `gorm:"foreignKey:TenantID"             json:"tenant,omitempty"`

	Phone     string `gorm:"column:phone;index;not null" json:"phone"`
	FirstName string `gorm:"column:first_name"           json:"firstName"`
	LastName  string `gorm:"column:last_name"            json:"lastName"`
}

func (Customer) TableName() string { return "customers" }
