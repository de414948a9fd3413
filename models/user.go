package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// User is a dashboard/API user. A user with a NULL tenant_id and the admin
// role operates globally; everyone else is scoped to their tenant.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	TenantID *uint   `gorm:"column:tenant_id;index" json:"tenantId,omitempty"`
	Tenant   *Tenant `gorm:"foreignKey:TenantID"    json:"tenant,omitempty"`

	Login        string `gorm:"column:login;uniqueIndex;not null" json:"login"`
	PasswordHash string `gorm:"column:password_hash;not null"     json:"-"`
	Role         string `gorm:"column:role;default:operator"      json:"role"`
	Active       bool   `gorm:"column:active;default:true"        json:"active"`
}

func (User) TableName() string { return "users" }
