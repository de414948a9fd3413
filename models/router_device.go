package models

import "time"

// RouterDevice holds the access-controller endpoint and credentials for a
// tenant. The reconciler resolves the controller client from this row.
type RouterDevice struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	TenantID uint    `gorm:"column:tenant_id;index;not null" json:"tenantId"`
	Tenant   *Tenant `gorm:"foreignKey:TenantID"             json:"tenant,omitempty"`

	Name     string `gorm:"column:name;not null"    json:"name"`
	Address  string `gorm:"column:address;not null" json:"address"`
	Username string `gorm:"column:username"         json:"username"`
	Password string `gorm:"column:password"         json:"-"`
	Active   bool   `gorm:"column:active;default:true" json:"active"`
}

func (RouterDevice) TableName() string { return "router_devices" }
