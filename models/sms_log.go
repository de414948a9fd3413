package models

import "time"

const (
	SmsStatusSent   = "sent"
	SmsStatusFailed = "failed"
)

// SmsLog records every dispatch attempt. Sending is best-effort and never
// rolls back settlement, so the log is the only trace of a failed send.
type SmsLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	TenantID  *uint  `gorm:"column:tenant_id;index"  json:"tenantId,omitempty"`
	VoucherID *uint  `gorm:"column:voucher_id;index" json:"voucherId,omitempty"`
	Phone     string `gorm:"column:phone;not null"   json:"phone"`
	Message   string `gorm:"column:message;type:text" json:"message"`
	Status    string `gorm:"column:status"           json:"status"`
	Error     string `gorm:"column:error"            json:"error,omitempty"`
}

func (SmsLog) TableName() string { return "sms_logs" }
