package models

import "time"

// CallbackLog outcomes.
const (
	CallbackOutcomeCompleted     = "completed"
	CallbackOutcomeFailed        = "failed"
	CallbackOutcomeIgnored       = "ignored"
	CallbackOutcomeUnknownStatus = "unknown_status"
	CallbackOutcomeNotFound      = "payment_not_found"
)

// CallbackLog stores every gateway callback as received, including ones with
// an unknown status vocabulary, so duplicate and anomalous deliveries stay
// auditable.
type CallbackLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	PaymentID *uint  `gorm:"column:payment_id;index"          json:"paymentId,omitempty"`
	Reference string `gorm:"column:reference;index"           json:"reference"`
	RawStatus string `gorm:"column:raw_status"                json:"rawStatus"`
	Outcome   string `gorm:"column:outcome"                   json:"outcome"`
	Payload   string `gorm:"column:payload;type:text"         json:"payload"`
}

func (CallbackLog) TableName() string { return "callback_logs" }
