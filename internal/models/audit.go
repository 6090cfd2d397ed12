package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	AuditKindPaymentReceived = "payment_received"
	AuditKindOrderSettled    = "order_settled"
	AuditKindOrderRefunded   = "order_refunded"
)

// AuditEvent is a best-effort analytics record written after an economic effect commits.
type AuditEvent struct {
	BaseModel
	Kind      string         `gorm:"size:32;index;not null" json:"kind"`
	UserID    *uuid.UUID     `gorm:"type:uuid;index" json:"user_id"`
	OrderID   *uuid.UUID     `gorm:"type:uuid" json:"order_id"`
	PaymentID string         `gorm:"size:128;index" json:"payment_id"`
	Amount    int64          `json:"amount"`
	Payload   datatypes.JSON `json:"payload,omitempty"`
}
