package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
	OrderStatusRefunded  = "refunded"
)

const (
	PaymentMethodBalance   = "balance"
	PaymentMethodCryptoPay = "cryptopay"
)

// Order is a purchase intent. Total is fixed at creation and never recomputed.
type Order struct {
	BaseModel
	UserID           uuid.UUID   `gorm:"type:uuid;index;not null" json:"user_id"`
	User             *User       `json:"user,omitempty"`
	OrderNumber      string      `gorm:"uniqueIndex" json:"order_number"`
	Status           string      `gorm:"size:16;index;not null" json:"status"`
	Total            int64       `gorm:"not null" json:"total"`
	BalanceUsed      int64       `gorm:"not null;default:0" json:"balance_used"`
	PaymentMethod    string      `gorm:"size:32" json:"payment_method"`
	PaymentID        *string     `gorm:"size:128;index" json:"payment_id"`
	PaymentURL       string      `json:"payment_url,omitempty"`
	DeliveredContent *string     `json:"delivered_content,omitempty"`
	PaidAt           *time.Time  `json:"paid_at"`
	CompletedAt      *time.Time  `json:"completed_at"`
	Items            []OrderItem `json:"items,omitempty"`
}

type OrderItem struct {
	BaseModel
	OrderID     uuid.UUID      `gorm:"type:uuid;index;not null" json:"order_id"`
	ProductID   uuid.UUID      `gorm:"type:uuid;index;not null" json:"product_id"`
	ProductName string         `json:"product_name"`
	UnitPrice   int64          `gorm:"not null" json:"unit_price"`
	Quantity    int            `gorm:"not null" json:"quantity"`
	LineTotal   int64          `gorm:"not null" json:"line_total"`
	Options     datatypes.JSON `json:"options,omitempty"`
}
