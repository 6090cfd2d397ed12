package models

import (
	"github.com/google/uuid"
)

const (
	TransactionKindDeposit  = "deposit"
	TransactionKindPurchase = "purchase"
	TransactionKindRefund   = "refund"
	TransactionKindBonus    = "bonus"
)

// Transaction is an immutable ledger entry.
// For one user, BalanceAfter[seq] == BalanceAfter[seq-1] + Amount[seq].
type Transaction struct {
	BaseModel
	UserID       uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_transactions_user_seq,priority:1;uniqueIndex:idx_transactions_user_payment,priority:1" json:"user_id"`
	Seq          int64      `gorm:"not null;uniqueIndex:idx_transactions_user_seq,priority:2" json:"seq"`
	Kind         string     `gorm:"size:16;index;not null" json:"kind"`
	Amount       int64      `gorm:"not null" json:"amount"`
	BalanceAfter int64      `gorm:"not null" json:"balance_after"`
	Description  string     `json:"description"`
	PaymentID    *string    `gorm:"size:128;uniqueIndex:idx_transactions_user_payment,priority:2" json:"payment_id"`
	OrderID      *uuid.UUID `gorm:"type:uuid;index" json:"order_id"`
}
