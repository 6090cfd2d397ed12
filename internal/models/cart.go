package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CartSession is the last synced cart of a user; at most one per user.
// LastSyncedAt only moves on cart writes, so marking a reminder does not refresh staleness.
// Version grows whenever the item list changes; a reminder is marked against the version it described.
type CartSession struct {
	BaseModel
	UserID         uuid.UUID      `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	User           *User          `json:"user,omitempty"`
	Items          datatypes.JSON `gorm:"not null" json:"items"`
	Total          int64          `gorm:"not null" json:"total"`
	Version        int64          `gorm:"not null;default:1" json:"version"`
	LastSyncedAt   time.Time      `gorm:"index;not null" json:"last_synced_at"`
	ReminderSent   bool           `gorm:"not null;default:false;index" json:"reminder_sent"`
	ReminderSentAt *time.Time     `json:"reminder_sent_at"`
}

// CartItem is one line of a synced cart.
type CartItem struct {
	ProductID   string         `json:"productId"`
	ProductName string         `json:"productName"`
	Price       int64          `json:"price"`
	Quantity    int            `json:"quantity"`
	Options     map[string]any `json:"options,omitempty"`
}
