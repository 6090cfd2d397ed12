package models

import (
	"time"
)

// User is a storefront customer identified by their Telegram account.
// Balance is kept in minor units (kopecks) and only changes through ledger operations.
type User struct {
	BaseModel
	TelegramID   int64      `gorm:"uniqueIndex;not null" json:"telegram_id"`
	Username     string     `json:"username"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	LanguageCode string     `json:"language_code"`
	Balance      int64      `gorm:"not null;default:0;check:chk_users_balance,balance >= 0" json:"balance"`
	IsBanned     bool       `gorm:"not null;default:false;index" json:"is_banned"`
	LastSeenAt   *time.Time `json:"last_seen_at"`
}

// DisplayName returns the best human-readable name for notifications.
func (u User) DisplayName() string {
	switch {
	case u.Username != "":
		return "@" + u.Username
	case u.FirstName != "" || u.LastName != "":
		if u.LastName == "" {
			return u.FirstName
		}
		return u.FirstName + " " + u.LastName
	default:
		return "Не указано"
	}
}
