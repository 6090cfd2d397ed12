package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/storefront/internal/database"
	"github.com/example/storefront/internal/models"
)

const (
	CartActionCreated = "created"
	CartActionUpdated = "updated"
	CartActionCleared = "cleared"
)

// CartService persists the storefront's debounced cart snapshots.
type CartService struct {
	db  *gorm.DB
	now func() time.Time
	log *zap.Logger
}

func NewCartService(db *gorm.DB, log *zap.Logger) *CartService {
	return &CartService{db: db, now: time.Now, log: log}
}

// Sync stores the user's cart snapshot. An empty snapshot deletes the session.
// A changed item list re-arms the abandonment reminder; an identical one leaves the flag alone.
func (s *CartService) Sync(ctx context.Context, userID uuid.UUID, items []models.CartItem, total int64) (string, error) {
	if total < 0 {
		return "", ErrInvalidCart
	}
	for _, item := range items {
		if item.ProductID == "" || item.Quantity <= 0 || item.Price < 0 {
			return "", ErrInvalidCart
		}
	}

	if len(items) == 0 {
		if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.CartSession{}).Error; err != nil {
			return "", err
		}
		return CartActionCleared, nil
	}

	encoded, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCart, err)
	}

	action, err := s.upsert(ctx, userID, encoded, total)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent first sync created the session; the second attempt updates it.
		action, err = s.upsert(ctx, userID, encoded, total)
	}
	if err != nil {
		return "", err
	}

	s.log.Debug("cart synced", zap.String("user_id", userID.String()), zap.String("action", action))
	return action, nil
}

func (s *CartService) upsert(ctx context.Context, userID uuid.UUID, encoded []byte, total int64) (string, error) {
	var action string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		var session models.CartSession
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			session = models.CartSession{
				UserID:       userID,
				Items:        datatypes.JSON(encoded),
				Total:        total,
				Version:      1,
				LastSyncedAt: now,
			}
			if err := tx.Create(&session).Error; err != nil {
				if database.IsUniqueViolation(err) {
					return gorm.ErrDuplicatedKey
				}
				return err
			}
			action = CartActionCreated
			return nil
		}
		if err != nil {
			return err
		}

		updates := map[string]any{
			"total":          total,
			"last_synced_at": now,
		}
		if !sameItems(session.Items, encoded) {
			updates["items"] = datatypes.JSON(encoded)
			updates["version"] = session.Version + 1
			updates["reminder_sent"] = false
			updates["reminder_sent_at"] = nil
		}
		action = CartActionUpdated
		return tx.Model(&models.CartSession{}).Where("id = ?", session.ID).Updates(updates).Error
	})
	return action, err
}

// Get returns the user's stored cart; ok is false when none exists.
func (s *CartService) Get(ctx context.Context, userID uuid.UUID) (*models.CartSession, bool, error) {
	var session models.CartSession
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &session, true, nil
}

// sameItems compares item lists by their canonical JSON, ignoring how the stored copy was formatted.
func sameItems(stored datatypes.JSON, encoded []byte) bool {
	var items []models.CartItem
	if err := json.Unmarshal(stored, &items); err != nil {
		return false
	}
	canonical, err := json.Marshal(items)
	if err != nil {
		return false
	}
	return bytes.Equal(canonical, encoded)
}
