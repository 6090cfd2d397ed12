package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/storefront/internal/models"
)

var orderTransitions = map[string][]string{
	models.OrderStatusPending:   {models.OrderStatusPaid, models.OrderStatusCancelled},
	models.OrderStatusPaid:      {models.OrderStatusCompleted, models.OrderStatusRefunded},
	models.OrderStatusCompleted: {models.OrderStatusRefunded},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further mutation is allowed in status.
func IsTerminal(status string) bool {
	return status == models.OrderStatusCancelled || status == models.OrderStatusRefunded
}

// transitionOrder moves order to status `to` with a compare-and-set on its current status,
// so two writers can never both apply a transition from the same state.
func transitionOrder(tx *gorm.DB, order *models.Order, to string, extra map[string]any) error {
	if IsTerminal(order.Status) {
		return fmt.Errorf("%w: order %s is already %s", ErrInvalidTransition, order.ID, order.Status)
	}
	if !CanTransition(order.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, to)
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	switch to {
	case models.OrderStatusPaid:
		updates["paid_at"] = now
	case models.OrderStatusCompleted:
		updates["completed_at"] = now
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := tx.Model(&models.Order{}).
		Where("id = ? AND status = ?", order.ID, order.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s is no longer %s", ErrInvalidTransition, order.ID, order.Status)
	}

	order.Status = to
	switch to {
	case models.OrderStatusPaid:
		order.PaidAt = &now
	case models.OrderStatusCompleted:
		order.CompletedAt = &now
	}
	return nil
}

func lockOrder(tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// OrderService drives orders through their lifecycle after creation.
type OrderService struct {
	db       *gorm.DB
	ledger   *LedgerService
	notifier *TelegramService
	log      *zap.Logger
}

func NewOrderService(db *gorm.DB, ledger *LedgerService, notifier *TelegramService, log *zap.Logger) *OrderService {
	return &OrderService{db: db, ledger: ledger, notifier: notifier, log: log}
}

// Get returns an order of the user with its items.
func (s *OrderService) Get(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Preload("Items").
		First(&order, "id = ? AND user_id = ?", orderID, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// List returns the user's orders, newest first, optionally filtered by status.
func (s *OrderService) List(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]models.Order, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Order{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []models.Order
	if err := query.Preload("Items").
		Order("created_at desc").
		Limit(limit).Offset(offset).
		Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// Cancel lets the owner abandon a pending order. Nothing was charged, so no ledger entry follows.
func (s *OrderService) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return ErrOrderNotFound
		}
		return transitionOrder(tx, order, models.OrderStatusCancelled, nil)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Complete records that the purchased content was delivered.
// Payment alone never completes an order; fulfillment must confirm it here.
func (s *OrderService) Complete(ctx context.Context, orderID uuid.UUID, content string) (*models.Order, error) {
	var order *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		var extra map[string]any
		if content != "" {
			extra = map[string]any{"delivered_content": content}
			order.DeliveredContent = &content
		}
		return transitionOrder(tx, order, models.OrderStatusCompleted, extra)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order completed", zap.String("order_id", order.ID.String()))
	s.notifyUser(ctx, order.UserID, fmt.Sprintf("✅ Заказ <b>%s</b> выполнен. Спасибо за покупку!", order.OrderNumber))
	return order, nil
}

// Refund returns the order total to the user's balance and closes the order.
func (s *OrderService) Refund(ctx context.Context, orderID uuid.UUID, reason string) (*models.Order, *models.Transaction, error) {
	var (
		order *models.Order
		txn   *models.Transaction
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner models.Order
		if err := tx.Select("user_id").First(&owner, "id = ?", orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		// User before order, the same lock order as checkout and payment reconciliation.
		user, err := lockUser(tx, owner.UserID)
		if err != nil {
			return err
		}
		order, err = lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if err := transitionOrder(tx, order, models.OrderStatusRefunded, nil); err != nil {
			return err
		}

		description := fmt.Sprintf("Возврат по заказу %s", order.OrderNumber)
		if reason != "" {
			description += ": " + reason
		}
		txn, err = s.ledger.Append(tx, user, LedgerEntry{
			Kind:        models.TransactionKindRefund,
			Amount:      order.Total,
			Description: description,
			OrderID:     &order.ID,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("order refunded",
		zap.String("order_id", order.ID.String()),
		zap.Int64("amount", order.Total))
	s.notifyUser(ctx, order.UserID, fmt.Sprintf("↩️ По заказу <b>%s</b> оформлен возврат на баланс.", order.OrderNumber))
	return order, txn, nil
}

func (s *OrderService) notifyUser(ctx context.Context, userID uuid.UUID, text string) {
	if s.notifier == nil {
		return
	}
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		s.log.Warn("notification skipped: user lookup failed", zap.Error(err))
		return
	}
	if err := s.notifier.SendMessage(ctx, user.TelegramID, text); err != nil {
		s.log.Info("user notification not delivered",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func generateOrderNumber() string {
	return fmt.Sprintf("#%s-%s", time.Now().UTC().Format("060102"), strings.ToUpper(uuid.NewString()[:6]))
}
