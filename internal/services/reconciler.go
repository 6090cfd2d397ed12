package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/utils"
)

// ReconcileResult describes what a confirmed payment did.
type ReconcileResult struct {
	Duplicate   bool
	Transaction *models.Transaction
	Order       *models.Order
	Settled     bool
}

// PaymentReconciler applies confirmed gateway payments to balances and orders exactly once.
type PaymentReconciler struct {
	db       *gorm.DB
	ledger   *LedgerService
	audit    *AuditService
	notifier *TelegramService
	log      *zap.Logger
}

func NewPaymentReconciler(db *gorm.DB, ledger *LedgerService, audit *AuditService, notifier *TelegramService, log *zap.Logger) *PaymentReconciler {
	return &PaymentReconciler{db: db, ledger: ledger, audit: audit, notifier: notifier, log: log}
}

// Apply credits the payment to the user's balance and, when it correlates to a pending order,
// settles that order from the balance in the same atomic unit. A repeated payment id is a no-op.
func (r *PaymentReconciler) Apply(ctx context.Context, ev *PaymentEvent) (*ReconcileResult, error) {
	if ev == nil || ev.PaymentID == "" || ev.Amount <= 0 {
		return nil, ErrInvalidPayload
	}
	userID, err := uuid.Parse(ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: userId %q", ErrInvalidPayload, ev.UserID)
	}
	var orderID *uuid.UUID
	if ev.OrderID != "" {
		id, err := uuid.Parse(ev.OrderID)
		if err != nil {
			return nil, fmt.Errorf("%w: orderId %q", ErrInvalidPayload, ev.OrderID)
		}
		orderID = &id
	}

	log := r.log.With(zap.String("payment_id", ev.PaymentID), zap.String("user_id", ev.UserID))
	result := &ReconcileResult{}
	var customer models.User

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, userID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return fmt.Errorf("%w: unknown user", ErrInvalidPayload)
			}
			return err
		}

		seen, err := r.ledger.HasPayment(tx, user.ID, ev.PaymentID)
		if err != nil {
			return err
		}
		if seen {
			return ErrDuplicatePayment
		}

		paymentID := ev.PaymentID
		result.Transaction, err = r.ledger.Append(tx, user, LedgerEntry{
			Kind:        models.TransactionKindDeposit,
			Amount:      ev.Amount,
			Description: "Пополнение через Crypto Pay",
			PaymentID:   &paymentID,
		})
		if err != nil {
			return err
		}

		order, err := r.findOrder(tx, user.ID, orderID, ev.PaymentID)
		if err != nil {
			return err
		}
		customer = *user
		if order == nil {
			return nil
		}
		result.Order = order
		if order.Status != models.OrderStatusPending {
			log.Info("payment correlates to a non-pending order, kept as deposit",
				zap.String("order_id", order.ID.String()), zap.String("status", order.Status))
			return nil
		}

		snapshot := *user
		if ev.BalanceToUse != order.BalanceUsed {
			err = fmt.Errorf("%w: payload balance part %d, order balance part %d",
				ErrPaymentMismatch, ev.BalanceToUse, order.BalanceUsed)
		} else {
			err = tx.Transaction(func(sp *gorm.DB) error {
				return r.settle(sp, user, order)
			})
		}
		if err == nil {
			result.Settled = true
			customer = *user
			return nil
		}
		if !isSettlementRejection(err) {
			return err
		}

		// The deposit stands; the order cannot be fulfilled and is closed.
		*user = snapshot
		order.Status = models.OrderStatusPending
		order.PaidAt = nil
		log.Warn("order not settled, payment kept on balance",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		return transitionOrder(tx, order, models.OrderStatusCancelled, nil)
	})

	if errors.Is(err, ErrDuplicatePayment) {
		log.Info("payment already applied")
		return &ReconcileResult{Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	log.Info("payment applied",
		zap.Int64("amount", ev.Amount),
		zap.Int64("balance_after", result.Transaction.BalanceAfter),
		zap.Bool("order_settled", result.Settled))
	r.afterCommit(ctx, ev, result, customer)
	return result, nil
}

// findOrder locks the order the payment belongs to: the one named in the payload,
// or else the pending order the invoice was minted for.
func (r *PaymentReconciler) findOrder(tx *gorm.DB, userID uuid.UUID, orderID *uuid.UUID, paymentID string) (*models.Order, error) {
	if orderID != nil {
		order, err := lockOrder(tx, *orderID)
		if errors.Is(err, ErrOrderNotFound) {
			r.log.Warn("payment names an unknown order", zap.String("order_id", orderID.String()))
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if order.UserID != userID {
			r.log.Warn("payment names an order of another user", zap.String("order_id", orderID.String()))
			return nil, nil
		}
		return order, nil
	}

	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND payment_id = ? AND status = ?", userID, paymentID, models.OrderStatusPending).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// settle pays a pending order from the balance the deposit just topped up.
func (r *PaymentReconciler) settle(tx *gorm.DB, user *models.User, order *models.Order) error {
	if err := tx.Where("order_id = ?", order.ID).Find(&order.Items).Error; err != nil {
		return err
	}
	if err := takeStock(tx, user.ID, order.Items); err != nil {
		return err
	}
	if _, err := r.ledger.Append(tx, user, LedgerEntry{
		Kind:        models.TransactionKindPurchase,
		Amount:      -order.Total,
		Description: fmt.Sprintf("Оплата заказа %s", order.OrderNumber),
		OrderID:     &order.ID,
	}); err != nil {
		return err
	}
	if err := transitionOrder(tx, order, models.OrderStatusPaid, nil); err != nil {
		return err
	}
	return clearCart(tx, user.ID)
}

func isSettlementRejection(err error) bool {
	return errors.Is(err, ErrPaymentMismatch) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrPurchaseLimit) ||
		errors.Is(err, ErrProductNotFound)
}

func (r *PaymentReconciler) afterCommit(ctx context.Context, ev *PaymentEvent, result *ReconcileResult, customer models.User) {
	userID := customer.ID
	event := models.AuditEvent{
		Kind:      models.AuditKindPaymentReceived,
		UserID:    &userID,
		PaymentID: ev.PaymentID,
		Amount:    ev.Amount,
	}
	notification := PaymentNotification{
		PaymentID: ev.PaymentID,
		Customer:  customer.DisplayName(),
		Amount:    ev.Amount,
	}
	if result.Order != nil {
		event.OrderID = &result.Order.ID
		notification.OrderNumber = result.Order.OrderNumber
		notification.Settled = result.Settled
	}
	if r.audit != nil {
		r.audit.Record(ctx, event, map[string]any{
			"balanceAfter": result.Transaction.BalanceAfter,
			"settled":      result.Settled,
		})
		if result.Settled {
			r.audit.Record(ctx, models.AuditEvent{
				Kind:      models.AuditKindOrderSettled,
				UserID:    &userID,
				OrderID:   &result.Order.ID,
				PaymentID: ev.PaymentID,
				Amount:    result.Order.Total,
			}, nil)
		}
	}

	if r.notifier == nil {
		return
	}
	text := fmt.Sprintf("💰 Баланс пополнен на <b>%s</b>.", utils.FormatRub(ev.Amount))
	if result.Order != nil {
		if result.Settled {
			text = fmt.Sprintf("✅ Заказ <b>%s</b> оплачен.", result.Order.OrderNumber)
		} else {
			text += fmt.Sprintf(" Заказ <b>%s</b> не удалось оформить, средства остались на балансе.", result.Order.OrderNumber)
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := r.notifier.NotifyPaymentReceived(ctx, notification); err != nil {
			r.log.Warn("admin payment notification failed", zap.Error(err))
		}
		if err := r.notifier.SendMessage(ctx, customer.TelegramID, text); err != nil {
			r.log.Info("payment confirmation not delivered", zap.Error(err))
		}
	}()
}
