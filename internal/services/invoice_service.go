package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/utils"
)

// InvoiceService turns internal payment requests into gateway invoices and ties them to orders.
type InvoiceService struct {
	db      *gorm.DB
	gateway PaymentGateway
	log     *zap.Logger
}

func NewInvoiceService(db *gorm.DB, gateway PaymentGateway, log *zap.Logger) *InvoiceService {
	return &InvoiceService{db: db, gateway: gateway, log: log}
}

// IssueForCheckout mints an invoice for the non-balance part of draft and then stores draft
// as a pending order correlated to that invoice. Nothing is stored when the gateway fails.
func (s *InvoiceService) IssueForCheckout(ctx context.Context, userID uuid.UUID, draft *models.Order, balanceToUse int64) (*Invoice, error) {
	cryptoAmount := draft.Total - balanceToUse
	if cryptoAmount <= 0 || balanceToUse < 0 {
		return nil, ErrInvalidAmount
	}

	payload := CorrelationPayload{
		UserID:    userID.String(),
		AmountRub: utils.FromMinor(cryptoAmount),
	}
	if balanceToUse > 0 {
		b := utils.FromMinor(balanceToUse)
		payload.BalanceToUse = &b
	}

	inv, err := s.mint(ctx, InvoiceRequest{
		Amount:      cryptoAmount,
		Description: fmt.Sprintf("Заказ %s", draft.OrderNumber),
		Payload:     payload,
	})
	if err != nil {
		return nil, err
	}

	draft.UserID = userID
	draft.Status = models.OrderStatusPending
	draft.PaymentMethod = models.PaymentMethodCryptoPay
	draft.PaymentID = &inv.ID
	draft.PaymentURL = inv.URL
	draft.BalanceUsed = balanceToUse

	if err := s.db.WithContext(ctx).Create(draft).Error; err != nil {
		// The invoice exists but no order points at it; a payment still lands as a deposit.
		s.log.Error("invoice minted but order not stored",
			zap.String("invoice_id", inv.ID), zap.Error(err))
		return nil, fmt.Errorf("store pending order: %w", err)
	}

	s.log.Info("checkout invoice issued",
		zap.String("order_id", draft.ID.String()),
		zap.String("invoice_id", inv.ID),
		zap.Int64("amount", cryptoAmount))
	return inv, nil
}

// IssueForOrder mints a fresh invoice for an existing pending order and attaches it.
// The payload carries the order id, so a late payment of the replaced invoice only credits balance.
func (s *InvoiceService) IssueForOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, *Invoice, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).First(&order, "id = ? AND user_id = ?", orderID, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrOrderNotFound
		}
		return nil, nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, order.Status)
	}

	cryptoAmount := order.Total - order.BalanceUsed
	payload := CorrelationPayload{
		UserID:    userID.String(),
		OrderID:   order.ID.String(),
		AmountRub: utils.FromMinor(cryptoAmount),
	}
	if order.BalanceUsed > 0 {
		b := utils.FromMinor(order.BalanceUsed)
		payload.BalanceToUse = &b
	}

	inv, err := s.mint(ctx, InvoiceRequest{
		Amount:      cryptoAmount,
		Description: fmt.Sprintf("Заказ %s", order.OrderNumber),
		Payload:     payload,
	})
	if err != nil {
		return nil, nil, err
	}

	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", order.ID, models.OrderStatusPending).
		Updates(map[string]any{
			"payment_id":     inv.ID,
			"payment_url":    inv.URL,
			"payment_method": models.PaymentMethodCryptoPay,
		})
	if res.Error != nil {
		return nil, nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil, fmt.Errorf("%w: order left pending while invoicing", ErrInvalidTransition)
	}

	order.PaymentID = &inv.ID
	order.PaymentURL = inv.URL
	return &order, inv, nil
}

// IssueTopUp mints an invoice that only credits the user's balance.
func (s *InvoiceService) IssueTopUp(ctx context.Context, userID uuid.UUID, amount int64) (*Invoice, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.mint(ctx, InvoiceRequest{
		Amount:      amount,
		Description: "Пополнение баланса",
		Payload: CorrelationPayload{
			UserID:    userID.String(),
			AmountRub: utils.FromMinor(amount),
		},
	})
}

func (s *InvoiceService) mint(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	inv, err := s.gateway.CreateInvoice(ctx, req)
	if err != nil {
		s.log.Warn("invoice creation failed", zap.Int64("amount", req.Amount), zap.Error(err))
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrPaymentUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
	return inv, nil
}
