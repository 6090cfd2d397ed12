package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/models"
)

// CheckoutItem is one requested line with the price the client saw.
type CheckoutItem struct {
	ProductID   uuid.UUID
	ProductName string
	Price       int64
	Quantity    int
	Options     datatypes.JSON
}

// CheckoutRequest is a verified user's checkout intent; amounts are kopecks.
type CheckoutRequest struct {
	UserID       uuid.UUID
	Items        []CheckoutItem
	Total        int64
	BalanceToUse int64
}

// CheckoutResult is either a paid order (balance path) or a pending order with an invoice.
type CheckoutResult struct {
	Order       *models.Order
	Transaction *models.Transaction
	InvoiceURL  string
}

// CheckoutService turns carts into orders.
type CheckoutService struct {
	db       *gorm.DB
	ledger   *LedgerService
	invoices *InvoiceService
	notifier *TelegramService
	log      *zap.Logger
}

func NewCheckoutService(db *gorm.DB, ledger *LedgerService, invoices *InvoiceService, notifier *TelegramService, log *zap.Logger) *CheckoutService {
	return &CheckoutService{db: db, ledger: ledger, invoices: invoices, notifier: notifier, log: log}
}

// Checkout validates the cart against the catalog and routes it to the balance or invoice path.
func (s *CheckoutService) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.BalanceToUse < 0 {
		return nil, ErrInvalidCheckout
	}

	draft, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.BalanceToUse >= draft.Total {
		return s.payFromBalance(ctx, req.UserID, draft)
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", req.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if user.IsBanned {
		return nil, ErrUserBanned
	}
	// Advisory only; the webhook settles against the balance at payment time.
	if user.Balance < req.BalanceToUse {
		return nil, ErrInsufficientBalance
	}
	if err := s.precheckStock(ctx, draft.Items); err != nil {
		return nil, err
	}

	inv, err := s.invoices.IssueForCheckout(ctx, req.UserID, draft, req.BalanceToUse)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{Order: draft, InvoiceURL: inv.URL}, nil
}

// prepare snapshots line items at live catalog prices. The order total is fixed here.
func (s *CheckoutService) prepare(ctx context.Context, req CheckoutRequest) (*models.Order, error) {
	if len(req.Items) == 0 || req.Total <= 0 {
		return nil, ErrInvalidCheckout
	}

	ids := make([]uuid.UUID, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 || item.Price < 0 || item.ProductID == uuid.Nil {
			return nil, ErrInvalidCheckout
		}
		ids = append(ids, item.ProductID)
	}

	var products []models.Product
	if err := s.db.WithContext(ctx).Where("id IN ? AND is_active = ?", ids, true).Find(&products).Error; err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	order := &models.Order{
		UserID:      req.UserID,
		OrderNumber: generateOrderNumber(),
	}
	for _, item := range req.Items {
		product, ok := byID[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, item.ProductID)
		}
		if product.Price != item.Price {
			return nil, fmt.Errorf("%w: %s", ErrPriceChanged, product.Name)
		}

		line := product.Price * int64(item.Quantity)
		order.Total += line
		order.Items = append(order.Items, models.OrderItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			UnitPrice:   product.Price,
			Quantity:    item.Quantity,
			LineTotal:   line,
			Options:     item.Options,
		})
	}

	if order.Total != req.Total {
		return nil, fmt.Errorf("%w: total %d, expected %d", ErrPriceChanged, req.Total, order.Total)
	}
	return order, nil
}

// payFromBalance debits the balance, takes stock and stores a paid order in one atomic unit.
func (s *CheckoutService) payFromBalance(ctx context.Context, userID uuid.UUID, draft *models.Order) (*CheckoutResult, error) {
	result := &CheckoutResult{Order: draft}
	var customer string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, userID)
		if err != nil {
			return err
		}
		if user.IsBanned {
			return ErrUserBanned
		}
		if user.Balance < draft.Total {
			return ErrInsufficientBalance
		}
		customer = user.DisplayName()

		if err := takeStock(tx, userID, draft.Items); err != nil {
			return err
		}

		now := time.Now().UTC()
		draft.Status = models.OrderStatusPaid
		draft.PaymentMethod = models.PaymentMethodBalance
		draft.BalanceUsed = draft.Total
		draft.PaidAt = &now
		if err := tx.Create(draft).Error; err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		result.Transaction, err = s.ledger.Append(tx, user, LedgerEntry{
			Kind:        models.TransactionKindPurchase,
			Amount:      -draft.Total,
			Description: fmt.Sprintf("Оплата заказа %s", draft.OrderNumber),
			OrderID:     &draft.ID,
		})
		if err != nil {
			return err
		}

		return clearCart(tx, userID)
	})
	if err != nil {
		if IsExpected(err) {
			s.log.Info("balance checkout rejected", zap.String("user_id", userID.String()), zap.Error(err))
		}
		return nil, err
	}

	s.log.Info("balance checkout completed",
		zap.String("order_id", draft.ID.String()),
		zap.Int64("total", draft.Total))
	s.announce(ctx, draft, customer)
	return result, nil
}

// precheckStock fails fast on sold-out items before an invoice is minted.
func (s *CheckoutService) precheckStock(ctx context.Context, items []models.OrderItem) error {
	for id, qty := range quantitiesByProduct(items) {
		var product models.Product
		if err := s.db.WithContext(ctx).Select("id", "stock").First(&product, "id = ?", id).Error; err != nil {
			return err
		}
		if product.Stock != nil && *product.Stock < qty {
			return ErrOutOfStock
		}
	}
	return nil
}

func (s *CheckoutService) announce(ctx context.Context, order *models.Order, customer string) {
	if s.notifier == nil {
		return
	}
	items := make([]OrderItemNotification, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemNotification{Name: item.ProductName, Quantity: item.Quantity, Price: item.UnitPrice})
	}
	notification := OrderNotification{
		OrderNumber:   order.OrderNumber,
		Customer:      customer,
		Items:         items,
		Total:         order.Total,
		PaymentMethod: order.PaymentMethod,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := s.notifier.NotifyNewOrder(ctx, notification); err != nil {
			s.log.Warn("admin order notification failed", zap.Error(err))
		}
	}()
}

func quantitiesByProduct(items []models.OrderItem) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		out[item.ProductID] += item.Quantity
	}
	return out
}

// takeStock enforces per-user purchase limits and decrements stock-limited products.
// Products are touched in id order so concurrent checkouts lock rows consistently.
func takeStock(tx *gorm.DB, userID uuid.UUID, items []models.OrderItem) error {
	quantities := quantitiesByProduct(items)
	ids := make([]uuid.UUID, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	if err := checkPurchaseLimits(tx, userID, ids, quantities); err != nil {
		return err
	}

	for _, id := range ids {
		qty := quantities[id]
		res := tx.Model(&models.Product{}).
			Where("id = ? AND stock IS NOT NULL AND stock >= ?", id, qty).
			UpdateColumn("stock", gorm.Expr("stock - ?", qty))
		if res.Error != nil {
			return fmt.Errorf("decrement stock: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			continue
		}

		var product models.Product
		if err := tx.Select("id", "stock").First(&product, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProductNotFound
			}
			return err
		}
		if product.Stock != nil {
			return ErrOutOfStock
		}
	}
	return nil
}

type purchasedQuantity struct {
	ProductID uuid.UUID
	Quantity  int
}

func checkPurchaseLimits(tx *gorm.DB, userID uuid.UUID, ids []uuid.UUID, quantities map[uuid.UUID]int) error {
	var products []models.Product
	if err := tx.Select("id", "purchase_limit").Where("id IN ? AND purchase_limit > 0", ids).Find(&products).Error; err != nil {
		return err
	}
	if len(products) == 0 {
		return nil
	}

	limited := make([]uuid.UUID, 0, len(products))
	for _, p := range products {
		limited = append(limited, p.ID)
	}

	var bought []purchasedQuantity
	if err := tx.Model(&models.OrderItem{}).
		Select("order_items.product_id AS product_id, SUM(order_items.quantity) AS quantity").
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Where("orders.user_id = ? AND orders.status IN ? AND order_items.product_id IN ?",
			userID, []string{models.OrderStatusPaid, models.OrderStatusCompleted}, limited).
		Group("order_items.product_id").
		Scan(&bought).Error; err != nil {
		return err
	}
	already := make(map[uuid.UUID]int, len(bought))
	for _, b := range bought {
		already[b.ProductID] = b.Quantity
	}

	for _, p := range products {
		if already[p.ID]+quantities[p.ID] > p.PurchaseLimit {
			return ErrPurchaseLimit
		}
	}
	return nil
}

func clearCart(tx *gorm.DB, userID uuid.UUID) error {
	return tx.Where("user_id = ?", userID).Delete(&models.CartSession{}).Error
}
