package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/models"
)

type fakeGateway struct {
	mu       sync.Mutex
	requests []InvoiceRequest
	err      error
}

func (g *fakeGateway) CreateInvoice(_ context.Context, req InvoiceRequest) (*Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return nil, g.err
	}
	g.requests = append(g.requests, req)
	id := fmt.Sprintf("inv_%d", len(g.requests))
	return &Invoice{
		ID:        id,
		URL:       "https://t.me/CryptoBot/app?startapp=invoice-" + id,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (g *fakeGateway) last() InvoiceRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type stack struct {
	db         *gorm.DB
	gateway    *fakeGateway
	ledger     *LedgerService
	invoices   *InvoiceService
	checkout   *CheckoutService
	orders     *OrderService
	reconciler *PaymentReconciler
	audit      *AuditService
}

func newStack(db *gorm.DB) *stack {
	log := zap.NewNop()
	gateway := &fakeGateway{}
	ledger := NewLedgerService(db, log)
	invoices := NewInvoiceService(db, gateway, log)
	audit := NewAuditService(db, log)
	return &stack{
		db:         db,
		gateway:    gateway,
		ledger:     ledger,
		invoices:   invoices,
		checkout:   NewCheckoutService(db, ledger, invoices, nil, log),
		orders:     NewOrderService(db, ledger, nil, log),
		reconciler: NewPaymentReconciler(db, ledger, audit, nil, log),
		audit:      audit,
	}
}

func checkoutOf(userID uuid.UUID, product *models.Product, quantity int, balanceToUse int64) CheckoutRequest {
	return CheckoutRequest{
		UserID: userID,
		Items: []CheckoutItem{{
			ProductID:   product.ID,
			ProductName: product.Name,
			Price:       product.Price,
			Quantity:    quantity,
		}},
		Total:        product.Price * int64(quantity),
		BalanceToUse: balanceToUse,
	}
}

// paidUpdate builds a Crypto Pay invoice_paid webhook body.
func paidUpdate(t *testing.T, invoiceID int64, payload string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"update_id":    invoiceID * 10,
		"update_type":  CryptoPayUpdateInvoicePaid,
		"request_date": "2024-05-01T10:00:00.000Z",
		"payload": map[string]any{
			"invoice_id": invoiceID,
			"status":     "paid",
			"payload":    payload,
		},
	})
	require.NoError(t, err)
	return body
}

func ledgerEntries(t *testing.T, db *gorm.DB, userID uuid.UUID) []models.Transaction {
	t.Helper()
	var txns []models.Transaction
	require.NoError(t, db.Where("user_id = ?", userID).Order("seq asc").Find(&txns).Error)
	return txns
}
