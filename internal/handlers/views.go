package handlers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/utils"
)

// Responses expose money in rubles; storage keeps kopecks.

type userView struct {
	ID         uuid.UUID       `json:"id"`
	TelegramID int64           `json:"telegramId"`
	Username   string          `json:"username,omitempty"`
	FirstName  string          `json:"firstName,omitempty"`
	LastName   string          `json:"lastName,omitempty"`
	Balance    decimal.Decimal `json:"balance"`
	IsBanned   bool            `json:"isBanned"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func newUserView(u *models.User) userView {
	return userView{
		ID:         u.ID,
		TelegramID: u.TelegramID,
		Username:   u.Username,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Balance:    utils.FromMinor(u.Balance),
		IsBanned:   u.IsBanned,
		CreatedAt:  u.CreatedAt,
	}
}

type orderItemView struct {
	ProductID   uuid.UUID       `json:"productId"`
	ProductName string          `json:"productName"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	LineTotal   decimal.Decimal `json:"lineTotal"`
	Options     json.RawMessage `json:"options,omitempty"`
}

type orderView struct {
	ID               uuid.UUID       `json:"id"`
	OrderNumber      string          `json:"orderNumber"`
	Status           string          `json:"status"`
	Total            decimal.Decimal `json:"total"`
	BalanceUsed      decimal.Decimal `json:"balanceUsed"`
	PaymentMethod    string          `json:"paymentMethod"`
	PaymentURL       string          `json:"paymentUrl,omitempty"`
	DeliveredContent *string         `json:"deliveredContent,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	PaidAt           *time.Time      `json:"paidAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	Items            []orderItemView `json:"items"`
}

func newOrderView(o *models.Order) orderView {
	view := orderView{
		ID:               o.ID,
		OrderNumber:      o.OrderNumber,
		Status:           o.Status,
		Total:            utils.FromMinor(o.Total),
		BalanceUsed:      utils.FromMinor(o.BalanceUsed),
		PaymentMethod:    o.PaymentMethod,
		DeliveredContent: o.DeliveredContent,
		CreatedAt:        o.CreatedAt,
		PaidAt:           o.PaidAt,
		CompletedAt:      o.CompletedAt,
		Items:            make([]orderItemView, 0, len(o.Items)),
	}
	if o.Status == models.OrderStatusPending {
		view.PaymentURL = o.PaymentURL
	}
	for _, item := range o.Items {
		view.Items = append(view.Items, orderItemView{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Price:       utils.FromMinor(item.UnitPrice),
			Quantity:    item.Quantity,
			LineTotal:   utils.FromMinor(item.LineTotal),
			Options:     json.RawMessage(item.Options),
		})
	}
	return view
}

func newOrderViews(orders []models.Order) []orderView {
	out := make([]orderView, 0, len(orders))
	for i := range orders {
		out = append(out, newOrderView(&orders[i]))
	}
	return out
}

type transactionView struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"userId"`
	Seq          int64           `json:"seq"`
	Kind         string          `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	Description  string          `json:"description"`
	PaymentID    *string         `json:"paymentId,omitempty"`
	OrderID      *uuid.UUID      `json:"orderId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func newTransactionViews(txns []models.Transaction) []transactionView {
	out := make([]transactionView, 0, len(txns))
	for _, t := range txns {
		out = append(out, transactionView{
			ID:           t.ID,
			UserID:       t.UserID,
			Seq:          t.Seq,
			Kind:         t.Kind,
			Amount:       utils.FromMinor(t.Amount),
			BalanceAfter: utils.FromMinor(t.BalanceAfter),
			Description:  t.Description,
			PaymentID:    t.PaymentID,
			OrderID:      t.OrderID,
			CreatedAt:    t.CreatedAt,
		})
	}
	return out
}

type productView struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Stock         *int            `json:"stock"`
	PurchaseLimit int             `json:"purchaseLimit"`
	IsActive      bool            `json:"isActive"`
}

func newProductView(p *models.Product) productView {
	return productView{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		Price:         utils.FromMinor(p.Price),
		Stock:         p.Stock,
		PurchaseLimit: p.PurchaseLimit,
		IsActive:      p.IsActive,
	}
}
