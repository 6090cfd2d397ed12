package handlers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/example/storefront/internal/middleware"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/utils"
)

// CheckoutHandler serves checkout, order payment and balance top-up.
type CheckoutHandler struct {
	checkout *services.CheckoutService
	invoices *services.InvoiceService
	rates    *services.RateCache
	log      *zap.Logger
}

// NewCheckoutHandler constructs CheckoutHandler.
func NewCheckoutHandler(checkout *services.CheckoutService, invoices *services.InvoiceService, rates *services.RateCache, log *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout, invoices: invoices, rates: rates, log: log}
}

type checkoutItemRequest struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	Options     json.RawMessage `json:"options"`
}

type checkoutRequest struct {
	Items        []checkoutItemRequest `json:"items"`
	Total        decimal.Decimal       `json:"total"`
	BalanceToUse *decimal.Decimal      `json:"balanceToUse"`
}

// Checkout turns the storefront cart into an order paid from balance or through an invoice.
func (h *CheckoutHandler) Checkout(c *fiber.Ctx) error {
	user, ok := middleware.GetCurrentUser(c)
	if !ok {
		return respondError(c, services.ErrUnauthenticated)
	}

	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, services.ErrInvalidCheckout)
	}

	in := services.CheckoutRequest{UserID: user.ID}
	var err error
	if in.Total, err = parseAmount(req.Total); err != nil {
		return respondError(c, services.ErrInvalidCheckout)
	}
	if req.BalanceToUse != nil {
		if in.BalanceToUse, err = parseNonNegative(*req.BalanceToUse); err != nil {
			return respondError(c, services.ErrInvalidCheckout)
		}
	}
	for _, item := range req.Items {
		productID, err := uuid.Parse(item.ProductID)
		if err != nil {
			return respondError(c, services.ErrInvalidCheckout)
		}
		price, err := parseNonNegative(item.Price)
		if err != nil {
			return respondError(c, services.ErrInvalidCheckout)
		}
		var options datatypes.JSON
		if len(item.Options) > 0 && string(item.Options) != "null" {
			options = datatypes.JSON(item.Options)
		}
		in.Items = append(in.Items, services.CheckoutItem{
			ProductID:   productID,
			ProductName: item.ProductName,
			Price:       price,
			Quantity:    item.Quantity,
			Options:     options,
		})
	}

	result, err := h.checkout.Checkout(c.UserContext(), in)
	if err != nil {
		if !services.IsExpected(err) {
			h.log.Error("checkout failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		}
		return respondError(c, err)
	}

	resp := fiber.Map{
		"success":     true,
		"orderId":     result.Order.ID,
		"orderNumber": result.Order.OrderNumber,
		"status":      result.Order.Status,
	}
	if result.InvoiceURL != "" {
		resp["invoiceUrl"] = result.InvoiceURL
	}
	if result.Transaction != nil {
		resp["balance"] = utils.FromMinor(result.Transaction.BalanceAfter)
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// PayOrder issues a fresh invoice for a pending order of the current user.
func (h *CheckoutHandler) PayOrder(c *fiber.Ctx) error {
	user, ok := middleware.GetCurrentUser(c)
	if !ok {
		return respondError(c, services.ErrUnauthenticated)
	}
	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, services.ErrOrderNotFound)
	}

	order, invoice, err := h.invoices.IssueForOrder(c.UserContext(), user.ID, orderID)
	if err != nil {
		if !services.IsExpected(err) {
			h.log.Error("order invoice failed", zap.String("order_id", orderID.String()), zap.Error(err))
		}
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"orderId":    order.ID,
		"invoiceUrl": invoice.URL,
		"expiresAt":  invoice.ExpiresAt,
	})
}

type topUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TopUp issues an invoice that credits the balance once paid.
func (h *CheckoutHandler) TopUp(c *fiber.Ctx) error {
	user, ok := middleware.GetCurrentUser(c)
	if !ok {
		return respondError(c, services.ErrUnauthenticated)
	}

	var req topUpRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, services.ErrInvalidAmount)
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return respondError(c, err)
	}

	invoice, err := h.invoices.IssueTopUp(c.UserContext(), user.ID, amount)
	if err != nil {
		if !services.IsExpected(err) {
			h.log.Error("top-up invoice failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		}
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":    true,
		"invoiceId":  invoice.ID,
		"invoiceUrl": invoice.URL,
		"expiresAt":  invoice.ExpiresAt,
	})
}

// Rate returns the cached exchange rate of the gateway's primary asset.
func (h *CheckoutHandler) Rate(c *fiber.Ctx) error {
	rate, err := h.rates.Get(c.UserContext())
	if err != nil {
		h.log.Warn("exchange rate unavailable", zap.Error(err))
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    rate,
	})
}
