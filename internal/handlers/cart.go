package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/storefront/internal/middleware"
	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/utils"
)

// CartHandler persists storefront cart snapshots.
type CartHandler struct {
	auth  *middleware.Authenticator
	users *services.UserService
	carts *services.CartService
	log   *zap.Logger
}

// NewCartHandler constructs CartHandler.
func NewCartHandler(auth *middleware.Authenticator, users *services.UserService, carts *services.CartService, log *zap.Logger) *CartHandler {
	return &CartHandler{auth: auth, users: users, carts: carts, log: log}
}

type cartItemRequest struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	Options     map[string]any  `json:"options"`
}

type cartSyncRequest struct {
	InitData string            `json:"initData"`
	Items    []cartItemRequest `json:"items"`
	Total    decimal.Decimal   `json:"total"`
}

// Sync stores the debounced cart of the user identified by the launch data in the body.
func (h *CartHandler) Sync(c *fiber.Ctx) error {
	var req cartSyncRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, services.ErrInvalidCart)
	}

	raw := req.InitData
	if raw == "" {
		if header := c.Get(fiber.HeaderAuthorization); len(header) > 4 && strings.EqualFold(header[:4], "tma ") {
			raw = header[4:]
		}
	}
	data, err := h.auth.VerifyInitData(raw)
	if err != nil {
		return respondError(c, services.ErrUnauthenticated)
	}

	user, err := h.users.ByTelegramID(c.UserContext(), data.User.ID)
	if err != nil {
		return respondError(c, err)
	}

	total, err := parseNonNegative(req.Total)
	if err != nil {
		return respondError(c, services.ErrInvalidCart)
	}
	items := make([]models.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		price, err := parseNonNegative(item.Price)
		if err != nil {
			return respondError(c, services.ErrInvalidCart)
		}
		items = append(items, models.CartItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Price:       price,
			Quantity:    item.Quantity,
			Options:     item.Options,
		})
	}

	action, err := h.carts.Sync(c.UserContext(), user.ID, items, total)
	if err != nil {
		if !errors.Is(err, services.ErrInvalidCart) {
			h.log.Error("cart sync failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		}
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"action":  action,
	})
}

// Get returns the stored cart of the current user.
func (h *CartHandler) Get(c *fiber.Ctx) error {
	user, ok := middleware.GetCurrentUser(c)
	if !ok {
		return respondError(c, services.ErrUnauthenticated)
	}

	session, found, err := h.carts.Get(c.UserContext(), user.ID)
	if err != nil {
		return err
	}
	if !found {
		return c.JSON(fiber.Map{"success": true, "data": nil})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"items":        session.Items,
			"total":        utils.FromMinor(session.Total),
			"lastSyncedAt": session.LastSyncedAt,
		},
	})
}
