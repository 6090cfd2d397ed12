package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/storefront/internal/middleware"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/utils"
)

// OrderHandler manages order endpoints of the storefront.
type OrderHandler struct {
	orders *services.OrderService
}

// NewOrderHandler constructs OrderHandler.
func NewOrderHandler(orders *services.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// ListOrders returns the current user's orders.
func (h *OrderHandler) ListOrders(c *fiber.Ctx) error {
	user, ok := middleware.GetCurrentUser(c)
	if !ok {
		return respondError(c, services.ErrUnauthenticated)
	}

	pg := utils.ParsePagination(c)
	orders, total, err := h.orders.List(c.UserContext(), user.ID, c.Query("status"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"data":       newOrderViews(orders),
		"pagination": pg.Meta(total),
	})
}

// GetOrder returns one order of the current user.
func (h *OrderHandler) GetOrder(c *fiber.Ctx) error {
	user, ok := middleware.GetCurrentUser(c)
	if !ok {
		return respondError(c, services.ErrUnauthenticated)
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, services.ErrOrderNotFound)
	}

	order, err := h.orders.Get(c.UserContext(), user.ID, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": newOrderView(order)})
}

// CancelOrder abandons a pending order of the current user.
func (h *OrderHandler) CancelOrder(c *fiber.Ctx) error {
	user, ok := middleware.GetCurrentUser(c)
	if !ok {
		return respondError(c, services.ErrUnauthenticated)
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, services.ErrOrderNotFound)
	}

	order, err := h.orders.Cancel(c.UserContext(), user.ID, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": newOrderView(order)})
}
