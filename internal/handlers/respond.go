package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/utils"
)

var errorStatuses = []struct {
	err    error
	status int
}{
	{services.ErrUnauthenticated, fiber.StatusUnauthorized},
	{services.ErrUserNotFound, fiber.StatusNotFound},
	{services.ErrUserBanned, fiber.StatusForbidden},
	{services.ErrOrderNotFound, fiber.StatusNotFound},
	{services.ErrProductNotFound, fiber.StatusNotFound},
	{services.ErrInvalidCheckout, fiber.StatusBadRequest},
	{services.ErrInvalidCart, fiber.StatusBadRequest},
	{services.ErrInvalidAmount, fiber.StatusBadRequest},
	{services.ErrPriceChanged, fiber.StatusConflict},
	{services.ErrOutOfStock, fiber.StatusConflict},
	{services.ErrPurchaseLimit, fiber.StatusConflict},
	{services.ErrInvalidTransition, fiber.StatusConflict},
	{services.ErrInsufficientBalance, fiber.StatusPaymentRequired},
	{services.ErrPaymentUnavailable, fiber.StatusServiceUnavailable},
}

// respondError writes the storefront error envelope for known failures and hands the rest to
// the app's error handler.
func respondError(c *fiber.Ctx, err error) error {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return c.Status(e.status).JSON(fiber.Map{
				"success": false,
				"error":   services.UserMessage(err),
			})
		}
	}
	return err
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

func parseIDParam(c *fiber.Ctx, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params(name))
	return id, err == nil
}

// parseAmount converts a positive ruble amount from a request into kopecks.
func parseAmount(value decimal.Decimal) (int64, error) {
	if !value.IsPositive() {
		return 0, services.ErrInvalidAmount
	}
	amount, err := utils.ToMinor(value)
	if err != nil {
		return 0, services.ErrInvalidAmount
	}
	return amount, nil
}

// parseNonNegative converts a ruble amount that may be zero into kopecks.
func parseNonNegative(value decimal.Decimal) (int64, error) {
	if value.IsNegative() {
		return 0, services.ErrInvalidAmount
	}
	amount, err := utils.ToMinor(value)
	if err != nil {
		return 0, services.ErrInvalidAmount
	}
	return amount, nil
}
