package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/storefront/internal/middleware"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/utils"
)

// ProfileHandler serves the current user's profile and balance.
type ProfileHandler struct {
	ledger *services.LedgerService
}

// NewProfileHandler constructs ProfileHandler.
func NewProfileHandler(ledger *services.LedgerService) *ProfileHandler {
	return &ProfileHandler{ledger: ledger}
}

// GetProfile returns the authenticated user's profile.
func (h *ProfileHandler) GetProfile(c *fiber.Ctx) error {
	user, ok := middleware.GetCurrentUser(c)
	if !ok {
		return respondError(c, services.ErrUnauthenticated)
	}
	return c.JSON(fiber.Map{"success": true, "data": newUserView(user)})
}

// GetBalance returns the balance with ledger history, newest first.
func (h *ProfileHandler) GetBalance(c *fiber.Ctx) error {
	user, ok := middleware.GetCurrentUser(c)
	if !ok {
		return respondError(c, services.ErrUnauthenticated)
	}

	pg := utils.ParsePagination(c)
	txns, total, err := h.ledger.History(c.UserContext(), user.ID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"balance":    utils.FromMinor(user.Balance),
		"data":       newTransactionViews(txns),
		"pagination": pg.Meta(total),
	})
}
