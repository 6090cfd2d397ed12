package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/storefront/internal/middleware"
	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/utils"
)

// AdminHandler manages admin-only endpoints.
type AdminHandler struct {
	orders *services.OrderService
	ledger *services.LedgerService
	users  *services.UserService
	audit  *services.AuditService
	log    *zap.Logger
}

// NewAdminHandler constructs AdminHandler.
func NewAdminHandler(orders *services.OrderService, ledger *services.LedgerService, users *services.UserService, audit *services.AuditService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{orders: orders, ledger: ledger, users: users, audit: audit, log: log}
}

type completeOrderRequest struct {
	Content string `json:"content"`
}

// CompleteOrder confirms fulfillment of a paid order.
func (h *AdminHandler) CompleteOrder(c *fiber.Ctx) error {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, services.ErrOrderNotFound)
	}
	var req completeOrderRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	order, err := h.orders.Complete(c.UserContext(), id, strings.TrimSpace(req.Content))
	if err != nil {
		return respondError(c, err)
	}
	h.logAction(c, "order completed", zap.String("order_id", id.String()))
	return c.JSON(fiber.Map{"success": true, "data": newOrderView(order)})
}

type refundOrderRequest struct {
	Reason string `json:"reason"`
}

// RefundOrder returns a paid or completed order's total to the buyer's balance.
func (h *AdminHandler) RefundOrder(c *fiber.Ctx) error {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, services.ErrOrderNotFound)
	}
	var req refundOrderRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	order, txn, err := h.orders.Refund(c.UserContext(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		return respondError(c, err)
	}

	h.logAction(c, "order refunded", zap.String("order_id", id.String()))
	userID := order.UserID
	h.audit.Record(c.UserContext(), models.AuditEvent{
		Kind:    models.AuditKindOrderRefunded,
		UserID:  &userID,
		OrderID: &order.ID,
		Amount:  order.Total,
	}, fiber.Map{"reason": req.Reason})

	return c.JSON(fiber.Map{
		"success":     true,
		"data":        newOrderView(order),
		"transaction": newTransactionViews([]models.Transaction{*txn})[0],
	})
}

type bonusRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// GrantBonus credits a bonus to a user's balance.
func (h *AdminHandler) GrantBonus(c *fiber.Ctx) error {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, services.ErrUserNotFound)
	}
	var req bonusRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return respondError(c, err)
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Бонус"
	}
	txn, err := h.ledger.Grant(c.UserContext(), id, services.LedgerEntry{
		Kind:        models.TransactionKindBonus,
		Amount:      amount,
		Description: description,
	})
	if err != nil {
		return respondError(c, err)
	}

	h.logAction(c, "bonus granted", zap.String("user_id", id.String()), zap.Int64("amount", amount))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    newTransactionViews([]models.Transaction{*txn})[0],
	})
}

// BanUser blocks a user from the storefront.
func (h *AdminHandler) BanUser(c *fiber.Ctx) error {
	return h.setBanned(c, true)
}

// UnbanUser lifts a ban.
func (h *AdminHandler) UnbanUser(c *fiber.Ctx) error {
	return h.setBanned(c, false)
}

func (h *AdminHandler) setBanned(c *fiber.Ctx, banned bool) error {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, services.ErrUserNotFound)
	}
	user, err := h.users.SetBanned(c.UserContext(), id, banned)
	if err != nil {
		return respondError(c, err)
	}
	h.logAction(c, "user ban changed", zap.String("user_id", id.String()), zap.Bool("banned", banned))
	return c.JSON(fiber.Map{"success": true, "data": newUserView(user)})
}

// ListUsers returns users with optional search.
func (h *AdminHandler) ListUsers(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	users, total, err := h.users.List(c.UserContext(), strings.TrimSpace(c.Query("search")), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}

	views := make([]userView, 0, len(users))
	for i := range users {
		views = append(views, newUserView(&users[i]))
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"data":       views,
		"pagination": pg.Meta(total),
	})
}

// ListTransactions returns the ledger across users with optional filters.
func (h *AdminHandler) ListTransactions(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)

	filter := services.TransactionFilter{
		Kind:      c.Query("kind"),
		PaymentID: c.Query("payment_id"),
	}
	if v := c.Query("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return badRequest(c, "invalid user_id")
		}
		filter.UserID = id
	}

	txns, total, err := h.ledger.List(c.UserContext(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"data":       newTransactionViews(txns),
		"pagination": pg.Meta(total),
	})
}

// VerifyLedger replays a user's ledger against the stored balance.
func (h *AdminHandler) VerifyLedger(c *fiber.Ctx) error {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, services.ErrUserNotFound)
	}

	err := h.ledger.VerifyChain(c.UserContext(), id)
	var chainErr *services.ChainError
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"success": true, "consistent": true})
	case errors.As(err, &chainErr):
		h.log.Error("ledger chain broken", zap.Error(err))
		return c.JSON(fiber.Map{
			"success":    true,
			"consistent": false,
			"seq":        chainErr.Seq,
			"error":      chainErr.Error(),
		})
	default:
		return respondError(c, err)
	}
}

// ListAuditEvents returns the payment audit trail.
func (h *AdminHandler) ListAuditEvents(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	events, total, err := h.audit.List(c.UserContext(), c.Query("kind"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"data":       events,
		"pagination": pg.Meta(total),
	})
}

func (h *AdminHandler) logAction(c *fiber.Ctx, msg string, fields ...zap.Field) {
	admin, _ := middleware.GetCurrentAdmin(c)
	h.log.Info(msg, append(fields, zap.String("admin", admin))...)
}
