package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/storefront/internal/services"
)

// WebhookHandler receives payment gateway callbacks.
type WebhookHandler struct {
	reconciler *services.PaymentReconciler
	log        *zap.Logger
}

// NewWebhookHandler constructs WebhookHandler.
func NewWebhookHandler(reconciler *services.PaymentReconciler, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, log: log}
}

// CryptoPay applies a signed Crypto Pay update. Ignored and permanently rejected updates are
// answered with 200 so the gateway stops redelivering; only internal failures get a 5xx.
func (h *WebhookHandler) CryptoPay(c *fiber.Ctx) error {
	updateType, event, err := services.ParseCryptoPayUpdate(c.Body())
	if err != nil {
		h.log.Warn("crypto pay update rejected", zap.String("update_type", updateType), zap.Error(err))
		return c.JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	if event == nil {
		h.log.Debug("crypto pay update ignored", zap.String("update_type", updateType))
		return c.JSON(fiber.Map{"success": true, "ignored": true})
	}

	result, err := h.reconciler.Apply(c.UserContext(), event)
	if errors.Is(err, services.ErrInvalidPayload) {
		h.log.Warn("crypto pay payment rejected", zap.String("payment_id", event.PaymentID), zap.Error(err))
		return c.JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	if err != nil {
		h.log.Error("crypto pay payment not applied", zap.String("payment_id", event.PaymentID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false})
	}

	resp := fiber.Map{
		"success":   true,
		"duplicate": result.Duplicate,
	}
	if result.Order != nil {
		resp["orderId"] = result.Order.ID
		resp["settled"] = result.Settled
	}
	return c.JSON(resp)
}
