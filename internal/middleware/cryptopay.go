package middleware

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/storefront/internal/services"
)

// CryptoPaySignature rejects webhook calls whose body is not signed with the Crypto Pay API token.
func CryptoPaySignature(apiToken string, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		signature := c.Get(services.CryptoPaySignatureHeader)
		if signature == "" || !services.VerifyCryptoPaySignature(apiToken, c.Body(), signature) {
			log.Warn("crypto pay webhook with invalid signature", zap.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "invalid signature",
			})
		}
		return c.Next()
	}
}
