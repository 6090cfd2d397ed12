package routes

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/config"
	"github.com/example/storefront/internal/handlers"
	"github.com/example/storefront/internal/middleware"
	"github.com/example/storefront/internal/services"
)

// Register wires up all HTTP routes.
func Register(app *fiber.App, db *gorm.DB, cfg *config.Config, telegram *services.TelegramService, log *zap.Logger) {
	cryptoPay := services.NewCryptoPayClient(services.CryptoPayConfig{
		BaseURL:        cfg.CryptoPay.BaseURL,
		APIToken:       cfg.CryptoPay.APIToken,
		AcceptedAssets: cfg.CryptoPay.AcceptedAssets,
		InvoiceTTL:     cfg.CryptoPay.InvoiceTTL,
	})

	ledger := services.NewLedgerService(db, log.Named("ledger"))
	users := services.NewUserService(db, log.Named("users"))
	audit := services.NewAuditService(db, log.Named("audit"))
	invoices := services.NewInvoiceService(db, cryptoPay, log.Named("invoices"))
	checkout := services.NewCheckoutService(db, ledger, invoices, telegram, log.Named("checkout"))
	orders := services.NewOrderService(db, ledger, telegram, log.Named("orders"))
	reconciler := services.NewPaymentReconciler(db, ledger, audit, telegram, log.Named("reconciler"))
	carts := services.NewCartService(db, log.Named("cart"))
	rates := services.NewRateCache(cryptoPay, cfg.CryptoPay.RateAsset, "RUB", cfg.CryptoPay.RateTTL)

	auth := middleware.NewAuthenticator(cfg, users)

	authHandler := handlers.NewAuthHandler(cfg, auth, users, log.Named("auth"))
	productHandler := handlers.NewProductHandler(db)
	checkoutHandler := handlers.NewCheckoutHandler(checkout, invoices, rates, log.Named("checkout"))
	webhookHandler := handlers.NewWebhookHandler(reconciler, log.Named("webhook"))
	cartHandler := handlers.NewCartHandler(auth, users, carts, log.Named("cart"))
	orderHandler := handlers.NewOrderHandler(orders)
	profileHandler := handlers.NewProfileHandler(ledger)
	adminHandler := handlers.NewAdminHandler(orders, ledger, users, audit, log.Named("admin"))

	api := app.Group("/api")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true})
	})

	// Auth routes
	authGroup := api.Group("/auth")
	authGroup.Post("/telegram", authHandler.Launch)

	// Catalog
	api.Get("/products", productHandler.ListProducts)
	api.Get("/payments/rate", checkoutHandler.Rate)

	// Gateway callbacks
	webhooks := api.Group("/webhooks")
	webhooks.Post("/cryptopay", middleware.CryptoPaySignature(cfg.CryptoPay.APIToken, log.Named("webhook")), webhookHandler.CryptoPay)

	// Cart sync carries its own launch data in the body
	api.Post("/cart/sync", cartHandler.Sync)

	// Admin routes
	api.Post("/admin/login", authHandler.AdminLogin)

	admin := api.Group("/admin", auth.RequireAdmin())
	admin.Post("/products", productHandler.CreateProduct)
	admin.Put("/products/:id", productHandler.UpdateProduct)
	admin.Post("/orders/:id/complete", adminHandler.CompleteOrder)
	admin.Post("/orders/:id/refund", adminHandler.RefundOrder)
	admin.Get("/users", adminHandler.ListUsers)
	admin.Post("/users/:id/bonus", adminHandler.GrantBonus)
	admin.Post("/users/:id/ban", adminHandler.BanUser)
	admin.Post("/users/:id/unban", adminHandler.UnbanUser)
	admin.Get("/users/:id/ledger/verify", adminHandler.VerifyLedger)
	admin.Get("/transactions", adminHandler.ListTransactions)
	admin.Get("/audit", adminHandler.ListAuditEvents)

	// Everything registered after this group requires a storefront user.
	protected := api.Group("", auth.RequireUser())

	protected.Get("/profile", profileHandler.GetProfile)
	protected.Get("/balance", profileHandler.GetBalance)
	protected.Post("/balance/topup", checkoutHandler.TopUp)
	protected.Get("/cart", cartHandler.Get)

	protected.Post("/checkout", checkoutHandler.Checkout)
	protected.Get("/orders", orderHandler.ListOrders)
	protected.Get("/orders/:id", orderHandler.GetOrder)
	protected.Post("/orders/:id/pay", checkoutHandler.PayOrder)
	protected.Post("/orders/:id/cancel", orderHandler.CancelOrder)
}
