package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/example/storefront/internal/config"
	"github.com/example/storefront/internal/database"
	"github.com/example/storefront/internal/logger"
	"github.com/example/storefront/internal/routes"
	"github.com/example/storefront/internal/services"
)

func main() {
	cfg := config.Load()

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	db := database.Connect(cfg.DatabaseURL, cfg.IsDevelopment())

	app := fiber.New(fiber.Config{
		AppName:      "Storefront Payments",
		ErrorHandler: errorHandler(zlog),
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())

	telegram := services.NewTelegramService(cfg.Telegram.APIURL, cfg.Telegram.BotToken, cfg.Telegram.AdminChatID, zlog.Named("telegram"))
	routes.Register(app, db, cfg, telegram, zlog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweep := services.NewAbandonmentSweep(db, telegram, cfg.Sweep.StaleAfter, cfg.Sweep.SendDelay, zlog.Named("sweep"))
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweep.Start(ctx, cfg.Sweep.Interval)
	}()

	go func() {
		<-ctx.Done()
		zlog.Info("shutting down")
		if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
			zlog.Error("http shutdown failed", zap.Error(err))
		}
	}()

	zlog.Info("starting server", zap.String("port", cfg.AppPort), zap.String("env", cfg.Environment))
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		zlog.Fatal("fiber.Listen error", zap.Error(err))
	}

	stop()
	<-sweepDone
}

// errorHandler renders errors that handlers did not map themselves in the storefront envelope.
func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := services.UserMessage(err)

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		} else {
			log.Error("request failed",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Error(err))
		}

		return c.Status(code).JSON(fiber.Map{
			"success": false,
			"error":   message,
		})
	}
}
