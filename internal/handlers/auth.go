package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/storefront/internal/config"
	"github.com/example/storefront/internal/middleware"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/utils"
)

// AuthHandler bundles dependencies for authentication endpoints.
type AuthHandler struct {
	cfg   *config.Config
	auth  *middleware.Authenticator
	users *services.UserService
	log   *zap.Logger
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(cfg *config.Config, auth *middleware.Authenticator, users *services.UserService, log *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, auth: auth, users: users, log: log}
}

type launchRequest struct {
	InitData string `json:"initData"`
}

// Launch verifies Mini App launch data, creates the profile on first launch and issues a session token.
func (h *AuthHandler) Launch(c *fiber.Ctx) error {
	var req launchRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	data, err := h.auth.VerifyInitData(req.InitData)
	if err != nil {
		h.log.Debug("launch data rejected", zap.Error(err))
		return respondError(c, services.ErrUnauthenticated)
	}

	user, err := h.users.Launch(c.UserContext(), data.User)
	if err != nil {
		return err
	}
	if user.IsBanned {
		return respondError(c, services.ErrUserBanned)
	}

	token, err := utils.GenerateToken(h.cfg.JWTSecret, user.ID, h.cfg.TokenTTL)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to generate token")
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"user":       newUserView(user),
		"token":      token,
		"startParam": data.StartParam,
	})
}

type adminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AdminLogin exchanges admin credentials for an admin session token.
func (h *AuthHandler) AdminLogin(c *fiber.Ctx) error {
	var req adminLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if !strings.EqualFold(strings.TrimSpace(req.Username), h.cfg.Admin.Username) ||
		!utils.CheckPassword(h.cfg.Admin.PasswordHash, req.Password) {
		h.log.Warn("admin login failed", zap.String("username", req.Username), zap.String("ip", c.IP()))
		return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
	}

	token, err := utils.GenerateAdminToken(h.cfg.JWTSecret, h.cfg.Admin.Username, h.cfg.TokenTTL)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to generate token")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"token":   token,
	})
}
