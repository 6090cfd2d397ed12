package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/example/storefront/internal/config"
	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/utils"
)

const (
	userContextKey  = "currentUser"
	adminContextKey = "currentAdmin"
)

// Authenticator resolves storefront and admin identities from the Authorization header.
type Authenticator struct {
	cfg   *config.Config
	users *services.UserService
	now   func() time.Time
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(cfg *config.Config, users *services.UserService) *Authenticator {
	return &Authenticator{cfg: cfg, users: users, now: time.Now}
}

// VerifyInitData checks raw Mini App launch data against the bot token.
func (a *Authenticator) VerifyInitData(raw string) (*utils.InitData, error) {
	return utils.ValidateInitData(raw, a.cfg.Telegram.BotToken, a.now())
}

// RequireUser accepts "tma <initData>" or "Bearer <session token>" and loads the profile.
func (a *Authenticator) RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		scheme, credentials, ok := splitAuthorization(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return unauthorized(c)
		}

		var (
			user *models.User
			err  error
		)
		switch strings.ToLower(scheme) {
		case "tma":
			data, verr := a.VerifyInitData(credentials)
			if verr != nil {
				return unauthorized(c)
			}
			user, err = a.users.ByTelegramID(c.UserContext(), data.User.ID)
		case "bearer":
			claims, perr := utils.ParseToken(a.cfg.JWTSecret, credentials)
			if perr != nil {
				return unauthorized(c)
			}
			id, cerr := claims.CustomerID()
			if cerr != nil {
				return unauthorized(c)
			}
			user, err = a.users.ByID(c.UserContext(), id)
		default:
			return unauthorized(c)
		}

		if errors.Is(err, services.ErrUserNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"error":   services.UserMessage(services.ErrUserNotFound),
			})
		}
		if err != nil {
			return err
		}
		if user.IsBanned {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"error":   services.UserMessage(services.ErrUserBanned),
			})
		}

		c.Locals(userContextKey, user)
		return c.Next()
	}
}

// RequireAdmin accepts only admin session tokens.
func (a *Authenticator) RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		scheme, credentials, ok := splitAuthorization(c.Get(fiber.HeaderAuthorization))
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return unauthorized(c)
		}

		claims, err := utils.ParseToken(a.cfg.JWTSecret, credentials)
		if err != nil {
			return unauthorized(c)
		}
		if claims.Role != utils.RoleAdmin {
			return fiber.NewError(fiber.StatusForbidden, "admin access required")
		}

		c.Locals(adminContextKey, claims.Subject)
		return c.Next()
	}
}

// GetCurrentUser returns the profile loaded by RequireUser.
func GetCurrentUser(c *fiber.Ctx) (*models.User, bool) {
	user, ok := c.Locals(userContextKey).(*models.User)
	return user, ok && user != nil
}

// GetCurrentAdmin returns the admin username loaded by RequireAdmin.
func GetCurrentAdmin(c *fiber.Ctx) (string, bool) {
	name, ok := c.Locals(adminContextKey).(string)
	return name, ok
}

func splitAuthorization(header string) (scheme, credentials string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", "", false
	}
	return parts[0], strings.TrimSpace(parts[1]), true
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"success": false,
		"error":   services.UserMessage(services.ErrUnauthenticated),
	})
}
