package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/config"
)

// KeyAdminAuth holds how the operator authenticated: "api_key" or "basic".
const KeyAdminAuth = "ADMIN_AUTH"

// AdminAuthEnabled reports whether any operator credential is configured.
func AdminAuthEnabled(cfg config.AdminConfig) bool {
	return cfg.APIKey != "" || cfg.Password != ""
}

// RequireAdmin accepts the operator API key (X-API-Key or bearer token) and
// falls back to basic auth when a password is configured. Callers must check
// AdminAuthEnabled first; with nothing configured every request is refused.
func RequireAdmin(cfg config.AdminConfig) fiber.Handler {
	var basic fiber.Handler
	if cfg.Password != "" {
		basic = basicauth.New(basicauth.Config{
			Users: map[string]string{cfg.User: cfg.Password},
			Realm: "ReceiptFox internal",
			Authorizer: func(user, pass string) bool {
				return equalSecret(user, cfg.User) && equalSecret(pass, cfg.Password)
			},
			Unauthorized: unauthorized,
		})
	}

	return func(c *fiber.Ctx) error {
		if key := extractAPIKeyFromHeader(c); key != "" {
			if cfg.APIKey == "" || !equalSecret(key, cfg.APIKey) {
				log.Warnf("[Admin] Rejected API key from %s", c.IP())
				return unauthorized(c)
			}
			c.Locals(KeyAdminAuth, "api_key")
			return c.Next()
		}
		if basic == nil {
			return unauthorized(c)
		}
		c.Locals(KeyAdminAuth, "basic")
		return basic(c)
	}
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
}

// equalSecret compares digests so the timing does not leak the length.
func equalSecret(got, want string) bool {
	a := sha256.Sum256([]byte(got))
	b := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
