package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/usdt-escrow/backend/internal/auth"
	"github.com/usdt-escrow/backend/internal/config"
	"go.uber.org/zap"
)

const (
	CtxUserID  = "user_id"
	CtxArbiter = "arbiter"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return WriteError(c, fiber.StatusUnauthorized, "unauthenticated", "missing authorization header")
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return WriteError(c, fiber.StatusUnauthorized, "unauthenticated", "invalid authorization format")
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return WriteError(c, fiber.StatusUnauthorized, "unauthenticated", "invalid or expired token")
		}

		c.Locals(CtxUserID, claims.UserID)
		// The claim alone does not make an arbiter.
		c.Locals(CtxArbiter, claims.Arbiter && cfg.IsArbiter(claims.UserID))

		return c.Next()
	}
}

func GetUserID(c *fiber.Ctx) int64 {
	id, _ := c.Locals(CtxUserID).(int64)
	return id
}

func IsArbiter(c *fiber.Ctx) bool {
	ok, _ := c.Locals(CtxArbiter).(bool)
	return ok
}

// ArbiterMiddleware requires a configured arbiter.
func ArbiterMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !IsArbiter(c) {
			return WriteError(c, fiber.StatusForbidden, "authorization", "arbiter access required")
		}
		return c.Next()
	}
}
