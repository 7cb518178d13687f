package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// OperatorAuth guards admin endpoints with a bearer token checked against a
// bcrypt hash from configuration. An empty hash disables the guard (dev mode).
func OperatorAuth(tokenHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if tokenHash == "" {
			return c.Next()
		}

		header := c.Get(fiber.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		return c.Next()
	}
}
