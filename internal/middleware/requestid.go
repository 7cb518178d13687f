package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Header carrying the request id, shared with the access log and the ping
// handler.
const requestIDHeader = "X-Request-ID"

// RequestID tags each request with a stable identifier, minting one when the
// caller did not supply its own. The id is always echoed on the response and
// exposed through Locals for handlers that report it.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Locals(requestIDHeader, id)
		return c.Next()
	}
}
