package participant

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/banknet/banknet/internal/protocol"
)

// Handler exposes the protocol endpoints consumed by remote coordinators.
type Handler struct {
	service *Service
}

// NewHandler constructs a participant handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Prepare handles POST /protocol/prepare.
func (h *Handler) Prepare(c *fiber.Ctx) error {
	return h.handle(c, protocol.TypePrepare)
}

// Commit handles POST /protocol/commit.
func (h *Handler) Commit(c *fiber.Ctx) error {
	return h.handle(c, protocol.TypeCommit)
}

// Abort handles POST /protocol/abort.
func (h *Handler) Abort(c *fiber.Ctx) error {
	return h.handle(c, protocol.TypeAbort)
}

// Query handles POST /protocol/query.
func (h *Handler) Query(c *fiber.Ctx) error {
	return h.handle(c, protocol.TypeQuery)
}

// handle decodes the envelope, pins its type to the endpoint, and maps
// discard conditions to HTTP errors. Protocol NACKs are 200 responses:
// transport success is not protocol success.
func (h *Handler) handle(c *fiber.Ctx, msgType protocol.MessageType) error {
	var env protocol.Envelope
	if err := c.BodyParser(&env); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if env.Type != msgType {
		return fiber.NewError(http.StatusBadRequest, "message type does not match endpoint")
	}

	resp, err := h.service.Handle(c.UserContext(), env)
	if err != nil {
		switch {
		case errors.Is(err, ErrBadSignature), errors.Is(err, ErrUnknownSender), errors.Is(err, ErrReplay):
			return fiber.NewError(http.StatusUnauthorized, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.Status(http.StatusOK).JSON(resp)
}
