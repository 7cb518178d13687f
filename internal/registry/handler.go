package registry

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes the registry HTTP API.
type Handler struct {
	repo    Repository
	baseURL string
}

// NewHandler constructs a registry handler.
func NewHandler(repo Repository, baseURL string) *Handler {
	return &Handler{repo: repo, baseURL: baseURL}
}

type bankDTO struct {
	SWIFT        string    `json:"swift"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	PublicKeyPEM string    `json:"public_key"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
	Link         string    `json:"link,omitempty"`
}

// Register processes POST /banks as an idempotent upsert: 201 on first
// registration, 200 on replacement.
func (h *Handler) Register(c *fiber.Ctx) error {
	var dto bankDTO
	if err := c.BodyParser(&dto); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if dto.SWIFT == "" || dto.Address == "" || dto.PublicKeyPEM == "" {
		return fiber.NewError(http.StatusBadRequest, "swift, address and public_key are required")
	}

	created, err := h.repo.Upsert(c.UserContext(), Bank{
		SWIFT:        dto.SWIFT,
		Name:         dto.Name,
		Address:      dto.Address,
		PublicKeyPEM: dto.PublicKeyPEM,
	})
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}

	c.Set(fiber.HeaderLocation, fmt.Sprintf("%s/banks/%s", h.baseURL, dto.SWIFT))
	if created {
		return c.SendStatus(http.StatusCreated)
	}
	return c.SendStatus(http.StatusOK)
}

// List processes GET /banks.
func (h *Handler) List(c *fiber.Ctx) error {
	banks, err := h.repo.List(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	dtos := make([]bankDTO, 0, len(banks))
	for _, bank := range banks {
		dtos = append(dtos, h.render(bank))
	}
	return c.JSON(dtos)
}

// Get processes GET /banks/:swift.
func (h *Handler) Get(c *fiber.Ctx) error {
	bank, err := h.repo.Get(c.UserContext(), c.Params("swift"))
	if err != nil {
		if errors.Is(err, ErrBankNotFound) {
			return fiber.NewError(http.StatusNotFound,
				fmt.Sprintf("no bank service with swift code %s found", c.Params("swift")))
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(h.render(bank))
}

func (h *Handler) render(bank Bank) bankDTO {
	return bankDTO{
		SWIFT:        bank.SWIFT,
		Name:         bank.Name,
		Address:      bank.Address,
		PublicKeyPEM: bank.PublicKeyPEM,
		RegisteredAt: bank.RegisteredAt,
		Link:         fmt.Sprintf("%s/banks/%s", h.baseURL, bank.SWIFT),
	}
}

// Setup wires the registry routes onto a Fiber app.
func Setup(app *fiber.App, repo Repository, baseURL string) {
	handler := NewHandler(repo, baseURL)
	app.Post("/banks", handler.Register)
	app.Get("/banks", handler.List)
	app.Get("/banks/:swift", handler.Get)
}
