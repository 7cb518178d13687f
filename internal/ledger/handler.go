package ledger

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes read-only account views for operators.
type Handler struct {
	store Store
}

// NewHandler constructs an account handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

type accountDTO struct {
	ID        string    `json:"id"`
	Number    string    `json:"number"`
	Owner     string    `json:"owner"`
	State     string    `json:"state"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// List processes GET /api/v1/accounts.
func (h *Handler) List(c *fiber.Ctx) error {
	accounts, err := h.store.ListAccounts(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	dtos := make([]accountDTO, 0, len(accounts))
	for _, account := range accounts {
		dtos = append(dtos, renderAccount(account))
	}
	return c.JSON(dtos)
}

// Get processes GET /api/v1/accounts/:id.
func (h *Handler) Get(c *fiber.Ctx) error {
	account, err := h.store.GetAccount(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return fiber.NewError(http.StatusNotFound, "account not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(renderAccount(account))
}

func renderAccount(account Account) accountDTO {
	return accountDTO{
		ID:        account.ID,
		Number:    account.Number,
		Owner:     account.Owner,
		State:     account.State,
		Balance:   account.Balance,
		Version:   account.Version,
		CreatedAt: account.CreatedAt,
	}
}
