package transfer

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/banknet/banknet/internal/ledger"
)

// Handler exposes the client-facing transfer API.
type Handler struct {
	service *Service
}

// NewHandler constructs a transfer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type initiateRequest struct {
	TransferID           string `json:"transfer_id"`
	SourceAccountID      string `json:"source_account_id"`
	DestinationSWIFT     string `json:"destination_swift"`
	DestinationAccountID string `json:"destination_account_id"`
	Amount               int64  `json:"amount"`
}

type transferResponse struct {
	TransferID           string    `json:"transfer_id"`
	OriginSWIFT          string    `json:"origin_swift"`
	DestinationSWIFT     string    `json:"destination_swift"`
	SourceAccountID      string    `json:"source_account_id"`
	DestinationAccountID string    `json:"destination_account_id"`
	Amount               int64     `json:"amount"`
	Status               string    `json:"status"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Initiate processes POST /api/v1/transfers.
func (h *Handler) Initiate(c *fiber.Ctx) error {
	var req initiateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	transfer, err := h.service.Initiate(c.UserContext(), InitiateInput{
		TransferID:           req.TransferID,
		SourceAccountID:      req.SourceAccountID,
		DestinationSWIFT:     req.DestinationSWIFT,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               req.Amount,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ledger.ErrInsufficientFunds):
			// The transfer record exists and is ABORTED; report both.
			return c.Status(http.StatusUnprocessableEntity).JSON(renderTransfer(transfer))
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.Status(http.StatusCreated).JSON(renderTransfer(transfer))
}

// Status processes GET /api/v1/transfers/:id.
func (h *Handler) Status(c *fiber.Ctx) error {
	transfer, err := h.service.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrTransferNotFound) {
			return fiber.NewError(http.StatusNotFound, "transfer not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(renderTransfer(transfer))
}

// Cancel processes POST /api/v1/transfers/:id/cancel.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	transfer, err := h.service.Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrTransferNotFound):
			return fiber.NewError(http.StatusNotFound, "transfer not found")
		case errors.Is(err, ErrNotCancelable):
			return c.Status(http.StatusConflict).JSON(renderTransfer(transfer))
		case errors.Is(err, ErrRemoteUnreachable):
			return fiber.NewError(http.StatusServiceUnavailable, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(renderTransfer(transfer))
}

func renderTransfer(transfer ledger.Transfer) transferResponse {
	return transferResponse{
		TransferID:           transfer.ID,
		OriginSWIFT:          transfer.OriginSWIFT,
		DestinationSWIFT:     transfer.DestinationSWIFT,
		SourceAccountID:      transfer.SourceAccountID,
		DestinationAccountID: transfer.DestinationAccountID,
		Amount:               transfer.Amount,
		Status:               string(transfer.Status),
		CreatedAt:            transfer.CreatedAt,
		UpdatedAt:            transfer.UpdatedAt,
	}
}
