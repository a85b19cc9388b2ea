package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/ridepay/internal/middleware"
)

// Handler exposes the top-up endpoint.
type Handler struct {
	service *Service
}

// NewHandler constructs a deposit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type depositRequest struct {
	Amount         int64  `json:"amount"`
	Phone          string `json:"phone"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Deposit starts a mobile money collection into the caller's wallet.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	accountID, _ := c.Locals("account_id").(string)
	if accountID == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}

	key, err := middleware.RequestIdempotencyKey(c, req.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	res, err := h.service.InitiateDeposit(c.UserContext(), DepositInput{
		AccountID:      accountID,
		Amount:         req.Amount,
		Phone:          req.Phone,
		IdempotencyKey: key,
	})
	status := http.StatusAccepted
	if errors.Is(err, ErrDuplicateRequest) {
		status = http.StatusOK
		c.Set("Idempotent-Replay", "true")
	} else if err != nil {
		return err
	}

	return c.Status(status).JSON(fiber.Map{
		"transaction_id":         res.TransactionID,
		"idempotency_key":        res.IdempotencyKey,
		"gateway_transaction_id": res.GatewayTransactionID,
		"amount":                 res.Amount,
		"status":                 res.Status,
		"created_at":             res.CreatedAt,
	})
}
