package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/ridepay/internal/ledger"
	"github.com/congo-pay/ridepay/internal/middleware"
)

// PayeeResolver turns the reference scanned from a driver QR into an account.
type PayeeResolver interface {
	Resolve(ctx context.Context, ref string) (ledger.Account, error)
}

// Handler exposes the payment endpoint.
type Handler struct {
	engine   *Engine
	resolver PayeeResolver
}

// NewHandler constructs a payment handler.
func NewHandler(engine *Engine, resolver PayeeResolver) *Handler {
	return &Handler{engine: engine, resolver: resolver}
}

type paymentRequest struct {
	Payee          string `json:"payee"`
	Amount         int64  `json:"amount"`
	PIN            string `json:"pin"`
	Notes          string `json:"notes"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Pay charges the authenticated passenger and credits the driver.
func (h *Handler) Pay(c *fiber.Ctx) error {
	var req paymentRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	payerID, _ := c.Locals("account_id").(string)
	if payerID == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	if strings.TrimSpace(req.Payee) == "" {
		return fmt.Errorf("%w: payee is required", ErrValidation)
	}

	payee, err := h.resolver.Resolve(c.UserContext(), req.Payee)
	if err != nil {
		return err
	}

	key, err := middleware.RequestIdempotencyKey(c, req.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	res, err := h.engine.Transfer(c.UserContext(), Request{
		PayerID:        payerID,
		PayeeID:        payee.ID,
		Amount:         req.Amount,
		Secret:         req.PIN,
		IdempotencyKey: key,
		Notes:          req.Notes,
	})
	status := http.StatusCreated
	if errors.Is(err, ErrDuplicateRequest) && res.Status == ledger.StatusSuccess {
		// A retried payment gets the original outcome back.
		status = http.StatusOK
		c.Set("Idempotent-Replay", "true")
	} else if err != nil {
		return err
	}

	return c.Status(status).JSON(fiber.Map{
		"transaction_id":        res.TransactionID,
		"credit_transaction_id": res.CreditTransactionID,
		"idempotency_key":       res.IdempotencyKey,
		"payee_id":              res.PayeeID,
		"amount":                res.Amount,
		"status":                res.Status,
		"balance":               res.PayerBalance,
		"completed_at":          res.CompletedAt,
	})
}
