package wallet

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/ridepay/internal/ledger"
)

// TokenIssuer signs an access token for a freshly opened account.
type TokenIssuer interface {
	Issue(accountID, role string) (string, time.Time, error)
}

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
	tokens  TokenIssuer
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service, tokens TokenIssuer) *Handler {
	return &Handler{service: service, tokens: tokens}
}

type openRequest struct {
	Role  string `json:"role"`
	Phone string `json:"phone"`
	PIN   string `json:"pin"`
}

type accountResponse struct {
	ID          string `json:"id"`
	ShortCode   string `json:"short_code"`
	QRReference string `json:"qr_reference"`
	Role        string `json:"role"`
	Balance     *int64 `json:"balance,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

type transactionResponse struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Amount         int64     `json:"amount"`
	CounterpartyID string    `json:"counterparty_id,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	BalanceAfter   int64     `json:"balance_after"`
	CreatedAt      time.Time `json:"created_at"`
}

// Open provisions a passenger or driver wallet.
func (h *Handler) Open(c *fiber.Ctx) error {
	var req openRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	account, err := h.service.Open(c.UserContext(), OpenInput{Role: ledger.Role(req.Role), Phone: req.Phone, PIN: req.PIN})
	if err != nil {
		return err
	}

	resp := accountResponse{
		ID:          account.ID,
		ShortCode:   account.ShortCode,
		QRReference: ShortCodePrefix + account.ShortCode,
		Role:        string(account.Role),
		Balance:     &account.Balance,
	}
	if h.tokens != nil {
		token, _, err := h.tokens.Issue(account.ID, string(account.Role))
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		resp.AccessToken = token
	}
	return c.Status(http.StatusCreated).JSON(resp)
}

// Resolve turns a scanned reference into the public view of the account.
func (h *Handler) Resolve(c *fiber.Ctx) error {
	account, err := h.service.Resolve(c.UserContext(), c.Params("ref"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(accountResponse{
		ID:          account.ID,
		ShortCode:   account.ShortCode,
		QRReference: ShortCodePrefix + account.ShortCode,
		Role:        string(account.Role),
	})
}

// Balance returns the authenticated account's balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	accountID, _ := c.Locals("account_id").(string)
	balance, err := h.service.Balance(c.UserContext(), accountID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_id": balance.AccountID,
		"balance":    balance.Amount,
		"timestamp":  balance.AsOf,
	})
}

// History lists the authenticated account's transactions.
func (h *Handler) History(c *fiber.Ctx) error {
	accountID, _ := c.Locals("account_id").(string)
	txs, err := h.service.History(c.UserContext(), accountID, c.QueryInt("limit", defaultHistory))
	if err != nil {
		return err
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{
			ID:             tx.ID,
			Type:           string(tx.Type),
			Status:         string(tx.Status),
			Amount:         tx.Amount,
			CounterpartyID: tx.CounterpartyID,
			Notes:          tx.Notes,
			BalanceAfter:   tx.BalanceAfter,
			CreatedAt:      tx.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"account_id": accountID, "transactions": out})
}
