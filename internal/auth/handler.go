package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/ridepay/internal/ledger"
	"github.com/congo-pay/ridepay/internal/wallet"
)

// Resolver maps a phone-entered account reference to an account.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (ledger.Account, error)
}

// Verifier checks an account's PIN.
type Verifier interface {
	Verify(ctx context.Context, accountID, secret string) error
}

// Handler exposes the session endpoint.
type Handler struct {
	accounts Resolver
	guard    Verifier
	tokens   *Tokens
}

// NewHandler constructs an auth handler.
func NewHandler(accounts Resolver, guard Verifier, tokens *Tokens) *Handler {
	return &Handler{accounts: accounts, guard: guard, tokens: tokens}
}

type loginRequest struct {
	Account string `json:"account"`
	PIN     string `json:"pin"`
}

type loginResponse struct {
	AccountID   string `json:"account_id"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Login verifies the PIN and returns an access token.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Account) == "" {
		return fmt.Errorf("%w: account and pin are required", wallet.ErrValidation)
	}

	// Unknown references go through Verify too so they fail the same way.
	accountID := strings.TrimSpace(req.Account)
	role := ""
	if account, err := h.accounts.Resolve(c.UserContext(), req.Account); err == nil {
		accountID = account.ID
		role = string(account.Role)
	}
	if err := h.guard.Verify(c.UserContext(), accountID, req.PIN); err != nil {
		return err
	}

	token, exp, err := h.tokens.Issue(accountID, role)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	return c.Status(http.StatusOK).JSON(loginResponse{
		AccountID:   accountID,
		AccessToken: token,
		ExpiresIn:   int64(exp.Sub(h.tokens.now()).Seconds()),
	})
}
