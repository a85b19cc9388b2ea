package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/ridepay/internal/gateway"
	"github.com/congo-pay/ridepay/internal/guard"
	"github.com/congo-pay/ridepay/internal/ledger"
	"github.com/congo-pay/ridepay/internal/logging"
	"github.com/congo-pay/ridepay/internal/transfer"
	"github.com/congo-pay/ridepay/internal/wallet"
)

func TestFrom(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{fmt.Errorf("%w: amount too small", transfer.ErrValidation), http.StatusBadRequest, "invalid_request"},
		{gateway.ErrValidation, http.StatusBadRequest, "invalid_request"},
		{wallet.ErrValidation, http.StatusBadRequest, "invalid_request"},
		{guard.ErrAuthFailed, http.StatusUnauthorized, "incorrect_code"},
		{guard.ErrTooManyAttempts, http.StatusTooManyRequests, "too_many_attempts"},
		{ledger.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_balance"},
		{ledger.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
		{transfer.ErrDuplicateRequest, http.StatusConflict, "duplicate_transaction"},
		{transfer.ErrIdempotencyConflict, http.StatusConflict, "duplicate_transaction"},
		{gateway.ErrDuplicateRequest, http.StatusConflict, "duplicate_transaction"},
		{gateway.ErrIdempotencyConflict, http.StatusConflict, "duplicate_transaction"},
		{fmt.Errorf("%w: timeout", gateway.ErrGateway), http.StatusServiceUnavailable, "temporary_failure"},
		{fmt.Errorf("%w: conn reset", transfer.ErrPersistence), http.StatusServiceUnavailable, "temporary_failure"},
		{errors.New("boom"), http.StatusInternalServerError, "temporary_failure"},
		{fiber.NewError(http.StatusUnauthorized, "missing bearer token"), http.StatusUnauthorized, "unauthorized"},
		{fiber.ErrNotFound, http.StatusNotFound, "invalid_request"},
	}
	for _, tc := range cases {
		got := From(tc.err)
		if got.Status != tc.want || got.Code != tc.code {
			t.Errorf("%v: got %d/%s, want %d/%s", tc.err, got.Status, got.Code, tc.want, tc.code)
		}
	}
}

func TestHandlerHidesInternalCauses(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: Handler(logging.Discard())})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return fmt.Errorf("%w: pq: password authentication failed", transfer.ErrPersistence)
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/boom", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", resp.StatusCode)
	}
	var body struct {
		Error Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Message != "temporary failure, please retry" {
		t.Fatalf("internal cause leaked: %q", body.Error.Message)
	}
}
