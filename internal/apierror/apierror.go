package apierror

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/ridepay/internal/gateway"
	"github.com/congo-pay/ridepay/internal/guard"
	"github.com/congo-pay/ridepay/internal/ledger"
	"github.com/congo-pay/ridepay/internal/transfer"
	"github.com/congo-pay/ridepay/internal/wallet"
)

// Error is the user-visible form of a failure.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var (
	invalidRequest      = Error{Status: http.StatusBadRequest, Code: "invalid_request", Message: "invalid request"}
	incorrectCode       = Error{Status: http.StatusUnauthorized, Code: "incorrect_code", Message: "incorrect code"}
	tooManyAttempts     = Error{Status: http.StatusTooManyRequests, Code: "too_many_attempts", Message: "too many attempts, try again later"}
	insufficientBalance = Error{Status: http.StatusPaymentRequired, Code: "insufficient_balance", Message: "insufficient balance"}
	accountNotFound     = Error{Status: http.StatusNotFound, Code: "account_not_found", Message: "account not found"}
	duplicate           = Error{Status: http.StatusConflict, Code: "duplicate_transaction", Message: "duplicate transaction"}
	unavailable         = Error{Status: http.StatusServiceUnavailable, Code: "temporary_failure", Message: "temporary failure, please retry"}
	internal            = Error{Status: http.StatusInternalServerError, Code: "temporary_failure", Message: "temporary failure, please retry"}
)

// From maps err onto the closed set of responses clients may see. Anything
// unrecognized becomes a generic temporary failure.
func From(err error) Error {
	var fe *fiber.Error
	switch {
	case err == nil:
		return Error{Status: http.StatusOK}
	case errors.Is(err, transfer.ErrValidation), errors.Is(err, gateway.ErrValidation),
		errors.Is(err, wallet.ErrValidation), errors.Is(err, guard.ErrInvalidSecret):
		return invalidRequest
	case errors.Is(err, guard.ErrAuthFailed):
		return incorrectCode
	case errors.Is(err, guard.ErrTooManyAttempts):
		return tooManyAttempts
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return insufficientBalance
	case errors.Is(err, ledger.ErrAccountNotFound):
		return accountNotFound
	case errors.Is(err, transfer.ErrDuplicateRequest), errors.Is(err, transfer.ErrIdempotencyConflict),
		errors.Is(err, gateway.ErrDuplicateRequest), errors.Is(err, gateway.ErrIdempotencyConflict),
		errors.Is(err, ledger.ErrDuplicateTransaction):
		return duplicate
	case errors.Is(err, gateway.ErrGateway), errors.Is(err, transfer.ErrPersistence):
		return unavailable
	case errors.As(err, &fe):
		return fromFiber(fe)
	default:
		return internal
	}
}

func fromFiber(fe *fiber.Error) Error {
	switch {
	case fe.Code == http.StatusUnauthorized:
		return Error{Status: fe.Code, Code: "unauthorized", Message: fe.Message}
	case fe.Code == http.StatusConflict:
		return Error{Status: fe.Code, Code: "duplicate_transaction", Message: fe.Message}
	case fe.Code >= http.StatusInternalServerError:
		return internal
	default:
		return Error{Status: fe.Code, Code: "invalid_request", Message: fe.Message}
	}
}

// Handler is the fiber ErrorHandler. Causes are logged, never returned.
func Handler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		apiErr := From(err)
		if apiErr.Status >= http.StatusInternalServerError {
			requestID, _ := c.Locals("X-Request-ID").(string)
			logger.Error("request failed",
				slog.String("method", c.Method()),
				slog.String("path", c.Path()),
				slog.String("request_id", requestID),
				slog.Any("error", err),
			)
		}
		return c.Status(apiErr.Status).JSON(fiber.Map{"error": apiErr})
	}
}
