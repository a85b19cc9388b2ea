package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/ridepay/internal/ledger"
	"github.com/congo-pay/ridepay/internal/metrics"
	"github.com/congo-pay/ridepay/internal/notification"
)

var (
	// ErrValidation is returned for requests rejected before anything is persisted.
	ErrValidation = errors.New("invalid request")

	// ErrDuplicateRequest is returned together with the prior result when the
	// idempotency key was already used for the same payment.
	ErrDuplicateRequest = errors.New("duplicate transaction")

	// ErrIdempotencyConflict is returned when a key is reused for a different payment.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")

	// ErrPersistence wraps store failures. Retrying with the same key is safe.
	ErrPersistence = errors.New("temporary failure")
)

// DefaultMinAmount is the smallest fare accepted when none is configured.
const DefaultMinAmount int64 = 100

// Verifier authorizes the payer before money moves.
type Verifier interface {
	Verify(ctx context.Context, accountID, secret string) error
}

// Request carries the data needed to pay a driver.
type Request struct {
	PayerID        string
	PayeeID        string
	Amount         int64
	Secret         string
	IdempotencyKey string
	Notes          string
}

// Result describes a committed payment.
type Result struct {
	TransactionID       string
	CreditTransactionID string
	IdempotencyKey      string
	PayerID             string
	PayeeID             string
	Amount              int64
	Status              ledger.Status
	PayerBalance        int64
	PayeeBalance        int64
	CompletedAt         time.Time
}

// Engine moves money from a passenger to a driver.
type Engine struct {
	store     ledger.Store
	guard     Verifier
	notifier  notification.Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	minAmount int64
}

// NewEngine wires the transfer engine. A non-positive minAmount uses DefaultMinAmount.
func NewEngine(store ledger.Store, guard Verifier, notifier notification.Notifier, m *metrics.Metrics, logger *slog.Logger, minAmount int64) *Engine {
	if minAmount <= 0 {
		minAmount = DefaultMinAmount
	}
	return &Engine{store: store, guard: guard, notifier: notifier, metrics: m, logger: logger, minAmount: minAmount}
}

// Transfer authorizes the payer and posts the debit and credit as one unit.
func (e *Engine) Transfer(ctx context.Context, req Request) (Result, error) {
	res, err := e.transfer(ctx, req)
	e.observe(err)
	return res, err
}

func (e *Engine) transfer(ctx context.Context, req Request) (Result, error) {
	if req.Amount <= 0 || req.Amount < e.minAmount {
		return Result{}, fmt.Errorf("%w: amount must be at least %d", ErrValidation, e.minAmount)
	}
	if req.PayerID == "" || req.PayeeID == "" {
		return Result{}, fmt.Errorf("%w: payer and payee are required", ErrValidation)
	}
	if req.PayerID == req.PayeeID {
		return Result{}, fmt.Errorf("%w: cannot pay yourself", ErrValidation)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	existing, err := e.store.Transaction(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		return e.replay(ctx, req, existing)
	case !errors.Is(err, ledger.ErrTransactionNotFound):
		return Result{}, fmt.Errorf("%w: lookup key: %v", ErrPersistence, err)
	}

	if err := e.guard.Verify(ctx, req.PayerID, req.Secret); err != nil {
		return Result{}, err
	}

	payer, err := e.store.Account(ctx, req.PayerID)
	if err != nil {
		return Result{}, e.storeErr("load payer", err)
	}
	payee, err := e.store.Account(ctx, req.PayeeID)
	if err != nil {
		return Result{}, e.storeErr("load payee", err)
	}
	if payee.Role != ledger.RoleDriver {
		return Result{}, fmt.Errorf("%w: payee is not a driver", ErrValidation)
	}
	if payer.Balance < req.Amount {
		return Result{}, ledger.ErrInsufficientFunds
	}

	rec, err := e.store.Transfer(ctx, ledger.Posting{
		PayerID:        payer.ID,
		PayeeID:        payee.ID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Notes:          req.Notes,
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		// Lost a race against a concurrent request carrying the same key.
		if !matches(req, rec.Debit) {
			return Result{}, ErrIdempotencyConflict
		}
		return resultFrom(rec), ErrDuplicateRequest
	}
	if err != nil {
		return Result{}, e.storeErr("post transfer", err)
	}

	res := resultFrom(rec)
	e.logger.Info("transfer completed",
		slog.String("transaction_id", res.TransactionID),
		slog.String("payer_id", res.PayerID),
		slog.String("payee_id", res.PayeeID),
		slog.Int64("amount", res.Amount),
	)

	if e.notifier != nil {
		if err := e.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindFareReceived,
			Destination: payee.ID,
			Body:        fmt.Sprintf("You received %d from %s", req.Amount, payer.ShortCode),
		}); err != nil {
			e.logger.Warn("notify payee", slog.String("payee_id", payee.ID), slog.Any("error", err))
		}
	}

	return res, nil
}

func (e *Engine) replay(ctx context.Context, req Request, existing ledger.Transaction) (Result, error) {
	if !matches(req, existing) {
		return Result{}, ErrIdempotencyConflict
	}
	if existing.Status != ledger.StatusSuccess {
		return Result{
			TransactionID:  existing.ID,
			IdempotencyKey: existing.IdempotencyKey,
			PayerID:        existing.AccountID,
			PayeeID:        existing.CounterpartyID,
			Amount:         existing.Amount,
			Status:         existing.Status,
		}, ErrDuplicateRequest
	}

	credit, err := e.store.Transaction(ctx, ledger.CreditKey(existing.IdempotencyKey))
	if err != nil {
		return Result{}, fmt.Errorf("%w: lookup credit: %v", ErrPersistence, err)
	}
	return resultFrom(ledger.TransferRecord{Debit: existing, Credit: credit}), ErrDuplicateRequest
}

func (e *Engine) storeErr(op string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrInsufficientFunds):
		return err
	case errors.Is(err, ledger.ErrSameAccount), errors.Is(err, ledger.ErrInvalidAmount):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	default:
		e.logger.Error("transfer store failure", slog.String("op", op), slog.Any("error", err))
		return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
	}
}

func (e *Engine) observe(err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.TransfersTotal.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrPersistence):
		return "error"
	default:
		return "rejected"
	}
}

func matches(req Request, debit ledger.Transaction) bool {
	return debit.Type == ledger.TypePayment &&
		debit.AccountID == req.PayerID &&
		debit.CounterpartyID == req.PayeeID &&
		debit.Amount == req.Amount
}

func resultFrom(rec ledger.TransferRecord) Result {
	return Result{
		TransactionID:       rec.Debit.ID,
		CreditTransactionID: rec.Credit.ID,
		IdempotencyKey:      rec.Debit.IdempotencyKey,
		PayerID:             rec.Debit.AccountID,
		PayeeID:             rec.Debit.CounterpartyID,
		Amount:              rec.Debit.Amount,
		Status:              rec.Debit.Status,
		PayerBalance:        rec.Debit.BalanceAfter,
		PayeeBalance:        rec.Credit.BalanceAfter,
		CompletedAt:         rec.Debit.CreatedAt,
	}
}
