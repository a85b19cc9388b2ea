package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/ridepay/internal/ledger"
	"github.com/congo-pay/ridepay/internal/metrics"
)

var (
	// ErrValidation is returned for deposit requests rejected before any record exists.
	ErrValidation = errors.New("invalid request")

	// ErrGateway is returned when the outbound call fails. The pending record
	// has been marked failed by the time the caller sees it.
	ErrGateway = errors.New("payment gateway unavailable")

	// ErrDuplicateRequest is returned together with the existing record when
	// the idempotency key was already used.
	ErrDuplicateRequest = errors.New("duplicate transaction")

	// ErrIdempotencyConflict is returned when the key already names a different
	// transaction: another account's, another amount, or not a recharge.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
)

const (
	// DefaultMinAmount is the smallest top-up accepted when none is configured.
	DefaultMinAmount int64 = 100
	// DefaultTimeout bounds the outbound gateway call.
	DefaultTimeout = 15 * time.Second
)

// DepositInput captures a top-up request.
type DepositInput struct {
	AccountID      string
	Amount         int64
	Phone          string
	IdempotencyKey string
}

// DepositResult describes the recorded recharge.
type DepositResult struct {
	TransactionID        string
	IdempotencyKey       string
	GatewayTransactionID string
	Amount               int64
	Status               ledger.Status
	CreatedAt            time.Time
}

// Service initiates gateway collections. It never marks a recharge successful;
// that only happens when the gateway's webhook is reconciled.
type Service struct {
	store     ledger.Store
	client    Client
	metrics   *metrics.Metrics
	logger    *slog.Logger
	minAmount int64
	timeout   time.Duration
}

// NewService wires the deposit service. Zero values pick the defaults.
func NewService(store ledger.Store, client Client, m *metrics.Metrics, logger *slog.Logger, minAmount int64, timeout time.Duration) *Service {
	if client == nil {
		client = StaticClient{}
	}
	if minAmount <= 0 {
		minAmount = DefaultMinAmount
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{store: store, client: client, metrics: m, logger: logger, minAmount: minAmount, timeout: timeout}
}

// InitiateDeposit records a pending recharge and asks the gateway to collect it.
func (s *Service) InitiateDeposit(ctx context.Context, in DepositInput) (DepositResult, error) {
	res, err := s.initiate(ctx, in)
	s.observe(err)
	return res, err
}

func (s *Service) initiate(ctx context.Context, in DepositInput) (DepositResult, error) {
	if in.Amount <= 0 || in.Amount < s.minAmount {
		return DepositResult{}, fmt.Errorf("%w: amount must be at least %d", ErrValidation, s.minAmount)
	}
	phone, ok := normalizePhone(in.Phone)
	if !ok {
		return DepositResult{}, fmt.Errorf("%w: phone number is invalid", ErrValidation)
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.NewString()
	}

	account, err := s.store.Account(ctx, in.AccountID)
	if err != nil {
		return DepositResult{}, err
	}

	pending, err := s.store.CreatePending(ctx, ledger.Transaction{
		AccountID:      account.ID,
		Type:           ledger.TypeRecharge,
		Amount:         in.Amount,
		IdempotencyKey: in.IdempotencyKey,
		Notes:          "mobile money top-up",
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		if !matches(in, pending) {
			return DepositResult{}, ErrIdempotencyConflict
		}
		return resultFrom(pending), ErrDuplicateRequest
	}
	if err != nil {
		return DepositResult{}, fmt.Errorf("create pending recharge: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	resp, err := s.client.Deposit(callCtx, DepositRequest{
		IdempotencyKey: pending.IdempotencyKey,
		Phone:          phone,
		Amount:         pending.Amount,
	})
	cancel()
	if err != nil {
		return s.fail(ctx, pending, err)
	}

	// The webhook may already have settled the record; AttachGatewayID is a no-op then.
	if err := s.store.AttachGatewayID(ctx, pending.IdempotencyKey, resp.GatewayTransactionID); err != nil {
		s.logger.Warn("attach gateway id",
			slog.String("idempotency_key", pending.IdempotencyKey),
			slog.Any("error", err),
		)
	}
	pending.GatewayTransactionID = resp.GatewayTransactionID

	s.logger.Info("deposit initiated",
		slog.String("idempotency_key", pending.IdempotencyKey),
		slog.String("gateway_transaction_id", resp.GatewayTransactionID),
		slog.Int64("amount", pending.Amount),
	)
	return resultFrom(pending), nil
}

func (s *Service) fail(ctx context.Context, pending ledger.Transaction, cause error) (DepositResult, error) {
	s.logger.Warn("gateway deposit failed",
		slog.String("idempotency_key", pending.IdempotencyKey),
		slog.Any("error", cause),
	)

	// Mark the record failed even if the caller's request was cancelled.
	settled, err := s.store.Settle(context.WithoutCancel(ctx), ledger.Settlement{
		IdempotencyKey: pending.IdempotencyKey,
		Status:         ledger.StatusFailed,
		Notes:          truncate("gateway: "+cause.Error(), 255),
	})
	switch {
	case err == nil:
		pending = settled
	case errors.Is(err, ledger.ErrAlreadySettled):
		s.logger.Error("gateway failed for a transaction already settled",
			slog.String("idempotency_key", pending.IdempotencyKey),
			slog.String("status", string(settled.Status)),
		)
		pending = settled
	default:
		s.logger.Error("mark recharge failed", slog.String("idempotency_key", pending.IdempotencyKey), slog.Any("error", err))
	}
	return resultFrom(pending), fmt.Errorf("%w: %v", ErrGateway, cause)
}

func matches(in DepositInput, existing ledger.Transaction) bool {
	return existing.Type == ledger.TypeRecharge &&
		existing.AccountID == in.AccountID &&
		existing.Amount == in.Amount
}

func (s *Service) observe(err error) {
	if s.metrics == nil {
		return
	}
	outcome := "initiated"
	switch {
	case errors.Is(err, ErrDuplicateRequest):
		outcome = "duplicate"
	case errors.Is(err, ErrGateway):
		outcome = "gateway_error"
	case err != nil:
		outcome = "rejected"
	}
	s.metrics.DepositsTotal.WithLabelValues(outcome).Inc()
}

// normalizePhone strips separators and accepts 8 to 15 digits with an optional leading +.
func normalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	digits := strings.TrimPrefix(b.String(), "+")
	if len(digits) < 8 || len(digits) > 15 {
		return "", false
	}
	return b.String(), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func resultFrom(t ledger.Transaction) DepositResult {
	return DepositResult{
		TransactionID:        t.ID,
		IdempotencyKey:       t.IdempotencyKey,
		GatewayTransactionID: t.GatewayTransactionID,
		Amount:               t.Amount,
		Status:               t.Status,
		CreatedAt:            t.CreatedAt,
	}
}
