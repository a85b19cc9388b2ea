package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/congo-pay/ridepay/internal/ledger"
	"github.com/congo-pay/ridepay/internal/metrics"
	"github.com/congo-pay/ridepay/internal/notification"
)

// Outcome reports what a callback did. Every outcome is acknowledged to the gateway.
type Outcome string

const (
	OutcomeNotFound         Outcome = "not_found"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeSettled          Outcome = "settled"
	OutcomeFailed           Outcome = "failed"
	OutcomePending          Outcome = "pending"
)

// Result is returned by Handle.
type Result struct {
	Outcome        Outcome
	IdempotencyKey string
	Transaction    ledger.Transaction
}

// Reconciler applies gateway callbacks to pending transactions exactly once.
type Reconciler struct {
	store    ledger.Store
	notifier notification.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New constructs a Reconciler.
func New(store ledger.Store, notifier notification.Notifier, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, notifier: notifier, metrics: m, logger: logger}
}

// Handle normalizes raw and settles the matching transaction. Only malformed
// bodies and store failures return an error.
func (r *Reconciler) Handle(ctx context.Context, raw []byte) (Result, error) {
	n, err := Normalize(raw)
	if err != nil {
		r.count("malformed")
		return Result{}, err
	}
	res, err := r.apply(ctx, n)
	if err != nil {
		r.count("error")
		return res, err
	}
	r.count(string(res.Outcome))
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, n Notification) (Result, error) {
	log := r.logger.With(
		slog.String("idempotency_key", n.IdempotencyKey),
		slog.String("gateway_status", n.Status),
		slog.String("gateway_transaction_id", n.GatewayTransactionID),
	)
	res := Result{IdempotencyKey: n.IdempotencyKey}

	if n.IdempotencyKey == "" {
		log.Warn("webhook without idempotency key")
		res.Outcome = OutcomeNotFound
		return res, nil
	}

	tx, err := r.store.Transaction(ctx, n.IdempotencyKey)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		log.Warn("webhook for unknown transaction")
		res.Outcome = OutcomeNotFound
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load transaction: %w", err)
	}
	res.Transaction = tx

	if tx.Status != ledger.StatusPending {
		r.alreadyProcessed(log, n, tx)
		res.Outcome = OutcomeAlreadyProcessed
		return res, nil
	}

	switch n.Bucket {
	case BucketSuccess:
		if n.HasAmount && n.Amount != tx.Amount {
			log.Warn("webhook amount differs from recorded amount",
				slog.Int64("recorded_amount", tx.Amount),
				slog.Int64("payload_amount", n.Amount),
			)
			r.anomaly("amount_mismatch")
		}
		settled, err := r.store.Settle(ctx, ledger.Settlement{
			IdempotencyKey:       tx.IdempotencyKey,
			Status:               ledger.StatusSuccess,
			GatewayTransactionID: n.GatewayTransactionID,
		})
		if errors.Is(err, ledger.ErrAlreadySettled) {
			r.alreadyProcessed(log, n, settled)
			res.Transaction = settled
			res.Outcome = OutcomeAlreadyProcessed
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("settle success: %w", err)
		}
		res.Transaction = settled
		res.Outcome = OutcomeSettled
		log.Info("transaction settled", slog.Int64("amount", settled.Amount), slog.Int64("balance_after", settled.BalanceAfter))
		r.notifyCredited(ctx, settled)
		return res, nil

	case BucketFailure:
		settled, err := r.store.Settle(ctx, ledger.Settlement{
			IdempotencyKey:       tx.IdempotencyKey,
			Status:               ledger.StatusFailed,
			GatewayTransactionID: n.GatewayTransactionID,
			Notes:                "gateway reported " + n.Status,
		})
		if errors.Is(err, ledger.ErrAlreadySettled) {
			r.alreadyProcessed(log, n, settled)
			res.Transaction = settled
			res.Outcome = OutcomeAlreadyProcessed
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("settle failure: %w", err)
		}
		res.Transaction = settled
		res.Outcome = OutcomeFailed
		log.Info("transaction failed by gateway")
		return res, nil

	default:
		log.Warn("webhook status not final, leaving transaction pending")
		res.Outcome = OutcomePending
		return res, nil
	}
}

func (r *Reconciler) alreadyProcessed(log *slog.Logger, n Notification, tx ledger.Transaction) {
	if n.Bucket == BucketSuccess && tx.Status == ledger.StatusFailed {
		// Money may have moved at the gateway for a record we gave up on.
		log.Error("gateway reported success for a failed transaction", slog.String("notes", tx.Notes))
		r.anomaly("late_success")
		return
	}
	log.Info("webhook already processed", slog.String("status", string(tx.Status)))
}

func (r *Reconciler) notifyCredited(ctx context.Context, tx ledger.Transaction) {
	if r.notifier == nil || tx.Type != ledger.TypeRecharge {
		return
	}
	if err := r.notifier.Send(ctx, notification.Message{
		Kind:        notification.KindTopUpCredited,
		Destination: tx.AccountID,
		Body:        fmt.Sprintf("Your wallet was credited with %d. New balance %d", tx.Amount, tx.BalanceAfter),
	}); err != nil {
		r.logger.Warn("notify top-up", slog.String("account_id", tx.AccountID), slog.Any("error", err))
	}
}

func (r *Reconciler) count(outcome string) {
	if r.metrics != nil {
		r.metrics.WebhooksTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *Reconciler) anomaly(kind string) {
	if r.metrics != nil {
		r.metrics.WebhookAnomalies.WithLabelValues(kind).Inc()
	}
}
