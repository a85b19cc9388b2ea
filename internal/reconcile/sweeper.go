package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/congo-pay/ridepay/internal/ledger"
	"github.com/congo-pay/ridepay/internal/metrics"
)

// ExpiredNote is recorded on recharges failed by the sweeper.
const ExpiredNote = "expired: no gateway confirmation"

const sweepBatch = 100

// Sweeper fails recharges whose gateway confirmation never arrived.
type Sweeper struct {
	store    ledger.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	expiry   time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewSweeper builds a sweeper that expires recharges pending longer than expiry.
func NewSweeper(store ledger.Store, m *metrics.Metrics, logger *slog.Logger, expiry, interval time.Duration) *Sweeper {
	if expiry <= 0 {
		expiry = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		metrics:  m,
		logger:   logger,
		expiry:   expiry,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start runs sweeps until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("pending sweeper started", "interval", s.interval, "expiry", s.expiry)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pending sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep pending transactions", "error", err)
			}
		}
	}
}

// Sweep expires one batch of stale recharges and returns how many were failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.PendingBefore(ctx, s.now().Add(-s.expiry), sweepBatch)
	if err != nil {
		s.run("error")
		return 0, err
	}

	expired := 0
	for _, tx := range stale {
		if tx.Type != ledger.TypeRecharge {
			continue
		}
		_, err := s.store.Settle(ctx, ledger.Settlement{
			IdempotencyKey: tx.IdempotencyKey,
			Status:         ledger.StatusFailed,
			Notes:          ExpiredNote,
		})
		if errors.Is(err, ledger.ErrAlreadySettled) {
			// A webhook got there first.
			continue
		}
		if err != nil {
			s.logger.Error("expire pending recharge", "idempotency_key", tx.IdempotencyKey, "error", err)
			continue
		}
		expired++
		s.logger.Warn("pending recharge expired",
			"idempotency_key", tx.IdempotencyKey,
			"account_id", tx.AccountID,
			"amount", tx.Amount,
			"age", s.now().Sub(tx.CreatedAt).String(),
		)
	}

	if s.metrics != nil {
		s.metrics.ExpiredTotal.Add(float64(expired))
	}
	s.run("ok")
	return expired, nil
}

func (s *Sweeper) run(result string) {
	if s.metrics != nil {
		s.metrics.SweepRunsTotal.WithLabelValues(result).Inc()
	}
}
