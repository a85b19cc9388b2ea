package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/ridepay/internal/ledger"
)

var (
	// ErrAuthFailed is returned for a wrong secret and for unknown accounts alike.
	ErrAuthFailed = errors.New("incorrect code")

	// ErrTooManyAttempts is returned while an account is locked out after
	// repeated failures.
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrInvalidSecret is returned by HashSecret for anything but four digits.
	ErrInvalidSecret = errors.New("code must be exactly 4 digits")
)

// dummyHash is compared against for unknown accounts so the response time
// does not reveal whether the account exists.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("0000"), bcrypt.DefaultCost)

// AccountReader is the subset of the ledger the guard needs.
type AccountReader interface {
	Account(ctx context.Context, id string) (ledger.Account, error)
}

// Guard verifies a payer's secret before money moves.
type Guard struct {
	accounts AccountReader
	limiter  AttemptLimiter
	logger   *slog.Logger
}

// New constructs a Guard. A nil limiter disables lockouts.
func New(accounts AccountReader, limiter AttemptLimiter, logger *slog.Logger) *Guard {
	if limiter == nil {
		limiter = NopLimiter{}
	}
	return &Guard{accounts: accounts, limiter: limiter, logger: logger}
}

// Verify returns nil when candidate matches the stored secret of accountID.
func (g *Guard) Verify(ctx context.Context, accountID, candidate string) error {
	blocked, err := g.limiter.Blocked(ctx, accountID)
	if err != nil {
		g.logger.Warn("attempt limiter unavailable", slog.String("account_id", accountID), slog.Any("error", err))
	} else if blocked {
		return ErrTooManyAttempts
	}

	hash := dummyHash
	account, err := g.accounts.Account(ctx, accountID)
	known := err == nil
	if known {
		hash = account.SecretHash
	} else if !errors.Is(err, ledger.ErrAccountNotFound) {
		return fmt.Errorf("load account: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(candidate)); err != nil || !known {
		if err := g.limiter.Fail(ctx, accountID); err != nil {
			g.logger.Warn("record failed attempt", slog.String("account_id", accountID), slog.Any("error", err))
		}
		return ErrAuthFailed
	}

	if err := g.limiter.Reset(ctx, accountID); err != nil {
		g.logger.Warn("reset attempts", slog.String("account_id", accountID), slog.Any("error", err))
	}
	return nil
}

// HashSecret validates a four-digit PIN and returns its bcrypt hash.
func HashSecret(pin string) ([]byte, error) {
	if len(pin) != 4 {
		return nil, ErrInvalidSecret
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return nil, ErrInvalidSecret
		}
	}
	return bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
}
