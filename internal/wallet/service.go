package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/ridepay/internal/guard"
	"github.com/congo-pay/ridepay/internal/ledger"
)

// ErrValidation is returned for malformed account requests.
var ErrValidation = errors.New("invalid request")

const (
	// ShortCodePrefix is printed in front of the code on driver QR stickers.
	ShortCodePrefix = "RP-"
	shortCodeLen    = 8
	// No 0/O or 1/I/L.
	shortCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	openAttempts      = 5
	defaultHistory    = 50
	maxHistory        = 200
)

// Service exposes wallet operations backed by the ledger.
type Service struct {
	store ledger.Store
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// Open creates an account with a hashed PIN and a fresh short code.
func (s *Service) Open(ctx context.Context, in OpenInput) (ledger.Account, error) {
	if !in.Role.Valid() {
		return ledger.Account{}, fmt.Errorf("%w: role must be passenger or driver", ErrValidation)
	}
	hash, err := guard.HashSecret(in.PIN)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	for attempt := 0; attempt < openAttempts; attempt++ {
		code, err := newShortCode()
		if err != nil {
			return ledger.Account{}, err
		}
		account := ledger.Account{
			ID:         uuid.NewString(),
			ShortCode:  code,
			Role:       in.Role,
			Phone:      strings.TrimSpace(in.Phone),
			SecretHash: hash,
			CreatedAt:  time.Now().UTC(),
		}
		err = s.store.CreateAccount(ctx, account)
		if errors.Is(err, ledger.ErrAccountExists) {
			continue
		}
		if err != nil {
			return ledger.Account{}, err
		}
		return s.store.Account(ctx, account.ID)
	}
	return ledger.Account{}, fmt.Errorf("allocate short code: %w", ledger.ErrAccountExists)
}

// Resolve maps any accepted account reference to the account it names. It
// accepts a UUID in any case with or without dashes, or a short code with an
// optional RP- prefix and spaces or dashes.
func (s *Service) Resolve(ctx context.Context, ref string) (ledger.Account, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if id, err := uuid.Parse(ref); err == nil {
		return s.store.Account(ctx, id.String())
	}

	code, ok := canonicalShortCode(ref)
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return s.store.AccountByShortCode(ctx, code)
}

// Get returns the account by canonical id.
func (s *Service) Get(ctx context.Context, id string) (ledger.Account, error) {
	return s.store.Account(ctx, id)
}

// Balance returns the ledger balance for the account.
func (s *Service) Balance(ctx context.Context, accountID string) (Balance, error) {
	account, err := s.store.Account(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{AccountID: account.ID, Amount: account.Balance, AsOf: time.Now().UTC()}, nil
}

// History lists the account's transactions, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]ledger.Transaction, error) {
	if _, err := s.store.Account(ctx, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistory
	}
	if limit > maxHistory {
		limit = maxHistory
	}
	return s.store.History(ctx, accountID, limit)
}

func newShortCode() (string, error) {
	buf := make([]byte, shortCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate short code: %w", err)
	}
	for i, b := range buf {
		buf[i] = shortCodeAlphabet[int(b)%len(shortCodeAlphabet)]
	}
	return string(buf), nil
}

func canonicalShortCode(ref string) (string, bool) {
	code := strings.ToUpper(ref)
	code = strings.NewReplacer(" ", "", "-", "", "_", "").Replace(code)
	if len(code) == shortCodeLen+2 && strings.HasPrefix(code, "RP") {
		code = code[2:]
	}
	if len(code) != shortCodeLen {
		return "", false
	}
	for _, r := range code {
		if !strings.ContainsRune(shortCodeAlphabet, r) {
			return "", false
		}
	}
	return code, true
}
