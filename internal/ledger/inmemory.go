package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// accountLocks hands out one mutex per account id. Units that touch several
// accounts acquire them in sorted order.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (a *accountLocks) lock(ids ...string) func() {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for i, id := range sorted {
		if i > 0 && sorted[i-1] == id {
			continue
		}
		a.mu.Lock()
		m, ok := a.locks[id]
		if !ok {
			m = &sync.Mutex{}
			a.locks[id] = m
		}
		a.mu.Unlock()
		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

type inMemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	shortCodes   map[string]string
	transactions map[string]Transaction
	// order keeps insertion order so history and sweeps are deterministic.
	order []string

	locks accountLocks
	now   func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit tests
// and local development.
func NewInMemory() Store {
	return &inMemoryStore{
		accounts:     make(map[string]Account),
		shortCodes:   make(map[string]string),
		transactions: make(map[string]Transaction),
		locks:        accountLocks{locks: make(map[string]*sync.Mutex)},
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *inMemoryStore) CreateAccount(_ context.Context, account Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := strings.ToUpper(account.ShortCode)
	if _, exists := s.accounts[account.ID]; exists {
		return ErrAccountExists
	}
	if _, exists := s.shortCodes[code]; exists && code != "" {
		return ErrAccountExists
	}

	now := s.now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	s.accounts[account.ID] = account
	if code != "" {
		s.shortCodes[code] = account.ID
	}
	return nil
}

func (s *inMemoryStore) Account(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (s *inMemoryStore) AccountByShortCode(_ context.Context, code string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.shortCodes[strings.ToUpper(code)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return s.accounts[id], nil
}

func (s *inMemoryStore) Transaction(_ context.Context, key string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[key]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (s *inMemoryStore) History(_ context.Context, accountID string, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for i := len(s.order) - 1; i >= 0; i-- {
		tx := s.transactions[s.order[i]]
		if tx.AccountID != accountID {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *inMemoryStore) PendingBefore(_ context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, key := range s.order {
		tx := s.transactions[key]
		if tx.Status != StatusPending || !tx.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *inMemoryStore) CreatePending(_ context.Context, tx Transaction) (Transaction, error) {
	if tx.Amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.transactions[tx.IdempotencyKey]; ok {
		return existing, ErrDuplicateTransaction
	}
	if _, ok := s.accounts[tx.AccountID]; !ok {
		return Transaction{}, ErrAccountNotFound
	}

	now := s.now()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.Status = StatusPending
	tx.BalanceAfter = 0
	tx.CreatedAt = now
	tx.UpdatedAt = now
	s.insertLocked(tx)
	return tx, nil
}

func (s *inMemoryStore) AttachGatewayID(_ context.Context, key, gatewayTransactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[key]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != StatusPending || tx.GatewayTransactionID != "" {
		return nil
	}
	tx.GatewayTransactionID = gatewayTransactionID
	tx.UpdatedAt = s.now()
	s.transactions[key] = tx
	return nil
}

func (s *inMemoryStore) Transfer(_ context.Context, p Posting) (TransferRecord, error) {
	if p.Amount <= 0 {
		return TransferRecord{}, ErrInvalidAmount
	}
	if p.PayerID == p.PayeeID {
		return TransferRecord{}, ErrSameAccount
	}

	unlock := s.locks.lock(p.PayerID, p.PayeeID)
	defer unlock()

	s.mu.RLock()
	payer, payerOK := s.accounts[p.PayerID]
	payee, payeeOK := s.accounts[p.PayeeID]
	existing, dup := s.pairLocked(p.IdempotencyKey)
	s.mu.RUnlock()

	if dup {
		return existing, ErrDuplicateTransaction
	}
	if !payerOK || !payeeOK {
		return TransferRecord{}, ErrAccountNotFound
	}
	if payer.Balance < p.Amount {
		return TransferRecord{}, ErrInsufficientFunds
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another account pair may have claimed the key while the read lock was released.
	if existing, dup := s.pairLocked(p.IdempotencyKey); dup {
		return existing, ErrDuplicateTransaction
	}
	if _, taken := s.transactions[CreditKey(p.IdempotencyKey)]; taken {
		return TransferRecord{}, ErrDuplicateTransaction
	}

	now := s.now()
	payer.Balance -= p.Amount
	payee.Balance += p.Amount
	payer.UpdatedAt = now
	payee.UpdatedAt = now

	rec := TransferRecord{
		Debit: Transaction{
			ID:             uuid.NewString(),
			AccountID:      payer.ID,
			CounterpartyID: payee.ID,
			Type:           TypePayment,
			Status:         StatusSuccess,
			Amount:         p.Amount,
			IdempotencyKey: p.IdempotencyKey,
			Notes:          p.Notes,
			BalanceAfter:   payer.Balance,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		Credit: Transaction{
			ID:             uuid.NewString(),
			AccountID:      payee.ID,
			CounterpartyID: payer.ID,
			Type:           TypeCharge,
			Status:         StatusSuccess,
			Amount:         p.Amount,
			IdempotencyKey: CreditKey(p.IdempotencyKey),
			Notes:          p.Notes,
			BalanceAfter:   payee.Balance,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}

	s.accounts[payer.ID] = payer
	s.accounts[payee.ID] = payee
	s.insertLocked(rec.Debit)
	s.insertLocked(rec.Credit)
	return rec, nil
}

func (s *inMemoryStore) Settle(_ context.Context, st Settlement) (Transaction, error) {
	if err := validSettlement(st); err != nil {
		return Transaction{}, err
	}

	s.mu.RLock()
	tx, ok := s.transactions[st.IdempotencyKey]
	s.mu.RUnlock()
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}

	// Every status change of tx happens under its account lock, so the re-read
	// below observes the latest state.
	unlock := s.locks.lock(tx.AccountID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx = s.transactions[st.IdempotencyKey]
	if !tx.Status.CanTransition(st.Status) {
		return tx, ErrAlreadySettled
	}

	now := s.now()
	if st.Status == StatusSuccess {
		delta, ok := tx.Type.settlementDelta(tx.Amount)
		if !ok {
			return tx, ErrInvalidTransition
		}
		account, ok := s.accounts[tx.AccountID]
		if !ok {
			return tx, ErrAccountNotFound
		}
		if account.Balance+delta < 0 {
			return tx, ErrInsufficientFunds
		}
		account.Balance += delta
		account.UpdatedAt = now
		s.accounts[account.ID] = account
		tx.BalanceAfter = account.Balance
	}

	tx.Status = st.Status
	if st.GatewayTransactionID != "" {
		tx.GatewayTransactionID = st.GatewayTransactionID
	}
	if st.Notes != "" {
		tx.Notes = st.Notes
	}
	tx.UpdatedAt = now
	s.transactions[tx.IdempotencyKey] = tx
	return tx, nil
}

func (s *inMemoryStore) pairLocked(key string) (TransferRecord, bool) {
	debit, ok := s.transactions[key]
	if !ok {
		return TransferRecord{}, false
	}
	return TransferRecord{Debit: debit, Credit: s.transactions[CreditKey(key)]}, true
}

func (s *inMemoryStore) insertLocked(tx Transaction) {
	s.transactions[tx.IdempotencyKey] = tx
	s.order = append(s.order, tx.IdempotencyKey)
}
