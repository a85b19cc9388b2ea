package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientFunds occurs when the source account lacks available balance
	// to cover a requested posting.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction indicates the provided idempotency key already
	// exists and therefore the operation should be treated as idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrAccountNotFound is returned when no account matches the identifier.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when an account id or short code is already taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrTransactionNotFound is returned when no transaction carries the key.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAlreadySettled indicates the transaction left the pending state before
	// the requested transition could be applied.
	ErrAlreadySettled = errors.New("transaction already settled")

	// ErrInvalidTransition is returned for transitions the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidAmount is returned for non-positive posting amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrSameAccount is returned for postings whose payer is also the payee.
	ErrSameAccount = errors.New("payer and payee must differ")
)

// CreditKeySuffix derives the payee record key of an internal payment from the
// payer's idempotency key.
const CreditKeySuffix = ":credit"

// Role distinguishes the two kinds of wallet holders.
type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePassenger || r == RoleDriver
}

// Type classifies a money movement.
type Type string

const (
	TypeRecharge   Type = "recharge"
	TypeWithdrawal Type = "withdrawal"
	TypePayment    Type = "payment"
	TypeCharge     Type = "charge"
)

// settlementDelta is the balance effect of settling a pending transaction as
// success. Payments and charges are created settled and have none.
func (t Type) settlementDelta(amount int64) (int64, bool) {
	switch t {
	case TypeRecharge:
		return amount, true
	case TypeWithdrawal:
		return -amount, true
	default:
		return 0, false
	}
}

// Status is the settlement state of a transaction.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether the state machine allows s -> to.
func (s Status) CanTransition(to Status) bool {
	return s == StatusPending && to.Terminal()
}

// Account is a wallet balance holder.
type Account struct {
	ID         string
	ShortCode  string
	Role       Role
	Phone      string
	Balance    int64
	SecretHash []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Transaction is one entry of the transaction log.
type Transaction struct {
	ID                   string
	AccountID            string
	CounterpartyID       string
	Type                 Type
	Status               Status
	Amount               int64
	IdempotencyKey       string
	GatewayTransactionID string
	Notes                string
	// BalanceAfter is the account balance right after this record's balance
	// mutation. Zero while pending or when failed.
	BalanceAfter int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Posting describes an internal payer -> payee movement.
type Posting struct {
	PayerID        string
	PayeeID        string
	Amount         int64
	IdempotencyKey string
	Notes          string
}

// TransferRecord is the pair of records written by a posting.
type TransferRecord struct {
	Debit  Transaction
	Credit Transaction
}

// Settlement requests the terminal transition of a pending transaction.
type Settlement struct {
	IdempotencyKey       string
	Status               Status
	GatewayTransactionID string
	Notes                string
}

// Store defines the contract implemented by ledger backends (e.g. Postgres).
// Transfer and Settle are atomic: either every effect lands or none does.
type Store interface {
	CreateAccount(ctx context.Context, account Account) error
	Account(ctx context.Context, id string) (Account, error)
	AccountByShortCode(ctx context.Context, code string) (Account, error)

	Transaction(ctx context.Context, key string) (Transaction, error)
	History(ctx context.Context, accountID string, limit int) ([]Transaction, error)
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error)

	// CreatePending inserts a pending transaction. On a key collision it
	// returns the existing record together with ErrDuplicateTransaction.
	CreatePending(ctx context.Context, tx Transaction) (Transaction, error)
	// AttachGatewayID stores the gateway reference on a pending transaction
	// that does not have one yet.
	AttachGatewayID(ctx context.Context, key, gatewayTransactionID string) error
	// Transfer debits the payer, credits the payee and writes both records.
	// On a key collision it returns the existing pair together with
	// ErrDuplicateTransaction.
	Transfer(ctx context.Context, posting Posting) (TransferRecord, error)
	// Settle moves a pending transaction to a terminal status, applying its
	// balance effect on success. A transaction that is no longer pending is
	// returned unchanged together with ErrAlreadySettled.
	Settle(ctx context.Context, s Settlement) (Transaction, error)
}

// CreditKey returns the payee record key for a payer key.
func CreditKey(key string) string {
	return key + CreditKeySuffix
}

func validSettlement(s Settlement) error {
	if s.IdempotencyKey == "" {
		return ErrTransactionNotFound
	}
	if !s.Status.Terminal() {
		return ErrInvalidTransition
	}
	return nil
}
