package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

const transactionColumns = `id::text, account_id::text, COALESCE(counterparty_id::text, ''), type, status, amount,
	idempotency_key, COALESCE(gateway_transaction_id, ''), notes, balance_after, created_at, updated_at`

const accountColumns = `id::text, short_code, role, phone, balance, secret_hash, created_at, updated_at`

// PostgresStore persists accounts and the transaction log in PostgreSQL.
// Balance mutations take row locks on the affected accounts, in id order.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var role string
	if err := row.Scan(&a.ID, &a.ShortCode, &role, &a.Phone, &a.Balance, &a.SecretHash, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	a.Role = Role(role)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var t Transaction
	var typ, status string
	if err := row.Scan(&t.ID, &t.AccountID, &t.CounterpartyID, &typ, &status, &t.Amount,
		&t.IdempotencyKey, &t.GatewayTransactionID, &t.Notes, &t.BalanceAfter, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	t.Type = Type(typ)
	t.Status = Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// CreateAccount inserts a new account.
func (s *PostgresStore) CreateAccount(ctx context.Context, a Account) error {
	if !validID(a.ID) {
		return fmt.Errorf("account id %q is not a uuid", a.ID)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	_, err := s.db.Exec(ctx, `INSERT INTO accounts (id, short_code, role, phone, balance, secret_hash, created_at, updated_at)
        VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, strings.ToUpper(a.ShortCode), string(a.Role), a.Phone, a.Balance, a.SecretHash, a.CreatedAt.UTC(), now)
	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	return err
}

// Account fetches an account by id.
func (s *PostgresStore) Account(ctx context.Context, id string) (Account, error) {
	if !validID(id) {
		return Account{}, ErrAccountNotFound
	}
	a, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

// AccountByShortCode fetches an account by its QR short code.
func (s *PostgresStore) AccountByShortCode(ctx context.Context, code string) (Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE short_code = $1`, strings.ToUpper(code)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

// Transaction finds a transaction by idempotency key.
func (s *PostgresStore) Transaction(ctx context.Context, key string) (Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, err
}

// History lists an account's transactions, newest first.
func (s *PostgresStore) History(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if !validID(accountID) {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
        WHERE account_id = $1::uuid ORDER BY created_at DESC, id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// PendingBefore lists pending transactions created before cutoff, oldest first.
func (s *PostgresStore) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
        WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3`, string(StatusPending), cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreatePending inserts a pending transaction, returning the existing one on a key collision.
func (s *PostgresStore) CreatePending(ctx context.Context, t Transaction) (Transaction, error) {
	if t.Amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if !validID(t.AccountID) {
		return Transaction{}, ErrAccountNotFound
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.Status = StatusPending
	t.BalanceAfter = 0
	t.CreatedAt = now
	t.UpdatedAt = now

	cmd, err := s.db.Exec(ctx, `INSERT INTO transactions
        (id, account_id, counterparty_id, type, status, amount, idempotency_key, gateway_transaction_id, notes, balance_after, created_at, updated_at)
        SELECT $1::uuid, a.id, NULLIF($2::text, '')::uuid, $3::text, $4::text, $5::bigint, $6::text,
            NULLIF($7::text, ''), $8::text, 0, $9::timestamptz, $9::timestamptz
        FROM accounts a WHERE a.id = $10::uuid
        ON CONFLICT (idempotency_key) DO NOTHING`,
		t.ID, t.CounterpartyID, string(t.Type), string(t.Status), t.Amount, t.IdempotencyKey, t.GatewayTransactionID, t.Notes, now, t.AccountID)
	if err != nil {
		return Transaction{}, err
	}
	if cmd.RowsAffected() == 1 {
		return t, nil
	}

	existing, err := s.Transaction(ctx, t.IdempotencyKey)
	if errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, ErrAccountNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	return existing, ErrDuplicateTransaction
}

// AttachGatewayID records the gateway reference on a pending transaction that has none.
func (s *PostgresStore) AttachGatewayID(ctx context.Context, key, gatewayTransactionID string) error {
	cmd, err := s.db.Exec(ctx, `UPDATE transactions SET gateway_transaction_id = $1, updated_at = now()
        WHERE idempotency_key = $2 AND status = $3 AND gateway_transaction_id IS NULL`,
		gatewayTransactionID, key, string(StatusPending))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := s.Transaction(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Transfer records a payer debit and payee credit in one database transaction.
func (s *PostgresStore) Transfer(ctx context.Context, p Posting) (TransferRecord, error) {
	if p.Amount <= 0 {
		return TransferRecord{}, ErrInvalidAmount
	}
	if p.PayerID == p.PayeeID {
		return TransferRecord{}, ErrSameAccount
	}
	if !validID(p.PayerID) || !validID(p.PayeeID) {
		return TransferRecord{}, ErrAccountNotFound
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransferRecord{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	rows, err := tx.Query(ctx, `SELECT id::text, balance FROM accounts WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`,
		[]string{p.PayerID, p.PayeeID})
	if err != nil {
		return TransferRecord{}, err
	}
	balances := make(map[string]int64, 2)
	for rows.Next() {
		var id string
		var balance int64
		if err := rows.Scan(&id, &balance); err != nil {
			rows.Close()
			return TransferRecord{}, err
		}
		balances[id] = balance
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return TransferRecord{}, err
	}

	if existing, err := s.pair(ctx, tx, p.IdempotencyKey); err == nil {
		return existing, ErrDuplicateTransaction
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return TransferRecord{}, err
	}

	payerBalance, ok := balances[strings.ToLower(p.PayerID)]
	if !ok {
		return TransferRecord{}, ErrAccountNotFound
	}
	payeeBalance, ok := balances[strings.ToLower(p.PayeeID)]
	if !ok {
		return TransferRecord{}, ErrAccountNotFound
	}
	if payerBalance < p.Amount {
		return TransferRecord{}, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	rec := TransferRecord{
		Debit: Transaction{
			ID: uuid.NewString(), AccountID: p.PayerID, CounterpartyID: p.PayeeID,
			Type: TypePayment, Status: StatusSuccess, Amount: p.Amount,
			IdempotencyKey: p.IdempotencyKey, Notes: p.Notes,
			BalanceAfter: payerBalance - p.Amount, CreatedAt: now, UpdatedAt: now,
		},
		Credit: Transaction{
			ID: uuid.NewString(), AccountID: p.PayeeID, CounterpartyID: p.PayerID,
			Type: TypeCharge, Status: StatusSuccess, Amount: p.Amount,
			IdempotencyKey: CreditKey(p.IdempotencyKey), Notes: p.Notes,
			BalanceAfter: payeeBalance + p.Amount, CreatedAt: now, UpdatedAt: now,
		},
	}

	const updateBalance = `UPDATE accounts SET balance = balance + $1, updated_at = $2 WHERE id = $3::uuid`
	if _, err := tx.Exec(ctx, updateBalance, -p.Amount, now, p.PayerID); err != nil {
		return TransferRecord{}, err
	}
	if _, err := tx.Exec(ctx, updateBalance, p.Amount, now, p.PayeeID); err != nil {
		return TransferRecord{}, err
	}
	for _, t := range []Transaction{rec.Debit, rec.Credit} {
		if err := insertSettled(ctx, tx, t); err != nil {
			if isUniqueViolation(err) {
				// A concurrent unit on other accounts committed the key first.
				_ = tx.Rollback(ctx)
				return s.committedPair(ctx, p.IdempotencyKey)
			}
			return TransferRecord{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return TransferRecord{}, err
	}
	return rec, nil
}

func insertSettled(ctx context.Context, tx pgx.Tx, t Transaction) error {
	_, err := tx.Exec(ctx, `INSERT INTO transactions
        (id, account_id, counterparty_id, type, status, amount, idempotency_key, notes, balance_after, created_at, updated_at)
        VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5, $6, $7, $8, $9, $10, $10)`,
		t.ID, t.AccountID, t.CounterpartyID, string(t.Type), string(t.Status), t.Amount, t.IdempotencyKey, t.Notes, t.BalanceAfter, t.CreatedAt)
	return err
}

// committedPair returns whatever already holds key, with ErrDuplicateTransaction.
// The record is empty when only the credit key was taken.
func (s *PostgresStore) committedPair(ctx context.Context, key string) (TransferRecord, error) {
	existing, err := s.pair(ctx, s.db, key)
	if err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return TransferRecord{}, err
	}
	return existing, ErrDuplicateTransaction
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) pair(ctx context.Context, q querier, key string) (TransferRecord, error) {
	rows, err := q.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = ANY($1)`,
		[]string{key, CreditKey(key)})
	if err != nil {
		return TransferRecord{}, err
	}
	found, err := collectTransactions(rows)
	if err != nil {
		return TransferRecord{}, err
	}
	var rec TransferRecord
	var hasDebit bool
	for _, t := range found {
		if t.IdempotencyKey == key {
			rec.Debit = t
			hasDebit = true
		} else {
			rec.Credit = t
		}
	}
	if !hasDebit {
		return TransferRecord{}, ErrTransactionNotFound
	}
	return rec, nil
}

// Settle transitions a pending transaction and applies its balance effect atomically.
func (s *PostgresStore) Settle(ctx context.Context, st Settlement) (Transaction, error) {
	if err := validSettlement(st); err != nil {
		return Transaction{}, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	t, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions
        WHERE idempotency_key = $1 FOR UPDATE`, st.IdempotencyKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	if !t.Status.CanTransition(st.Status) {
		return t, ErrAlreadySettled
	}

	now := time.Now().UTC()
	if st.Status == StatusSuccess {
		delta, ok := t.Type.settlementDelta(t.Amount)
		if !ok {
			return t, ErrInvalidTransition
		}
		var balance int64
		err := tx.QueryRow(ctx, `UPDATE accounts SET balance = balance + $1, updated_at = $2
            WHERE id = $3::uuid AND balance + $1 >= 0 RETURNING balance`, delta, now, t.AccountID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return t, ErrInsufficientFunds
		}
		if err != nil {
			return t, err
		}
		t.BalanceAfter = balance
	}

	t.Status = st.Status
	if st.GatewayTransactionID != "" {
		t.GatewayTransactionID = st.GatewayTransactionID
	}
	if st.Notes != "" {
		t.Notes = st.Notes
	}
	t.UpdatedAt = now

	if _, err := tx.Exec(ctx, `UPDATE transactions SET status = $1, gateway_transaction_id = NULLIF($2, ''),
        notes = $3, balance_after = $4, updated_at = $5 WHERE id = $6::uuid`,
		string(t.Status), t.GatewayTransactionID, t.Notes, t.BalanceAfter, now, t.ID); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, err
	}
	return t, nil
}
