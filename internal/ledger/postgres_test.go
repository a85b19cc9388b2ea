//go:build integration

package ledger

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Run with: DATABASE_URL=postgres://... go test -tags integration ./internal/ledger/
func setupPostgres(t *testing.T) (*PostgresStore, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate twice: %v", err)
	}
	return NewPostgresStore(db), db
}

func newPGAccount(t *testing.T, s *PostgresStore, db *pgxpool.Pool, role Role, balance int64) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	if err := s.CreateAccount(ctx, Account{ID: id, ShortCode: code, Role: role, SecretHash: []byte("x")}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := db.Exec(ctx, `UPDATE accounts SET balance = $1 WHERE id = $2::uuid`, balance, id); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	return id
}

func pgBalance(t *testing.T, s *PostgresStore, id string) int64 {
	t.Helper()
	a, err := s.Account(context.Background(), id)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	return a.Balance
}

func TestPostgresTransferAndReplay(t *testing.T) {
	s, db := setupPostgres(t)
	ctx := context.Background()
	payer := newPGAccount(t, s, db, RolePassenger, 1_000)
	payee := newPGAccount(t, s, db, RoleDriver, 0)
	key := uuid.NewString()

	rec, err := s.Transfer(ctx, Posting{PayerID: payer, PayeeID: payee, Amount: 400, IdempotencyKey: key})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if rec.Debit.BalanceAfter != 600 || rec.Credit.BalanceAfter != 400 {
		t.Fatalf("unexpected balances after %d/%d", rec.Debit.BalanceAfter, rec.Credit.BalanceAfter)
	}

	again, err := s.Transfer(ctx, Posting{PayerID: payer, PayeeID: payee, Amount: 400, IdempotencyKey: key})
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if again.Debit.ID != rec.Debit.ID || again.Credit.ID != rec.Credit.ID {
		t.Fatalf("duplicate returned a different pair")
	}
	if pgBalance(t, s, payer) != 600 || pgBalance(t, s, payee) != 400 {
		t.Fatalf("replay moved money")
	}

	if _, err := s.Transfer(ctx, Posting{PayerID: payer, PayeeID: payee, Amount: 601, IdempotencyKey: uuid.NewString()}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestPostgresConcurrentTransfersBothDirections(t *testing.T) {
	s, db := setupPostgres(t)
	ctx := context.Background()
	a := newPGAccount(t, s, db, RolePassenger, 3_000)
	b := newPGAccount(t, s, db, RoleDriver, 3_000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transfer(ctx, Posting{PayerID: from, PayeeID: to, Amount: 500, IdempotencyKey: uuid.NewString()})
			if err != nil && !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("transfer: %v", err)
			}
		}()
	}
	wg.Wait()

	if total := pgBalance(t, s, a) + pgBalance(t, s, b); total != 6_000 {
		t.Fatalf("money not conserved: %d", total)
	}
}

func TestPostgresTakenCreditKeyRollsBack(t *testing.T) {
	s, db := setupPostgres(t)
	ctx := context.Background()
	payer := newPGAccount(t, s, db, RolePassenger, 1_000)
	payee := newPGAccount(t, s, db, RoleDriver, 0)
	key := uuid.NewString()

	if _, err := s.CreatePending(ctx, Transaction{AccountID: payee, Type: TypeRecharge, Amount: 100, IdempotencyKey: CreditKey(key)}); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	rec, err := s.Transfer(ctx, Posting{PayerID: payer, PayeeID: payee, Amount: 400, IdempotencyKey: key})
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate from the unique index, got %v", err)
	}
	if rec.Debit.ID != "" {
		t.Fatalf("expected no debit record, got %+v", rec.Debit)
	}
	if pgBalance(t, s, payer) != 1_000 || pgBalance(t, s, payee) != 0 {
		t.Fatalf("partial transfer committed")
	}
	if _, err := s.Transaction(ctx, key); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("debit record leaked: %v", err)
	}
}

func TestPostgresSettleOnce(t *testing.T) {
	s, db := setupPostgres(t)
	ctx := context.Background()
	account := newPGAccount(t, s, db, RolePassenger, 0)
	key := uuid.NewString()

	if _, err := s.CreatePending(ctx, Transaction{AccountID: account, Type: TypeRecharge, Amount: 500, IdempotencyKey: key}); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if _, err := s.CreatePending(ctx, Transaction{AccountID: account, Type: TypeRecharge, Amount: 500, IdempotencyKey: key}); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate pending, got %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Settle(ctx, Settlement{IdempotencyKey: key, Status: StatusSuccess, GatewayTransactionID: "gw-1"})
			switch {
			case err == nil:
				mu.Lock()
				settled++
				mu.Unlock()
			case errors.Is(err, ErrAlreadySettled):
			default:
				t.Errorf("settle: %v", err)
			}
		}()
	}
	wg.Wait()

	if settled != 1 {
		t.Fatalf("expected one settlement, got %d", settled)
	}
	if got := pgBalance(t, s, account); got != 500 {
		t.Fatalf("expected single credit of 500, got %d", got)
	}
	if _, err := s.Settle(ctx, Settlement{IdempotencyKey: key, Status: StatusFailed}); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("terminal state overwritten: %v", err)
	}
}

func TestPostgresWithdrawalInsufficientStaysPending(t *testing.T) {
	s, db := setupPostgres(t)
	ctx := context.Background()
	account := newPGAccount(t, s, db, RoleDriver, 100)
	key := uuid.NewString()

	if _, err := s.CreatePending(ctx, Transaction{AccountID: account, Type: TypeWithdrawal, Amount: 150, IdempotencyKey: key}); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if _, err := s.Settle(ctx, Settlement{IdempotencyKey: key, Status: StatusSuccess}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	tx, err := s.Transaction(ctx, key)
	if err != nil || tx.Status != StatusPending {
		t.Fatalf("expected record still pending, got %+v %v", tx, err)
	}
	if got := pgBalance(t, s, account); got != 100 {
		t.Fatalf("balance changed: %d", got)
	}
}
