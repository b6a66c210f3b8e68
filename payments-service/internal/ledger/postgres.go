package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intershop/pkg/contracts"
	"intershop/pkg/messaging"
	"intershop/pkg/pgstore"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const (
	kindDebit   = "debit"
	kindDeposit = "deposit"
)

// DB is the subset of pgxpool.Pool the ledger needs.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres keeps balances in the accounts table. The per-user lock is the
// account row lock taken with SELECT ... FOR UPDATE; every debit also writes a
// ledger entry and a payments.debited outbox event in the same transaction.
type Postgres struct {
	db  DB
	now func() time.Time
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (p *Postgres) Open(ctx context.Context, userID uuid.UUID, initial decimal.Decimal) (decimal.Decimal, error) {
	if initial.IsNegative() || !initial.Equal(initial.Round(2)) {
		return decimal.Zero, ErrInvalidAmount
	}

	_, err := p.db.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, created_at, updated_at)
		VALUES ($1, $2::text::numeric, $3, $3)`,
		userID, initial.StringFixed(2), p.now(),
	)
	if err != nil {
		if pgstore.IsUniqueViolation(err) {
			return decimal.Zero, ErrAccountExists
		}
		return decimal.Zero, fmt.Errorf("create account: %w", err)
	}
	return initial, nil
}

func (p *Postgres) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var raw string
	err := p.db.QueryRow(ctx, `
		SELECT balance::text FROM accounts WHERE user_id = $1`,
		userID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, fmt.Errorf("select balance: %w", err)
	}
	return parseAmount(raw)
}

func (p *Postgres) Debit(ctx context.Context, req DebitRequest) (Receipt, error) {
	amount, err := req.validate()
	if err != nil {
		return Receipt{}, err
	}

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Receipt{}, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw string
	err = tx.QueryRow(ctx, `
		SELECT balance::text
		FROM accounts
		WHERE user_id = $1
		FOR UPDATE`,
		req.UserID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Receipt{}, ErrUserNotFound
		}
		return Receipt{}, fmt.Errorf("lock account: %w", err)
	}

	prior, err := findDebit(ctx, tx, req.IdempotencyKey)
	switch {
	case err == nil:
		if !prior.matches(req, amount) {
			return Receipt{}, ErrIdempotencyConflict
		}
		prior.Replayed = true
		return prior, nil
	case !errors.Is(err, ErrTransactionNotFound):
		return Receipt{}, err
	}

	balance, err := parseAmount(raw)
	if err != nil {
		return Receipt{}, err
	}
	if balance.LessThan(amount) {
		return Receipt{}, ErrInsufficientFunds
	}

	receipt := Receipt{
		TransactionID:  uuid.New(),
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         amount,
		NewBalance:     balance.Sub(amount),
		CreatedAt:      p.now(),
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = $2::text::numeric, updated_at = $3
		WHERE user_id = $1`,
		req.UserID, receipt.NewBalance.StringFixed(2), receipt.CreatedAt,
	); err != nil {
		return Receipt{}, fmt.Errorf("deduct balance: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, idempotency_key, kind, amount, balance_after, description, created_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7, $8)`,
		receipt.TransactionID, req.UserID, req.IdempotencyKey, kindDebit,
		amount.StringFixed(2), receipt.NewBalance.StringFixed(2), req.Description, receipt.CreatedAt,
	); err != nil {
		if pgstore.IsUniqueViolation(err) {
			return Receipt{}, ErrIdempotencyConflict
		}
		return Receipt{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	evt := contracts.PaymentDebitedEvent{
		EventID:       uuid.NewString(),
		TransactionID: receipt.TransactionID.String(),
		OrderID:       req.IdempotencyKey,
		UserID:        req.UserID.String(),
		Amount:        amount,
		NewBalance:    receipt.NewBalance,
		ProcessedAt:   receipt.CreatedAt,
	}
	if err := messaging.Enqueue(ctx, tx, messaging.PaymentOutboxTable, evt.EventID, contracts.EventPaymentDebited, evt); err != nil {
		return Receipt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, fmt.Errorf("commit debit: %w", err)
	}
	return receipt, nil
}

func (p *Postgres) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	amount, err := normalizeAmount(amount)
	if err != nil {
		return decimal.Zero, err
	}

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin deposit: %w", err)
	}
	defer tx.Rollback(ctx)

	now := p.now()
	var raw string
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2::text::numeric, updated_at = $3
		WHERE user_id = $1
		RETURNING balance::text`,
		userID, amount.StringFixed(2), now,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, fmt.Errorf("update balance: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, amount, balance_after, created_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6)`,
		uuid.New(), userID, kindDeposit, amount.StringFixed(2), raw, now,
	); err != nil {
		return decimal.Zero, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit deposit: %w", err)
	}
	return parseAmount(raw)
}

func (p *Postgres) Lookup(ctx context.Context, userID uuid.UUID, key string) (Receipt, error) {
	receipt, err := findDebit(ctx, p.db, key)
	if err != nil {
		return Receipt{}, err
	}
	if receipt.UserID != userID {
		return Receipt{}, ErrTransactionNotFound
	}
	return receipt, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findDebit(ctx context.Context, q rowQuerier, key string) (Receipt, error) {
	var (
		id, userID           string
		amount, balanceAfter string
		createdAt            time.Time
	)
	err := q.QueryRow(ctx, `
		SELECT id::text, user_id::text, amount::text, balance_after::text, created_at
		FROM ledger_entries
		WHERE kind = $1 AND idempotency_key = $2`,
		kindDebit, key,
	).Scan(&id, &userID, &amount, &balanceAfter, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Receipt{}, ErrTransactionNotFound
		}
		return Receipt{}, fmt.Errorf("select ledger entry: %w", err)
	}

	receipt := Receipt{IdempotencyKey: key, CreatedAt: createdAt.UTC()}
	if receipt.TransactionID, err = uuid.Parse(id); err != nil {
		return Receipt{}, fmt.Errorf("parse transaction id: %w", err)
	}
	if receipt.UserID, err = uuid.Parse(userID); err != nil {
		return Receipt{}, fmt.Errorf("parse user id: %w", err)
	}
	if receipt.Amount, err = parseAmount(amount); err != nil {
		return Receipt{}, err
	}
	if receipt.NewBalance, err = parseAmount(balanceAfter); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return d, nil
}
