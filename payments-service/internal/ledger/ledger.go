// Package ledger is the authoritative store of user balances.
//
// Every balance change goes through a Ledger. Check and mutation of one
// user's balance happen under that user's lock, so concurrent debits
// serialize per user while different users never contend. Debits are keyed
// by an idempotency key (the order id): replaying a key returns the original
// receipt instead of charging again.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound        = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("amount must be positive with at most two decimal places")
	ErrInvalidRequest      = errors.New("invalid debit request")
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different payment")
	ErrTransactionNotFound = errors.New("transaction not found")
)

type Ledger interface {
	Open(ctx context.Context, userID uuid.UUID, initial decimal.Decimal) (decimal.Decimal, error)
	Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	Debit(ctx context.Context, req DebitRequest) (Receipt, error)
	Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	Lookup(ctx context.Context, userID uuid.UUID, idempotencyKey string) (Receipt, error)
}

type DebitRequest struct {
	UserID         uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
	Description    string
}

func (r DebitRequest) validate() (decimal.Decimal, error) {
	if r.UserID == uuid.Nil || r.IdempotencyKey == "" {
		return decimal.Zero, ErrInvalidRequest
	}
	return normalizeAmount(r.Amount)
}

// Receipt describes an applied debit. A replayed key yields the stored
// receipt with Replayed set.
type Receipt struct {
	TransactionID  uuid.UUID
	UserID         uuid.UUID
	IdempotencyKey string
	Amount         decimal.Decimal
	NewBalance     decimal.Decimal
	CreatedAt      time.Time
	Replayed       bool
}

func (r Receipt) matches(req DebitRequest, amount decimal.Decimal) bool {
	return r.UserID == req.UserID && r.Amount.Equal(amount)
}

func normalizeAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return decimal.Zero, ErrInvalidAmount
	}
	return amount.Round(2), nil
}
