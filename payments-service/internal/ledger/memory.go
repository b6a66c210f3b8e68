package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is a process-local Ledger. Each account carries its own mutex.
type Memory struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*memAccount

	keysMu sync.Mutex
	keys   map[string]uuid.UUID

	now func() time.Time
}

type memAccount struct {
	mu      sync.Mutex
	balance decimal.Decimal
	debits  map[string]Receipt
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[uuid.UUID]*memAccount),
		keys:     make(map[string]uuid.UUID),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Open(_ context.Context, userID uuid.UUID, initial decimal.Decimal) (decimal.Decimal, error) {
	if initial.IsNegative() || !initial.Equal(initial.Round(2)) {
		return decimal.Zero, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[userID]; ok {
		return decimal.Zero, ErrAccountExists
	}
	m.accounts[userID] = &memAccount{balance: initial, debits: make(map[string]Receipt)}
	return initial, nil
}

func (m *Memory) account(userID uuid.UUID) (*memAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return acct, nil
}

func (m *Memory) Balance(_ context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	acct, err := m.account(userID)
	if err != nil {
		return decimal.Zero, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance, nil
}

func (m *Memory) Debit(_ context.Context, req DebitRequest) (Receipt, error) {
	amount, err := req.validate()
	if err != nil {
		return Receipt{}, err
	}
	acct, err := m.account(req.UserID)
	if err != nil {
		return Receipt{}, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := m.claimKey(req.IdempotencyKey, req.UserID); err != nil {
		return Receipt{}, err
	}

	if prior, ok := acct.debits[req.IdempotencyKey]; ok {
		if !prior.matches(req, amount) {
			return Receipt{}, ErrIdempotencyConflict
		}
		prior.Replayed = true
		return prior, nil
	}

	if acct.balance.LessThan(amount) {
		m.releaseKey(acct, req.IdempotencyKey)
		return Receipt{}, ErrInsufficientFunds
	}

	acct.balance = acct.balance.Sub(amount)
	receipt := Receipt{
		TransactionID:  uuid.New(),
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         amount,
		NewBalance:     acct.balance,
		CreatedAt:      m.now(),
	}
	acct.debits[req.IdempotencyKey] = receipt
	return receipt, nil
}

// claimKey binds an idempotency key to one user for as long as a debit
// under it exists or is in flight. The caller holds the user's account lock,
// so claims for one user are serialized with that user's debits.
func (m *Memory) claimKey(key string, userID uuid.UUID) error {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	if owner, ok := m.keys[key]; ok && owner != userID {
		return ErrIdempotencyConflict
	}
	m.keys[key] = userID
	return nil
}

// releaseKey frees key unless the account holds a debit under it. acct must
// be locked by the caller.
func (m *Memory) releaseKey(acct *memAccount, key string) {
	if _, ok := acct.debits[key]; ok {
		return
	}
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	delete(m.keys, key)
}

func (m *Memory) Deposit(_ context.Context, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	amount, err := normalizeAmount(amount)
	if err != nil {
		return decimal.Zero, err
	}
	acct, err := m.account(userID)
	if err != nil {
		return decimal.Zero, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.balance = acct.balance.Add(amount)
	return acct.balance, nil
}

func (m *Memory) Lookup(_ context.Context, userID uuid.UUID, key string) (Receipt, error) {
	acct, err := m.account(userID)
	if err != nil {
		return Receipt{}, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	receipt, ok := acct.debits[key]
	if !ok {
		return Receipt{}, ErrTransactionNotFound
	}
	return receipt, nil
}
