package checkout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"intershop/pkg/contracts"
	"intershop/store-service/internal/cart"
	"intershop/store-service/internal/catalog"
	"intershop/store-service/internal/gateway"
	"intershop/store-service/internal/order"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeOrders struct {
	mu            sync.Mutex
	orders        map[uuid.UUID]order.Order
	transitionErr error
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: make(map[uuid.UUID]order.Order)}
}

func (f *fakeOrders) Create(_ context.Context, o *order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = *o
	return nil
}

func (f *fakeOrders) Transition(_ context.Context, orderID uuid.UUID, to order.Status, st order.Settlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return f.transitionErr
	}
	o, ok := f.orders[orderID]
	if !ok {
		return order.ErrOrderNotFound
	}
	if !order.CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.FailureReason = st.Reason
	o.TransactionID = st.TransactionID
	f.orders[orderID] = o
	return nil
}

func (f *fakeOrders) ListStale(_ context.Context, olderThan time.Time, limit int) ([]*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*order.Order
	for _, o := range f.orders {
		if o.Status == order.StatusPending && o.CreatedAt.Before(olderThan) && len(result) < limit {
			result = append(result, &o)
		}
	}
	return result, nil
}

func (f *fakeOrders) get(id uuid.UUID) order.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id]
}

func (f *fakeOrders) all() []order.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]order.Order, 0, len(f.orders))
	for _, o := range f.orders {
		result = append(result, o)
	}
	return result
}

// fakeLedger plays the payment service: one lock guards check and debit,
// and debits are keyed by order id.
type fakeLedger struct {
	mu          sync.Mutex
	balances    map[uuid.UUID]decimal.Decimal
	debits      map[uuid.UUID]gateway.Result
	unavailable bool

	// lostReply applies the debit but answers SERVICE_UNAVAILABLE.
	lostReply bool
	lookupErr error
	onCharge  func()
	charges   int
	lookups   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[uuid.UUID]decimal.Decimal),
		debits:   make(map[uuid.UUID]gateway.Result),
	}
}

func (f *fakeLedger) Charge(ctx context.Context, userID, orderID uuid.UUID, amount decimal.Decimal) gateway.Result {
	if f.onCharge != nil {
		f.onCharge()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges++
	if f.unavailable || ctx.Err() != nil {
		return gateway.Result{Outcome: gateway.OutcomeServiceUnavailable, Detail: "down"}
	}
	if prior, ok := f.debits[orderID]; ok {
		return prior
	}
	balance, ok := f.balances[userID]
	if !ok {
		return gateway.Result{Outcome: gateway.OutcomeInsufficientFunds, Reason: contracts.CodeAccountNotFound}
	}
	if balance.LessThan(amount) {
		return gateway.Result{Outcome: gateway.OutcomeInsufficientFunds, Reason: contracts.CodeInsufficientFunds}
	}
	f.balances[userID] = balance.Sub(amount)
	res := gateway.Result{
		Outcome:       gateway.OutcomeSuccess,
		TransactionID: uuid.NewString(),
		NewBalance:    f.balances[userID],
	}
	f.debits[orderID] = res
	if f.lostReply {
		return gateway.Result{Outcome: gateway.OutcomeServiceUnavailable, Detail: "read timeout"}
	}
	return res
}

func (f *fakeLedger) Balance(_ context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return decimal.Zero, gateway.ErrUnavailable
	}
	balance, ok := f.balances[userID]
	if !ok {
		return decimal.Zero, gateway.ErrAccountNotFound
	}
	return balance, nil
}

func (f *fakeLedger) Lookup(_ context.Context, _, orderID uuid.UUID) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return gateway.Result{}, f.lookupErr
	}
	if f.unavailable {
		return gateway.Result{}, gateway.ErrUnavailable
	}
	res, ok := f.debits[orderID]
	if !ok {
		return gateway.Result{}, gateway.ErrNotFound
	}
	return res, nil
}

func (f *fakeLedger) balance(userID uuid.UUID) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID]
}

type fakeCart struct {
	mu         sync.Mutex
	lines      map[uuid.UUID][]cart.Line
	itemsErr   error
	discardErr error
	hang       bool
	// barrier, when set, holds every Items call until all expected readers
	// have read the cart.
	barrier    *sync.WaitGroup
}

func newFakeCart() *fakeCart {
	return &fakeCart{lines: make(map[uuid.UUID][]cart.Line)}
}

func (f *fakeCart) Items(ctx context.Context, userID uuid.UUID) ([]cart.Line, error) {
	f.mu.Lock()
	hang, err, barrier := f.hang, f.itemsErr, f.barrier
	lines := append([]cart.Line(nil), f.lines[userID]...)
	f.mu.Unlock()

	if barrier != nil {
		barrier.Done()
		barrier.Wait()
	}

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (f *fakeCart) Discard(_ context.Context, userID uuid.UUID, paid []cart.Line) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discardErr != nil {
		return f.discardErr
	}
	take := make(map[int64]int, len(paid))
	for _, l := range paid {
		take[l.ItemID] += l.Quantity
	}
	var left []cart.Line
	for _, l := range f.lines[userID] {
		l.Quantity -= take[l.ItemID]
		if l.Quantity > 0 {
			left = append(left, l)
		}
	}
	f.lines[userID] = left
	return nil
}

func (f *fakeCart) add(userID uuid.UUID, l cart.Line) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines[userID] = append(f.lines[userID], l)
}

func (f *fakeCart) get(userID uuid.UUID) []cart.Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lines[userID]
}

type fakePrices map[int64]decimal.Decimal

func (f fakePrices) Prices(_ context.Context, ids []int64) (map[int64]decimal.Decimal, error) {
	result := make(map[int64]decimal.Decimal, len(ids))
	for _, id := range ids {
		p, ok := f[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", catalog.ErrItemNotFound, id)
		}
		result[id] = p
	}
	return result, nil
}
