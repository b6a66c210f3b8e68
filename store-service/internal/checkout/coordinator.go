// Package checkout turns a cart into a paid order.
//
// A checkout walks START -> ORDER_CREATED -> PAYMENT_ATTEMPTED -> PAID|FAILED.
// The order is persisted as PENDING before the payment service is called, so
// a crash in between leaves a PENDING order for the Reconciler instead of an
// untracked charge. The order id is the payment idempotency key.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"intershop/pkg/metrics"
	"intershop/store-service/internal/cart"
	"intershop/store-service/internal/catalog"
	"intershop/store-service/internal/gateway"
	"intershop/store-service/internal/order"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrInvalidCart        = errors.New("cart cannot be checked out")
	ErrServiceUnavailable = errors.New("checkout temporarily unavailable")
)

// Failure is returned when an order was created but its payment was not
// taken. Order is already PAYMENT_FAILED.
type Failure struct {
	Order   *order.Order
	Outcome gateway.Outcome
	Reason  string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("order %s payment failed: %s", f.Order.ID, f.Outcome)
}

func (f *Failure) Retryable() bool {
	return f.Outcome.Retryable()
}

type state string

const (
	stateStart            state = "START"
	stateOrderCreated     state = "ORDER_CREATED"
	statePaymentAttempted state = "PAYMENT_ATTEMPTED"
	statePaid             state = "PAID"
	stateFailed           state = "FAILED"
)

type Orders interface {
	Create(ctx context.Context, o *order.Order) error
	Transition(ctx context.Context, orderID uuid.UUID, to order.Status, st order.Settlement) error
}

type Payments interface {
	Charge(ctx context.Context, userID, orderID uuid.UUID, amount decimal.Decimal) gateway.Result
	Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	Lookup(ctx context.Context, userID, orderID uuid.UUID) (gateway.Result, error)
}

type Cart interface {
	Items(ctx context.Context, userID uuid.UUID) ([]cart.Line, error)
	Discard(ctx context.Context, userID uuid.UUID, lines []cart.Line) error
}

type Prices interface {
	Prices(ctx context.Context, ids []int64) (map[int64]decimal.Decimal, error)
}

type Options struct {
	// CartTimeout bounds each cart and catalog call.
	CartTimeout time.Duration

	// ConfirmTimeout bounds the debit lookup after an unanswered charge.
	ConfirmTimeout time.Duration

	// Outcomes counts checkouts by result.
	Outcomes *metrics.OutcomeCounter
}

type Coordinator struct {
	orders   Orders
	payments Payments
	cart     Cart
	prices   Prices
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func NewCoordinator(orders Orders, payments Payments, c Cart, prices Prices, opts Options, logger *slog.Logger) *Coordinator {
	if opts.CartTimeout <= 0 {
		opts.CartTimeout = 2 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 3 * time.Second
	}
	return &Coordinator{
		orders:   orders,
		payments: payments,
		cart:     c,
		prices:   prices,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Checkout runs one settlement attempt for the user's current cart. It keeps
// going after the caller's context is cancelled so the order never stays
// behind the payment outcome.
//
// Results: the PAID order; *Failure for a declined or unreachable payment;
// ErrEmptyCart, ErrInvalidCart or ErrServiceUnavailable before any order
// exists; other errors are storage failures.
func (c *Coordinator) Checkout(ctx context.Context, userID uuid.UUID) (*order.Order, error) {
	ctx = context.WithoutCancel(ctx)
	log := c.logger.With("user_id", userID)

	items, err := c.snapshot(ctx, userID)
	if err != nil {
		c.opts.Outcomes.Inc(rejectOutcome(err))
		if !errors.Is(err, ErrEmptyCart) {
			log.Warn("checkout rejected", "state", stateStart, "err", err)
		}
		return nil, err
	}

	o := order.New(userID, items, c.now())
	if err := c.orders.Create(ctx, o); err != nil {
		c.opts.Outcomes.Inc("error")
		log.Error("create order failed", "order_id", o.ID, "err", err)
		return nil, fmt.Errorf("create order: %w", err)
	}
	log = log.With("order_id", o.ID)
	log.Debug("checkout advanced", "state", stateOrderCreated, "amount", o.Total.String())

	res := c.payments.Charge(ctx, userID, o.ID, o.Total)
	log.Debug("checkout advanced", "state", statePaymentAttempted, "outcome", res.Outcome)

	if res.Outcome == gateway.OutcomeServiceUnavailable {
		res = c.confirmDebit(ctx, log, o, res)
	}

	if res.Outcome == gateway.OutcomeSuccess {
		return c.settlePaid(ctx, log, o, res)
	}
	return c.settleFailed(ctx, log, o, res)
}

func (c *Coordinator) settlePaid(ctx context.Context, log *slog.Logger, o *order.Order, res gateway.Result) (*order.Order, error) {
	err := c.orders.Transition(ctx, o.ID, order.StatusPaid, order.Settlement{TransactionID: res.TransactionID})

	// The debit is final either way; a PENDING order left behind by a failed
	// write is settled to PAID by the reconciler.
	c.discardPaid(ctx, log, o)

	if err != nil {
		c.opts.Outcomes.Inc("error")
		log.Error("record paid order failed", "transaction_id", res.TransactionID, "err", err)
		return nil, fmt.Errorf("record paid order %s: %w", o.ID, err)
	}

	o.Status = order.StatusPaid
	o.TransactionID = res.TransactionID
	o.UpdatedAt = c.now()

	c.opts.Outcomes.Inc("paid")
	log.Info("checkout completed",
		"state", statePaid,
		"transaction_id", res.TransactionID,
		"amount", o.Total.String(),
	)
	return o, nil
}

func (c *Coordinator) settleFailed(ctx context.Context, log *slog.Logger, o *order.Order, res gateway.Result) (*order.Order, error) {
	reason := res.Reason
	switch {
	case res.Outcome == gateway.OutcomeServiceUnavailable:
		reason = order.ReasonServiceUnavailable
	case reason == "":
		reason = order.ReasonInsufficientFunds
	}

	if err := c.orders.Transition(ctx, o.ID, order.StatusPaymentFailed, order.Settlement{Reason: reason}); err != nil {
		c.opts.Outcomes.Inc("error")
		log.Error("record failed order failed", "outcome", res.Outcome, "err", err)
		return nil, fmt.Errorf("record failed order %s: %w", o.ID, err)
	}

	o.Status = order.StatusPaymentFailed
	o.FailureReason = reason
	o.UpdatedAt = c.now()

	c.opts.Outcomes.Inc(string(res.Outcome))
	log.Warn("checkout failed",
		"state", stateFailed,
		"outcome", res.Outcome,
		"reason", reason,
		"detail", res.Detail,
	)
	return nil, &Failure{Order: o, Outcome: res.Outcome, Reason: reason}
}

// confirmDebit reads back the debit for an order whose charge went
// unanswered. The charge may have been applied before the connection or the
// deadline gave out; a recorded debit settles the order as paid. Without one
// the unavailable result stands.
func (c *Coordinator) confirmDebit(ctx context.Context, log *slog.Logger, o *order.Order, res gateway.Result) gateway.Result {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()

	found, err := c.payments.Lookup(ctx, o.UserID, o.ID)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return res
	case err != nil:
		log.Warn("confirm debit failed", "detail", res.Detail, "err", err)
		return res
	case found.TransactionID == "":
		return res
	}
	log.Info("unanswered charge was applied", "transaction_id", found.TransactionID, "detail", res.Detail)
	found.Outcome = gateway.OutcomeSuccess
	return found
}

// discardPaid takes the paid lines out of the cart. Lines added after the
// snapshot stay.
func (c *Coordinator) discardPaid(ctx context.Context, log *slog.Logger, o *order.Order) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CartTimeout)
	defer cancel()

	lines := make([]cart.Line, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, cart.Line{ItemID: it.ItemID, Quantity: it.Quantity})
	}
	if err := c.cart.Discard(ctx, o.UserID, lines); err != nil {
		log.Warn("clear cart after payment failed", "err", err)
	}
}

// snapshot reads the cart and prices each line at its current catalog price.
func (c *Coordinator) snapshot(ctx context.Context, userID uuid.UUID) ([]order.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CartTimeout)
	defer cancel()

	lines, err := c.cart.Items(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: read cart: %v", ErrServiceUnavailable, err)
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d has quantity %d", ErrInvalidCart, l.ItemID, l.Quantity)
		}
		ids = append(ids, l.ItemID)
	}

	prices, err := c.prices.Prices(ctx, ids)
	if err != nil {
		if errors.Is(err, catalog.ErrItemNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCart, err)
		}
		return nil, fmt.Errorf("load prices: %w", err)
	}

	items := make([]order.Item, 0, len(lines))
	total := decimal.Zero
	for _, l := range lines {
		it := order.Item{
			ItemID:    l.ItemID,
			Quantity:  l.Quantity,
			UnitPrice: prices[l.ItemID],
		}
		total = total.Add(it.Subtotal())
		items = append(items, it)
	}
	// The payment service rejects a non-positive amount.
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: total %s is not positive", ErrInvalidCart, total.String())
	}
	return items, nil
}

type Preview struct {
	Total   decimal.Decimal `json:"total"`
	Balance decimal.Decimal `json:"balance"`
	Enabled bool            `json:"enabled"`
}

// CanCheckout compares the cart total with the user's balance. An unreachable
// payment service is an error, never a zero balance.
func (c *Coordinator) CanCheckout(ctx context.Context, userID uuid.UUID) (Preview, error) {
	total := decimal.Zero
	items, err := c.snapshot(ctx, userID)
	switch {
	case errors.Is(err, ErrEmptyCart):
	case err != nil:
		return Preview{}, err
	default:
		for _, it := range items {
			total = total.Add(it.Subtotal())
		}
	}

	balance, err := c.payments.Balance(ctx, userID)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return Preview{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		return Preview{}, err
	}

	return Preview{
		Total:   total,
		Balance: balance,
		Enabled: len(items) > 0 && balance.GreaterThanOrEqual(total),
	}, nil
}

func rejectOutcome(err error) string {
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrInvalidCart):
		return "invalid_cart"
	case errors.Is(err, ErrServiceUnavailable):
		return string(gateway.OutcomeServiceUnavailable)
	default:
		return "error"
	}
}
