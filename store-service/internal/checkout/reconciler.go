package checkout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"intershop/store-service/internal/gateway"
	"intershop/store-service/internal/order"

	"github.com/google/uuid"
)

type StaleOrders interface {
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*order.Order, error)
	Transition(ctx context.Context, orderID uuid.UUID, to order.Status, st order.Settlement) error
}

type Ledger interface {
	Lookup(ctx context.Context, userID, orderID uuid.UUID) (gateway.Result, error)
}

// Reconciler settles orders left PENDING by a checkout that never finished.
// It asks the payment service whether the order was debited and records
// that; it never charges.
type Reconciler struct {
	orders     StaleOrders
	ledger     Ledger
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconciler(orders StaleOrders, ledger Ledger, interval, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		orders:     orders,
		ledger:     ledger,
		interval:   interval,
		staleAfter: staleAfter,
		batch:      100,
		logger:     logger.With("component", "reconciler"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile failed", "err", err)
		}
	}
}

// Reconcile runs one pass and reports how many orders it settled. Orders
// the payment service cannot answer for are left for the next pass.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	stale, err := r.orders.ListStale(ctx, r.now().Add(-r.staleAfter), r.batch)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, o := range stale {
		log := r.logger.With("order_id", o.ID, "user_id", o.UserID)

		to, st, ok := r.resolve(ctx, log, o)
		if !ok {
			continue
		}

		err := r.orders.Transition(ctx, o.ID, to, st)
		switch {
		case err == nil:
			settled++
			log.Info("stale order settled", "status", to, "transaction_id", st.TransactionID)
		case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrOrderNotFound):
			log.Debug("stale order already settled", "err", err)
		default:
			log.Error("settle stale order failed", "status", to, "err", err)
		}
	}
	return settled, nil
}

func (r *Reconciler) resolve(ctx context.Context, log *slog.Logger, o *order.Order) (order.Status, order.Settlement, bool) {
	res, err := r.ledger.Lookup(ctx, o.UserID, o.ID)
	switch {
	case err == nil:
		return order.StatusPaid, order.Settlement{TransactionID: res.TransactionID}, true
	case errors.Is(err, gateway.ErrNotFound):
		return order.StatusPaymentFailed, order.Settlement{Reason: order.ReasonAbandoned}, true
	default:
		log.Warn("payment lookup failed, retrying next pass", "err", err)
		return "", order.Settlement{}, false
	}
}
