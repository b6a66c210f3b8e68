package checkout

import (
	"context"
	"testing"
	"time"

	"intershop/store-service/internal/gateway"
	"intershop/store-service/internal/order"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingOrder(t *testing.T, orders *fakeOrders, age time.Duration) *order.Order {
	t.Helper()
	o := order.New(uuid.New(), []order.Item{{ItemID: 1, Quantity: 1, UnitPrice: decimal.NewFromInt(10)}}, time.Now().UTC().Add(-age))
	require.NoError(t, orders.Create(context.Background(), o))
	return o
}

func TestReconcile(t *testing.T) {
	orders := newFakeOrders()
	ledger := newFakeLedger()

	debited := pendingOrder(t, orders, time.Hour)
	ledger.debits[debited.ID] = gateway.Result{Outcome: gateway.OutcomeSuccess, TransactionID: "tx-late"}
	abandoned := pendingOrder(t, orders, time.Hour)
	fresh := pendingOrder(t, orders, time.Second)

	r := NewReconciler(orders, ledger, time.Minute, 5*time.Minute, discardLogger())
	settled, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, settled)

	paid := orders.get(debited.ID)
	assert.Equal(t, order.StatusPaid, paid.Status)
	assert.Equal(t, "tx-late", paid.TransactionID)

	failed := orders.get(abandoned.ID)
	assert.Equal(t, order.StatusPaymentFailed, failed.Status)
	assert.Equal(t, order.ReasonAbandoned, failed.FailureReason)

	assert.Equal(t, order.StatusPending, orders.get(fresh.ID).Status)
	assert.Zero(t, ledger.charges)
}

func TestReconcile_LedgerUnavailableLeavesOrdersPending(t *testing.T) {
	orders := newFakeOrders()
	ledger := newFakeLedger()
	ledger.unavailable = true
	o := pendingOrder(t, orders, time.Hour)

	r := NewReconciler(orders, ledger, time.Minute, 5*time.Minute, discardLogger())
	settled, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settled)
	assert.Equal(t, order.StatusPending, orders.get(o.ID).Status)
}

func TestReconcile_SettlesOrderLeftByFailedStatusWrite(t *testing.T) {
	orders := newFakeOrders()
	ledger := newFakeLedger()
	o := pendingOrder(t, orders, time.Hour)
	ledger.balances[o.UserID] = decimal.NewFromInt(50)

	res := ledger.Charge(context.Background(), o.UserID, o.ID, o.Total)
	require.Equal(t, gateway.OutcomeSuccess, res.Outcome)

	r := NewReconciler(orders, ledger, time.Minute, time.Minute, discardLogger())
	settled, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	stored := orders.get(o.ID)
	assert.Equal(t, order.StatusPaid, stored.Status)
	assert.Equal(t, res.TransactionID, stored.TransactionID)
	assert.True(t, ledger.balance(o.UserID).Equal(decimal.NewFromInt(40)))
	assert.Equal(t, 1, ledger.charges)
}
