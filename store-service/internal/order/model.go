package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusPaid          Status = "PAID"
	StatusPaymentFailed Status = "PAYMENT_FAILED"
	StatusCancelled     Status = "CANCELLED"
)

// Failure reasons recorded with PAYMENT_FAILED and CANCELLED orders.
const (
	ReasonInsufficientFunds  = "insufficient_funds"
	ReasonServiceUnavailable = "service_unavailable"
	ReasonAbandoned          = "abandoned"
	ReasonCancelled          = "cancelled"
)

// transitions lists, for every target status, the statuses an order may
// leave to reach it.
var transitions = map[Status][]Status{
	StatusPaid:          {StatusPending},
	StatusPaymentFailed: {StatusPending},
	StatusCancelled:     {StatusPending, StatusPaymentFailed},
}

func allowedFrom(to Status) []Status {
	return transitions[to]
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Item is a line of an order with the unit price captured when the order was
// created.
type Item struct {
	ItemID    int64           `json:"item_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Status        Status          `json:"status"`
	Total         decimal.Decimal `json:"total"`
	Items         []Item          `json:"items"`
	FailureReason string          `json:"failure_reason,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// New builds a PENDING order; its total is fixed from the item snapshot.
func New(userID uuid.UUID, items []Item, now time.Time) *Order {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return &Order{
		ID:        uuid.New(),
		UserID:    userID,
		Status:    StatusPending,
		Total:     total.Round(2),
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Settlement carries what a status change records alongside the new status.
type Settlement struct {
	Reason        string
	TransactionID string
}
