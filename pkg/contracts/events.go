package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventPaymentDebited     = "payments.debited"
	EventOrderStatusChanged = "orders.status_changed"
)

type PaymentDebitedEvent struct {
	EventID       string          `json:"event_id"`
	TransactionID string          `json:"transaction_id"`
	OrderID       string          `json:"order_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	ProcessedAt   time.Time       `json:"processed_at"`
}

type OrderStatusChangedEvent struct {
	EventID   string          `json:"event_id"`
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Total     decimal.Decimal `json:"total"`
	ChangedAt time.Time       `json:"changed_at"`
}
