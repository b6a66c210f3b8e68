package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Amounts travel as JSON numbers on every API and event.
	decimal.MarshalJSONWithoutQuotes = true
}

// Reason codes carried by non-2xx payment API responses.
const (
	CodeInsufficientFunds   = "insufficient_funds"
	CodeInvalidAmount       = "invalid_amount"
	CodeInvalidRequest      = "invalid_request"
	CodeAccountNotFound     = "account_not_found"
	CodeAccountExists       = "account_exists"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeTransactionNotFound = "transaction_not_found"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeInternal            = "internal_error"
)

// IdempotencyHeader may carry the order id when the body omits it.
const IdempotencyHeader = "Idempotency-Key"

type BalanceResponse struct {
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Timestamp time.Time       `json:"timestamp"`
}

type PaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	OrderID     string          `json:"orderId"`
	Description string          `json:"description"`
}

type PaymentResponse struct {
	Success       bool            `json:"success"`
	TransactionID string          `json:"transactionId"`
	NewBalance    decimal.Decimal `json:"newBalance"`
	Message       string          `json:"message"`
	Timestamp     time.Time       `json:"timestamp"`
}

type TransactionResponse struct {
	TransactionID string          `json:"transactionId"`
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"newBalance"`
	Timestamp     time.Time       `json:"timestamp"`
}

type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ErrorResponse is the body of every non-2xx payment API response.
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
