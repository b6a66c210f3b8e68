// Package gateway is the store's client for the payment service.
//
// Charge never returns an error: every failure folds into one of three
// outcomes. Only SERVICE_UNAVAILABLE is worth retrying, and since a timed out
// charge may still have been applied, callers retry with the same order id.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"intershop/pkg/auth"
	"intershop/pkg/contracts"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeSuccess            Outcome = "SUCCESS"
	OutcomeInsufficientFunds  Outcome = "INSUFFICIENT_FUNDS"
	OutcomeServiceUnavailable Outcome = "SERVICE_UNAVAILABLE"
)

func (o Outcome) Retryable() bool {
	return o == OutcomeServiceUnavailable
}

var (
	ErrUnavailable     = errors.New("payment service unavailable")
	ErrNotFound        = errors.New("payment not found")
	ErrAccountNotFound = errors.New("payment account not found")
)

// Result is the outcome of a charge. Reason is the payment service's code for
// a decline; Detail explains SERVICE_UNAVAILABLE for logs only.
type Result struct {
	Outcome       Outcome
	TransactionID string
	NewBalance    decimal.Decimal
	Reason        string
	Detail        string
}

// declineCodes are the business rejections reported as INSUFFICIENT_FUNDS.
var declineCodes = map[string]bool{
	contracts.CodeInsufficientFunds: true,
	contracts.CodeAccountNotFound:   true,
}

const maxBody = 1 << 20

type Client struct {
	baseURL string
	http    *http.Client
	issuer  *auth.Issuer
	timeout time.Duration
}

func NewClient(baseURL string, issuer *auth.Issuer, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		issuer:  issuer,
		timeout: timeout,
	}
}

func unavailable(format string, args ...any) Result {
	return Result{Outcome: OutcomeServiceUnavailable, Detail: fmt.Sprintf(format, args...)}
}

// Charge debits amount from the user's balance, keyed by orderID.
func (c *Client) Charge(ctx context.Context, userID, orderID uuid.UUID, amount decimal.Decimal) Result {
	body, err := json.Marshal(contracts.PaymentRequest{
		Amount:      amount,
		OrderID:     orderID.String(),
		Description: "order " + orderID.String(),
	})
	if err != nil {
		return unavailable("encode request: %v", err)
	}

	status, data, err := c.call(ctx, http.MethodPost, "/api/payment/process", userID, auth.ScopeWrite, orderID.String(), body)
	if err != nil {
		return unavailable("%v", err)
	}

	switch {
	case status == http.StatusOK:
		var resp contracts.PaymentResponse
		if err := json.Unmarshal(data, &resp); err != nil || !resp.Success || resp.TransactionID == "" {
			return unavailable("undecodable success response")
		}
		return Result{
			Outcome:       OutcomeSuccess,
			TransactionID: resp.TransactionID,
			NewBalance:    resp.NewBalance,
		}
	case status >= 400 && status < 500:
		code, msg := decodeError(data)
		if declineCodes[code] {
			return Result{Outcome: OutcomeInsufficientFunds, Reason: code, Detail: msg}
		}
		return unavailable("status %d code %q", status, code)
	default:
		return unavailable("status %d", status)
	}
}

// Balance reads the user's balance. Failures are errors; there is no default.
func (c *Client) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	status, data, err := c.call(ctx, http.MethodGet, "/api/payment/balance", userID, auth.ScopeRead, "", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch status {
	case http.StatusOK:
		var resp contracts.BalanceResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return decimal.Zero, fmt.Errorf("%w: decode balance: %v", ErrUnavailable, err)
		}
		return resp.Balance, nil
	case http.StatusNotFound:
		return decimal.Zero, ErrAccountNotFound
	default:
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
}

// Lookup reports the debit recorded for orderID, or ErrNotFound when the
// payment service has none. It never charges.
func (c *Client) Lookup(ctx context.Context, userID, orderID uuid.UUID) (Result, error) {
	status, data, err := c.call(ctx, http.MethodGet, "/api/payment/transactions/"+orderID.String(), userID, auth.ScopeRead, "", nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch status {
	case http.StatusOK:
		var resp contracts.TransactionResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.TransactionID == "" {
			return Result{}, fmt.Errorf("%w: undecodable transaction", ErrUnavailable)
		}
		return Result{
			Outcome:       OutcomeSuccess,
			TransactionID: resp.TransactionID,
			NewBalance:    resp.NewBalance,
		}, nil
	case http.StatusNotFound:
		return Result{}, ErrNotFound
	default:
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
}

func (c *Client) call(ctx context.Context, method, path string, userID uuid.UUID, scope, idempotencyKey string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.issuer.Issue(userID.String(), scope)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(contracts.IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeError(data []byte) (code, message string) {
	var resp contracts.ErrorResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", ""
	}
	return resp.Code, resp.Message
}
