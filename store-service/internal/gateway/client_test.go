package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"intershop/pkg/auth"
	"intershop/pkg/contracts"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "secret"
	testAudience = "payments-service"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", auth.NewIssuer(testSecret, testAudience, time.Minute), timeout), srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCharge_Success(t *testing.T) {
	userID, orderID := uuid.New(), uuid.New()
	verifier := auth.NewVerifier(testSecret, testAudience)

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/payment/process", r.URL.Path)
		assert.Equal(t, orderID.String(), r.Header.Get(contracts.IdempotencyHeader))

		raw, err := auth.BearerToken(r.Header.Get("Authorization"))
		require.NoError(t, err)
		claims, err := verifier.Verify(raw)
		require.NoError(t, err)
		assert.Equal(t, userID.String(), claims.Subject)
		assert.True(t, claims.HasScope(auth.ScopeWrite))

		var req contracts.PaymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, orderID.String(), req.OrderID)
		assert.True(t, req.Amount.Equal(decimal.NewFromInt(400)))

		writeJSON(w, http.StatusOK, contracts.PaymentResponse{
			Success:       true,
			TransactionID: "tx-1",
			NewBalance:    decimal.NewFromInt(600),
			Message:       "payment processed",
			Timestamp:     time.Now(),
		})
	}, time.Second)

	res := c.Charge(t.Context(), userID, orderID, decimal.NewFromInt(400))
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "tx-1", res.TransactionID)
	assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(600)))
}

func TestCharge_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       any
		want       Outcome
		wantReason string
	}{
		{"insufficient funds", http.StatusBadRequest, contracts.ErrorResponse{Code: contracts.CodeInsufficientFunds}, OutcomeInsufficientFunds, contracts.CodeInsufficientFunds},
		{"unknown account", http.StatusNotFound, contracts.ErrorResponse{Code: contracts.CodeAccountNotFound}, OutcomeInsufficientFunds, contracts.CodeAccountNotFound},
		{"unauthorized", http.StatusUnauthorized, contracts.ErrorResponse{Code: contracts.CodeUnauthorized}, OutcomeServiceUnavailable, ""},
		{"400 without code", http.StatusBadRequest, map[string]string{"error": "bad"}, OutcomeServiceUnavailable, ""},
		{"server error", http.StatusInternalServerError, contracts.ErrorResponse{Code: contracts.CodeInternal}, OutcomeServiceUnavailable, ""},
		{"bad gateway", http.StatusBadGateway, nil, OutcomeServiceUnavailable, ""},
		{"garbage success", http.StatusOK, map[string]string{"hello": "world"}, OutcomeServiceUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}, time.Second)

			res := c.Charge(t.Context(), uuid.New(), uuid.New(), decimal.NewFromInt(1))
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.wantReason, res.Reason)
			if tt.want == OutcomeServiceUnavailable {
				assert.NotEmpty(t, res.Detail)
				assert.True(t, res.Outcome.Retryable())
			}
		})
	}
}

func errorBody(code, msg string) contracts.ErrorResponse {
	return contracts.ErrorResponse{Success: false, Code: code, Message: msg, Timestamp: time.Now().UTC()}
}

// The bodies below are the ones the payment service writes for each ledger
// result.
func TestCharge_PaymentServiceResponses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       any
		want       Outcome
		wantReason string
	}{
		{"declined", http.StatusBadRequest, errorBody(contracts.CodeInsufficientFunds, "insufficient funds"), OutcomeInsufficientFunds, contracts.CodeInsufficientFunds},
		{"no account", http.StatusNotFound, errorBody(contracts.CodeAccountNotFound, "account not found"), OutcomeInsufficientFunds, contracts.CodeAccountNotFound},
		{"invalid amount", http.StatusBadRequest, errorBody(contracts.CodeInvalidAmount, "amount must be positive with at most two decimal places"), OutcomeServiceUnavailable, ""},
		{"missing order id", http.StatusBadRequest, errorBody(contracts.CodeInvalidRequest, "orderId is required"), OutcomeServiceUnavailable, ""},
		{"key owned by another user", http.StatusConflict, errorBody(contracts.CodeIdempotencyConflict, "idempotency key already used for a different payment"), OutcomeServiceUnavailable, ""},
		{"bad token", http.StatusUnauthorized, errorBody(contracts.CodeUnauthorized, "invalid bearer token"), OutcomeServiceUnavailable, ""},
		{"missing scope", http.StatusForbidden, errorBody(contracts.CodeForbidden, "missing scope "+auth.ScopeWrite), OutcomeServiceUnavailable, ""},
		{"ledger failure", http.StatusInternalServerError, errorBody(contracts.CodeInternal, "internal error"), OutcomeServiceUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}, time.Second)

			res := c.Charge(t.Context(), uuid.New(), uuid.New(), decimal.NewFromInt(1))
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Empty(t, res.TransactionID)
		})
	}
}

func TestCharge_ReplayedPaymentIsSuccess(t *testing.T) {
	userID, orderID := uuid.New(), uuid.New()
	txID := uuid.NewString()
	calls := 0

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		message := "payment processed"
		if calls > 1 {
			message = "payment already processed"
		}
		writeJSON(w, http.StatusOK, contracts.PaymentResponse{
			Success:       true,
			TransactionID: txID,
			NewBalance:    decimal.RequireFromString("600.00"),
			Message:       message,
			Timestamp:     time.Now().UTC(),
		})
	}, time.Second)

	first := c.Charge(t.Context(), userID, orderID, decimal.NewFromInt(400))
	second := c.Charge(t.Context(), userID, orderID, decimal.NewFromInt(400))

	assert.Equal(t, 2, calls)
	for _, res := range []Result{first, second} {
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		assert.Equal(t, txID, res.TransactionID)
		assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(600)))
	}
}

func TestCharge_SuccessFlagFalseIsUnavailable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, contracts.PaymentResponse{Success: false, TransactionID: uuid.NewString()})
	}, time.Second)

	res := c.Charge(t.Context(), uuid.New(), uuid.New(), decimal.NewFromInt(1))
	assert.Equal(t, OutcomeServiceUnavailable, res.Outcome)
}

func TestLookup_PaymentServiceResponses(t *testing.T) {
	orderID := uuid.New()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/payment/transactions/"+orderID.String() {
			writeJSON(w, http.StatusNotFound, errorBody(contracts.CodeTransactionNotFound, "transaction not found"))
			return
		}
		writeJSON(w, http.StatusOK, contracts.TransactionResponse{
			TransactionID: "tx-7",
			OrderID:       orderID.String(),
			Amount:        decimal.RequireFromString("400.00"),
			NewBalance:    decimal.RequireFromString("600.00"),
			Timestamp:     time.Now().UTC(),
		})
	}, time.Second)

	res, err := c.Lookup(t.Context(), uuid.New(), orderID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "tx-7", res.TransactionID)
	assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(600)))

	_, err = c.Lookup(t.Context(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCharge_Timeout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 50*time.Millisecond)

	started := time.Now()
	res := c.Charge(t.Context(), uuid.New(), uuid.New(), decimal.NewFromInt(1))
	assert.Equal(t, OutcomeServiceUnavailable, res.Outcome)
	assert.Less(t, time.Since(started), time.Second)
}

func TestCharge_ConnectionRefused(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, time.Second)
	srv.Close()

	res := c.Charge(t.Context(), uuid.New(), uuid.New(), decimal.NewFromInt(1))
	assert.Equal(t, OutcomeServiceUnavailable, res.Outcome)
}

func TestBalance(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		writeJSON(w, http.StatusOK, contracts.BalanceResponse{Balance: decimal.RequireFromString("12.50"), Currency: "RUB"})
	}, time.Second)

	balance, err := c.Balance(t.Context(), uuid.New())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("12.5")))
}

func TestBalance_Errors(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, nil)
	}, time.Second)
	_, err := c.Balance(t.Context(), uuid.New())
	assert.ErrorIs(t, err, ErrUnavailable)

	c, _ = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, contracts.ErrorResponse{Code: contracts.CodeAccountNotFound})
	}, time.Second)
	_, err = c.Balance(t.Context(), uuid.New())
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestLookup(t *testing.T) {
	orderID := uuid.New()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/payment/transactions/" + orderID.String():
			writeJSON(w, http.StatusOK, contracts.TransactionResponse{TransactionID: "tx-9", OrderID: orderID.String()})
		default:
			writeJSON(w, http.StatusNotFound, contracts.ErrorResponse{Code: contracts.CodeTransactionNotFound})
		}
	}, time.Second)

	res, err := c.Lookup(t.Context(), uuid.New(), orderID)
	require.NoError(t, err)
	assert.Equal(t, "tx-9", res.TransactionID)

	_, err = c.Lookup(t.Context(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookup_Unavailable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, time.Second)

	_, err := c.Lookup(t.Context(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrUnavailable)
}
