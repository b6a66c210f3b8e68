package contracts

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentRequest_AmountIsJSONNumber(t *testing.T) {
	body, err := json.Marshal(PaymentRequest{
		Amount:      decimal.RequireFromString("400.50"),
		OrderID:     "order-1",
		Description: "Payment for order order-1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":400.5,"orderId":"order-1","description":"Payment for order order-1"}`, string(body))
}

func TestPaymentRequest_AcceptsNumberAndString(t *testing.T) {
	for _, raw := range []string{`{"amount":12.34,"orderId":"a"}`, `{"amount":"12.34","orderId":"a"}`} {
		var req PaymentRequest
		require.NoError(t, json.Unmarshal([]byte(raw), &req))
		assert.True(t, decimal.RequireFromString("12.34").Equal(req.Amount), raw)
	}
}
