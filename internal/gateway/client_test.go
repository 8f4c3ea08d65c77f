package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/payments"
)

func TestConfirmSendsIdempotencyKeyAndAuth(t *testing.T) {
	var gotKey, gotUser string
	var gotBody confirmRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/confirm", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotUser, _, _ = r.BasicAuth()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"orderId":"pay-1","paymentKey":"pk","status":"DONE","totalAmount":"15000"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "https://checkout.example", "sk_test", time.Second)
	gp, err := c.Confirm(context.Background(), payments.ConfirmRequest{
		Ref: "pay-1", GatewayKey: "pk", Amount: decimal.RequireFromString("15000"),
	})
	require.NoError(t, err)
	assert.Equal(t, payments.GatewayDone, gp.Status)
	assert.True(t, gp.Amount.Equal(decimal.RequireFromString("15000")))
	assert.Equal(t, "pay-1", gotKey)
	assert.Equal(t, "sk_test", gotUser)
	assert.Equal(t, "pay-1", gotBody.OrderID)
	assert.Equal(t, "pk", gotBody.PaymentKey)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "declined", status: http.StatusBadRequest, want: apperr.ErrGatewayRejected},
		{name: "forbidden", status: http.StatusForbidden, want: apperr.ErrGatewayRejected},
		{name: "rate limited", status: http.StatusTooManyRequests, want: apperr.ErrGatewayUnavailable},
		{name: "server error", status: http.StatusBadGateway, want: apperr.ErrGatewayUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":"X","message":"nope"}`))
			}))
			defer srv.Close()

			c := New(srv.URL, "", "sk", time.Second)
			_, err := c.Confirm(context.Background(), payments.ConfirmRequest{Ref: "pay-1", GatewayKey: "pk"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNetworkFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, "", "sk", time.Second)
	_, err := c.Cancel(context.Background(), "pay-1", "pk", "changed mind")
	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
}

func TestLookupNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/payments/orders/pay-9", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "sk", time.Second)
	gp, err := c.Lookup(context.Background(), "pay-9")
	require.NoError(t, err)
	assert.Equal(t, payments.GatewayNotFound, gp.Status)
	assert.Equal(t, "pay-9", gp.Ref)
}

func TestCheckoutURL(t *testing.T) {
	c := New("", "https://checkout.example/pay", "sk", time.Second)
	got := c.CheckoutURL("pay-1", decimal.RequireFromString("12.50"))
	assert.Equal(t, "https://checkout.example/pay?amount=12.5&orderId=pay-1", got)
}
