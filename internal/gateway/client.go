// Package gateway is the HTTP client of the card payment provider.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/payments"
)

// Client calls the provider's payments API. It makes a single attempt per
// call; retries belong to the payment service.
type Client struct {
	baseURL     string
	checkoutURL string
	secretKey   string
	client      *http.Client
}

var _ payments.Gateway = (*Client)(nil)

type confirmRequest struct {
	PaymentKey string          `json:"paymentKey"`
	OrderID    string          `json:"orderId"`
	Amount     decimal.Decimal `json:"amount"`
}

type cancelRequest struct {
	PaymentKey   string `json:"paymentKey,omitempty"`
	CancelReason string `json:"cancelReason"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New returns a Client. timeout bounds each HTTP round trip.
func New(baseURL, checkoutURL, secretKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:     baseURL,
		checkoutURL: checkoutURL,
		secretKey:   secretKey,
		client:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) Confirm(ctx context.Context, req payments.ConfirmRequest) (payments.GatewayPayment, error) {
	return c.do(ctx, http.MethodPost, "/v1/payments/confirm", req.Ref, confirmRequest{
		PaymentKey: req.GatewayKey,
		OrderID:    req.Ref,
		Amount:     req.Amount,
	})
}

func (c *Client) Cancel(ctx context.Context, ref, gatewayKey, reason string) (payments.GatewayPayment, error) {
	return c.do(ctx, http.MethodPost, "/v1/payments/orders/"+url.PathEscape(ref)+"/cancel", ref, cancelRequest{
		PaymentKey:   gatewayKey,
		CancelReason: reason,
	})
}

// Lookup reports NOT_FOUND when the provider has never seen ref.
func (c *Client) Lookup(ctx context.Context, ref string) (payments.GatewayPayment, error) {
	gp, err := c.do(ctx, http.MethodGet, "/v1/payments/orders/"+url.PathEscape(ref), "", nil)
	if err != nil {
		var se *statusError
		if asStatus(err, &se) && se.code == http.StatusNotFound {
			return payments.GatewayPayment{Ref: ref, Status: payments.GatewayNotFound}, nil
		}
		return payments.GatewayPayment{}, err
	}
	return gp, nil
}

// CheckoutURL is where the buyer is sent to authorise the payment.
func (c *Client) CheckoutURL(ref string, amount decimal.Decimal) string {
	q := url.Values{}
	q.Set("orderId", ref)
	q.Set("amount", amount.String())
	return c.checkoutURL + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, payload any) (payments.GatewayPayment, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return payments.GatewayPayment{}, fmt.Errorf("marshal gateway request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return payments.GatewayPayment{}, fmt.Errorf("build gateway request: %w", err)
	}
	req.SetBasicAuth(c.secretKey, "")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return payments.GatewayPayment{}, fmt.Errorf("%w: %w", apperr.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return payments.GatewayPayment{}, fmt.Errorf("%w: read body: %w", apperr.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		se := &statusError{code: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Message != "" {
			se.reason = er.Code + ": " + er.Message
		} else {
			se.reason = string(respBody)
		}
		// 429 and 5xx leave the outcome unknown
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return payments.GatewayPayment{}, fmt.Errorf("%w: %w", apperr.ErrGatewayUnavailable, se)
		}
		return payments.GatewayPayment{FailureReason: se.reason}, fmt.Errorf("%w: %w", apperr.ErrGatewayRejected, se)
	}

	var gp payments.GatewayPayment
	if err := json.Unmarshal(respBody, &gp); err != nil {
		return payments.GatewayPayment{}, fmt.Errorf("%w: decode response: %w", apperr.ErrGatewayUnavailable, err)
	}
	return gp, nil
}
