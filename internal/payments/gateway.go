package payments

import (
	"context"

	"github.com/shopspring/decimal"
)

// GatewayStatus is the payment state reported by the gateway.
type GatewayStatus string

const (
	GatewayDone     GatewayStatus = "DONE"
	GatewayWaiting  GatewayStatus = "WAITING"
	GatewayCanceled GatewayStatus = "CANCELED"
	GatewayAborted  GatewayStatus = "ABORTED"
	GatewayNotFound GatewayStatus = "NOT_FOUND"
)

// GatewayPayment is the gateway's view of a payment.
type GatewayPayment struct {
	Ref           string          `json:"orderId"`
	GatewayKey    string          `json:"paymentKey"`
	Status        GatewayStatus   `json:"status"`
	Amount        decimal.Decimal `json:"totalAmount"`
	FailureReason string          `json:"failureReason,omitempty"`
}

// ConfirmRequest asks the gateway to capture an authorised payment.
type ConfirmRequest struct {
	Ref        string
	GatewayKey string
	Amount     decimal.Decimal
}

// Gateway is the external payment provider. Every call carries Ref as its
// idempotency key. Network failures and timeouts wrap
// apperr.ErrGatewayUnavailable; declines wrap apperr.ErrGatewayRejected.
type Gateway interface {
	Confirm(ctx context.Context, req ConfirmRequest) (GatewayPayment, error)
	Cancel(ctx context.Context, ref, gatewayKey, reason string) (GatewayPayment, error)
	Lookup(ctx context.Context, ref string) (GatewayPayment, error)
	CheckoutURL(ref string, amount decimal.Decimal) string
}
