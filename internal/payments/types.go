package payments

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the local state of a payment.
type Status string

const (
	StatusReady     Status = "ready"
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Payment is created at checkout and only changed by the Service. Ref doubles
// as the idempotency key of every gateway call.
type Payment struct {
	Ref                          string          `json:"paymentRef"`
	BuyerID                      string          `json:"buyerId"`
	BidID                        string          `json:"bidId,omitempty"`
	OrderID                      string          `json:"orderId,omitempty"`
	Status                       Status          `json:"status"`
	GatewayKey                   string          `json:"gatewayKey,omitempty"`
	Amount                       decimal.Decimal `json:"amount"`
	CancelRequested              bool            `json:"cancelRequested"`
	CancelReason                 string          `json:"cancelReason,omitempty"`
	PendingGatewayReconciliation bool            `json:"pendingGatewayReconciliation"`
	NeedsManualReview            bool            `json:"needsManualReview"`
	FailureKind                  string          `json:"failureKind,omitempty"`
	FailureReason                string          `json:"failureReason,omitempty"`
	Attempts                     int             `json:"attempts"`
	Version                      int64           `json:"version"`
	CreatedAt                    time.Time       `json:"createdAt"`
	UpdatedAt                    time.Time       `json:"updatedAt"`
	ConfirmedAt                  *time.Time      `json:"confirmedAt,omitempty"`
	CancelledAt                  *time.Time      `json:"cancelledAt,omitempty"`
}

// NeedsReconcile reports whether the sweep should look at p.
func (p Payment) NeedsReconcile() bool {
	if p.NeedsManualReview {
		return false
	}
	return p.Status == StatusPending || p.CancelRequested || p.PendingGatewayReconciliation
}

// Intent is what checkout needs to send the buyer to the gateway.
type Intent struct {
	PaymentRef      string          `json:"paymentRef"`
	Amount          decimal.Decimal `json:"amount"`
	GatewayRedirect string          `json:"gatewayRedirect"`
	OrderID         string          `json:"orderId,omitempty"`
}

// Result is returned by confirm, cancel and reconcile.
type Result struct {
	PaymentRef                   string          `json:"paymentRef"`
	Status                       Status          `json:"status"`
	Amount                       decimal.Decimal `json:"amount"`
	CancelQueued                 bool            `json:"cancelQueued,omitempty"`
	PendingGatewayReconciliation bool            `json:"pendingGatewayReconciliation,omitempty"`
	ReconcileScheduled           bool            `json:"reconcileScheduled,omitempty"`
	FailureKind                  string          `json:"failureKind,omitempty"`
}

func resultOf(p Payment) Result {
	return Result{
		PaymentRef:                   p.Ref,
		Status:                       p.Status,
		Amount:                       p.Amount,
		CancelQueued:                 p.CancelRequested,
		PendingGatewayReconciliation: p.PendingGatewayReconciliation,
		FailureKind:                  p.FailureKind,
	}
}

// Repository persists payments.
type Repository interface {
	// CreatePayment stores p unless its bid already has a payment, in which
	// case the existing payment is returned with created=false.
	CreatePayment(ctx context.Context, p Payment) (stored Payment, created bool, err error)
	GetPayment(ctx context.Context, ref string) (*Payment, error)
	// UpdatePayment writes next if the stored version equals expectedVersion,
	// otherwise it returns an error wrapping apperr.ErrConflict.
	UpdatePayment(ctx context.Context, next Payment, expectedVersion int64) error
	ListReconcilable(ctx context.Context, limit int) ([]Payment, error)
}

// Scheduler enqueues a reconciliation of ref.
type Scheduler interface {
	ScheduleReconcile(ctx context.Context, ref, reason string) error
}

// Listener observes committed payment changes.
type Listener interface {
	PaymentChanged(ctx context.Context, p Payment)
}

// Recorder receives payment outcome counters.
type Recorder interface {
	GatewayUnavailable(ctx context.Context)
	GatewayRejected(ctx context.Context)
	ReconciliationMismatch(ctx context.Context)
	PaymentSucceeded(ctx context.Context)
}
