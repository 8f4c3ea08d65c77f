// Package notify publishes committed bid and payment changes, and reconcile
// requests, to SQS.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/imrishuroy/plantbid/internal/bids"
	"github.com/imrishuroy/plantbid/internal/payments"
)

// Message types.
const (
	TypeBidTransitioned  = "bid.transitioned"
	TypePaymentChanged   = "payment.changed"
	TypeReconcilePayment = "payment.reconcile"
)

// Sender is satisfied by aws.Publisher.
type Sender interface {
	SendJSON(ctx context.Context, payload any, attributes map[string]string) error
}

// BidMessage announces a committed bid transition.
type BidMessage struct {
	Type           string      `json:"type"`
	BidID          string      `json:"bid_id"`
	ConversationID string      `json:"conversation_id"`
	VendorID       string      `json:"vendor_id"`
	From           bids.Status `json:"from"`
	To             bids.Status `json:"to"`
	Price          string      `json:"price,omitempty"`
	PaymentRef     string      `json:"payment_ref,omitempty"`
	Version        int64       `json:"version"`
	At             time.Time   `json:"at"`
}

// PaymentMessage announces a committed payment change.
type PaymentMessage struct {
	Type              string          `json:"type"`
	PaymentRef        string          `json:"payment_ref"`
	BidID             string          `json:"bid_id,omitempty"`
	Status            payments.Status `json:"status"`
	Amount            string          `json:"amount"`
	NeedsManualReview bool            `json:"needs_manual_review,omitempty"`
	FailureKind       string          `json:"failure_kind,omitempty"`
	Version           int64           `json:"version"`
	At                time.Time       `json:"at"`
}

// ReconcileMessage asks the worker to reconcile a payment.
type ReconcileMessage struct {
	Type       string    `json:"type"`
	PaymentRef string    `json:"payment_ref"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Dispatcher publishes state changes. Publishing is best effort: a lost
// message never undoes a committed change, so failures are only logged.
type Dispatcher struct {
	events Sender
	log    *slog.Logger
}

var (
	_ bids.Listener     = (*Dispatcher)(nil)
	_ payments.Listener = (*Dispatcher)(nil)
)

// NewDispatcher returns a Dispatcher sending to events.
func NewDispatcher(events Sender, log *slog.Logger) *Dispatcher {
	return &Dispatcher{events: events, log: log}
}

func (d *Dispatcher) BidTransitioned(ctx context.Context, b bids.Bid, from bids.Status) {
	msg := BidMessage{
		Type:           TypeBidTransitioned,
		BidID:          b.ID,
		ConversationID: b.ConversationID,
		VendorID:       b.VendorID,
		From:           from,
		To:             b.Status,
		PaymentRef:     b.PaymentRef,
		Version:        b.Version,
		At:             b.UpdatedAt,
	}
	if b.Price != nil {
		msg.Price = b.Price.String()
	}
	d.send(ctx, msg, map[string]string{
		"type":            msg.Type,
		"conversation_id": b.ConversationID,
		"status":          string(b.Status),
	})
}

func (d *Dispatcher) PaymentChanged(ctx context.Context, p payments.Payment) {
	msg := PaymentMessage{
		Type:              TypePaymentChanged,
		PaymentRef:        p.Ref,
		BidID:             p.BidID,
		Status:            p.Status,
		Amount:            p.Amount.String(),
		NeedsManualReview: p.NeedsManualReview,
		FailureKind:       p.FailureKind,
		Version:           p.Version,
		At:                p.UpdatedAt,
	}
	d.send(ctx, msg, map[string]string{
		"type":   msg.Type,
		"status": string(p.Status),
	})
}

func (d *Dispatcher) send(ctx context.Context, payload any, attrs map[string]string) {
	if err := d.events.SendJSON(ctx, payload, attrs); err != nil {
		d.log.Warn("publish notification failed", "type", attrs["type"], "error", err)
	}
}

// ReconcileQueue implements payments.Scheduler over the worker queue.
type ReconcileQueue struct {
	queue   Sender
	nowFunc func() time.Time
}

var _ payments.Scheduler = (*ReconcileQueue)(nil)

// NewReconcileQueue returns a ReconcileQueue.
func NewReconcileQueue(queue Sender) *ReconcileQueue {
	return &ReconcileQueue{queue: queue, nowFunc: time.Now}
}

func (q *ReconcileQueue) ScheduleReconcile(ctx context.Context, ref, reason string) error {
	return q.queue.SendJSON(ctx, ReconcileMessage{
		Type:       TypeReconcilePayment,
		PaymentRef: ref,
		Reason:     reason,
		At:         q.nowFunc().UTC(),
	}, map[string]string{"type": TypeReconcilePayment})
}
