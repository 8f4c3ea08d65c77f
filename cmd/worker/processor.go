package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/notify"
	"github.com/imrishuroy/plantbid/internal/payments"
)

// Reconciler is the payment operation the worker drives.
type Reconciler interface {
	Reconcile(ctx context.Context, ref string) (payments.Result, error)
}

// errStillPending makes SQS redeliver a message whose payment the gateway has
// not settled yet.
var errStillPending = errors.New("payment still pending at gateway")

// Processor handles reconcile messages from SQS.
type Processor struct {
	payments Reconciler
	log      *slog.Logger
}

// NewProcessor returns a Processor.
func NewProcessor(r Reconciler, log *slog.Logger) *Processor {
	return &Processor{payments: r, log: log}
}

// Handle processes a batch and reports the messages to retry. Poison messages
// and mismatches that need a human are dropped after logging; the DLQ would
// not help them.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.log.Warn("reconcile will be retried",
				"message_id", rec.MessageId,
				"kind", apperr.Kind(err),
				"error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg notify.ReconcileMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		p.log.Error("dropping malformed message", "message_id", rec.MessageId, "error", err)
		return nil
	}
	if msg.Type != notify.TypeReconcilePayment || msg.PaymentRef == "" {
		p.log.Warn("dropping unexpected message", "message_id", rec.MessageId, "type", msg.Type)
		return nil
	}

	res, err := p.payments.Reconcile(ctx, msg.PaymentRef)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrReconciliationMismatch):
		// already flagged for manual review by the service
		return nil
	case apperr.Retriable(err):
		return err
	default:
		p.log.Error("reconcile failed",
			"payment_ref", msg.PaymentRef,
			"kind", apperr.Kind(err),
			"error", err)
		return nil
	}

	p.log.Info("payment reconciled",
		"payment_ref", msg.PaymentRef,
		"reason", msg.Reason,
		"status", res.Status)
	if res.Status == payments.StatusPending {
		return fmt.Errorf("%s: %w", msg.PaymentRef, errStillPending)
	}
	return nil
}
