package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/imrishuroy/plantbid/internal/apperr"
)

// Reconcile converges the local payment with the gateway's state. It is safe
// to run any number of times and concurrently with Confirm and Cancel, since
// every write is version checked. Disagreements that cannot be resolved
// automatically flag the payment for manual review and return
// apperr.ErrReconciliationMismatch.
func (s *Service) Reconcile(ctx context.Context, ref string) (Result, error) {
	p, err := s.Get(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if p.NeedsManualReview {
		return resultOf(p), nil
	}

	gp, err := s.callGateway(ctx, "lookup", func(ctx context.Context) (GatewayPayment, error) {
		return s.gateway.Lookup(ctx, ref)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrGatewayUnavailable) && s.metrics != nil {
			s.metrics.GatewayUnavailable(ctx)
		}
		return resultOf(p), fmt.Errorf("reconcile %s: %w", ref, err)
	}

	s.log.Info("reconciling payment",
		"payment_ref", ref,
		"local_status", p.Status,
		"gateway_status", gp.Status)

	switch p.Status {
	case StatusPending:
		return s.reconcilePending(ctx, p, gp)

	case StatusReady:
		switch gp.Status {
		case GatewayDone:
			return s.settleSuccess(ctx, ref, gp)
		case GatewayCanceled:
			return s.settleCancelled(ctx, ref, "cancelled at gateway")
		}
		return resultOf(p), nil

	case StatusSuccess:
		switch gp.Status {
		case GatewayDone:
			// replays the bid transition and any queued cancel
			return s.settleSuccess(ctx, ref, gp)
		default:
			return s.escalate(ctx, ref, fmt.Errorf("local success, gateway %s: %w", gp.Status, apperr.ErrReconciliationMismatch))
		}

	case StatusCancelled:
		if p.PendingGatewayReconciliation {
			if gp.Status == GatewayDone {
				return s.cancelCaptured(ctx, ref, p.CancelReason)
			}
			p, err = s.mutate(ctx, ref, func(cur *Payment) error {
				cur.PendingGatewayReconciliation = false
				return nil
			})
			if err != nil {
				return Result{}, err
			}
			s.notify(ctx, p)
			return resultOf(p), nil
		}
		if gp.Status == GatewayDone {
			return s.escalate(ctx, ref, fmt.Errorf("local cancelled, gateway captured: %w", apperr.ErrReconciliationMismatch))
		}
		return resultOf(p), nil

	case StatusFailed:
		if gp.Status == GatewayDone {
			return s.escalate(ctx, ref, fmt.Errorf("local failed, gateway captured: %w", apperr.ErrReconciliationMismatch))
		}
		return resultOf(p), nil
	}
	return resultOf(p), nil
}

func (s *Service) reconcilePending(ctx context.Context, p Payment, gp GatewayPayment) (Result, error) {
	switch gp.Status {
	case GatewayDone:
		return s.settleSuccess(ctx, p.Ref, gp)

	case GatewayAborted:
		return s.settleFailed(ctx, p.Ref, apperr.KindGatewayRejected, gp.FailureReason)

	case GatewayCanceled:
		return s.settleCancelled(ctx, p.Ref, "cancelled at gateway")

	case GatewayWaiting:
		if !p.CancelRequested {
			return resultOf(p), nil
		}
		_, err := s.callGateway(ctx, "cancel", func(ctx context.Context) (GatewayPayment, error) {
			return s.gateway.Cancel(ctx, p.Ref, p.GatewayKey, p.CancelReason)
		})
		if err != nil {
			return resultOf(p), fmt.Errorf("cancel waiting payment %s: %w", p.Ref, err)
		}
		return s.settleCancelled(ctx, p.Ref, p.CancelReason)

	case GatewayNotFound:
		if s.nowFunc().Sub(p.UpdatedAt) < s.opts.StaleAfter {
			return resultOf(p), nil
		}
		if p.CancelRequested {
			return s.settleCancelled(ctx, p.Ref, p.CancelReason)
		}
		return s.settleFailed(ctx, p.Ref, apperr.KindGatewayUnavailable, "confirm never reached the gateway")
	}
	return resultOf(p), nil
}

// settleCancelled cancels a payment the gateway never captured.
func (s *Service) settleCancelled(ctx context.Context, ref, reason string) (Result, error) {
	p, err := s.mutate(ctx, ref, func(cur *Payment) error {
		if cur.Status == StatusCancelled {
			return nil
		}
		if cur.Status == StatusSuccess {
			return errStatusMoved
		}
		s.markCancelled(cur, reason)
		return nil
	})
	if errors.Is(err, errStatusMoved) {
		// captured meanwhile
		return s.Reconcile(ctx, ref)
	}
	if err != nil {
		return Result{}, err
	}
	s.ensureBidCancelled(ctx, p.BidID, p.CancelReason)
	s.notify(ctx, p)
	return resultOf(p), nil
}

// escalate flags the payment for manual review. Nothing else is changed.
func (s *Service) escalate(ctx context.Context, ref string, cause error) (Result, error) {
	p, err := s.mutate(ctx, ref, func(cur *Payment) error {
		cur.NeedsManualReview = true
		cur.FailureKind = apperr.KindReconciliationMismatch
		cur.FailureReason = cause.Error()
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if s.metrics != nil {
		s.metrics.ReconciliationMismatch(ctx)
	}
	s.log.Error("payment needs manual review",
		"payment_ref", ref,
		"status", p.Status,
		"error", cause)
	s.notify(ctx, p)
	return resultOf(p), cause
}
