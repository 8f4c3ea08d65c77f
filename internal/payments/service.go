// Package payments drives checkout against the external payment gateway and
// converges local payment, bid and order state with the gateway's state.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/bids"
	"github.com/imrishuroy/plantbid/internal/orders"
)

// BidMachine is the part of the bid state machine payments drive.
type BidMachine interface {
	Get(ctx context.Context, bidID string) (bids.Bid, error)
	Transition(ctx context.Context, bidID string, req bids.TransitionRequest) (bids.Bid, error)
}

// OrderCreator creates the order of an accepted bid.
type OrderCreator interface {
	CreateFromBid(ctx context.Context, b bids.Bid, paymentRef string) (orders.Order, error)
}

// Options tune retries and timeouts.
type Options struct {
	// GatewayTimeout bounds a single gateway call.
	GatewayTimeout time.Duration
	// MaxRetries is how often an unavailable gateway call is retried.
	MaxRetries int
	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration
	// ConflictRetries bounds re-reads after a lost version race.
	ConflictRetries int
	// StaleAfter is how long a pending payment unknown to the gateway is kept
	// before it is declared failed.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.GatewayTimeout <= 0 {
		o.GatewayTimeout = 10 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 200 * time.Millisecond
	}
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = 3
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Minute
	}
	return o
}

// errStatusMoved aborts a mutation whose precondition no longer holds; the
// caller re-dispatches on the fresh status. Statuses only move forward.
var errStatusMoved = errors.New("payment status moved")

// Service is the payment reconciliation service.
type Service struct {
	repo      Repository
	bids      BidMachine
	orders    OrderCreator
	gateway   Gateway
	scheduler Scheduler
	metrics   Recorder
	listeners []Listener
	events    EventDeduper
	log       *slog.Logger
	opts      Options
	nowFunc   func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewService returns a Service. scheduler and metrics may be nil.
func NewService(repo Repository, bm BidMachine, oc OrderCreator, gw Gateway, scheduler Scheduler, metrics Recorder, log *slog.Logger, opts Options) *Service {
	return &Service{
		repo:      repo,
		bids:      bm,
		orders:    oc,
		gateway:   gw,
		scheduler: scheduler,
		metrics:   metrics,
		log:       log,
		opts:      opts.withDefaults(),
		nowFunc:   time.Now,
		sleep:     sleepCtx,
	}
}

// Subscribe registers a listener for committed payment changes.
func (s *Service) Subscribe(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Get returns a payment by reference.
func (s *Service) Get(ctx context.Context, ref string) (Payment, error) {
	p, err := s.repo.GetPayment(ctx, ref)
	if err != nil {
		return Payment{}, fmt.Errorf("get payment: %w", err)
	}
	if p == nil {
		return Payment{}, fmt.Errorf("payment %s: %w", ref, apperr.ErrNotFound)
	}
	return *p, nil
}

var _ bids.PaymentChecker = (*Service)(nil)

// PaymentCaptured reports whether ref is the captured payment of bidID.
func (s *Service) PaymentCaptured(ctx context.Context, bidID, ref string) (bool, error) {
	p, err := s.repo.GetPayment(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("get payment: %w", err)
	}
	return p != nil && p.BidID == bidID && p.Status == StatusSuccess, nil
}

// Prepare creates the ready payment of an accepted bid. The charge amount is
// the bid's accepted price. Preparing the same bid again returns the same intent.
func (s *Service) Prepare(ctx context.Context, bidID string) (Intent, error) {
	b, err := s.bids.Get(ctx, bidID)
	if err != nil {
		return Intent{}, err
	}
	if b.Status != bids.StatusAccepted && b.Status != bids.StatusPaid {
		return Intent{}, fmt.Errorf("prepare payment for bid %s in %s: %w", b.ID, b.Status, apperr.ErrInvalidTransition)
	}
	if b.Price == nil || !b.Price.IsPositive() {
		return Intent{}, fmt.Errorf("bid %s has no accepted price: %w", b.ID, apperr.ErrInvalidTransition)
	}

	now := s.nowFunc().UTC()
	p, created, err := s.repo.CreatePayment(ctx, Payment{
		Ref:       "pay-" + uuid.NewString(),
		BuyerID:   b.BuyerID,
		BidID:     b.ID,
		OrderID:   orders.IDForBid(b.ID),
		Status:    StatusReady,
		Amount:    *b.Price,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Intent{}, fmt.Errorf("create payment: %w", err)
	}

	if b.Status == bids.StatusAccepted {
		if _, err := s.orders.CreateFromBid(ctx, b, p.Ref); err != nil {
			return Intent{}, err
		}
	}
	if created {
		s.log.Info("payment prepared",
			"payment_ref", p.Ref,
			"bid_id", b.ID,
			"amount", p.Amount.String())
		s.notify(ctx, p)
	}

	return Intent{
		PaymentRef:      p.Ref,
		Amount:          p.Amount,
		GatewayRedirect: s.gateway.CheckoutURL(p.Ref, p.Amount),
		OrderID:         p.OrderID,
	}, nil
}

// Confirm captures the payment at the gateway. A repeated confirm of a
// successful payment returns the stored result without calling the gateway.
// When the gateway outcome is unknown the payment stays pending and a
// reconciliation is scheduled.
func (s *Service) Confirm(ctx context.Context, ref, gatewayKey string, amount decimal.Decimal) (Result, error) {
	p, err := s.Get(ctx, ref)
	if err != nil {
		return Result{}, err
	}

	switch p.Status {
	case StatusSuccess:
		return resultOf(p), nil
	case StatusCancelled:
		return resultOf(p), fmt.Errorf("payment %s is cancelled: %w", ref, apperr.ErrInvalidTransition)
	case StatusFailed:
		return resultOf(p), fmt.Errorf("payment %s failed earlier (%s): %w", ref, p.FailureKind, apperr.ErrGatewayRejected)
	}
	if p.NeedsManualReview {
		return resultOf(p), fmt.Errorf("payment %s is under manual review: %w", ref, apperr.ErrReconciliationMismatch)
	}
	if p.CancelRequested {
		return resultOf(p), fmt.Errorf("payment %s has a queued cancel: %w", ref, apperr.ErrInvalidTransition)
	}
	if !amount.Equal(p.Amount) {
		return Result{}, fmt.Errorf("amount %s does not match prepared amount %s: %w", amount, p.Amount, apperr.ErrValidation)
	}
	if gatewayKey == "" {
		return Result{}, fmt.Errorf("missing gateway key: %w", apperr.ErrValidation)
	}
	if p.GatewayKey != "" && p.GatewayKey != gatewayKey {
		return Result{}, fmt.Errorf("gateway key differs from the pending confirm: %w", apperr.ErrValidation)
	}

	p, err = s.mutate(ctx, ref, func(cur *Payment) error {
		if cur.Status != StatusReady && cur.Status != StatusPending {
			return errStatusMoved
		}
		cur.Status = StatusPending
		cur.GatewayKey = gatewayKey
		cur.Attempts++
		return nil
	})
	if errors.Is(err, errStatusMoved) {
		return s.Confirm(ctx, ref, gatewayKey, amount)
	}
	if err != nil {
		return Result{}, err
	}

	gp, err := s.callGateway(ctx, "confirm", func(ctx context.Context) (GatewayPayment, error) {
		return s.gateway.Confirm(ctx, ConfirmRequest{Ref: ref, GatewayKey: gatewayKey, Amount: p.Amount})
	})
	switch {
	case err == nil && gp.Status == GatewayDone:
		return s.settleSuccess(ctx, ref, gp)

	case errors.Is(err, apperr.ErrGatewayRejected) || (err == nil && gp.Status == GatewayAborted):
		reason := gp.FailureReason
		if err != nil {
			reason = err.Error()
		}
		res, ferr := s.settleFailed(ctx, ref, apperr.KindGatewayRejected, reason)
		if ferr != nil {
			return res, ferr
		}
		return res, fmt.Errorf("confirm %s: %w", ref, apperr.ErrGatewayRejected)

	case err == nil:
		// accepted by the gateway but not captured yet
		return s.pendingResult(ctx, ref, "gateway status "+string(gp.Status))

	case errors.Is(err, apperr.ErrGatewayUnavailable):
		return s.pendingResult(ctx, ref, err.Error())

	default:
		return Result{}, fmt.Errorf("confirm %s: %w", ref, err)
	}
}

// Cancel cancels the payment. Cancelling a cancelled payment succeeds without
// calling the gateway. A cancel that arrives while a confirm is outstanding is
// queued for reconciliation. When the gateway cancel fails the payment is
// still cancelled locally and flagged for gateway reconciliation.
func (s *Service) Cancel(ctx context.Context, ref, reason string) (Result, error) {
	p, err := s.Get(ctx, ref)
	if err != nil {
		return Result{}, err
	}

	switch p.Status {
	case StatusCancelled:
		return resultOf(p), nil

	case StatusReady, StatusFailed:
		p, err = s.mutate(ctx, ref, func(cur *Payment) error {
			if cur.Status != StatusReady && cur.Status != StatusFailed {
				return errStatusMoved
			}
			s.markCancelled(cur, reason)
			return nil
		})
		if errors.Is(err, errStatusMoved) {
			return s.Cancel(ctx, ref, reason)
		}
		if err != nil {
			return Result{}, err
		}
		s.ensureBidCancelled(ctx, p.BidID, reason)
		s.notify(ctx, p)
		return resultOf(p), nil

	case StatusPending:
		p, err = s.mutate(ctx, ref, func(cur *Payment) error {
			if cur.Status != StatusPending {
				return errStatusMoved
			}
			cur.CancelRequested = true
			cur.CancelReason = reason
			return nil
		})
		if errors.Is(err, errStatusMoved) {
			return s.Cancel(ctx, ref, reason)
		}
		if err != nil {
			return Result{}, err
		}
		s.log.Info("cancel queued behind outstanding confirm", "payment_ref", ref)
		res := resultOf(p)
		res.ReconcileScheduled = s.schedule(ctx, ref, "cancel queued")
		return res, nil

	case StatusSuccess:
		if p.BidID != "" {
			b, err := s.bids.Get(ctx, p.BidID)
			if err != nil {
				return Result{}, err
			}
			if b.Status != bids.StatusAccepted && b.Status != bids.StatusPaid {
				return resultOf(p), fmt.Errorf("bid %s is %s, payment can no longer be cancelled: %w",
					b.ID, b.Status, apperr.ErrInvalidTransition)
			}
		}
		return s.cancelCaptured(ctx, ref, reason)
	}
	return Result{}, fmt.Errorf("payment %s in unknown status %q: %w", ref, p.Status, apperr.ErrInvalidTransition)
}

// cancelCaptured refunds a captured payment and cancels it locally. When the
// gateway cannot be reached the cancel is flagged for reconciliation; a refused
// refund goes to manual review.
func (s *Service) cancelCaptured(ctx context.Context, ref, reason string) (Result, error) {
	cur, err := s.Get(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	_, gwErr := s.callGateway(ctx, "cancel", func(ctx context.Context) (GatewayPayment, error) {
		return s.gateway.Cancel(ctx, ref, cur.GatewayKey, reason)
	})
	if errors.Is(gwErr, apperr.ErrGatewayRejected) {
		if s.metrics != nil {
			s.metrics.GatewayRejected(ctx)
		}
		return s.escalate(ctx, ref, fmt.Errorf("gateway refused refund: %w: %w", apperr.ErrReconciliationMismatch, gwErr))
	}
	if gwErr != nil {
		s.log.Warn("gateway cancel failed, flagging for reconciliation",
			"payment_ref", ref,
			"error", gwErr)
	}

	p, err := s.mutate(ctx, ref, func(p *Payment) error {
		if p.Status == StatusCancelled && !p.PendingGatewayReconciliation {
			return nil
		}
		s.markCancelled(p, reason)
		p.PendingGatewayReconciliation = gwErr != nil
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.ensureBidCancelled(ctx, p.BidID, reason)
	s.notify(ctx, p)

	res := resultOf(p)
	if p.PendingGatewayReconciliation {
		res.ReconcileScheduled = s.schedule(ctx, ref, "gateway cancel failed")
	}
	return res, nil
}

func (s *Service) markCancelled(p *Payment, reason string) {
	now := s.nowFunc().UTC()
	p.Status = StatusCancelled
	p.CancelRequested = false
	if reason != "" {
		p.CancelReason = reason
	}
	p.CancelledAt = &now
}

// settleSuccess commits a captured payment and replays the bid transition to
// paid. It is safe to call again after a crash between the two.
func (s *Service) settleSuccess(ctx context.Context, ref string, gp GatewayPayment) (Result, error) {
	replay := false
	p, err := s.mutate(ctx, ref, func(cur *Payment) error {
		switch cur.Status {
		case StatusSuccess:
			replay = true
			return nil
		case StatusReady, StatusPending:
		default:
			return fmt.Errorf("payment %s is %s but the gateway captured it: %w", ref, cur.Status, apperr.ErrReconciliationMismatch)
		}
		if !gp.Amount.IsZero() && !gp.Amount.Equal(cur.Amount) {
			return fmt.Errorf("gateway captured %s, expected %s: %w", gp.Amount, cur.Amount, apperr.ErrReconciliationMismatch)
		}
		now := s.nowFunc().UTC()
		cur.Status = StatusSuccess
		cur.ConfirmedAt = &now
		cur.FailureKind = ""
		cur.FailureReason = ""
		if cur.GatewayKey == "" {
			cur.GatewayKey = gp.GatewayKey
		}
		return nil
	})
	if errors.Is(err, apperr.ErrReconciliationMismatch) {
		return s.escalate(ctx, ref, err)
	}
	if err != nil {
		return Result{}, fmt.Errorf("commit payment success: %w", err)
	}
	if !replay {
		if s.metrics != nil {
			s.metrics.PaymentSucceeded(ctx)
		}
		s.log.Info("payment succeeded", "payment_ref", ref, "bid_id", p.BidID)
	}

	bidCancelled, err := s.ensureBidPaid(ctx, p)
	if errors.Is(err, apperr.ErrReconciliationMismatch) {
		return s.escalate(ctx, ref, err)
	}
	if err != nil {
		return resultOf(p), err
	}
	if !replay {
		s.notify(ctx, p)
	}

	if p.CancelRequested || bidCancelled {
		reason := p.CancelReason
		if reason == "" {
			reason = "bid cancelled before capture"
		}
		return s.cancelCaptured(ctx, ref, reason)
	}
	return resultOf(p), nil
}

// settleFailed marks the payment failed with a taxonomy kind. A queued cancel
// turns it into a cancellation since nothing was captured.
func (s *Service) settleFailed(ctx context.Context, ref, kind, reason string) (Result, error) {
	p, err := s.mutate(ctx, ref, func(cur *Payment) error {
		if cur.Status == StatusFailed || cur.Status == StatusCancelled {
			return nil
		}
		if cur.CancelRequested {
			s.markCancelled(cur, cur.CancelReason)
			return nil
		}
		cur.Status = StatusFailed
		cur.FailureKind = kind
		cur.FailureReason = reason
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if kind == apperr.KindGatewayRejected && s.metrics != nil {
		s.metrics.GatewayRejected(ctx)
	}
	s.log.Warn("payment not captured",
		"payment_ref", ref,
		"status", p.Status,
		"failure_kind", kind,
		"reason", reason)
	if p.Status == StatusCancelled {
		s.ensureBidCancelled(ctx, p.BidID, p.CancelReason)
	}
	s.notify(ctx, p)
	return resultOf(p), nil
}

func (s *Service) pendingResult(ctx context.Context, ref, reason string) (Result, error) {
	if s.metrics != nil {
		s.metrics.GatewayUnavailable(ctx)
	}
	s.log.Warn("payment outcome unknown, scheduling reconciliation",
		"payment_ref", ref,
		"reason", reason)
	p, err := s.Get(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	res := resultOf(p)
	res.ReconcileScheduled = s.schedule(ctx, ref, reason)
	return res, nil
}

// ensureBidPaid moves the bid to paid. It reports true when the bid was
// cancelled meanwhile and the captured money must be returned.
func (s *Service) ensureBidPaid(ctx context.Context, p Payment) (bool, error) {
	if p.BidID == "" {
		return false, nil
	}
	cancelled := false
	err := bids.RetryOnConflict(ctx, s.opts.ConflictRetries, func(ctx context.Context) error {
		b, err := s.bids.Get(ctx, p.BidID)
		if err != nil {
			return err
		}
		switch {
		case b.Status == bids.StatusAccepted:
			_, err = s.bids.Transition(ctx, b.ID, bids.TransitionRequest{
				Target:     bids.StatusPaid,
				Actor:      bids.ActorSystem,
				PaymentRef: p.Ref,
			})
			return staleRead(err)
		case b.Status == bids.StatusCancelled:
			cancelled = true
			return nil
		case b.Status == bids.StatusPaid || b.Status.PastAcceptance():
			return nil
		default:
			return fmt.Errorf("bid %s is %s while payment %s succeeded: %w",
				b.ID, b.Status, p.Ref, apperr.ErrReconciliationMismatch)
		}
	})
	return cancelled, err
}

// staleRead turns a refused transition into a conflict so the caller re-reads
// the bid; another writer may have moved it between our read and the write.
func staleRead(err error) error {
	if errors.Is(err, apperr.ErrInvalidTransition) {
		return fmt.Errorf("%w: %w", apperr.ErrConflict, err)
	}
	return err
}

func (s *Service) ensureBidCancelled(ctx context.Context, bidID, reason string) {
	if bidID == "" {
		return
	}
	err := bids.RetryOnConflict(ctx, s.opts.ConflictRetries, func(ctx context.Context) error {
		b, err := s.bids.Get(ctx, bidID)
		if err != nil {
			return err
		}
		if b.Status != bids.StatusAccepted && b.Status != bids.StatusPaid {
			return nil
		}
		_, err = s.bids.Transition(ctx, b.ID, bids.TransitionRequest{
			Target: bids.StatusCancelled,
			Actor:  bids.ActorSystem,
			Reason: reason,
		})
		return staleRead(err)
	})
	if err != nil {
		s.log.Error("cancel bid after payment cancel failed", "bid_id", bidID, "error", err)
	}
}

// mutate re-reads the payment, applies fn and writes it with a version check,
// retrying lost races.
func (s *Service) mutate(ctx context.Context, ref string, fn func(p *Payment) error) (Payment, error) {
	var out Payment
	err := bids.RetryOnConflict(ctx, s.opts.ConflictRetries, func(ctx context.Context) error {
		cur, err := s.Get(ctx, ref)
		if err != nil {
			return err
		}
		before := cur
		if err := fn(&cur); err != nil {
			return err
		}
		if equalState(before, cur) {
			out = cur
			return nil
		}
		cur.Version = before.Version + 1
		cur.UpdatedAt = s.nowFunc().UTC()
		if err := s.repo.UpdatePayment(ctx, cur, before.Version); err != nil {
			return err
		}
		out = cur
		return nil
	})
	return out, err
}

func equalState(a, b Payment) bool {
	return a.Status == b.Status &&
		a.GatewayKey == b.GatewayKey &&
		a.CancelRequested == b.CancelRequested &&
		a.CancelReason == b.CancelReason &&
		a.PendingGatewayReconciliation == b.PendingGatewayReconciliation &&
		a.NeedsManualReview == b.NeedsManualReview &&
		a.FailureKind == b.FailureKind &&
		a.FailureReason == b.FailureReason &&
		a.Attempts == b.Attempts
}

func (s *Service) schedule(ctx context.Context, ref, reason string) bool {
	if s.scheduler == nil {
		return false
	}
	if err := s.scheduler.ScheduleReconcile(ctx, ref, reason); err != nil {
		// the sweep still finds the payment by its flags
		s.log.Warn("schedule reconciliation failed", "payment_ref", ref, "error", err)
		return false
	}
	return true
}

func (s *Service) notify(ctx context.Context, p Payment) {
	for _, l := range s.listeners {
		l.PaymentChanged(ctx, p)
	}
}
