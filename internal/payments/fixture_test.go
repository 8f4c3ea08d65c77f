package payments_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/plantbid/internal/bids"
	"github.com/imrishuroy/plantbid/internal/ledger"
	"github.com/imrishuroy/plantbid/internal/orders"
	"github.com/imrishuroy/plantbid/internal/payments"
	"github.com/imrishuroy/plantbid/internal/store/memory"
)

// fakeGateway keeps the gateway's view of every payment it has seen.
type fakeGateway struct {
	mu sync.Mutex

	confirmErrs   []error // consumed one per Confirm call
	confirmStatus payments.GatewayStatus
	cancelErr     error
	lookupErr     error
	block         bool // Confirm waits for its context

	remote   map[string]payments.GatewayPayment
	confirms int
	cancels  int
	lookups  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{confirmStatus: payments.GatewayDone, remote: map[string]payments.GatewayPayment{}}
}

func (g *fakeGateway) Confirm(ctx context.Context, req payments.ConfirmRequest) (payments.GatewayPayment, error) {
	g.mu.Lock()
	g.confirms++
	block := g.block
	var err error
	if len(g.confirmErrs) > 0 {
		err, g.confirmErrs = g.confirmErrs[0], g.confirmErrs[1:]
	}
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return payments.GatewayPayment{}, ctx.Err()
	}
	if err != nil {
		return payments.GatewayPayment{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	gp := payments.GatewayPayment{Ref: req.Ref, GatewayKey: req.GatewayKey, Status: g.confirmStatus, Amount: req.Amount}
	g.remote[req.Ref] = gp
	return gp, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, ref, gatewayKey, reason string) (payments.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels++
	if g.cancelErr != nil {
		return payments.GatewayPayment{}, g.cancelErr
	}
	gp := g.remote[ref]
	gp.Ref = ref
	gp.Status = payments.GatewayCanceled
	g.remote[ref] = gp
	return gp, nil
}

func (g *fakeGateway) Lookup(ctx context.Context, ref string) (payments.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups++
	if g.lookupErr != nil {
		return payments.GatewayPayment{}, g.lookupErr
	}
	gp, ok := g.remote[ref]
	if !ok {
		return payments.GatewayPayment{Ref: ref, Status: payments.GatewayNotFound}, nil
	}
	return gp, nil
}

func (g *fakeGateway) CheckoutURL(ref string, amount decimal.Decimal) string {
	return "https://pay.test/checkout?orderId=" + ref + "&amount=" + amount.String()
}

func (g *fakeGateway) setRemote(ref string, status payments.GatewayStatus, amount string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remote[ref] = payments.GatewayPayment{
		Ref:        ref,
		GatewayKey: "gk-remote",
		Status:     status,
		Amount:     decimal.RequireFromString(amount),
	}
}

func (g *fakeGateway) counts() (confirms, cancels, lookups int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.confirms, g.cancels, g.lookups
}

type fakeScheduler struct {
	mu   sync.Mutex
	refs []string
}

func (s *fakeScheduler) ScheduleReconcile(ctx context.Context, ref, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = append(s.refs, ref)
	return nil
}

type fakeRecorder struct {
	mu                                        sync.Mutex
	unavailable, rejected, mismatch, succeeded int
}

func (r *fakeRecorder) GatewayUnavailable(ctx context.Context) {
	r.mu.Lock()
	r.unavailable++
	r.mu.Unlock()
}

func (r *fakeRecorder) GatewayRejected(ctx context.Context) {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
}

func (r *fakeRecorder) ReconciliationMismatch(ctx context.Context) {
	r.mu.Lock()
	r.mismatch++
	r.mu.Unlock()
}

func (r *fakeRecorder) PaymentSucceeded(ctx context.Context) {
	r.mu.Lock()
	r.succeeded++
	r.mu.Unlock()
}

type fixture struct {
	db     *memory.DB
	ledger *ledger.Ledger
	bids   *bids.Machine
	orders *orders.Service
	gw     *fakeGateway
	sched  *fakeScheduler
	rec    *fakeRecorder
	svc    *payments.Service
	log    *slog.Logger
}

func newFixture(t *testing.T, opts payments.Options) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := memory.New()
	l := ledger.New(db.Ledger(), log)
	m := bids.NewMachine(db.Bids(), l, log)
	ords := orders.NewService(db.Orders(), log)
	m.Subscribe(ords)

	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Millisecond
	}
	if opts.GatewayTimeout == 0 {
		opts.GatewayTimeout = 20 * time.Millisecond
	}
	f := &fixture{
		db:     db,
		ledger: l,
		bids:   m,
		orders: ords,
		gw:     newFakeGateway(),
		sched:  &fakeScheduler{},
		rec:    &fakeRecorder{},
		log:    log,
	}
	f.svc = payments.NewService(db.Payments(), m, ords, f.gw, f.sched, f.rec, log, opts)
	f.svc.SetEventDeduper(db.Claims())
	m.SetPaymentChecker(f.svc)
	return f
}

// bid walks a fresh bid of vendorID up to status through the lifecycle.
func (f *fixture) bid(t *testing.T, conversationID, vendorID, price string, upTo bids.Status) bids.Bid {
	t.Helper()
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, conversationID, "buyer-1")
	require.NoError(t, err)
	p := decimal.RequireFromString(price)
	_, err = f.ledger.Append(ctx, conversationID, ledger.Event{
		Role:     ledger.RoleVendor,
		VendorID: vendorID,
		Content:  "final offer",
		Offer:    &ledger.Offer{ProductRef: "monstera", Price: &p},
	})
	require.NoError(t, err)

	b, err := f.bids.Create(ctx, conversationID, vendorID, "monstera")
	require.NoError(t, err)

	steps := []struct {
		to    bids.Status
		actor bids.Actor
	}{
		{bids.StatusReviewing, bids.ActorVendor},
		{bids.StatusBidded, bids.ActorVendor},
		{bids.StatusAccepted, bids.ActorBuyer},
	}
	for _, s := range steps {
		if b.Status == upTo {
			break
		}
		b, err = f.bids.Transition(ctx, b.ID, bids.TransitionRequest{Target: s.to, Actor: s.actor})
		require.NoError(t, err)
	}
	return b
}

// prepared returns the ready payment of a fresh accepted bid.
func (f *fixture) prepared(t *testing.T, conversationID string) (bids.Bid, payments.Intent) {
	t.Helper()
	b := f.bid(t, conversationID, "vendor-1", "49.90", bids.StatusAccepted)
	intent, err := f.svc.Prepare(context.Background(), b.ID)
	require.NoError(t, err)
	return b, intent
}

// pending returns a payment whose confirm never got an answer.
func (f *fixture) pending(t *testing.T, conversationID string) (bids.Bid, payments.Intent) {
	t.Helper()
	b, intent := f.prepared(t, conversationID)
	f.gw.mu.Lock()
	f.gw.block = true
	f.gw.mu.Unlock()
	defer func() {
		f.gw.mu.Lock()
		f.gw.block = false
		f.gw.mu.Unlock()
	}()

	res, err := f.svc.Confirm(context.Background(), intent.PaymentRef, "gk-1", intent.Amount)
	require.NoError(t, err)
	require.Equal(t, payments.StatusPending, res.Status)
	return b, intent
}

func (f *fixture) payment(t *testing.T, ref string) payments.Payment {
	t.Helper()
	p, err := f.svc.Get(context.Background(), ref)
	require.NoError(t, err)
	return p
}

func (f *fixture) bidStatus(t *testing.T, id string) bids.Status {
	t.Helper()
	b, err := f.bids.Get(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}
