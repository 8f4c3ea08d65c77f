package dynamo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/bids"
	"github.com/imrishuroy/plantbid/internal/idempotency"
	"github.com/imrishuroy/plantbid/internal/ledger"
	"github.com/imrishuroy/plantbid/internal/orders"
	"github.com/imrishuroy/plantbid/internal/payments"
)

func newTestDB() (*DB, *tableMock) {
	mock := newTableMock()
	return New(mock, testTables(), idempotency.NewStore(mock, "idempotency", time.Hour)), mock
}

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func openConversation(t *testing.T, db *DB, id string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := db.Ledger().CreateConversation(context.Background(), ledger.Conversation{
		ID: id, BuyerID: "buyer-1", Status: ledger.ConversationActive, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
}

func TestCreateConversationReturnsExisting(t *testing.T) {
	db, _ := newTestDB()
	ctx := context.Background()
	openConversation(t, db, "c1")

	got, err := db.Ledger().CreateConversation(ctx, ledger.Conversation{ID: "c1", BuyerID: "someone-else"})
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", got.BuyerID)
}

func TestAppendEventSequenceCondition(t *testing.T) {
	db, _ := newTestDB()
	ctx := context.Background()
	repo := db.Ledger()
	openConversation(t, db, "c1")

	ev := ledger.Event{
		ID: "e1", ConversationID: "c1", Seq: 1, Role: ledger.RoleVendor, VendorID: "v1",
		Offer:     &ledger.Offer{ProductRef: "monstera", Price: price("15000.50")},
		Kind:      ledger.KindOfferFinal,
		Timestamp: time.Now().UTC(),
	}
	slot := ledger.Slot{ConversationID: "c1", Name: "vendor:v1/offer", Kind: ledger.KindOfferFinal, Key: "k1", Seq: 1}
	require.NoError(t, repo.AppendEvent(ctx, ev, slot, 0))

	// a writer that read last_seq=0 too must lose
	ev2 := ev
	ev2.ID = "e2"
	err := repo.AppendEvent(ctx, ev2, slot, 0)
	assert.ErrorIs(t, err, ledger.ErrSequenceConflict)

	conv, err := repo.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.LastSeq)

	got, err := repo.GetSlot(ctx, "c1", "vendor:v1/offer")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "k1", got.Key)

	events, err := repo.ListEvents(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
	assert.True(t, events[0].Offer.Price.Equal(decimal.RequireFromString("15000.50")))
}

func TestLedgerOverDynamoRejectsDuplicates(t *testing.T) {
	db, _ := newTestDB()
	ctx := context.Background()
	l := ledger.New(db.Ledger(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := l.Open(ctx, "c1", "buyer-1")
	require.NoError(t, err)

	offer := ledger.Event{Role: ledger.RoleVendor, VendorID: "v1", Content: "for you",
		Offer: &ledger.Offer{ProductRef: "ficus", Price: price("30000")}}
	_, err = l.Append(ctx, "c1", offer)
	require.NoError(t, err)
	_, err = l.Append(ctx, "c1", offer)
	assert.ErrorIs(t, err, apperr.ErrDuplicateRejected)

	for i := 0; i < 12; i++ {
		_, err := l.Append(ctx, "c1", ledger.Event{Role: ledger.RoleBuyer, Content: string(rune('a' + i))})
		require.NoError(t, err)
	}
	events, err := l.Read(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 13)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestCompleteConversation(t *testing.T) {
	db, _ := newTestDB()
	ctx := context.Background()
	openConversation(t, db, "c1")
	require.NoError(t, db.Ledger().CompleteConversation(ctx, "c1", time.Now()))
	require.NoError(t, db.Ledger().CompleteConversation(ctx, "missing", time.Now()))

	conv, err := db.Ledger().GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ledger.ConversationCompleted, conv.Status)
}

func newBid(id, vendor string) bids.Bid {
	now := time.Now().UTC()
	return bids.Bid{
		ID: id, ConversationID: "c1", BuyerID: "buyer-1", VendorID: vendor, ProductRef: "monstera",
		Status: bids.StatusBidded, Price: price("15000"), Version: 1, CreatedAt: now, UpdatedAt: now,
	}
}

func accept(b bids.Bid) (bids.Bid, bids.HistoryEntry) {
	next := b
	next.Status = bids.StatusAccepted
	next.Version = b.Version + 1
	return next, bids.HistoryEntry{BidID: b.ID, Version: next.Version, From: b.Status, To: next.Status, Actor: bids.ActorBuyer, At: time.Now()}
}

func TestBidCreateGetAndList(t *testing.T) {
	db, _ := newTestDB()
	ctx := context.Background()
	repo := db.Bids()

	_, created, err := repo.CreateBid(ctx, newBid("b1", "v1"))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := repo.CreateBid(ctx, newBid("b1", "other"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "v1", again.VendorID)

	_, _, err = repo.CreateBid(ctx, newBid("b2", "v2"))
	require.NoError(t, err)

	got, err := repo.GetBid(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("15000")))

	list, err := repo.ListByConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	missing, err := repo.GetBid(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateBidVersionAndAcceptanceClaim(t *testing.T) {
	db, _ := newTestDB()
	ctx := context.Background()
	repo := db.Bids()
	openConversation(t, db, "c1")

	b1, b2 := newBid("b1", "v1"), newBid("b2", "v2")
	for _, b := range []bids.Bid{b1, b2} {
		_, _, err := repo.CreateBid(ctx, b)
		require.NoError(t, err)
	}

	next1, entry1 := accept(b1)
	require.NoError(t, repo.UpdateBid(ctx, next1, 1, entry1, bids.ClaimAcquire))

	// stale version
	err := repo.UpdateBid(ctx, next1, 1, entry1, bids.ClaimNone)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// acceptance already held by b1
	next2, entry2 := accept(b2)
	err = repo.UpdateBid(ctx, next2, 1, entry2, bids.ClaimAcquire)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	stored, err := repo.GetBid(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, bids.StatusBidded, stored.Status)

	// releasing b1 frees the claim
	cancelled := next1
	cancelled.Status = bids.StatusCancelled
	cancelled.Version = 3
	require.NoError(t, repo.UpdateBid(ctx, cancelled, 2, bids.HistoryEntry{
		BidID: "b1", Version: 3, From: bids.StatusAccepted, To: bids.StatusCancelled, Actor: bids.ActorBuyer,
	}, bids.ClaimRelease))

	require.NoError(t, repo.UpdateBid(ctx, next2, 1, entry2, bids.ClaimAcquire))
	conv, err := db.Ledger().GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "b2", conv.AcceptedBidID)

	hist, err := repo.History(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, bids.StatusAccepted, hist[0].To)
	assert.Equal(t, bids.StatusCancelled, hist[1].To)
}

func newPayment(ref, bidID string) payments.Payment {
	now := time.Now().UTC()
	return payments.Payment{
		Ref: ref, BuyerID: "buyer-1", BidID: bidID, Status: payments.StatusReady,
		Amount: decimal.RequireFromString("15000"), Version: 1, CreatedAt: now, UpdatedAt: now,
	}
}

func TestCreatePaymentOnePerBid(t *testing.T) {
	db, _ := newTestDB()
	ctx := context.Background()
	repo := db.Payments()

	first, created, err := repo.CreatePayment(ctx, newPayment("pay-1", "b1"))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.CreatePayment(ctx, newPayment("pay-2", "b1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Ref, second.Ref)

	missing, err := repo.GetPayment(ctx, "pay-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdatePaymentVersionAndReconcileIndex(t *testing.T) {
	db, _ := newTestDB()
	ctx := context.Background()
	repo := db.Payments()

	_, _, err := repo.CreatePayment(ctx, newPayment("pay-1", "b1"))
	require.NoError(t, err)
	_, _, err = repo.CreatePayment(ctx, newPayment("pay-2", "b2"))
	require.NoError(t, err)

	list, err := repo.ListReconcilable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	p, err := repo.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	next := *p
	next.Status = payments.StatusPending
	next.Version = 2
	require.NoError(t, repo.UpdatePayment(ctx, next, 1))

	err = repo.UpdatePayment(ctx, next, 1)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	list, err = repo.ListReconcilable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pay-1", list[0].Ref)
	assert.True(t, list[0].Amount.Equal(decimal.RequireFromString("15000")))

	// settling drops it from the index
	next.Status = payments.StatusSuccess
	next.Version = 3
	require.NoError(t, repo.UpdatePayment(ctx, next, 2))
	list, err = repo.ListReconcilable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOrderStatusCondition(t *testing.T) {
	db, _ := newTestDB()
	ctx := context.Background()
	repo := db.Orders()

	o := orders.Order{ID: "order-1", BidID: "b1", Price: decimal.RequireFromString("15000"), Status: orders.StatusCreated}
	_, created, err := repo.CreateOrder(ctx, o)
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = repo.CreateOrder(ctx, o)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, repo.UpdateStatus(ctx, "order-1", orders.StatusCreated, orders.StatusPaid, time.Now()))
	err = repo.UpdateStatus(ctx, "order-1", orders.StatusCreated, orders.StatusPaid, time.Now())
	assert.True(t, errors.Is(err, orders.ErrStatusMismatch))

	got, err := repo.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, got.Status)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("15000")))
}
