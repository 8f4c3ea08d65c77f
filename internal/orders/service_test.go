package orders_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/bids"
	"github.com/imrishuroy/plantbid/internal/orders"
	"github.com/imrishuroy/plantbid/internal/store/memory"
)

func newService() *orders.Service {
	return orders.NewService(memory.New().Orders(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func acceptedBid() bids.Bid {
	price := decimal.RequireFromString("32.00")
	return bids.Bid{
		ID:                 "bid-abc",
		ConversationID:     "conv-1",
		BuyerID:            "buyer-1",
		VendorID:           "vendor-1",
		ProductRef:         "fiddle leaf",
		SelectedProductRef: "fiddle-leaf-fig",
		Price:              &price,
		Status:             bids.StatusAccepted,
	}
}

func step(s *orders.Service, b bids.Bid, to bids.Status) bids.Bid {
	from := b.Status
	b.Status = to
	s.BidTransitioned(context.Background(), b, from)
	return b
}

func TestCreateFromBid(t *testing.T) {
	s := newService()
	ctx := context.Background()

	o, err := s.CreateFromBid(ctx, acceptedBid(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "order-abc", o.ID)
	assert.Equal(t, orders.StatusCreated, o.Status)
	assert.Equal(t, "fiddle-leaf-fig", o.ProductRef)
	assert.True(t, o.Price.Equal(decimal.RequireFromString("32")))

	again, err := s.CreateFromBid(ctx, acceptedBid(), "pay-2")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", again.PaymentRef, "existing order is returned")

	b := acceptedBid()
	b.Status = bids.StatusBidded
	_, err = s.CreateFromBid(ctx, b, "pay-3")
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = s.Get(ctx, "order-missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOrderFollowsBid(t *testing.T) {
	s := newService()
	ctx := context.Background()
	b := acceptedBid()
	_, err := s.CreateFromBid(ctx, b, "pay-1")
	require.NoError(t, err)

	tests := []struct {
		bid  bids.Status
		want orders.Status
	}{
		{bids.StatusPaid, orders.StatusPaid},
		{bids.StatusPreparing, orders.StatusPreparing},
		{bids.StatusShipped, orders.StatusShipped},
		{bids.StatusCompleted, orders.StatusCompleted},
	}
	for _, tt := range tests {
		b = step(s, b, tt.bid)
		o, err := s.Get(ctx, "order-abc")
		require.NoError(t, err)
		assert.Equal(t, tt.want, o.Status, "after bid %s", tt.bid)
	}
}

func TestReplayedTransitionIsTolerated(t *testing.T) {
	s := newService()
	ctx := context.Background()
	b := acceptedBid()
	_, err := s.CreateFromBid(ctx, b, "pay-1")
	require.NoError(t, err)

	paid := step(s, b, bids.StatusPaid)
	s.BidTransitioned(ctx, paid, bids.StatusAccepted)

	o, err := s.Get(ctx, "order-abc")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, o.Status)
}

func TestCancelledBidCancelsOrder(t *testing.T) {
	s := newService()
	ctx := context.Background()
	b := acceptedBid()
	_, err := s.CreateFromBid(ctx, b, "pay-1")
	require.NoError(t, err)

	b = step(s, b, bids.StatusPaid)
	step(s, b, bids.StatusCancelled)

	o, err := s.Get(ctx, "order-abc")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, o.Status)
}

func TestBidWithoutOrderIsIgnored(t *testing.T) {
	s := newService()
	b := acceptedBid()
	b.ID = "bid-other"
	step(s, b, bids.StatusPaid)

	_, err := s.Get(context.Background(), orders.IDForBid("bid-other"))
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
