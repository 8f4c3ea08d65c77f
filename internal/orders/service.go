// Package orders keeps the order row in lockstep with its bid.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/bids"
)

// ErrStatusMismatch is returned by UpdateStatus when the stored status is not the expected one.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// Repository persists orders.
type Repository interface {
	// CreateOrder stores o unless an order with its id exists; the stored order is returned.
	CreateOrder(ctx context.Context, o Order) (Order, bool, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	// UpdateStatus conditionally moves the order from expected to next.
	UpdateStatus(ctx context.Context, id string, expected, next Status, at time.Time) error
}

// Service creates orders and follows bid transitions.
type Service struct {
	repo    Repository
	log     *slog.Logger
	nowFunc func() time.Time
}

// NewService returns a Service.
func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{repo: repo, log: log, nowFunc: time.Now}
}

// CreateFromBid creates the order of an accepted bid. It is idempotent.
func (s *Service) CreateFromBid(ctx context.Context, b bids.Bid, paymentRef string) (Order, error) {
	if b.Status != bids.StatusAccepted || b.Price == nil {
		return Order{}, fmt.Errorf("order for bid %s in %s: %w", b.ID, b.Status, apperr.ErrInvalidTransition)
	}
	now := s.nowFunc().UTC()
	product := b.SelectedProductRef
	if product == "" {
		product = b.ProductRef
	}
	o, created, err := s.repo.CreateOrder(ctx, Order{
		ID:             IDForBid(b.ID),
		BidID:          b.ID,
		ConversationID: b.ConversationID,
		BuyerID:        b.BuyerID,
		VendorID:       b.VendorID,
		ProductRef:     product,
		PaymentRef:     paymentRef,
		Price:          *b.Price,
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	if created {
		s.log.Info("order created", "order_id", o.ID, "bid_id", b.ID, "payment_ref", paymentRef)
	}
	return o, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	if o == nil {
		return Order{}, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return *o, nil
}

// steps lists the order moves that follow a bid status.
var steps = map[bids.Status][]struct{ from, to Status }{
	bids.StatusPaid:      {{StatusCreated, StatusPaid}},
	bids.StatusPreparing: {{StatusPaid, StatusPreparing}},
	bids.StatusShipped:   {{StatusPreparing, StatusShipped}},
	bids.StatusCompleted: {{StatusShipped, StatusDelivered}, {StatusDelivered, StatusCompleted}},
}

// BidTransitioned advances the bid's order. Bids without an order are ignored.
func (s *Service) BidTransitioned(ctx context.Context, b bids.Bid, from bids.Status) {
	id := IDForBid(b.ID)
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		s.log.Warn("order lookup failed", "order_id", id, "error", err)
		return
	}
	if o == nil {
		return
	}

	if b.Status == bids.StatusCancelled {
		s.advance(ctx, o.ID, o.Status, StatusCancelled)
		return
	}
	for _, st := range steps[b.Status] {
		s.advance(ctx, o.ID, st.from, st.to)
	}
}

func (s *Service) advance(ctx context.Context, id string, from, to Status) {
	if from == to {
		return
	}
	err := s.repo.UpdateStatus(ctx, id, from, to, s.nowFunc().UTC())
	if err == nil {
		s.log.Info("order advanced", "order_id", id, "from", from, "to", to)
		return
	}
	if errors.Is(err, ErrStatusMismatch) {
		// replayed transition
		if cur, getErr := s.repo.GetOrder(ctx, id); getErr == nil && cur != nil && cur.Status == to {
			return
		}
	}
	s.log.Warn("order advance failed", "order_id", id, "from", from, "to", to, "error", err)
}
