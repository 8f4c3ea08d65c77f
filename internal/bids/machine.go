// Package bids owns the lifecycle of a vendor bid. Transitions are guarded,
// committed with an optimistic version check and mirrored into the
// conversation ledger.
package bids

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/ledger"
	"github.com/imrishuroy/plantbid/internal/projection"
)

// Repository persists bids and their history.
//
// UpdateBid writes next only if the stored version equals expectedVersion and
// the claim on the conversation's acceptance marker holds; otherwise it
// returns an error wrapping apperr.ErrConflict. The history entry is written
// in the same atomic step.
type Repository interface {
	CreateBid(ctx context.Context, b Bid) (Bid, bool, error)
	GetBid(ctx context.Context, id string) (*Bid, error)
	ListByConversation(ctx context.Context, conversationID string) ([]Bid, error)
	UpdateBid(ctx context.Context, next Bid, expectedVersion int64, entry HistoryEntry, claim Claim) error
	History(ctx context.Context, bidID string) ([]HistoryEntry, error)
}

// Ledger is the part of the event ledger the machine uses.
type Ledger interface {
	Get(ctx context.Context, conversationID string) (*ledger.Conversation, error)
	Append(ctx context.Context, conversationID string, ev ledger.Event) (ledger.Event, error)
	Read(ctx context.Context, conversationID string) ([]ledger.Event, error)
	Complete(ctx context.Context, conversationID string) error
}

// Listener observes committed transitions.
type Listener interface {
	BidTransitioned(ctx context.Context, b Bid, from Status)
}

// PaymentChecker reports whether paymentRef is a captured payment of bidID.
// A refunded or cancelled payment is not captured.
type PaymentChecker interface {
	PaymentCaptured(ctx context.Context, bidID, paymentRef string) (bool, error)
}

// ConflictRecorder is notified when a version check loses a race.
type ConflictRecorder interface {
	BidConflict(ctx context.Context)
}

// Machine is the bid state machine.
type Machine struct {
	repo      Repository
	ledger    Ledger
	log       *slog.Logger
	listeners []Listener
	conflicts ConflictRecorder
	payments  PaymentChecker
	nowFunc   func() time.Time
}

// NewMachine returns a Machine.
func NewMachine(repo Repository, l Ledger, log *slog.Logger) *Machine {
	return &Machine{
		repo:    repo,
		ledger:  l,
		log:     log,
		nowFunc: time.Now,
	}
}

// Subscribe registers a listener for committed transitions.
func (m *Machine) Subscribe(l Listener) {
	m.listeners = append(m.listeners, l)
}

// SetConflictRecorder reports version races to r.
func (m *Machine) SetConflictRecorder(r ConflictRecorder) {
	m.conflicts = r
}

// SetPaymentChecker installs the check behind the paid and paid->cancelled
// moves. Without one a bid cannot be marked paid.
func (m *Machine) SetPaymentChecker(c PaymentChecker) {
	m.payments = c
}

// Create opens a pending bid for vendorID once the buyer's request reaches it.
// Creating a bid that already exists returns the stored one.
func (m *Machine) Create(ctx context.Context, conversationID, vendorID, productRef string) (Bid, error) {
	if conversationID == "" || vendorID == "" {
		return Bid{}, fmt.Errorf("create bid: %w", apperr.ErrValidation)
	}
	conv, err := m.ledger.Get(ctx, conversationID)
	if err != nil {
		return Bid{}, err
	}
	if conv.Status != ledger.ConversationActive {
		return Bid{}, fmt.Errorf("conversation %s is %s: %w", conversationID, conv.Status, apperr.ErrInvalidTransition)
	}

	now := m.nowFunc().UTC()
	b := Bid{
		ID:             IDFor(conversationID, vendorID),
		ConversationID: conversationID,
		BuyerID:        conv.BuyerID,
		VendorID:       vendorID,
		ProductRef:     productRef,
		Status:         StatusPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	stored, created, err := m.repo.CreateBid(ctx, b)
	if err != nil {
		return Bid{}, fmt.Errorf("create bid: %w", err)
	}
	if created {
		m.log.Info("bid created",
			"bid_id", stored.ID,
			"conversation_id", conversationID,
			"vendor_id", vendorID)
	}
	return stored, nil
}

// Get returns a bid by id.
func (m *Machine) Get(ctx context.Context, bidID string) (Bid, error) {
	b, err := m.repo.GetBid(ctx, bidID)
	if err != nil {
		return Bid{}, fmt.Errorf("get bid: %w", err)
	}
	if b == nil {
		return Bid{}, fmt.Errorf("bid %s: %w", bidID, apperr.ErrNotFound)
	}
	return *b, nil
}

// History returns the committed transitions of a bid, oldest first.
func (m *Machine) History(ctx context.Context, bidID string) ([]HistoryEntry, error) {
	return m.repo.History(ctx, bidID)
}

// Transition applies req to the bid. Disallowed moves fail with
// apperr.ErrInvalidTransition; a lost version race fails with apperr.ErrConflict
// and the caller should retry against fresh state.
func (m *Machine) Transition(ctx context.Context, bidID string, req TransitionRequest) (Bid, error) {
	b, err := m.Get(ctx, bidID)
	if err != nil {
		return Bid{}, err
	}
	if !Known(req.Target) {
		return Bid{}, fmt.Errorf("unknown status %q: %w", req.Target, apperr.ErrValidation)
	}
	if !CanTransition(b.Status, req.Target, req.Actor) {
		return Bid{}, fmt.Errorf("bid %s: %s cannot move %s -> %s: %w",
			b.ID, req.Actor, b.Status, req.Target, apperr.ErrInvalidTransition)
	}

	next := b
	claim := ClaimNone

	switch req.Target {
	case StatusBidded:
		if err := m.guardBidded(ctx, &next, req); err != nil {
			return Bid{}, err
		}
	case StatusAccepted:
		if err := m.guardAccepted(ctx, b); err != nil {
			return Bid{}, err
		}
		claim = ClaimAcquire
	case StatusPaid:
		if err := m.guardPaid(ctx, b, req.PaymentRef); err != nil {
			return Bid{}, err
		}
		next.PaymentRef = req.PaymentRef
	case StatusCancelled:
		if err := m.guardRefunded(ctx, b); err != nil {
			return Bid{}, err
		}
		claim = ClaimRelease
	}

	if req.Reason != "" {
		next.Reason = req.Reason
	}
	next.Status = req.Target
	next.Version = b.Version + 1
	next.UpdatedAt = m.nowFunc().UTC()

	entry := HistoryEntry{
		BidID:   b.ID,
		Version: next.Version,
		From:    b.Status,
		To:      next.Status,
		Actor:   req.Actor,
		Reason:  req.Reason,
		At:      next.UpdatedAt,
	}
	if err := m.repo.UpdateBid(ctx, next, b.Version, entry, claim); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			m.log.Info("bid version conflict",
				"bid_id", b.ID,
				"expected_version", b.Version,
				"target", req.Target)
			if m.conflicts != nil {
				m.conflicts.BidConflict(ctx)
			}
		}
		return Bid{}, fmt.Errorf("bid %s -> %s: %w", b.ID, req.Target, err)
	}

	m.log.Info("bid transitioned",
		"bid_id", next.ID,
		"conversation_id", next.ConversationID,
		"from", b.Status,
		"to", next.Status,
		"actor", req.Actor,
		"version", next.Version)

	m.recordInLedger(ctx, next, b.Status, req.Actor)
	for _, l := range m.listeners {
		l.BidTransitioned(ctx, next, b.Status)
	}
	if next.Status == StatusCompleted {
		if err := m.ledger.Complete(ctx, next.ConversationID); err != nil {
			m.log.Warn("complete conversation failed",
				"conversation_id", next.ConversationID,
				"error", err)
		}
	}
	return next, nil
}

// guardBidded requires a price and a product resolved against the projected
// offer map, not the raw ledger.
func (m *Machine) guardBidded(ctx context.Context, next *Bid, req TransitionRequest) error {
	events, err := m.ledger.Read(ctx, next.ConversationID)
	if err != nil {
		return err
	}
	state := projection.Project(events)

	productRef := req.ProductRef
	if productRef == "" {
		productRef = next.ProductRef
	}
	offer, ok := state.ResolveProduct(next.VendorID, productRef)
	if !ok {
		return fmt.Errorf("bid %s: no priced offer from vendor %s for product %q: %w",
			next.ID, next.VendorID, productRef, apperr.ErrInvalidTransition)
	}
	price := offer.Price
	if req.Price != nil {
		if !req.Price.Equal(*offer.Price) {
			return fmt.Errorf("bid %s: price %s does not match offered %s: %w",
				next.ID, req.Price, offer.Price, apperr.ErrInvalidTransition)
		}
		price = req.Price
	}
	if price == nil || !price.IsPositive() {
		return fmt.Errorf("bid %s: bidded requires a positive price: %w", next.ID, apperr.ErrInvalidTransition)
	}

	p := *price
	next.Price = &p
	next.SelectedProductRef = offer.ProductRef
	return nil
}

// guardPaid requires ref to name a captured payment of the bid.
func (m *Machine) guardPaid(ctx context.Context, b Bid, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("bid %s: paid requires a payment reference: %w", b.ID, apperr.ErrInvalidTransition)
	}
	if m.payments == nil {
		return fmt.Errorf("bid %s: no payment checker: %w", b.ID, apperr.ErrInvalidTransition)
	}
	captured, err := m.payments.PaymentCaptured(ctx, b.ID, ref)
	if err != nil {
		return fmt.Errorf("check payment %s: %w", ref, err)
	}
	if !captured {
		return fmt.Errorf("bid %s: payment %s is not captured: %w", b.ID, ref, apperr.ErrInvalidTransition)
	}
	return nil
}

// guardRefunded refuses to cancel a paid bid while its payment is still captured.
func (m *Machine) guardRefunded(ctx context.Context, b Bid) error {
	if b.Status != StatusPaid || b.PaymentRef == "" || m.payments == nil {
		return nil
	}
	captured, err := m.payments.PaymentCaptured(ctx, b.ID, b.PaymentRef)
	if err != nil {
		return fmt.Errorf("check payment %s: %w", b.PaymentRef, err)
	}
	if captured {
		return fmt.Errorf("bid %s: payment %s must be refunded first: %w", b.ID, b.PaymentRef, apperr.ErrInvalidTransition)
	}
	return nil
}

// guardAccepted rejects acceptance once another bid of the conversation holds it.
func (m *Machine) guardAccepted(ctx context.Context, b Bid) error {
	if b.Price == nil {
		return fmt.Errorf("bid %s has no price: %w", b.ID, apperr.ErrInvalidTransition)
	}
	siblings, err := m.repo.ListByConversation(ctx, b.ConversationID)
	if err != nil {
		return fmt.Errorf("list bids: %w", err)
	}
	for _, s := range siblings {
		if s.ID != b.ID && s.Status.PastAcceptance() {
			return fmt.Errorf("conversation %s already accepted bid %s: %w",
				b.ConversationID, s.ID, apperr.ErrInvalidTransition)
		}
	}
	return nil
}

func (m *Machine) recordInLedger(ctx context.Context, b Bid, from Status, actor Actor) {
	role := ledger.RoleAssistant
	switch actor {
	case ActorBuyer:
		role = ledger.RoleBuyer
	case ActorVendor:
		role = ledger.RoleVendor
	}
	ev := ledger.Event{
		Role:     role,
		Content:  fmt.Sprintf("bid %s %s -> %s", b.ID, from, b.Status),
		VendorID: b.VendorID,
		BidTransition: &ledger.BidTransition{
			BidID: b.ID,
			From:  string(from),
			To:    string(b.Status),
			Price: b.Price,
		},
	}
	if _, err := m.ledger.Append(ctx, b.ConversationID, ev); err != nil {
		if errors.Is(err, apperr.ErrDuplicateRejected) {
			return
		}
		m.log.Error("record bid transition in ledger failed",
			"bid_id", b.ID,
			"conversation_id", b.ConversationID,
			"to", b.Status,
			"error", err)
	}
}
