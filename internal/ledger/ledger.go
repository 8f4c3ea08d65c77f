// Package ledger is the append-only, idempotency-keyed record of conversation
// events. Events are never updated or deleted; corrections are new events.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/plantbid/internal/apperr"
)

// ErrSequenceConflict is returned by a Repository when the conversation's
// last sequence number moved between read and append.
var ErrSequenceConflict = errors.New("conversation sequence moved")

// Repository persists conversations, events and open-key slots.
//
// AppendEvent must be atomic: it advances the conversation's last sequence from
// expectedSeq to ev.Seq, stores ev and overwrites slot, or does nothing and
// returns ErrSequenceConflict.
type Repository interface {
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	CompleteConversation(ctx context.Context, id string, at time.Time) error
	GetSlot(ctx context.Context, conversationID, name string) (*Slot, error)
	AppendEvent(ctx context.Context, ev Event, slot Slot, expectedSeq int64) error
	ListEvents(ctx context.Context, conversationID string) ([]Event, error)
}

// DuplicateRecorder is notified of rejected duplicates.
type DuplicateRecorder interface {
	DuplicateRejected(ctx context.Context, kind string)
}

// Ledger appends and reads conversation events.
type Ledger struct {
	repo        Repository
	log         *slog.Logger
	dupes       DuplicateRecorder
	maxAttempts int
	nowFunc     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDuplicateRecorder reports rejected duplicates to r.
func WithDuplicateRecorder(r DuplicateRecorder) Option {
	return func(l *Ledger) { l.dupes = r }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFunc = now }
}

// WithMaxAttempts bounds how often an append retries a lost sequence race.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// New returns a Ledger over repo.
func New(repo Repository, log *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:        repo,
		log:         log,
		maxAttempts: 5,
		nowFunc:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Open creates conversationID for buyerID. Opening an existing conversation of
// the same buyer returns it unchanged.
func (l *Ledger) Open(ctx context.Context, conversationID, buyerID string) (Conversation, error) {
	if conversationID == "" || buyerID == "" {
		return Conversation{}, fmt.Errorf("open conversation: %w", apperr.ErrValidation)
	}
	now := l.nowFunc().UTC()
	c, err := l.repo.CreateConversation(ctx, Conversation{
		ID:        conversationID,
		BuyerID:   buyerID,
		Status:    ConversationActive,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("open conversation %s: %w", conversationID, err)
	}
	if c.BuyerID != buyerID {
		return Conversation{}, fmt.Errorf("conversation %s belongs to another buyer: %w", conversationID, apperr.ErrConflict)
	}
	return c, nil
}

// Get returns the conversation header.
func (l *Ledger) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	c, err := l.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, apperr.ErrNotFound)
	}
	return c, nil
}

// Complete closes the conversation to further appends.
func (l *Ledger) Complete(ctx context.Context, conversationID string) error {
	if _, err := l.Get(ctx, conversationID); err != nil {
		return err
	}
	return l.repo.CompleteConversation(ctx, conversationID, l.nowFunc().UTC())
}

// Append stores ev at the end of the conversation and returns it with its id,
// sequence number, kind and idempotency key filled in. An event whose key is
// already open in its slot fails with apperr.ErrDuplicateRejected.
func (l *Ledger) Append(ctx context.Context, conversationID string, ev Event) (Event, error) {
	if err := validate(ev); err != nil {
		return Event{}, err
	}

	ev.ConversationID = conversationID
	ev.Kind = Classify(ev)
	key, err := IdempotencyKey(conversationID, ev, ev.Kind)
	if err != nil {
		return Event{}, err
	}
	ev.IdempotencyKey = key
	slotName := SlotName(ev, ev.Kind)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.nowFunc().UTC()
	}

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		conv, err := l.Get(ctx, conversationID)
		if err != nil {
			return Event{}, err
		}
		if conv.Status != ConversationActive {
			return Event{}, fmt.Errorf("append to %s conversation %s: %w", conv.Status, conversationID, apperr.ErrInvalidTransition)
		}

		open, err := l.repo.GetSlot(ctx, conversationID, slotName)
		if err != nil {
			return Event{}, fmt.Errorf("read slot: %w", err)
		}
		if open != nil && open.Key == key {
			l.log.Info("ledger duplicate rejected",
				"conversation_id", conversationID,
				"kind", ev.Kind,
				"vendor_id", ev.VendorID,
				"open_seq", open.Seq)
			if l.dupes != nil {
				l.dupes.DuplicateRejected(ctx, string(ev.Kind))
			}
			return Event{}, fmt.Errorf("%s already open at seq %d: %w", ev.Kind, open.Seq, apperr.ErrDuplicateRejected)
		}

		ev.ID = uuid.NewString()
		ev.Seq = conv.LastSeq + 1
		slot := Slot{
			ConversationID: conversationID,
			Name:           slotName,
			Kind:           ev.Kind,
			Key:            key,
			Seq:            ev.Seq,
		}

		err = l.repo.AppendEvent(ctx, ev, slot, conv.LastSeq)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, ErrSequenceConflict) {
			return Event{}, fmt.Errorf("append event: %w", err)
		}
		l.log.Debug("ledger sequence race, retrying",
			"conversation_id", conversationID,
			"attempt", attempt)
	}
	return Event{}, fmt.Errorf("append to %s after %d attempts: %w", conversationID, l.maxAttempts, apperr.ErrConflict)
}

// Read returns all events of the conversation ordered by sequence number.
func (l *Ledger) Read(ctx context.Context, conversationID string) ([]Event, error) {
	if _, err := l.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	events, err := l.repo.ListEvents(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func validate(ev Event) error {
	if !ev.Role.Valid() {
		return fmt.Errorf("unknown role %q: %w", ev.Role, apperr.ErrValidation)
	}
	if ev.Role == RoleVendor && ev.VendorID == "" {
		return fmt.Errorf("vendor event without vendorId: %w", apperr.ErrValidation)
	}
	if ev.Offer != nil && ev.Offer.Price != nil {
		if !ev.Offer.Price.IsPositive() {
			return fmt.Errorf("offer price must be positive: %w", apperr.ErrValidation)
		}
		if strings.TrimSpace(ev.Offer.ProductRef) == "" {
			return fmt.Errorf("priced offer without productRef: %w", apperr.ErrValidation)
		}
	}
	for _, r := range ev.VendorSearchResults {
		if r.VendorID == "" {
			return fmt.Errorf("search result without vendorId: %w", apperr.ErrValidation)
		}
	}
	return nil
}
