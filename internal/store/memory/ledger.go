package memory

import (
	"context"
	"time"

	"github.com/imrishuroy/plantbid/internal/ledger"
)

// LedgerRepo implements ledger.Repository.
type LedgerRepo struct {
	db *DB
}

var _ ledger.Repository = (*LedgerRepo)(nil)

func (r *LedgerRepo) CreateConversation(ctx context.Context, c ledger.Conversation) (ledger.Conversation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if existing, ok := r.db.conversations[c.ID]; ok {
		return existing, nil
	}
	r.db.conversations[c.ID] = c
	return c, nil
}

func (r *LedgerRepo) GetConversation(ctx context.Context, id string) (*ledger.Conversation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.conversations[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *LedgerRepo) CompleteConversation(ctx context.Context, id string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.conversations[id]
	if !ok {
		return nil
	}
	c.Status = ledger.ConversationCompleted
	c.UpdatedAt = at
	r.db.conversations[id] = c
	return nil
}

func (r *LedgerRepo) GetSlot(ctx context.Context, conversationID, name string) (*ledger.Slot, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.slots[conversationID][name]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *LedgerRepo) AppendEvent(ctx context.Context, ev ledger.Event, slot ledger.Slot, expectedSeq int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.conversations[ev.ConversationID]
	if !ok || c.LastSeq != expectedSeq {
		return ledger.ErrSequenceConflict
	}
	c.LastSeq = ev.Seq
	c.UpdatedAt = ev.Timestamp
	r.db.conversations[c.ID] = c
	r.db.events[c.ID] = append(r.db.events[c.ID], ev)
	if r.db.slots[c.ID] == nil {
		r.db.slots[c.ID] = map[string]ledger.Slot{}
	}
	r.db.slots[c.ID][slot.Name] = slot
	return nil
}

func (r *LedgerRepo) ListEvents(ctx context.Context, conversationID string) ([]ledger.Event, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	src := r.db.events[conversationID]
	out := make([]ledger.Event, len(src))
	copy(out, src)
	return out, nil
}
