package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/bids"
)

// BidRepo implements bids.Repository.
type BidRepo struct {
	db *DB
}

var _ bids.Repository = (*BidRepo)(nil)

func (r *BidRepo) CreateBid(ctx context.Context, b bids.Bid) (bids.Bid, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if existing, ok := r.db.bids[b.ID]; ok {
		return existing, false, nil
	}
	r.db.bids[b.ID] = b
	return b, true, nil
}

func (r *BidRepo) GetBid(ctx context.Context, id string) (*bids.Bid, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	b, ok := r.db.bids[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r *BidRepo) ListByConversation(ctx context.Context, conversationID string) ([]bids.Bid, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []bids.Bid
	for _, b := range r.db.bids {
		if b.ConversationID == conversationID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *BidRepo) UpdateBid(ctx context.Context, next bids.Bid, expectedVersion int64, entry bids.HistoryEntry, claim bids.Claim) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.bids[next.ID]
	if !ok {
		return fmt.Errorf("bid %s: %w", next.ID, apperr.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("version %d is stale: %w", expectedVersion, apperr.ErrConflict)
	}

	conv, hasConv := r.db.conversations[next.ConversationID]
	switch claim {
	case bids.ClaimAcquire:
		if !hasConv {
			return fmt.Errorf("conversation %s: %w", next.ConversationID, apperr.ErrNotFound)
		}
		if conv.AcceptedBidID != "" && conv.AcceptedBidID != next.ID {
			return fmt.Errorf("acceptance held by %s: %w", conv.AcceptedBidID, apperr.ErrConflict)
		}
		conv.AcceptedBidID = next.ID
		r.db.conversations[conv.ID] = conv
	case bids.ClaimRelease:
		if hasConv && conv.AcceptedBidID == next.ID {
			conv.AcceptedBidID = ""
			r.db.conversations[conv.ID] = conv
		}
	}

	r.db.bids[next.ID] = next
	r.db.bidHistory[next.ID] = append(r.db.bidHistory[next.ID], entry)
	return nil
}

func (r *BidRepo) History(ctx context.Context, bidID string) ([]bids.HistoryEntry, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	src := r.db.bidHistory[bidID]
	out := make([]bids.HistoryEntry, len(src))
	copy(out, src)
	return out, nil
}
