package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/payments"
)

// PaymentRepo implements payments.Repository.
type PaymentRepo struct {
	db *DB
}

var _ payments.Repository = (*PaymentRepo)(nil)

func (r *PaymentRepo) CreatePayment(ctx context.Context, p payments.Payment) (payments.Payment, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if p.BidID != "" {
		if ref, ok := r.db.paymentsByBid[p.BidID]; ok {
			return r.db.payments[ref], false, nil
		}
	}
	if _, ok := r.db.payments[p.Ref]; ok {
		return payments.Payment{}, false, fmt.Errorf("payment %s exists: %w", p.Ref, apperr.ErrConflict)
	}
	r.db.payments[p.Ref] = p
	if p.BidID != "" {
		r.db.paymentsByBid[p.BidID] = p.Ref
	}
	return p, true, nil
}

func (r *PaymentRepo) GetPayment(ctx context.Context, ref string) (*payments.Payment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.payments[ref]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *PaymentRepo) UpdatePayment(ctx context.Context, next payments.Payment, expectedVersion int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.payments[next.Ref]
	if !ok {
		return fmt.Errorf("payment %s: %w", next.Ref, apperr.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("version %d is stale: %w", expectedVersion, apperr.ErrConflict)
	}
	r.db.payments[next.Ref] = next
	return nil
}

func (r *PaymentRepo) ListReconcilable(ctx context.Context, limit int) ([]payments.Payment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []payments.Payment
	for _, p := range r.db.payments {
		if p.NeedsReconcile() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
