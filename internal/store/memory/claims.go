package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/idempotency"
	"github.com/imrishuroy/plantbid/internal/payments"
)

// ClaimRepo keeps idempotency records.
type ClaimRepo struct {
	db *DB
}

var _ payments.EventDeduper = (*ClaimRepo)(nil)

func (r *ClaimRepo) CreateIfNotExists(ctx context.Context, key string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.claims[key]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	r.db.claims[key] = idempotency.Record{
		IdempotencyKey: key,
		Status:         idempotency.StatusInProgress,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return true, nil
}

func (r *ClaimRepo) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rec, ok := r.db.claims[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *ClaimRepo) MarkDone(ctx context.Context, key, responseBody string) error {
	return r.update(key, func(rec *idempotency.Record) {
		rec.Status = idempotency.StatusDone
		rec.ResponseBody = responseBody
	})
}

func (r *ClaimRepo) MarkFailed(ctx context.Context, key, note string) error {
	return r.update(key, func(rec *idempotency.Record) {
		rec.Status = idempotency.StatusFailed
		rec.Note = note
	})
}

func (r *ClaimRepo) update(key string, fn func(rec *idempotency.Record)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rec, ok := r.db.claims[key]
	if !ok {
		return fmt.Errorf("claim %s: %w", key, apperr.ErrNotFound)
	}
	fn(&rec)
	rec.UpdatedAt = time.Now().UTC()
	r.db.claims[key] = rec
	return nil
}
