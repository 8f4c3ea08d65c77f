package memory

import (
	"context"
	"time"

	"github.com/imrishuroy/plantbid/internal/orders"
)

// OrderRepo implements orders.Repository.
type OrderRepo struct {
	db *DB
}

var _ orders.Repository = (*OrderRepo)(nil)

func (r *OrderRepo) CreateOrder(ctx context.Context, o orders.Order) (orders.Order, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if existing, ok := r.db.orders[o.ID]; ok {
		return existing, false, nil
	}
	r.db.orders[o.ID] = o
	return o, true, nil
}

func (r *OrderRepo) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (r *OrderRepo) UpdateStatus(ctx context.Context, id string, expected, next orders.Status, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok || o.Status != expected {
		return orders.ErrStatusMismatch
	}
	o.Status = next
	o.UpdatedAt = at
	r.db.orders[id] = o
	return nil
}
