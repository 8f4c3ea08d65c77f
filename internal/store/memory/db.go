// Package memory keeps every table in process memory behind one mutex. It has
// the same conditional-write semantics as the DynamoDB store and backs local
// runs (STORAGE=memory) and service tests.
package memory

import (
	"sync"

	"github.com/imrishuroy/plantbid/internal/bids"
	"github.com/imrishuroy/plantbid/internal/idempotency"
	"github.com/imrishuroy/plantbid/internal/ledger"
	"github.com/imrishuroy/plantbid/internal/orders"
	"github.com/imrishuroy/plantbid/internal/payments"
)

// DB holds all tables.
type DB struct {
	mu sync.Mutex

	conversations map[string]ledger.Conversation
	events        map[string][]ledger.Event
	slots         map[string]map[string]ledger.Slot

	bids       map[string]bids.Bid
	bidHistory map[string][]bids.HistoryEntry

	payments      map[string]payments.Payment
	paymentsByBid map[string]string

	orders map[string]orders.Order

	claims map[string]idempotency.Record
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		conversations: map[string]ledger.Conversation{},
		events:        map[string][]ledger.Event{},
		slots:         map[string]map[string]ledger.Slot{},
		bids:          map[string]bids.Bid{},
		bidHistory:    map[string][]bids.HistoryEntry{},
		payments:      map[string]payments.Payment{},
		paymentsByBid: map[string]string{},
		orders:        map[string]orders.Order{},
		claims:        map[string]idempotency.Record{},
	}
}

// Ledger returns the ledger repository view.
func (db *DB) Ledger() *LedgerRepo { return &LedgerRepo{db: db} }

// Bids returns the bid repository view.
func (db *DB) Bids() *BidRepo { return &BidRepo{db: db} }

// Payments returns the payment repository view.
func (db *DB) Payments() *PaymentRepo { return &PaymentRepo{db: db} }

// Orders returns the order repository view.
func (db *DB) Orders() *OrderRepo { return &OrderRepo{db: db} }

// Claims returns the idempotency record view.
func (db *DB) Claims() *ClaimRepo { return &ClaimRepo{db: db} }
