package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies who wrote an event.
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleAssistant Role = "assistant"
	RoleVendor    Role = "vendor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleAssistant, RoleVendor:
		return true
	}
	return false
}

// Kind is the semantic classification of an event.
type Kind string

const (
	KindSearchResults      Kind = "search-results"
	KindLocationSelected   Kind = "location-selected"
	KindOfferFinal         Kind = "offer-final"
	KindOfferPendingReview Kind = "offer-pending-review"
	KindBidTransition      Kind = "bid-transition"
	KindMessage            Kind = "message"
)

// ConversationStatus values.
const (
	ConversationActive    = "active"
	ConversationCompleted = "completed"
)

// Conversation is the ledger header row. Events are never stored on it directly.
type Conversation struct {
	ID            string    `json:"id"`
	BuyerID       string    `json:"buyerId"`
	Status        string    `json:"status"`
	LastSeq       int64     `json:"lastSeq"`
	AcceptedBidID string    `json:"acceptedBidId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Offer is a vendor's product proposal. A nil Price means the vendor is still reviewing.
type Offer struct {
	ProductRef      string           `json:"productRef,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	ReferenceImages []string         `json:"referenceImages,omitempty"`
}

// LocationInfo is the region the buyer selected.
type LocationInfo struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Radius  float64 `json:"radius"`
}

// VendorSearchResult is one vendor found for the selected region.
type VendorSearchResult struct {
	VendorID        string   `json:"vendorId"`
	Distance        float64  `json:"distance"`
	OfferedProducts []string `json:"offeredProducts,omitempty"`
}

// BidTransition records a committed bid state change in the conversation.
type BidTransition struct {
	BidID string           `json:"bidId"`
	From  string           `json:"from"`
	To    string           `json:"to"`
	Price *decimal.Decimal `json:"price,omitempty"`
}

// Event is an immutable ledger entry.
type Event struct {
	ID                  string               `json:"id"`
	ConversationID      string               `json:"conversationId"`
	Seq                 int64                `json:"seq"`
	Role                Role                 `json:"role"`
	Content             string               `json:"content"`
	Timestamp           time.Time            `json:"timestamp"`
	VendorID            string               `json:"vendorId,omitempty"`
	Offer               *Offer               `json:"offer,omitempty"`
	LocationInfo        *LocationInfo        `json:"locationInfo,omitempty"`
	VendorSearchResults []VendorSearchResult `json:"vendorSearchResults,omitempty"`
	BidTransition       *BidTransition       `json:"bidTransition,omitempty"`
	Kind                Kind                 `json:"kind"`
	IdempotencyKey      string               `json:"idempotencyKey"`
}

// Slot holds the open idempotency key for one writer and semantic group of a
// conversation. Appending a different key to the slot supersedes the previous one.
type Slot struct {
	ConversationID string `json:"conversationId"`
	Name           string `json:"name"`
	Kind           Kind   `json:"kind"`
	Key            string `json:"key"`
	Seq            int64  `json:"seq"`
}
