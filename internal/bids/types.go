package bids

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// Status is a bid lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReviewing Status = "reviewing"
	StatusBidded    Status = "bidded"
	StatusAccepted  Status = "accepted"
	StatusPaid      Status = "paid"
	StatusPreparing Status = "preparing"
	StatusShipped   Status = "shipped"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelled
}

// PastAcceptance reports whether s holds the conversation's acceptance.
func (s Status) PastAcceptance() bool {
	switch s {
	case StatusAccepted, StatusPaid, StatusPreparing, StatusShipped, StatusCompleted:
		return true
	}
	return false
}

// Actor is the party requesting a transition.
type Actor string

const (
	ActorBuyer  Actor = "buyer"
	ActorVendor Actor = "vendor"
	ActorSystem Actor = "system"
)

// Bid is one vendor's offer against a buyer's request.
type Bid struct {
	ID                 string           `json:"id"`
	ConversationID     string           `json:"conversationId"`
	BuyerID            string           `json:"buyerId"`
	VendorID           string           `json:"vendorId"`
	ProductRef         string           `json:"productRef"`
	SelectedProductRef string           `json:"selectedProductRef,omitempty"`
	Price              *decimal.Decimal `json:"price,omitempty"`
	Status             Status           `json:"status"`
	PaymentRef         string           `json:"paymentRef,omitempty"`
	Reason             string           `json:"reason,omitempty"`
	Version            int64            `json:"version"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// HistoryEntry is the audit row written with every committed transition.
type HistoryEntry struct {
	BidID   string    `json:"bidId"`
	Version int64     `json:"version"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Actor   Actor     `json:"actor"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Claim says what an update does to the conversation's acceptance marker.
type Claim int

const (
	ClaimNone Claim = iota
	// ClaimAcquire sets the marker to the bid; it fails if another bid holds it.
	ClaimAcquire
	// ClaimRelease clears the marker if the bid holds it.
	ClaimRelease
)

// IDFor derives the bid id of vendorID in conversationID. A conversation holds
// at most one bid per vendor.
func IDFor(conversationID, vendorID string) string {
	sum := sha256.Sum256([]byte(conversationID + "|" + vendorID))
	return "bid-" + hex.EncodeToString(sum[:8])
}

// TransitionRequest is an explicit buyer, vendor or system action.
type TransitionRequest struct {
	Target     Status
	Actor      Actor
	Price      *decimal.Decimal
	ProductRef string
	PaymentRef string
	Reason     string
}
