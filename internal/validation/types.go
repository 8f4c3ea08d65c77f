package validation

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpenConversationRequest is the payload for POST /conversations
type OpenConversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	BuyerID        string `json:"buyerId" validate:"required,max=128"`
}

// Offer is a vendor's product proposal; a missing price means still reviewing.
type Offer struct {
	ProductRef      string           `json:"productRef,omitempty" validate:"max=256"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	ReferenceImages []string         `json:"referenceImages,omitempty" validate:"max=20,dive,url"`
}

// Location is the buyer's selected region.
type Location struct {
	Address string  `json:"address" validate:"required"`
	Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng     float64 `json:"lng" validate:"gte=-180,lte=180"`
	Radius  float64 `json:"radius" validate:"gt=0"`
}

// SearchResult is one vendor found for the region.
type SearchResult struct {
	VendorID        string   `json:"vendorId" validate:"required"`
	Distance        float64  `json:"distance" validate:"gte=0"`
	OfferedProducts []string `json:"offeredProducts,omitempty"`
}

// AppendEventRequest is the payload for POST /conversations/:id/events
type AppendEventRequest struct {
	Role                string         `json:"role" validate:"required,oneof=buyer assistant vendor"`
	Content             string         `json:"content" validate:"max=8000"`
	VendorID            string         `json:"vendorId,omitempty"`
	Offer               *Offer         `json:"offer,omitempty"`
	LocationInfo        *Location      `json:"locationInfo,omitempty"`
	VendorSearchResults []SearchResult `json:"vendorSearchResults,omitempty" validate:"omitempty,dive"`
	Timestamp           *time.Time     `json:"timestamp,omitempty"` // optional client timestamp, not part of the idempotency key
}

// CreateBidRequest is the payload for POST /bids
type CreateBidRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	VendorID       string `json:"vendorId" validate:"required"`
	ProductRef     string `json:"productRef" validate:"required"`
}

// TransitionPayload carries the actor and the data a target state needs.
// System moves belong to the payment service and are not accepted over HTTP.
type TransitionPayload struct {
	Actor      string           `json:"actor" validate:"required,oneof=buyer vendor"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	ProductRef string           `json:"productRef,omitempty"`
	PaymentRef string           `json:"paymentRef,omitempty"`
	Reason     string           `json:"reason,omitempty" validate:"max=1000"`
}

// TransitionRequest is the payload for POST /bids/:id/transition
type TransitionRequest struct {
	TargetState string            `json:"targetState" validate:"required,oneof=pending reviewing bidded accepted paid preparing shipped completed rejected cancelled"`
	Payload     TransitionPayload `json:"payload"`
}

// PreparePaymentRequest is the payload for POST /payments/prepare
type PreparePaymentRequest struct {
	BidID string `json:"bidId" validate:"required"`
}

// ConfirmPaymentRequest is the payload for POST /payments/:ref/confirm
type ConfirmPaymentRequest struct {
	GatewayKey string          `json:"gatewayKey" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

// CancelPaymentRequest is the payload for POST /payments/:ref/cancel
type CancelPaymentRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}
