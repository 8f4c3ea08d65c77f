package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Classify derives the semantic kind of ev from its structured payload.
func Classify(ev Event) Kind {
	switch {
	case ev.BidTransition != nil:
		return KindBidTransition
	case len(ev.VendorSearchResults) > 0:
		return KindSearchResults
	case ev.LocationInfo != nil:
		return KindLocationSelected
	case ev.Role == RoleVendor && ev.Offer != nil && ev.Offer.Price != nil:
		return KindOfferFinal
	case ev.Role == RoleVendor && ev.Offer != nil && ev.VendorID != "":
		return KindOfferPendingReview
	default:
		return KindMessage
	}
}

// writer names the party an event belongs to for idempotency purposes.
func writer(ev Event) string {
	if ev.VendorID != "" {
		return "vendor:" + ev.VendorID
	}
	return string(ev.Role)
}

// SlotName returns the slot an event of kind k occupies. Both offer kinds share
// one slot per vendor, so a final offer closes the pending review and vice versa.
func SlotName(ev Event, k Kind) string {
	group := string(k)
	if k == KindOfferFinal || k == KindOfferPendingReview {
		group = "offer"
	}
	return writer(ev) + "#" + group
}

type hashInput struct {
	Role                Role                 `json:"role"`
	Content             string               `json:"content"`
	VendorID            string               `json:"vendorId"`
	Offer               *Offer               `json:"offer"`
	LocationInfo        *LocationInfo        `json:"locationInfo"`
	VendorSearchResults []VendorSearchResult `json:"vendorSearchResults"`
	BidTransition       *BidTransition       `json:"bidTransition"`
}

// ContentHash hashes the semantic content of ev. Timestamps, ids and sequence
// numbers are excluded so a replayed write hashes identically.
func ContentHash(ev Event) (string, error) {
	b, err := json.Marshal(hashInput{
		Role:                ev.Role,
		Content:             ev.Content,
		VendorID:            ev.VendorID,
		Offer:               ev.Offer,
		LocationInfo:        ev.LocationInfo,
		VendorSearchResults: ev.VendorSearchResults,
		BidTransition:       ev.BidTransition,
	})
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// IdempotencyKey builds the (conversation, vendor, kind, content hash) key for ev.
func IdempotencyKey(conversationID string, ev Event, k Kind) (string, error) {
	h, err := ContentHash(ev)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%s|%s|%s", conversationID, writer(ev), k, h), nil
}
