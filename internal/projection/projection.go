// Package projection folds a conversation's ledger into its current
// negotiation state. Project is pure and is re-run on every read.
package projection

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/plantbid/internal/ledger"
)

// Phase is the buyer-facing stage of the negotiation.
type Phase string

const (
	PhaseGathering Phase = "gathering"
	PhaseSearching Phase = "searching"
	PhaseReviewing Phase = "reviewing"
	PhaseBidding   Phase = "bidding"
	PhaseAccepted  Phase = "accepted"
	PhaseSettled   Phase = "settled"
)

// OfferStatus is the state of one vendor's entry in the offer map.
type OfferStatus string

const (
	OfferListed    OfferStatus = "listed"
	OfferReviewing OfferStatus = "reviewing"
	OfferBidded    OfferStatus = "bidded"
)

// VendorOffer is the live offer of one vendor.
type VendorOffer struct {
	VendorID        string           `json:"vendorId"`
	Status          OfferStatus      `json:"status"`
	ProductRef      string           `json:"productRef,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	ReferenceImages []string         `json:"referenceImages,omitempty"`
	OfferedProducts []string         `json:"offeredProducts,omitempty"`
	Distance        float64          `json:"distance,omitempty"`
	Seq             int64            `json:"seq"`
}

// NegotiationState is the projection output.
type NegotiationState struct {
	SelectedRegion     *ledger.LocationInfo   `json:"selectedRegion,omitempty"`
	ActiveVendorOffers map[string]VendorOffer `json:"activeVendorOffers"`
	InteractionPhase   Phase                  `json:"interactionPhase"`
	AcceptedBidID      string                 `json:"acceptedBidId,omitempty"`
	AcceptedVendorID   string                 `json:"acceptedVendorId,omitempty"`
	BidStatuses        map[string]string      `json:"bidStatuses"`
	LastSeq            int64                  `json:"lastSeq"`
}

// Offer returns the live offer of vendorID, if any.
func (s NegotiationState) Offer(vendorID string) (VendorOffer, bool) {
	o, ok := s.ActiveVendorOffers[vendorID]
	return o, ok
}

// settledStatuses are bid statuses at or past payment.
var settledStatuses = map[string]bool{
	"paid":      true,
	"preparing": true,
	"shipped":   true,
	"completed": true,
}

// Project folds events in sequence order. The input slice is not modified.
// When several events exist for the same vendor and kind, the highest sequence
// number wins; a priced offer supersedes any pending review of that vendor.
func Project(events []ledger.Event) NegotiationState {
	ordered := make([]ledger.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	st := NegotiationState{
		ActiveVendorOffers: map[string]VendorOffer{},
		BidStatuses:        map[string]string{},
	}
	bidVendor := map[string]string{}

	for _, ev := range ordered {
		if ev.Seq > st.LastSeq {
			st.LastSeq = ev.Seq
		}
		// the payload decides the kind; a stored tag may disagree with it
		kind := ledger.Classify(ev)

		switch kind {
		case ledger.KindLocationSelected:
			loc := *ev.LocationInfo
			st.SelectedRegion = &loc

		case ledger.KindSearchResults:
			for _, r := range ev.VendorSearchResults {
				st.ActiveVendorOffers[r.VendorID] = VendorOffer{
					VendorID:        r.VendorID,
					Status:          OfferListed,
					OfferedProducts: cloneStrings(r.OfferedProducts),
					Distance:        r.Distance,
					Seq:             ev.Seq,
				}
			}

		case ledger.KindOfferPendingReview:
			cur, ok := st.ActiveVendorOffers[ev.VendorID]
			if ok && cur.Status == OfferBidded {
				continue
			}
			next := VendorOffer{
				VendorID:        ev.VendorID,
				Status:          OfferReviewing,
				OfferedProducts: cur.OfferedProducts,
				Distance:        cur.Distance,
				Seq:             ev.Seq,
			}
			if ev.Offer != nil {
				next.ProductRef = ev.Offer.ProductRef
				next.ReferenceImages = cloneStrings(ev.Offer.ReferenceImages)
			}
			st.ActiveVendorOffers[ev.VendorID] = next

		case ledger.KindOfferFinal:
			cur := st.ActiveVendorOffers[ev.VendorID]
			price := *ev.Offer.Price
			st.ActiveVendorOffers[ev.VendorID] = VendorOffer{
				VendorID:        ev.VendorID,
				Status:          OfferBidded,
				ProductRef:      ev.Offer.ProductRef,
				Price:           &price,
				ReferenceImages: cloneStrings(ev.Offer.ReferenceImages),
				OfferedProducts: cur.OfferedProducts,
				Distance:        cur.Distance,
				Seq:             ev.Seq,
			}

		case ledger.KindBidTransition:
			applyBidTransition(&st, bidVendor, ev)
		}
	}

	st.InteractionPhase = phase(st)
	return st
}

func applyBidTransition(st *NegotiationState, bidVendor map[string]string, ev ledger.Event) {
	t := ev.BidTransition
	st.BidStatuses[t.BidID] = t.To
	if ev.VendorID != "" {
		bidVendor[t.BidID] = ev.VendorID
	}

	switch t.To {
	case "accepted":
		st.AcceptedBidID = t.BidID
		st.AcceptedVendorID = bidVendor[t.BidID]
	case "cancelled":
		if st.AcceptedBidID == t.BidID {
			st.AcceptedBidID = ""
			st.AcceptedVendorID = ""
		}
	case "rejected":
		if v := bidVendor[t.BidID]; v != "" {
			delete(st.ActiveVendorOffers, v)
		}
	}
}

func phase(st NegotiationState) Phase {
	if st.AcceptedBidID != "" {
		if settledStatuses[st.BidStatuses[st.AcceptedBidID]] {
			return PhaseSettled
		}
		return PhaseAccepted
	}
	reviewing := false
	for _, o := range st.ActiveVendorOffers {
		if o.Status == OfferBidded {
			return PhaseBidding
		}
		reviewing = true
	}
	if reviewing {
		return PhaseReviewing
	}
	if st.SelectedRegion != nil {
		return PhaseSearching
	}
	return PhaseGathering
}

// ResolveProduct reports whether vendorID holds a priced offer for productRef.
// An empty productRef matches the vendor's offered product.
func (s NegotiationState) ResolveProduct(vendorID, productRef string) (VendorOffer, bool) {
	o, ok := s.ActiveVendorOffers[vendorID]
	if !ok || o.Status != OfferBidded || o.Price == nil {
		return VendorOffer{}, false
	}
	if productRef != "" && !strings.EqualFold(o.ProductRef, productRef) {
		return VendorOffer{}, false
	}
	return o, true
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
