package validation

import (
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// New returns a configured validator with the struct-level rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterStructValidation(appendEventStructValidation, AppendEventRequest{})
	v.RegisterStructValidation(offerStructValidation, Offer{})
	v.RegisterStructValidation(transitionPayloadStructValidation, TransitionPayload{})
	v.RegisterStructValidation(confirmPaymentStructValidation, ConfirmPaymentRequest{})

	return v
}

// appendEventStructValidation: vendor events must name their vendor.
func appendEventStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(AppendEventRequest)
	if req.Role == "vendor" && strings.TrimSpace(req.VendorID) == "" {
		sl.ReportError(req.VendorID, "vendorId", "VendorID", "vendor_required", "")
	}
	if req.Offer != nil && req.Role != "vendor" {
		sl.ReportError(req.Offer, "offer", "Offer", "offer_requires_vendor", "")
	}
}

// offerStructValidation: a priced offer needs a positive price and a product.
func offerStructValidation(sl validatorv10.StructLevel) {
	o := sl.Current().Interface().(Offer)
	if o.Price == nil {
		return
	}
	if !o.Price.IsPositive() {
		sl.ReportError(o.Price, "price", "Price", "price_positive", o.Price.String())
	}
	if strings.TrimSpace(o.ProductRef) == "" {
		sl.ReportError(o.ProductRef, "productRef", "ProductRef", "product_required", "")
	}
}

func transitionPayloadStructValidation(sl validatorv10.StructLevel) {
	p := sl.Current().Interface().(TransitionPayload)
	if p.Price != nil && !p.Price.IsPositive() {
		sl.ReportError(p.Price, "price", "Price", "price_positive", p.Price.String())
	}
}

func confirmPaymentStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(ConfirmPaymentRequest)
	if !req.Amount.GreaterThan(decimal.Zero) {
		sl.ReportError(req.Amount, "amount", "Amount", "amount_positive", req.Amount.String())
	}
}
