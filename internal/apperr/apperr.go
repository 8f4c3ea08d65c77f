// Package apperr holds the error taxonomy shared by the ledger, the bid state
// machine and the payment service, with its kind tags and HTTP mapping.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrDuplicateRejected is returned when a ledger append repeats an open idempotency key.
	ErrDuplicateRejected = errors.New("duplicate event rejected")
	// ErrInvalidTransition is returned for state changes the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict is returned when an optimistic version check loses a race.
	ErrConflict = errors.New("conflict")
	// ErrGatewayUnavailable covers network failures and timeouts talking to the payment gateway.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected is a terminal decline from the payment gateway.
	ErrGatewayRejected = errors.New("payment rejected by gateway")
	// ErrReconciliationMismatch means local and gateway state disagree and needs manual review.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
)

// Kind tags, persisted next to terminal failures.
const (
	KindDuplicateRejected      = "duplicate_rejected"
	KindInvalidTransition      = "invalid_transition"
	KindConflict               = "conflict"
	KindGatewayUnavailable     = "gateway_unavailable"
	KindGatewayRejected        = "gateway_rejected"
	KindReconciliationMismatch = "reconciliation_mismatch"
	KindNotFound               = "not_found"
	KindValidation             = "validation"
	KindTimeout                = "timeout"
	KindCanceled               = "canceled"
	KindInternal               = "internal"
)

// Kind classifies err into its taxonomy tag.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrDuplicateRejected):
		return KindDuplicateRejected

	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition

	case errors.Is(err, ErrConflict):
		return KindConflict

	case errors.Is(err, ErrGatewayRejected):
		return KindGatewayRejected

	case errors.Is(err, ErrGatewayUnavailable):
		return KindGatewayUnavailable

	case errors.Is(err, ErrReconciliationMismatch):
		return KindReconciliationMismatch

	case errors.Is(err, ErrNotFound):
		return KindNotFound

	case errors.Is(err, ErrValidation):
		return KindValidation

	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout

	case errors.Is(err, context.Canceled):
		return KindCanceled

	default:
		return KindInternal
	}
}

var kindToStatus = map[string]int{
	KindDuplicateRejected:      http.StatusConflict,
	KindConflict:               http.StatusConflict,
	KindInvalidTransition:      http.StatusUnprocessableEntity,
	KindValidation:             http.StatusUnprocessableEntity,
	KindNotFound:               http.StatusNotFound,
	KindGatewayRejected:        http.StatusPaymentRequired,
	KindGatewayUnavailable:     http.StatusServiceUnavailable,
	KindTimeout:                http.StatusGatewayTimeout,
	KindCanceled:               http.StatusRequestTimeout,
	KindReconciliationMismatch: http.StatusInternalServerError,
}

// HTTPStatus maps err to the response status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if s, ok := kindToStatus[Kind(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retriable reports whether the caller may retry err against fresh state.
func Retriable(err error) bool {
	switch Kind(err) {
	case KindConflict, KindGatewayUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}
