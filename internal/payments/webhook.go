package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/idempotency"
)

// SignatureHeader carries the gateway's HMAC of the webhook body.
const SignatureHeader = "X-Gateway-Signature"

// EventDeduper remembers which webhook events were processed.
type EventDeduper interface {
	CreateIfNotExists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	MarkDone(ctx context.Context, key, responseBody string) error
	MarkFailed(ctx context.Context, key, note string) error
}

// SetEventDeduper enables webhook deduplication by event id.
func (s *Service) SetEventDeduper(d EventDeduper) {
	s.events = d
}

// WebhookEvent is the gateway's asynchronous status notification.
type WebhookEvent struct {
	EventID    string        `json:"eventId"`
	PaymentRef string        `json:"paymentRef"`
	Status     GatewayStatus `json:"status"`
}

// VerifySignature checks a "sha256=<hex>" signature of body under secret.
func VerifySignature(secret, signature string, body []byte) bool {
	if secret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// HandleWebhook verifies and applies a gateway notification. The reported
// status is only a hint: the payment is reconciled against a fresh lookup.
func (s *Service) HandleWebhook(ctx context.Context, secret, signature string, body []byte) (Result, error) {
	if !VerifySignature(secret, signature, body) {
		return Result{}, fmt.Errorf("bad webhook signature: %w", apperr.ErrValidation)
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Result{}, fmt.Errorf("decode webhook: %w: %w", apperr.ErrValidation, err)
	}
	if ev.PaymentRef == "" {
		return Result{}, fmt.Errorf("webhook without paymentRef: %w", apperr.ErrValidation)
	}
	s.log.Info("gateway webhook",
		"event_id", ev.EventID,
		"payment_ref", ev.PaymentRef,
		"status", ev.Status)

	if s.events == nil || ev.EventID == "" {
		return s.Reconcile(ctx, ev.PaymentRef)
	}

	key := idempotency.Key(idempotency.ScopeWebhookEvent, ev.EventID)
	created, err := s.events.CreateIfNotExists(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("claim webhook event: %w", err)
	}
	if !created {
		rec, err := s.events.Get(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("get webhook event: %w", err)
		}
		if rec != nil && rec.Status == idempotency.StatusDone {
			s.log.Info("duplicate webhook ignored", "event_id", ev.EventID)
			var res Result
			if json.Unmarshal([]byte(rec.ResponseBody), &res) == nil && res.PaymentRef != "" {
				return res, nil
			}
			p, err := s.Get(ctx, ev.PaymentRef)
			if err != nil {
				return Result{}, err
			}
			return resultOf(p), nil
		}
		// in progress elsewhere or failed before: reconciling again is harmless
	}

	res, err := s.Reconcile(ctx, ev.PaymentRef)
	if err != nil {
		if markErr := s.events.MarkFailed(ctx, key, err.Error()); markErr != nil {
			s.log.Warn("mark webhook failed", "event_id", ev.EventID, "error", markErr)
		}
		return res, err
	}
	stored, _ := json.Marshal(res)
	if err := s.events.MarkDone(ctx, key, string(stored)); err != nil {
		s.log.Warn("mark webhook done", "event_id", ev.EventID, "error", err)
	}
	return res, nil
}
