package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Key prefixes. A claim key is unique within its scope.
const (
	ScopeWebhookEvent = "webhook"
	ScopeBidPayment   = "bid-payment"
)

// Key joins a scope and an id into a record key.
func Key(scope, id string) string { return scope + "#" + id }

// Record is the shape persisted in the idempotency DynamoDB table.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	Owner          string    `dynamodbav:"owner,omitempty"` // e.g. the payment ref holding a bid claim
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at,omitempty"` // TTL epoch seconds, 0 keeps forever
	Note           string    `dynamodbav:"note,omitempty"`
}
