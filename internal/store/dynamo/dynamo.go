// Package dynamo persists the ledger, bids, payments and orders in DynamoDB.
// Every state change is a conditional write or a TransactWriteItems call, so
// concurrent writers lose with a conflict instead of overwriting each other.
package dynamo

import (
	"errors"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/plantbid/internal/aws"
	"github.com/imrishuroy/plantbid/internal/idempotency"
)

// Tables names every table the store uses.
type Tables struct {
	Conversations string
	Events        string
	Slots         string
	Bids          string
	BidHistory    string
	Payments      string
	Orders        string
}

// Index names.
const (
	bidsByConversationIndex = "conversation-index"
	paymentsReconcileIndex  = "reconcile-index"
)

// DB bundles the repositories over one client.
type DB struct {
	client aws.DynamoDBAPI
	tables Tables
	claims *idempotency.Store
}

// New returns a DB. claims holds the one-payment-per-bid claim records.
func New(client aws.DynamoDBAPI, tables Tables, claims *idempotency.Store) *DB {
	return &DB{client: client, tables: tables, claims: claims}
}

// Ledger returns the ledger repository.
func (db *DB) Ledger() *LedgerRepo { return &LedgerRepo{db: db} }

// Bids returns the bid repository.
func (db *DB) Bids() *BidRepo { return &BidRepo{db: db} }

// Payments returns the payment repository.
func (db *DB) Payments() *PaymentRepo { return &PaymentRepo{db: db} }

// Orders returns the order repository.
func (db *DB) Orders() *OrderRepo { return &OrderRepo{db: db} }

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "ConditionalCheckFailedException"
}

// canceledAt reports whether the transaction was cancelled because the
// condition of item i failed. Without reasons any cancellation counts.
func canceledAt(err error, i int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if len(tce.CancellationReasons) == 0 {
		return true
	}
	if i >= len(tce.CancellationReasons) {
		return false
	}
	code := tce.CancellationReasons[i].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

// anyConditionFailed reports whether a transaction was cancelled by any failed condition.
func anyConditionFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if len(tce.CancellationReasons) == 0 {
		return true
	}
	for i := range tce.CancellationReasons {
		if canceledAt(err, i) {
			return true
		}
	}
	return false
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(n int32) *int32    { return &n }

func attrS(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func attrN(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}
