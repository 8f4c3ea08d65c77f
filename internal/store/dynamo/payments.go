package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/idempotency"
	"github.com/imrishuroy/plantbid/internal/payments"
)

// reconcileDue is the partition value of the sparse reconcile index; only
// payments that need a gateway check carry the attribute.
const reconcileDue = "due"

type paymentRecord struct {
	PaymentRef                   string     `dynamodbav:"payment_ref"` // PK
	BuyerID                      string     `dynamodbav:"buyer_id"`
	BidID                        string     `dynamodbav:"bid_id,omitempty"`
	OrderID                      string     `dynamodbav:"order_id,omitempty"`
	Status                       string     `dynamodbav:"status"`
	GatewayKey                   string     `dynamodbav:"gateway_key,omitempty"`
	Amount                       string     `dynamodbav:"amount"` // decimal string
	CancelRequested              bool       `dynamodbav:"cancel_requested"`
	CancelReason                 string     `dynamodbav:"cancel_reason,omitempty"`
	PendingGatewayReconciliation bool       `dynamodbav:"pending_gateway_reconciliation"`
	NeedsManualReview            bool       `dynamodbav:"needs_manual_review"`
	FailureKind                  string     `dynamodbav:"failure_kind,omitempty"`
	FailureReason                string     `dynamodbav:"failure_reason,omitempty"`
	Attempts                     int        `dynamodbav:"attempts"`
	Version                      int64      `dynamodbav:"version"`
	CreatedAt                    time.Time  `dynamodbav:"created_at"`
	UpdatedAt                    time.Time  `dynamodbav:"updated_at"`
	ConfirmedAt                  *time.Time `dynamodbav:"confirmed_at,omitempty"`
	CancelledAt                  *time.Time `dynamodbav:"cancelled_at,omitempty"`
	Reconcile                    string     `dynamodbav:"reconcile,omitempty"` // GSI PK, sparse
}

func toPaymentRecord(p payments.Payment) paymentRecord {
	rec := paymentRecord{
		PaymentRef:                   p.Ref,
		BuyerID:                      p.BuyerID,
		BidID:                        p.BidID,
		OrderID:                      p.OrderID,
		Status:                       string(p.Status),
		GatewayKey:                   p.GatewayKey,
		Amount:                       p.Amount.String(),
		CancelRequested:              p.CancelRequested,
		CancelReason:                 p.CancelReason,
		PendingGatewayReconciliation: p.PendingGatewayReconciliation,
		NeedsManualReview:            p.NeedsManualReview,
		FailureKind:                  p.FailureKind,
		FailureReason:                p.FailureReason,
		Attempts:                     p.Attempts,
		Version:                      p.Version,
		CreatedAt:                    p.CreatedAt,
		UpdatedAt:                    p.UpdatedAt,
		ConfirmedAt:                  p.ConfirmedAt,
		CancelledAt:                  p.CancelledAt,
	}
	if p.NeedsReconcile() {
		rec.Reconcile = reconcileDue
	}
	return rec
}

func (rec paymentRecord) payment() (payments.Payment, error) {
	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		return payments.Payment{}, fmt.Errorf("payment %s amount %q: %w", rec.PaymentRef, rec.Amount, err)
	}
	return payments.Payment{
		Ref:                          rec.PaymentRef,
		BuyerID:                      rec.BuyerID,
		BidID:                        rec.BidID,
		OrderID:                      rec.OrderID,
		Status:                       payments.Status(rec.Status),
		GatewayKey:                   rec.GatewayKey,
		Amount:                       amount,
		CancelRequested:              rec.CancelRequested,
		CancelReason:                 rec.CancelReason,
		PendingGatewayReconciliation: rec.PendingGatewayReconciliation,
		NeedsManualReview:            rec.NeedsManualReview,
		FailureKind:                  rec.FailureKind,
		FailureReason:                rec.FailureReason,
		Attempts:                     rec.Attempts,
		Version:                      rec.Version,
		CreatedAt:                    rec.CreatedAt,
		UpdatedAt:                    rec.UpdatedAt,
		ConfirmedAt:                  rec.ConfirmedAt,
		CancelledAt:                  rec.CancelledAt,
	}, nil
}

// PaymentRepo implements payments.Repository.
type PaymentRepo struct {
	db *DB
}

var _ payments.Repository = (*PaymentRepo)(nil)

// CreatePayment writes the payment together with the bid's claim record, so
// a bid never gets a second payment. When the claim exists the claimed
// payment is returned.
func (r *PaymentRepo) CreatePayment(ctx context.Context, p payments.Payment) (payments.Payment, bool, error) {
	item, err := attributevalue.MarshalMap(toPaymentRecord(p))
	if err != nil {
		return payments.Payment{}, false, fmt.Errorf("marshal payment: %w", err)
	}
	put := types.TransactWriteItem{
		Put: &types.Put{
			TableName:           &r.db.tables.Payments,
			Item:                item,
			ConditionExpression: awsString("attribute_not_exists(payment_ref)"),
		},
	}

	if p.BidID == "" {
		_, err = r.db.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:           put.Put.TableName,
			Item:                put.Put.Item,
			ConditionExpression: put.Put.ConditionExpression,
		})
		if err != nil {
			if isConditionFailed(err) {
				return payments.Payment{}, false, fmt.Errorf("payment %s exists: %w", p.Ref, apperr.ErrConflict)
			}
			return payments.Payment{}, false, fmt.Errorf("put payment: %w", err)
		}
		return p, true, nil
	}

	claimKey := idempotency.Key(idempotency.ScopeBidPayment, p.BidID)
	claim, err := r.db.claims.ClaimItem(claimKey, p.Ref)
	if err != nil {
		return payments.Payment{}, false, err
	}
	_, err = r.db.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{claim, put},
	})
	if err == nil {
		return p, true, nil
	}
	if !canceledAt(err, 0) {
		if anyConditionFailed(err) {
			return payments.Payment{}, false, fmt.Errorf("payment %s exists: %w", p.Ref, apperr.ErrConflict)
		}
		return payments.Payment{}, false, fmt.Errorf("create payment: %w", err)
	}

	rec, err := r.db.claims.Get(ctx, claimKey)
	if err != nil {
		return payments.Payment{}, false, err
	}
	if rec == nil || rec.Owner == "" {
		return payments.Payment{}, false, fmt.Errorf("bid %s claim without owner: %w", p.BidID, apperr.ErrConflict)
	}
	existing, err := r.GetPayment(ctx, rec.Owner)
	if err != nil {
		return payments.Payment{}, false, err
	}
	if existing == nil {
		return payments.Payment{}, false, fmt.Errorf("claimed payment %s: %w", rec.Owner, apperr.ErrNotFound)
	}
	return *existing, false, nil
}

func (r *PaymentRepo) GetPayment(ctx context.Context, ref string) (*payments.Payment, error) {
	out, err := r.db.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &r.db.tables.Payments,
		Key:            map[string]types.AttributeValue{"payment_ref": attrS(ref)},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec paymentRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal payment: %w", err)
	}
	p, err := rec.payment()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepo) UpdatePayment(ctx context.Context, next payments.Payment, expectedVersion int64) error {
	item, err := attributevalue.MarshalMap(toPaymentRecord(next))
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	_, err = r.db.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &r.db.tables.Payments,
		Item:                item,
		ConditionExpression: awsString("version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": attrN(expectedVersion),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("payment %s version %d is stale: %w", next.Ref, expectedVersion, apperr.ErrConflict)
		}
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

// ListReconcilable reads the sparse reconcile index, oldest first.
func (r *PaymentRepo) ListReconcilable(ctx context.Context, limit int) ([]payments.Payment, error) {
	in := &dyn.QueryInput{
		TableName:                 &r.db.tables.Payments,
		IndexName:                 awsString(paymentsReconcileIndex),
		KeyConditionExpression:    awsString("reconcile = :due"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":due": attrS(reconcileDue)},
		ScanIndexForward:          awsBool(true),
	}
	if limit > 0 {
		in.Limit = awsInt32(int32(limit))
	}
	out, err := r.db.client.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("query reconcile index: %w", err)
	}
	list := make([]payments.Payment, 0, len(out.Items))
	for _, item := range out.Items {
		var rec paymentRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal payment: %w", err)
		}
		p, err := rec.payment()
		if err != nil {
			return nil, err
		}
		if p.NeedsReconcile() {
			list = append(list, p)
		}
	}
	return list, nil
}
