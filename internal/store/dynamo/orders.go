package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/plantbid/internal/orders"
)

type orderRecord struct {
	OrderID        string    `dynamodbav:"order_id"` // PK
	BidID          string    `dynamodbav:"bid_id"`
	ConversationID string    `dynamodbav:"conversation_id"`
	BuyerID        string    `dynamodbav:"buyer_id"`
	VendorID       string    `dynamodbav:"vendor_id"`
	ProductRef     string    `dynamodbav:"product_ref"`
	PaymentRef     string    `dynamodbav:"payment_ref,omitempty"`
	Price          string    `dynamodbav:"price"` // decimal string
	Status         string    `dynamodbav:"status"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
}

// OrderRepo implements orders.Repository.
type OrderRepo struct {
	db *DB
}

var _ orders.Repository = (*OrderRepo)(nil)

func (r *OrderRepo) CreateOrder(ctx context.Context, o orders.Order) (orders.Order, bool, error) {
	item, err := attributevalue.MarshalMap(orderRecord{
		OrderID:        o.ID,
		BidID:          o.BidID,
		ConversationID: o.ConversationID,
		BuyerID:        o.BuyerID,
		VendorID:       o.VendorID,
		ProductRef:     o.ProductRef,
		PaymentRef:     o.PaymentRef,
		Price:          o.Price.String(),
		Status:         string(o.Status),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	})
	if err != nil {
		return orders.Order{}, false, fmt.Errorf("marshal order item: %w", err)
	}
	_, err = r.db.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &r.db.tables.Orders,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			existing, gerr := r.GetOrder(ctx, o.ID)
			if gerr != nil {
				return orders.Order{}, false, gerr
			}
			if existing != nil {
				return *existing, false, nil
			}
		}
		return orders.Order{}, false, fmt.Errorf("put order: %w", err)
	}
	return o, true, nil
}

// GetOrder fetches an order by order_id. Returns (nil, nil) if not found.
func (r *OrderRepo) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	out, err := r.db.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &r.db.tables.Orders,
		Key:            map[string]types.AttributeValue{"order_id": attrS(id)},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec orderRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	price, err := decimal.NewFromString(rec.Price)
	if err != nil {
		return nil, fmt.Errorf("order %s price %q: %w", rec.OrderID, rec.Price, err)
	}
	return &orders.Order{
		ID:             rec.OrderID,
		BidID:          rec.BidID,
		ConversationID: rec.ConversationID,
		BuyerID:        rec.BuyerID,
		VendorID:       rec.VendorID,
		ProductRef:     rec.ProductRef,
		PaymentRef:     rec.PaymentRef,
		Price:          price,
		Status:         orders.Status(rec.Status),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}, nil
}

// UpdateStatus conditionally updates the order status from expected -> next.
// Returns orders.ErrStatusMismatch if the condition failed.
func (r *OrderRepo) UpdateStatus(ctx context.Context, id string, expected, next orders.Status, at time.Time) error {
	input := &dyn.UpdateItemInput{
		TableName:                &r.db.tables.Orders,
		Key:                      map[string]types.AttributeValue{"order_id": attrS(id)},
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      attrS(string(next)),
			":ua":       attrS(at.UTC().Format(time.RFC3339Nano)),
			":expected": attrS(string(expected)),
		},
		ConditionExpression: awsString("#s = :expected"),
	}
	_, err := r.db.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			return orders.ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}
