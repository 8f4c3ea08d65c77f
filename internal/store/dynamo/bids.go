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
	"github.com/imrishuroy/plantbid/internal/bids"
)

type bidRecord struct {
	BidID              string    `dynamodbav:"bid_id"` // PK
	ConversationID     string    `dynamodbav:"conversation_id"`
	BuyerID            string    `dynamodbav:"buyer_id"`
	VendorID           string    `dynamodbav:"vendor_id"`
	ProductRef         string    `dynamodbav:"product_ref"`
	SelectedProductRef string    `dynamodbav:"selected_product_ref,omitempty"`
	Price              string    `dynamodbav:"price,omitempty"` // decimal string
	Status             string    `dynamodbav:"status"`
	PaymentRef         string    `dynamodbav:"payment_ref,omitempty"`
	Reason             string    `dynamodbav:"reason,omitempty"`
	Version            int64     `dynamodbav:"version"`
	CreatedAt          time.Time `dynamodbav:"created_at"`
	UpdatedAt          time.Time `dynamodbav:"updated_at"`
}

type historyRecord struct {
	BidID   string    `dynamodbav:"bid_id"`  // PK
	Version int64     `dynamodbav:"version"` // SK
	From    string    `dynamodbav:"from_status"`
	To      string    `dynamodbav:"to_status"`
	Actor   string    `dynamodbav:"actor"`
	Reason  string    `dynamodbav:"reason,omitempty"`
	At      time.Time `dynamodbav:"at"`
}

func toBidRecord(b bids.Bid) bidRecord {
	rec := bidRecord{
		BidID:              b.ID,
		ConversationID:     b.ConversationID,
		BuyerID:            b.BuyerID,
		VendorID:           b.VendorID,
		ProductRef:         b.ProductRef,
		SelectedProductRef: b.SelectedProductRef,
		Status:             string(b.Status),
		PaymentRef:         b.PaymentRef,
		Reason:             b.Reason,
		Version:            b.Version,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
	if b.Price != nil {
		rec.Price = b.Price.String()
	}
	return rec
}

func (rec bidRecord) bid() (bids.Bid, error) {
	b := bids.Bid{
		ID:                 rec.BidID,
		ConversationID:     rec.ConversationID,
		BuyerID:            rec.BuyerID,
		VendorID:           rec.VendorID,
		ProductRef:         rec.ProductRef,
		SelectedProductRef: rec.SelectedProductRef,
		Status:             bids.Status(rec.Status),
		PaymentRef:         rec.PaymentRef,
		Reason:             rec.Reason,
		Version:            rec.Version,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
	if rec.Price != "" {
		p, err := decimal.NewFromString(rec.Price)
		if err != nil {
			return bids.Bid{}, fmt.Errorf("bid %s price %q: %w", rec.BidID, rec.Price, err)
		}
		b.Price = &p
	}
	return b, nil
}

// BidRepo implements bids.Repository.
type BidRepo struct {
	db *DB
}

var _ bids.Repository = (*BidRepo)(nil)

func (r *BidRepo) CreateBid(ctx context.Context, b bids.Bid) (bids.Bid, bool, error) {
	item, err := attributevalue.MarshalMap(toBidRecord(b))
	if err != nil {
		return bids.Bid{}, false, fmt.Errorf("marshal bid: %w", err)
	}
	_, err = r.db.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &r.db.tables.Bids,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(bid_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			existing, gerr := r.GetBid(ctx, b.ID)
			if gerr != nil {
				return bids.Bid{}, false, gerr
			}
			if existing != nil {
				return *existing, false, nil
			}
		}
		return bids.Bid{}, false, fmt.Errorf("put bid: %w", err)
	}
	return b, true, nil
}

func (r *BidRepo) GetBid(ctx context.Context, id string) (*bids.Bid, error) {
	out, err := r.db.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &r.db.tables.Bids,
		Key:            map[string]types.AttributeValue{"bid_id": attrS(id)},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get bid: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec bidRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal bid: %w", err)
	}
	b, err := rec.bid()
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListByConversation reads the conversation GSI. Index reads are eventually
// consistent; acceptance is still serialised by the conversation claim.
func (r *BidRepo) ListByConversation(ctx context.Context, conversationID string) ([]bids.Bid, error) {
	var out []bids.Bid
	var start map[string]types.AttributeValue
	for {
		page, err := r.db.client.Query(ctx, &dyn.QueryInput{
			TableName:                 &r.db.tables.Bids,
			IndexName:                 awsString(bidsByConversationIndex),
			KeyConditionExpression:    awsString("conversation_id = :c"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":c": attrS(conversationID)},
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("query bids: %w", err)
		}
		for _, item := range page.Items {
			var rec bidRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("unmarshal bid: %w", err)
			}
			b, err := rec.bid()
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

// UpdateBid writes the bid under a version condition together with its
// history row and, when asked, the conversation's acceptance claim.
func (r *BidRepo) UpdateBid(ctx context.Context, next bids.Bid, expectedVersion int64, entry bids.HistoryEntry, claim bids.Claim) error {
	bidItem, err := attributevalue.MarshalMap(toBidRecord(next))
	if err != nil {
		return fmt.Errorf("marshal bid: %w", err)
	}
	histItem, err := attributevalue.MarshalMap(historyRecord{
		BidID:   entry.BidID,
		Version: entry.Version,
		From:    string(entry.From),
		To:      string(entry.To),
		Actor:   string(entry.Actor),
		Reason:  entry.Reason,
		At:      entry.At,
	})
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &r.db.tables.Bids,
				Item:                bidItem,
				ConditionExpression: awsString("version = :expected"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":expected": attrN(expectedVersion),
				},
			},
		},
		{
			Put: &types.Put{
				TableName:           &r.db.tables.BidHistory,
				Item:                histItem,
				ConditionExpression: awsString("attribute_not_exists(version)"),
			},
		},
	}

	convKey := map[string]types.AttributeValue{"conversation_id": attrS(next.ConversationID)}
	switch claim {
	case bids.ClaimAcquire:
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:           &r.db.tables.Conversations,
				Key:                 convKey,
				UpdateExpression:    awsString("SET accepted_bid_id = :bid"),
				ConditionExpression: awsString("attribute_exists(conversation_id) AND (attribute_not_exists(accepted_bid_id) OR accepted_bid_id = :bid)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":bid": attrS(next.ID),
				},
			},
		})
	case bids.ClaimRelease:
		conv, err := r.db.Ledger().GetConversation(ctx, next.ConversationID)
		if err != nil {
			return err
		}
		if conv != nil && conv.AcceptedBidID == next.ID {
			items = append(items, types.TransactWriteItem{
				Update: &types.Update{
					TableName:           &r.db.tables.Conversations,
					Key:                 convKey,
					UpdateExpression:    awsString("REMOVE accepted_bid_id"),
					ConditionExpression: awsString("accepted_bid_id = :bid"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":bid": attrS(next.ID),
					},
				},
			})
		}
	}

	_, err = r.db.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		switch {
		case canceledAt(err, 0):
			return fmt.Errorf("bid %s version %d is stale: %w", next.ID, expectedVersion, apperr.ErrConflict)
		case len(items) > 2 && canceledAt(err, 2):
			return fmt.Errorf("acceptance of %s held by another bid: %w", next.ConversationID, apperr.ErrConflict)
		case anyConditionFailed(err):
			return fmt.Errorf("update bid %s: %w", next.ID, apperr.ErrConflict)
		}
		return fmt.Errorf("update bid: %w", err)
	}
	return nil
}

func (r *BidRepo) History(ctx context.Context, bidID string) ([]bids.HistoryEntry, error) {
	out, err := r.db.client.Query(ctx, &dyn.QueryInput{
		TableName:                 &r.db.tables.BidHistory,
		KeyConditionExpression:    awsString("bid_id = :b"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":b": attrS(bidID)},
		ScanIndexForward:          awsBool(true),
		ConsistentRead:            awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	entries := make([]bids.HistoryEntry, 0, len(out.Items))
	for _, item := range out.Items {
		var rec historyRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
		entries = append(entries, bids.HistoryEntry{
			BidID:   rec.BidID,
			Version: rec.Version,
			From:    bids.Status(rec.From),
			To:      bids.Status(rec.To),
			Actor:   bids.Actor(rec.Actor),
			Reason:  rec.Reason,
			At:      rec.At,
		})
	}
	return entries, nil
}
