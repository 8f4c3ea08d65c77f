package dynamo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/plantbid/internal/ledger"
)

type conversationRecord struct {
	ConversationID string    `dynamodbav:"conversation_id"` // PK
	BuyerID        string    `dynamodbav:"buyer_id"`
	Status         string    `dynamodbav:"status"`
	LastSeq        int64     `dynamodbav:"last_seq"`
	AcceptedBidID  string    `dynamodbav:"accepted_bid_id,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
}

// eventRecord keeps the event body as JSON so decimal prices survive intact.
type eventRecord struct {
	ConversationID string `dynamodbav:"conversation_id"` // PK
	Seq            int64  `dynamodbav:"seq"`             // SK
	EventID        string `dynamodbav:"event_id"`
	Kind           string `dynamodbav:"kind"`
	IdempotencyKey string `dynamodbav:"idempotency_key"`
	Payload        string `dynamodbav:"payload"`
}

type slotRecord struct {
	ConversationID string `dynamodbav:"conversation_id"` // PK
	Name           string `dynamodbav:"slot_name"`       // SK
	Kind           string `dynamodbav:"kind"`
	Key            string `dynamodbav:"idempotency_key"`
	Seq            int64  `dynamodbav:"seq"`
}

// LedgerRepo implements ledger.Repository.
type LedgerRepo struct {
	db *DB
}

var _ ledger.Repository = (*LedgerRepo)(nil)

func (r *LedgerRepo) CreateConversation(ctx context.Context, c ledger.Conversation) (ledger.Conversation, error) {
	item, err := attributevalue.MarshalMap(conversationRecord{
		ConversationID: c.ID,
		BuyerID:        c.BuyerID,
		Status:         c.Status,
		LastSeq:        c.LastSeq,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	})
	if err != nil {
		return ledger.Conversation{}, fmt.Errorf("marshal conversation: %w", err)
	}
	_, err = r.db.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &r.db.tables.Conversations,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(conversation_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			existing, gerr := r.GetConversation(ctx, c.ID)
			if gerr != nil {
				return ledger.Conversation{}, gerr
			}
			if existing != nil {
				return *existing, nil
			}
		}
		return ledger.Conversation{}, fmt.Errorf("put conversation: %w", err)
	}
	return c, nil
}

func (r *LedgerRepo) GetConversation(ctx context.Context, id string) (*ledger.Conversation, error) {
	out, err := r.db.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &r.db.tables.Conversations,
		Key:            map[string]types.AttributeValue{"conversation_id": attrS(id)},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec conversationRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &ledger.Conversation{
		ID:            rec.ConversationID,
		BuyerID:       rec.BuyerID,
		Status:        rec.Status,
		LastSeq:       rec.LastSeq,
		AcceptedBidID: rec.AcceptedBidID,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}

func (r *LedgerRepo) CompleteConversation(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &r.db.tables.Conversations,
		Key:                      map[string]types.AttributeValue{"conversation_id": attrS(id)},
		UpdateExpression:         awsString("SET #s = :completed, updated_at = :ua"),
		ConditionExpression:      awsString("attribute_exists(conversation_id)"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": attrS(ledger.ConversationCompleted),
			":ua":        attrS(at.UTC().Format(time.RFC3339Nano)),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("complete conversation: %w", err)
	}
	return nil
}

func (r *LedgerRepo) GetSlot(ctx context.Context, conversationID, name string) (*ledger.Slot, error) {
	out, err := r.db.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &r.db.tables.Slots,
		Key: map[string]types.AttributeValue{
			"conversation_id": attrS(conversationID),
			"slot_name":       attrS(name),
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec slotRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal slot: %w", err)
	}
	return &ledger.Slot{
		ConversationID: rec.ConversationID,
		Name:           rec.Name,
		Kind:           ledger.Kind(rec.Kind),
		Key:            rec.Key,
		Seq:            rec.Seq,
	}, nil
}

// AppendEvent advances last_seq, stores the event and overwrites the slot in
// one transaction. A failed last_seq condition is a lost sequence race.
func (r *LedgerRepo) AppendEvent(ctx context.Context, ev ledger.Event, slot ledger.Slot, expectedSeq int64) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	evItem, err := attributevalue.MarshalMap(eventRecord{
		ConversationID: ev.ConversationID,
		Seq:            ev.Seq,
		EventID:        ev.ID,
		Kind:           string(ev.Kind),
		IdempotencyKey: ev.IdempotencyKey,
		Payload:        string(payload),
	})
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}
	slotItem, err := attributevalue.MarshalMap(slotRecord{
		ConversationID: slot.ConversationID,
		Name:           slot.Name,
		Kind:           string(slot.Kind),
		Key:            slot.Key,
		Seq:            slot.Seq,
	})
	if err != nil {
		return fmt.Errorf("marshal slot: %w", err)
	}

	_, err = r.db.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           &r.db.tables.Conversations,
					Key:                 map[string]types.AttributeValue{"conversation_id": attrS(ev.ConversationID)},
					UpdateExpression:    awsString("SET last_seq = :next, updated_at = :ua"),
					ConditionExpression: awsString("last_seq = :expected"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":next":     attrN(ev.Seq),
						":expected": attrN(expectedSeq),
						":ua":       attrS(ev.Timestamp.UTC().Format(time.RFC3339Nano)),
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           &r.db.tables.Events,
					Item:                evItem,
					ConditionExpression: awsString("attribute_not_exists(seq)"),
				},
			},
			{
				Put: &types.Put{
					TableName: &r.db.tables.Slots,
					Item:      slotItem,
				},
			},
		},
	})
	if err != nil {
		if canceledAt(err, 0) || canceledAt(err, 1) {
			return ledger.ErrSequenceConflict
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (r *LedgerRepo) ListEvents(ctx context.Context, conversationID string) ([]ledger.Event, error) {
	var out []ledger.Event
	var start map[string]types.AttributeValue
	for {
		page, err := r.db.client.Query(ctx, &dyn.QueryInput{
			TableName:                 &r.db.tables.Events,
			KeyConditionExpression:    awsString("conversation_id = :c"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":c": attrS(conversationID)},
			ScanIndexForward:          awsBool(true),
			ConsistentRead:            awsBool(true),
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		for _, item := range page.Items {
			var rec eventRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("unmarshal event record: %w", err)
			}
			var ev ledger.Event
			if err := json.Unmarshal([]byte(rec.Payload), &ev); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", rec.Seq, err)
			}
			out = append(out, ev)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}
