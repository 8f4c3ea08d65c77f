package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// tableMock is a small multi-table DynamoDB stand-in. It understands exactly
// the condition and update expressions this package sends.
type tableMock struct {
	mu     sync.Mutex
	keys   map[string][2]string // table -> partition key, sort key
	tables map[string]map[string]map[string]types.AttributeValue

	transactCalls int
}

func newTableMock() *tableMock {
	return &tableMock{
		keys: map[string][2]string{
			"conversations": {"conversation_id", ""},
			"events":        {"conversation_id", "seq"},
			"slots":         {"conversation_id", "slot_name"},
			"bids":          {"bid_id", ""},
			"bid_history":   {"bid_id", "version"},
			"payments":      {"payment_ref", ""},
			"orders":        {"order_id", ""},
			"idempotency":   {"idempotency_key", ""},
		},
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func testTables() Tables {
	return Tables{
		Conversations: "conversations",
		Events:        "events",
		Slots:         "slots",
		Bids:          "bids",
		BidHistory:    "bid_history",
		Payments:      "payments",
		Orders:        "orders",
	}
}

func attrString(v types.AttributeValue) string {
	switch a := v.(type) {
	case *types.AttributeValueMemberS:
		return a.Value
	case *types.AttributeValueMemberN:
		return a.Value
	case *types.AttributeValueMemberBOOL:
		return fmt.Sprint(a.Value)
	}
	return ""
}

func (m *tableMock) itemKey(table string, item map[string]types.AttributeValue) (string, error) {
	ks, ok := m.keys[table]
	if !ok {
		return "", fmt.Errorf("unknown table %s", table)
	}
	pk := item[ks[0]]
	if pk == nil {
		return "", fmt.Errorf("missing %s", ks[0])
	}
	k := attrString(pk)
	if ks[1] != "" {
		sk := item[ks[1]]
		if sk == nil {
			return "", fmt.Errorf("missing %s", ks[1])
		}
		k += "|" + attrString(sk)
	}
	return k, nil
}

func (m *tableMock) get(table string, key map[string]types.AttributeValue) (map[string]types.AttributeValue, string, error) {
	k, err := m.itemKey(table, key)
	if err != nil {
		return nil, "", err
	}
	return m.tables[table][k], k, nil
}

func (m *tableMock) put(table, k string, item map[string]types.AttributeValue) {
	if m.tables[table] == nil {
		m.tables[table] = map[string]map[string]types.AttributeValue{}
	}
	cp := make(map[string]types.AttributeValue, len(item))
	for a, v := range item {
		cp[a] = v
	}
	m.tables[table][k] = cp
}

func check(item map[string]types.AttributeValue, cond *string, values map[string]types.AttributeValue) (bool, error) {
	if cond == nil {
		return true, nil
	}
	eq := func(attr, placeholder string) bool {
		return item != nil && item[attr] != nil && attrString(item[attr]) == attrString(values[placeholder])
	}
	switch c := *cond; {
	case strings.HasPrefix(c, "attribute_not_exists(") && !strings.Contains(c, " "):
		attr := strings.TrimSuffix(strings.TrimPrefix(c, "attribute_not_exists("), ")")
		return item == nil || item[attr] == nil, nil
	case c == "attribute_exists(conversation_id)":
		return item != nil, nil
	case c == "version = :expected":
		return eq("version", ":expected"), nil
	case c == "last_seq = :expected":
		return eq("last_seq", ":expected"), nil
	case c == "#s = :expected":
		return eq("status", ":expected"), nil
	case c == "accepted_bid_id = :bid":
		return eq("accepted_bid_id", ":bid"), nil
	case c == "attribute_exists(conversation_id) AND (attribute_not_exists(accepted_bid_id) OR accepted_bid_id = :bid)":
		return item != nil && (item["accepted_bid_id"] == nil || eq("accepted_bid_id", ":bid")), nil
	}
	return false, fmt.Errorf("mock: unsupported condition %q", *cond)
}

func apply(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) {
	resolve := func(n string) string {
		if v, ok := names[n]; ok {
			return v
		}
		return n
	}
	switch {
	case strings.HasPrefix(expr, "SET "):
		for _, part := range strings.Split(strings.TrimPrefix(expr, "SET "), ", ") {
			lr := strings.SplitN(part, " = ", 2)
			item[resolve(lr[0])] = values[lr[1]]
		}
	case strings.HasPrefix(expr, "REMOVE "):
		delete(item, resolve(strings.TrimPrefix(expr, "REMOVE ")))
	}
}

func conditionFailed() error { return &types.ConditionalCheckFailedException{} }

func (m *tableMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, k, err := m.get(*params.TableName, params.Item)
	if err != nil {
		return nil, err
	}
	ok, err := check(cur, params.ConditionExpression, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	m.put(*params.TableName, k, params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *tableMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, _, err := m.get(*params.TableName, params.Key)
	if err != nil {
		return nil, err
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *tableMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, k, err := m.get(*params.TableName, params.Key)
	if err != nil {
		return nil, err
	}
	ok, err := check(cur, params.ConditionExpression, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	next := map[string]types.AttributeValue{}
	for a, v := range cur {
		next[a] = v
	}
	for a, v := range params.Key {
		next[a] = v
	}
	apply(next, *params.UpdateExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	m.put(*params.TableName, k, next)
	return &dyn.UpdateItemOutput{Attributes: next}, nil
}

func (m *tableMock) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lr := strings.SplitN(*params.KeyConditionExpression, " = ", 2)
	if len(lr) != 2 {
		return nil, errors.New("mock: unsupported key condition")
	}
	attr, want := lr[0], attrString(params.ExpressionAttributeValues[lr[1]])

	var items []map[string]types.AttributeValue
	for _, item := range m.tables[*params.TableName] {
		if item[attr] != nil && attrString(item[attr]) == want {
			items = append(items, item)
		}
	}
	sortKey := m.keys[*params.TableName][1]
	if params.IndexName != nil {
		sortKey = "updated_at"
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := attrString(items[i][sortKey]), attrString(items[j][sortKey])
		if len(a) != len(b) && sortKey != "updated_at" {
			return len(a) < len(b)
		}
		return a < b
	})
	if params.Limit != nil && int(*params.Limit) < len(items) {
		items = items[:*params.Limit]
	}
	return &dyn.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

func (m *tableMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactCalls++

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, it := range params.TransactItems {
		none := "None"
		reasons[i] = types.CancellationReason{Code: &none}
		var (
			cur  map[string]types.AttributeValue
			cond *string
			vals map[string]types.AttributeValue
			err  error
		)
		switch {
		case it.Put != nil:
			cur, _, err = m.get(*it.Put.TableName, it.Put.Item)
			cond, vals = it.Put.ConditionExpression, it.Put.ExpressionAttributeValues
		case it.Update != nil:
			cur, _, err = m.get(*it.Update.TableName, it.Update.Key)
			cond, vals = it.Update.ConditionExpression, it.Update.ExpressionAttributeValues
		}
		if err != nil {
			return nil, err
		}
		ok, err := check(cur, cond, vals)
		if err != nil {
			return nil, err
		}
		if !ok {
			code := "ConditionalCheckFailed"
			reasons[i] = types.CancellationReason{Code: &code}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	for _, it := range params.TransactItems {
		switch {
		case it.Put != nil:
			_, k, _ := m.get(*it.Put.TableName, it.Put.Item)
			m.put(*it.Put.TableName, k, it.Put.Item)
		case it.Update != nil:
			cur, k, _ := m.get(*it.Update.TableName, it.Update.Key)
			next := map[string]types.AttributeValue{}
			for a, v := range cur {
				next[a] = v
			}
			for a, v := range it.Update.Key {
				next[a] = v
			}
			apply(next, *it.Update.UpdateExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues)
			m.put(*it.Update.TableName, k, next)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}
