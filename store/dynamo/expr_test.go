package dynamo

import (
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
	"github.com/jacentio/espalier/store"
)

// --- name Tests ---

func TestExprName_ReusesAliases(t *testing.T) {
	e := newExpr()
	if got := e.name("customer.name"); got != "#attr0.#attr1" {
		t.Errorf("expected '#attr0.#attr1', got %q", got)
	}
	if got := e.name("name"); got != "#attr1" {
		t.Errorf("expected '#attr1', got %q", got)
	}
	if len(e.names) != 2 {
		t.Errorf("expected 2 names, got %d", len(e.names))
	}
	if e.names["#attr0"] != "customer" {
		t.Errorf("expected #attr0 to name 'customer', got %q", e.names["#attr0"])
	}
}

// --- condition Tests ---

func TestExprCondition_Operators(t *testing.T) {
	tests := []struct {
		name     string
		cond     query.Cond
		expected string
	}{
		{"eq", query.Cond{Path: "a", Op: query.Eq, Value: int64(1)}, "#attr0 = :val0"},
		{"eq nil", query.Cond{Path: "a", Op: query.Eq}, "attribute_not_exists(#attr0)"},
		{"ne", query.Cond{Path: "a", Op: query.Ne, Value: "x"}, "(attribute_not_exists(#attr0) OR #attr0 <> :val0)"},
		{"ne nil", query.Cond{Path: "a", Op: query.Ne}, "attribute_exists(#attr0)"},
		{"gt", query.Cond{Path: "a", Op: query.Gt, Value: int64(1)}, "#attr0 > :val0"},
		{"gte", query.Cond{Path: "a", Op: query.Gte, Value: int64(1)}, "#attr0 >= :val0"},
		{"lt", query.Cond{Path: "a", Op: query.Lt, Value: int64(1)}, "#attr0 < :val0"},
		{"lte", query.Cond{Path: "a", Op: query.Lte, Value: int64(1)}, "#attr0 <= :val0"},
		{"exists", query.Cond{Path: "a", Op: query.Exists, Value: true}, "attribute_exists(#attr0)"},
		{"not exists", query.Cond{Path: "a", Op: query.Exists, Value: false}, "attribute_not_exists(#attr0)"},
		{"size", query.Cond{Path: "a", Op: query.Size, Value: int64(2)}, "size(#attr0) = :val0"},
		{"in", query.Cond{Path: "a", Op: query.In, Value: []any{"x", "y"}}, "#attr0 IN (:val0, :val1)"},
		{"nested", query.Cond{Path: "a.b", Op: query.Eq, Value: "x"}, "#attr0.#attr1 = :val0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExpr()
			result, err := e.condition(query.Filter{tt.cond})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestExprCondition_SkipsIdentity(t *testing.T) {
	e := newExpr()
	result, err := e.condition(query.ID(int64(1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "" {
		t.Errorf("expected empty condition, got %q", result)
	}
	if e.attributeNames() != nil || e.attributeValues() != nil {
		t.Error("expected no expression attributes")
	}
}

func TestExprCondition_Unsupported(t *testing.T) {
	for _, c := range []query.Cond{
		{Path: "a", Op: query.Nin, Value: []any{"x"}},
		{Path: "a", Op: query.All, Value: []any{"x"}},
		{Path: "a", Op: query.In, Value: []any{}},
	} {
		e := newExpr()
		if _, err := e.condition(query.Filter{c}); !errors.Is(err, ErrUnsupportedFilter) {
			t.Errorf("%s: expected ErrUnsupportedFilter, got %v", c, err)
		}
	}
}

// --- update Tests ---

func TestExprUpdate_SetUnsetInc(t *testing.T) {
	e := newExpr()
	result, err := e.update(store.Update{
		Set:   model.Data{"name": "Ann", "email": "ann@example.com"},
		Unset: []string{"note"},
		Inc:   map[string]int64{"_version": 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "SET #attr0 = :val0, #attr1 = :val1, #attr2 = if_not_exists(#attr2, :val2) + :val3 REMOVE #attr3"
	if result != expected {
		t.Errorf("expected %q, got %q", expected, result)
	}
	if e.names["#attr0"] != "email" || e.names["#attr3"] != "note" {
		t.Errorf("unexpected names %v", e.names)
	}
	if n, ok := e.values[":val3"].(*types.AttributeValueMemberN); !ok || n.Value != "1" {
		t.Errorf("expected increment of 1, got %#v", e.values[":val3"])
	}
}

func TestExprUpdate_Empty(t *testing.T) {
	e := newExpr()
	result, err := e.update(store.Update{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "" {
		t.Errorf("expected empty expression, got %q", result)
	}
}

// --- updateInput Tests ---

func TestUpdateInput_LeaseAcquire(t *testing.T) {
	b := New(nil, WithTablePrefix("shop-"))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	filter := query.ID(int64(1)).And(
		query.Cond{Path: model.MutexKey, Op: query.Lt, Value: now},
		query.Cond{Path: model.VersionKey, Op: query.Eq, Value: int64(2)},
	)

	input, err := b.updateInput("orders", int64(1), filter, store.Update{Set: model.Data{model.MutexKey: now.Add(30 * time.Second)}}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *input.TableName != "shop-orders" {
		t.Errorf("expected table 'shop-orders', got %q", *input.TableName)
	}
	if key := input.Key[KeyAttribute].(*types.AttributeValueMemberS).Value; key != "1" {
		t.Errorf("expected key '1', got %q", key)
	}
	if *input.ConditionExpression != "attribute_exists(#attr2) AND #attr0 < :val0 AND #attr1 = :val1" {
		t.Errorf("unexpected condition %q", *input.ConditionExpression)
	}
	if *input.UpdateExpression != "SET #attr0 = :val2" {
		t.Errorf("unexpected update %q", *input.UpdateExpression)
	}
	if s := input.ExpressionAttributeValues[":val0"].(*types.AttributeValueMemberS).Value; s != "2024-03-01T12:00:00.000000000Z" {
		t.Errorf("expected fixed-width time, got %q", s)
	}
}

func TestUpdateInput_UpsertSeedsIdentity(t *testing.T) {
	b := New(nil)
	input, err := b.updateInput("counters", "orders.pk", query.ID("orders.pk"), store.Update{Inc: map[string]int64{"next": 1}}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if input.ConditionExpression != nil {
		t.Errorf("expected no condition, got %q", *input.ConditionExpression)
	}
	expected := "SET #attr0 = :val0, #attr1 = if_not_exists(#attr1, :val1) + :val2"
	if *input.UpdateExpression != expected {
		t.Errorf("expected %q, got %q", expected, *input.UpdateExpression)
	}
	if input.ExpressionAttributeNames["#attr0"] != model.IdentityKey {
		t.Errorf("expected %s to be seeded, got %v", model.IdentityKey, input.ExpressionAttributeNames)
	}
}

func TestUpdateInput_UpsertWithCondition(t *testing.T) {
	b := New(nil)
	filter := query.ID("k").And(query.Cond{Path: "owner", Op: query.Eq, Value: "ann"})
	input, err := b.updateInput("locks", "k", filter, store.Update{}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *input.ConditionExpression != "attribute_not_exists(#attr1) OR (#attr0 = :val0)" {
		t.Errorf("unexpected condition %q", *input.ConditionExpression)
	}
}
