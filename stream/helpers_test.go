package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/model"
)

// --- getNumberAttr Tests ---

func TestGetNumberAttr_ValidNumber(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"_version": events.NewNumberAttribute("12345"),
	}

	result, err := getNumberAttr(image, "_version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 12345 {
		t.Errorf("expected 12345, got %d", result)
	}
}

func TestGetNumberAttr_MissingKey(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"other": events.NewNumberAttribute("100"),
	}

	result, err := getNumberAttr(image, "_version")
	if err != nil || result != 0 {
		t.Errorf("expected 0 for missing key, got %d (%v)", result, err)
	}
}

func TestGetNumberAttr_NilImage(t *testing.T) {
	var image map[string]events.DynamoDBAttributeValue

	result, err := getNumberAttr(image, "_version")
	if err != nil || result != 0 {
		t.Errorf("expected 0 for nil image, got %d (%v)", result, err)
	}
}

func TestGetNumberAttr_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		value events.DynamoDBAttributeValue
	}{
		{"string attribute", events.NewStringAttribute("12345")},
		{"fraction", events.NewNumberAttribute("1.5")},
		{"overflow", events.NewNumberAttribute("9223372036854775808")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := map[string]events.DynamoDBAttributeValue{"_version": tt.value}
			if _, err := getNumberAttr(image, "_version"); !errors.Is(err, model.ErrInvalidValue) {
				t.Errorf("expected ErrInvalidValue, got %v", err)
			}
		})
	}
}

func TestGetNumberAttr_LargeNumber(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"_version": events.NewNumberAttribute("9223372036854775807"), // max int64
	}

	result, err := getNumberAttr(image, "_version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 9223372036854775807 {
		t.Errorf("expected max int64, got %d", result)
	}
}

// --- tableName Tests ---

func TestTableName(t *testing.T) {
	tests := []struct {
		arn      string
		expected string
	}{
		{"arn:aws:dynamodb:eu-west-1:123456789012:table/shop-orders/stream/2024-01-01T00:00:00.000", "shop-orders"},
		{"arn:aws:dynamodb:eu-west-1:123456789012:table/orders.revisions/stream/2024-01-01T00:00:00.000", "orders.revisions"},
		{"arn:aws:dynamodb:eu-west-1:123456789012:table/orders", "orders"},
		{"not-an-arn", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if result := tableName(tt.arn); result != tt.expected {
			t.Errorf("tableName(%q) = %q, want %q", tt.arn, result, tt.expected)
		}
	}
}

// --- convertAttr Tests ---

func TestConvertAttr_Scalars(t *testing.T) {
	if v, ok := convertAttr(events.NewStringAttribute("Ann")).(*types.AttributeValueMemberS); !ok || v.Value != "Ann" {
		t.Error("expected string 'Ann'")
	}
	if v, ok := convertAttr(events.NewNumberAttribute("42")).(*types.AttributeValueMemberN); !ok || v.Value != "42" {
		t.Error("expected number '42'")
	}
	if v, ok := convertAttr(events.NewBooleanAttribute(true)).(*types.AttributeValueMemberBOOL); !ok || !v.Value {
		t.Error("expected boolean true")
	}
	if v, ok := convertAttr(events.NewBinaryAttribute([]byte{0x01})).(*types.AttributeValueMemberB); !ok || len(v.Value) != 1 {
		t.Error("expected one byte of binary")
	}
	if _, ok := convertAttr(events.NewNullAttribute()).(*types.AttributeValueMemberNULL); !ok {
		t.Error("expected null")
	}
}

func TestConvertAttr_Nested(t *testing.T) {
	attr := events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
		"id":   events.NewNumberAttribute("7"),
		"tags": events.NewListAttribute([]events.DynamoDBAttributeValue{events.NewStringAttribute("a")}),
	})

	m, ok := convertAttr(attr).(*types.AttributeValueMemberM)
	if !ok {
		t.Fatal("expected map")
	}
	if v, ok := m.Value["id"].(*types.AttributeValueMemberN); !ok || v.Value != "7" {
		t.Error("expected id '7'")
	}
	if l, ok := m.Value["tags"].(*types.AttributeValueMemberL); !ok || len(l.Value) != 1 {
		t.Error("expected one tag")
	}
}

// --- decodeImage Tests ---

func TestDecodeImage(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"_key":     events.NewStringAttribute("7"),
		"_id":      events.NewNumberAttribute("7"),
		"_version": events.NewNumberAttribute("2"),
		"_mutex":   events.NewStringAttribute("2024-03-01T11:00:00.000000000Z"),
		"name":     events.NewStringAttribute("Ann"),
	}

	data, err := decodeImage(image)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := data["_key"]; ok {
		t.Error("expected key attribute to be dropped")
	}
	if data[model.IdentityKey] != int64(7) {
		t.Errorf("expected id 7, got %#v", data[model.IdentityKey])
	}
	if ts, ok := data[model.MutexKey].(time.Time); !ok || ts.Hour() != 11 {
		t.Errorf("expected mutex time, got %#v", data[model.MutexKey])
	}
}

func BenchmarkGetNumberAttr(b *testing.B) {
	image := map[string]events.DynamoDBAttributeValue{
		"_version": events.NewNumberAttribute("1234567890"),
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = getNumberAttr(image, "_version")
	}
}
