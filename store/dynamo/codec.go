package dynamo

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/model"
)

// KeyAttribute is the hash key of every table. It holds the string form of
// the record identifier so identifiers of any type share one key schema.
const KeyAttribute = "_key"

// TimeLayout is the fixed-width UTC form times are stored in. Fixed width
// keeps lexical and chronological order identical, so conditions such as
// "_mutex < :now" compare correctly.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Key returns the primary key of the record with the given identifier.
func Key(id any) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		KeyAttribute: &types.AttributeValueMemberS{Value: model.IDKey(id)},
	}
}

// Encode converts a record into a DynamoDB item, adding the hash key.
func Encode(data model.Data) (map[string]types.AttributeValue, error) {
	id, ok := data[model.IdentityKey]
	if !ok || id == nil {
		return nil, fmt.Errorf("%w: record has no %s", model.ErrInvalidValue, model.IdentityKey)
	}
	item := make(map[string]types.AttributeValue, len(data)+1)
	for k, v := range data {
		av, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		item[k] = av
	}
	item[KeyAttribute] = &types.AttributeValueMemberS{Value: model.IDKey(id)}
	return item, nil
}

// Decode converts a DynamoDB item back into a record.
func Decode(item map[string]types.AttributeValue) (model.Data, error) {
	if len(item) == 0 {
		return nil, nil
	}
	out := make(model.Data, len(item))
	for k, av := range item {
		if k == KeyAttribute {
			continue
		}
		v, err := decodeValue(av)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func encodeValue(v any) (types.AttributeValue, error) {
	switch t := model.Normalize(v).(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case time.Time:
		return &types.AttributeValueMemberS{Value: t.UTC().Format(TimeLayout)}, nil
	case []any:
		list := make([]types.AttributeValue, len(t))
		for i, e := range t {
			av, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			list[i] = av
		}
		return &types.AttributeValueMemberL{Value: list}, nil
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(t))
		for k, e := range t {
			av, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			m[k] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return attributevalue.Marshal(t)
	}
}

func decodeValue(av types.AttributeValue) (any, error) {
	switch t := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberS:
		if ts, ok := parseTime(t.Value); ok {
			return ts, nil
		}
		return t.Value, nil
	case *types.AttributeValueMemberN:
		var i int64
		if !strings.ContainsAny(t.Value, ".eE") && attributevalue.Unmarshal(t, &i) == nil {
			return i, nil
		}
		var f float64
		if err := attributevalue.Unmarshal(t, &f); err != nil {
			return nil, err
		}
		return f, nil
	case *types.AttributeValueMemberL:
		out := make([]any, len(t.Value))
		for i, e := range t.Value {
			v, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *types.AttributeValueMemberM:
		out := make(map[string]any, len(t.Value))
		for k, e := range t.Value {
			v, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}
	var v any
	if err := attributevalue.Unmarshal(av, &v); err != nil {
		return nil, err
	}
	return model.Normalize(v), nil
}

func parseTime(s string) (time.Time, bool) {
	if len(s) != len(TimeLayout) || s[len(s)-1] != 'Z' {
		return time.Time{}, false
	}
	ts, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
