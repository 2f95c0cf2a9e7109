package dynamo

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
	"github.com/jacentio/espalier/store"
)

// ErrUnsupportedFilter is returned when a filter can't be expressed as a
// DynamoDB condition for an atomic write.
var ErrUnsupportedFilter = errors.New("espalier: filter not supported by dynamodb")

// expr accumulates expression attribute names and values shared by the
// condition and update expressions of one request.
type expr struct {
	names   map[string]string
	aliases map[string]string
	values  map[string]types.AttributeValue
}

func newExpr() *expr {
	return &expr{
		names:   map[string]string{},
		aliases: map[string]string{},
		values:  map[string]types.AttributeValue{},
	}
}

// name returns the placeholder for a dotted store path, one "#attrN" per
// distinct path element.
func (e *expr) name(path string) string {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		alias, ok := e.aliases[p]
		if !ok {
			alias = fmt.Sprintf("#attr%d", len(e.aliases))
			e.aliases[p] = alias
			e.names[alias] = p
		}
		parts[i] = alias
	}
	return strings.Join(parts, ".")
}

func (e *expr) value(v any) (string, error) {
	av, err := encodeValue(v)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf(":val%d", len(e.values))
	e.values[key] = av
	return key, nil
}

// condition translates filter into a condition expression. Conditions on
// the identifier are skipped since the request key already selects it.
func (e *expr) condition(filter query.Filter) (string, error) {
	var clauses []string
	for _, c := range filter {
		if c.Path == model.IdentityKey && c.Op == query.Eq {
			continue
		}
		clause, err := e.cond(c)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	return strings.Join(clauses, " AND "), nil
}

func (e *expr) cond(c query.Cond) (string, error) {
	p := e.name(c.Path)
	switch c.Op {
	case query.Eq:
		if c.Value == nil {
			return fmt.Sprintf("attribute_not_exists(%s)", p), nil
		}
		v, err := e.value(c.Value)
		return fmt.Sprintf("%s = %s", p, v), err
	case query.Ne, query.Not:
		if c.Value == nil {
			return fmt.Sprintf("attribute_exists(%s)", p), nil
		}
		v, err := e.value(c.Value)
		return fmt.Sprintf("(attribute_not_exists(%s) OR %s <> %s)", p, p, v), err
	case query.Gt, query.Gte, query.Lt, query.Lte:
		v, err := e.value(c.Value)
		return fmt.Sprintf("%s %s %s", p, comparators[c.Op], v), err
	case query.Exists:
		if want, _ := c.Value.(bool); want {
			return fmt.Sprintf("attribute_exists(%s)", p), nil
		}
		return fmt.Sprintf("attribute_not_exists(%s)", p), nil
	case query.Size:
		v, err := e.value(c.Value)
		return fmt.Sprintf("size(%s) = %s", p, v), err
	case query.In:
		items, ok := c.Value.([]any)
		if !ok || len(items) == 0 || len(items) > 100 {
			break
		}
		placeholders := make([]string, len(items))
		for i, item := range items {
			v, err := e.value(item)
			if err != nil {
				return "", err
			}
			placeholders[i] = v
		}
		return fmt.Sprintf("%s IN (%s)", p, strings.Join(placeholders, ", ")), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFilter, c)
}

var comparators = map[query.Op]string{
	query.Gt:  ">",
	query.Gte: ">=",
	query.Lt:  "<",
	query.Lte: "<=",
}

// update builds an update expression. Clauses are emitted in path order so
// requests are deterministic.
func (e *expr) update(u store.Update) (string, error) {
	var set []string
	for _, path := range sortedKeys(u.Set) {
		v, err := e.value(u.Set[path])
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", path, err)
		}
		set = append(set, fmt.Sprintf("%s = %s", e.name(path), v))
	}
	if len(u.Inc) > 0 {
		zero, _ := e.value(int64(0))
		for _, path := range sortedKeys(u.Inc) {
			v, _ := e.value(u.Inc[path])
			p := e.name(path)
			set = append(set, fmt.Sprintf("%s = if_not_exists(%s, %s) + %s", p, p, zero, v))
		}
	}

	var remove []string
	unset := append([]string{}, u.Unset...)
	sort.Strings(unset)
	for _, path := range unset {
		remove = append(remove, e.name(path))
	}

	var clauses []string
	if len(set) > 0 {
		clauses = append(clauses, "SET "+strings.Join(set, ", "))
	}
	if len(remove) > 0 {
		clauses = append(clauses, "REMOVE "+strings.Join(remove, ", "))
	}
	return strings.Join(clauses, " "), nil
}

// attributeNames returns nil rather than an empty map, which DynamoDB rejects.
func (e *expr) attributeNames() map[string]string {
	if len(e.names) == 0 {
		return nil
	}
	return e.names
}

func (e *expr) attributeValues() map[string]types.AttributeValue {
	if len(e.values) == 0 {
		return nil
	}
	return e.values
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
