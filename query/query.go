// Package query compiles field-path criteria into store-neutral filters and
// evaluates them against store records.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jacentio/espalier/model"
)

// Separator splits path elements and the operator suffix in criteria keys.
const Separator = "__"

// Op is a filter predicate operator.
type Op string

const (
	Eq     Op = "eq"
	Ne     Op = "ne"
	Gt     Op = "gt"
	Gte    Op = "gte"
	Lt     Op = "lt"
	Lte    Op = "lte"
	In     Op = "in"
	Nin    Op = "nin"
	All    Op = "all"
	Size   Op = "size"
	Exists Op = "exists"
	Not    Op = "not"
)

var suffixes = map[string]Op{
	"ne": Ne, "gt": Gt, "gte": Gte, "lt": Lt, "lte": Lte,
	"in": In, "nin": Nin, "all": All, "size": Size, "exists": Exists, "not": Not,
}

// Cond is one predicate over a dotted store path.
type Cond struct {
	Path  string
	Op    Op
	Value any
}

func (c Cond) String() string {
	return fmt.Sprintf("%s %s %v", c.Path, c.Op, c.Value)
}

// Filter is a conjunction of conditions.
type Filter []Cond

// Where builds a single-condition filter over a store path.
func Where(path string, op Op, value any) Filter {
	return Filter{{Path: path, Op: op, Value: value}}
}

// ID matches the record with the given identifier.
func ID(id any) Filter {
	return Where(model.IdentityKey, Eq, model.Normalize(id))
}

// And returns the conjunction of f and more.
func (f Filter) And(more ...Cond) Filter {
	out := make(Filter, 0, len(f)+len(more))
	out = append(out, f...)
	return append(out, more...)
}

// Lookup returns the first condition on path with the given operator.
func (f Filter) Lookup(path string, op Op) (any, bool) {
	for _, c := range f {
		if c.Path == path && c.Op == op {
			return c.Value, true
		}
	}
	return nil, false
}

// Compile converts criteria keyed by logical paths ("a__b__gte") into a
// filter over store paths. Keys are processed in sorted order.
func Compile(s *model.Schema, criteria map[string]any) (Filter, error) {
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Filter, 0, len(keys))
	for _, key := range keys {
		parts := strings.Split(key, Separator)
		op := Eq
		if len(parts) > 1 {
			if o, ok := suffixes[parts[len(parts)-1]]; ok {
				op = o
				parts = parts[:len(parts)-1]
			}
		}
		path, err := s.ResolvePath(parts...)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", key, err)
		}
		out = append(out, Cond{Path: path, Op: op, Value: value(op, criteria[key])})
	}
	return out, nil
}

// value converts criteria values to their store form. Documents compare by
// identifier.
func value(op Op, v any) any {
	switch t := v.(type) {
	case *model.Document:
		return model.Normalize(t.PK())
	case *model.CachedReference:
		return model.Normalize(t.ID())
	}
	if op == In || op == Nin || op == All {
		if items, ok := toSlice(v); ok {
			out := make([]any, len(items))
			for i, e := range items {
				out[i] = value(Eq, e)
			}
			return out
		}
	}
	return model.Normalize(v)
}

// ParseSort resolves sort fields such as "-created" into store index keys.
func ParseSort(s *model.Schema, fields ...string) ([]model.IndexKey, error) {
	keys := make([]model.IndexKey, 0, len(fields))
	for _, f := range fields {
		order := model.Ascending
		if strings.HasPrefix(f, "-") {
			order, f = model.Descending, f[1:]
		}
		path, err := s.ResolvePath(strings.Split(f, Separator)...)
		if err != nil {
			return nil, fmt.Errorf("sort %q: %w", f, err)
		}
		keys = append(keys, model.IndexKey{Path: path, Order: order})
	}
	return keys, nil
}
