package query

import (
	"reflect"
	"sort"
	"strings"

	"github.com/jacentio/espalier/model"
)

// Match evaluates f against a store record. Arrays along the path match
// when any element matches, as document stores do.
func Match(doc model.Data, f Filter) bool {
	for _, c := range f {
		if !matchCond(doc, c) {
			return false
		}
	}
	return true
}

func matchCond(doc model.Data, c Cond) bool {
	values, found := resolve(doc, strings.Split(c.Path, "."))
	switch c.Op {
	case Eq:
		return anyEqual(values, c.Value)
	case Ne, Not:
		return !anyEqual(values, c.Value)
	case Gt, Gte, Lt, Lte:
		for _, v := range flatten(values) {
			cmp, ok := model.Compare(v, c.Value)
			if !ok {
				continue
			}
			if (c.Op == Gt && cmp > 0) || (c.Op == Gte && cmp >= 0) ||
				(c.Op == Lt && cmp < 0) || (c.Op == Lte && cmp <= 0) {
				return true
			}
		}
		return false
	case In:
		set, _ := toSlice(c.Value)
		for _, want := range set {
			if anyEqual(values, want) {
				return true
			}
		}
		return false
	case Nin:
		set, _ := toSlice(c.Value)
		for _, want := range set {
			if anyEqual(values, want) {
				return false
			}
		}
		return true
	case All:
		set, _ := toSlice(c.Value)
		for _, want := range set {
			if !anyEqual(values, want) {
				return false
			}
		}
		return len(set) > 0
	case Size:
		n, ok := model.ToInt64(c.Value)
		if !ok {
			return false
		}
		for _, v := range values {
			if items, ok := v.([]any); ok && int64(len(items)) == n {
				return true
			}
		}
		return false
	case Exists:
		want, _ := c.Value.(bool)
		return found == want
	}
	return false
}

// resolve collects the values at path, descending into arrays of
// sub-documents. found reports whether the path exists at all.
func resolve(v any, path []string) ([]any, bool) {
	if len(path) == 0 {
		return []any{v}, true
	}
	switch t := v.(type) {
	case map[string]any:
		next, ok := t[path[0]]
		if !ok {
			return nil, false
		}
		return resolve(next, path[1:])
	case []any:
		var out []any
		found := false
		for _, e := range t {
			vals, ok := resolve(e, path)
			if ok {
				found = true
				out = append(out, vals...)
			}
		}
		return out, found
	}
	return nil, false
}

func flatten(values []any) []any {
	var out []any
	for _, v := range values {
		if items, ok := v.([]any); ok {
			out = append(out, items...)
			continue
		}
		out = append(out, v)
	}
	return out
}

func anyEqual(values []any, want any) bool {
	if want == nil && len(values) == 0 {
		return true
	}
	for _, v := range values {
		if model.Equal(v, want) {
			return true
		}
		if items, ok := v.([]any); ok {
			for _, e := range items {
				if model.Equal(e, want) {
					return true
				}
			}
		}
	}
	return false
}

// Sort orders records in place by keys. Missing values sort first.
func Sort(docs []model.Data, keys []model.IndexKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			a, _ := Get(docs[i], k.Path)
			b, _ := Get(docs[j], k.Path)
			cmp := compareForSort(a, b)
			if cmp == 0 {
				continue
			}
			if k.Order == model.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareForSort(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	cmp, ok := model.Compare(a, b)
	if !ok {
		return strings.Compare(model.IDKey(a), model.IDKey(b))
	}
	return cmp
}

// Get returns the value at a dotted store path without descending into arrays.
func Get(doc model.Data, path string) (any, bool) {
	var cur any = doc
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func toSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
