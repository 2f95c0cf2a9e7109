package model

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// Engine-managed metadata keys stored alongside user fields.
const (
	IdentityKey   = "_id"
	VersionKey    = "_version"
	MutexKey      = "_mutex"
	LastUpdateKey = "_last_update"
	LastAuthorKey = "_last_author"
)

// Data is the store-level representation of a document: store names mapped
// to nil, bool, int64, float64, string, time.Time, []any or map[string]any.
type Data = map[string]any

// ToInt64 converts any numeric representation a backend may return.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		if float32(int64(n)) != n {
			return 0, false
		}
		return int64(n), true
	case float64:
		if float64(int64(n)) != n {
			return 0, false
		}
		return int64(n), true
	case Manual:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// ToFloat64 converts any numeric representation to float64.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	if i, ok := ToInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// Normalize converts a backend value into the canonical store representation.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int64, time.Time:
		return t
	case float64:
		return t
	case float32:
		return float64(t)
	case int, int8, int16, int32, uint, uint8, uint16, uint32, uint64:
		i, _ := ToInt64(t)
		return i
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Normalize(e)
		}
		return out
	}
	return v
}

// Equal compares two store-level values, treating numerically equal
// integers and floats as equal.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	switch x := a.(type) {
	case nil:
		return b == nil
	case int64, float64:
		fa, _ := ToFloat64(x)
		fb, ok := ToFloat64(b)
		if _, isStr := b.(string); isStr {
			return false
		}
		return ok && fa == fb
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two scalar store values. ok is false when the values are
// not comparable (different kinds).
func Compare(a, b any) (int, bool) {
	a, b = Normalize(a), Normalize(b)
	switch x := a.(type) {
	case int64, float64:
		if _, isStr := b.(string); isStr {
			return 0, false
		}
		fa, _ := ToFloat64(x)
		fb, ok := ToFloat64(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// IDKey formats an identifier so that equal ids from different backends
// (int64 vs float64, for instance) produce the same key.
func IDKey(id any) string {
	id = Normalize(id)
	if f, ok := id.(float64); ok {
		if i, ok := ToInt64(f); ok {
			id = i
		}
	}
	return fmt.Sprint(id)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
