package mongodb

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
	"github.com/jacentio/espalier/store"
)

var operators = map[query.Op]string{
	query.Ne:     "$ne",
	query.Not:    "$ne",
	query.Gt:     "$gt",
	query.Gte:    "$gte",
	query.Lt:     "$lt",
	query.Lte:    "$lte",
	query.In:     "$in",
	query.Nin:    "$nin",
	query.All:    "$all",
	query.Size:   "$size",
	query.Exists: "$exists",
}

// Filter translates a store filter into a MongoDB query document. Several
// conditions are combined with $and so conditions on one path don't
// overwrite each other.
func Filter(f query.Filter) bson.D {
	clauses := make([]bson.D, 0, len(f))
	for _, c := range f {
		clauses = append(clauses, cond(c))
	}
	switch len(clauses) {
	case 0:
		return bson.D{}
	case 1:
		return clauses[0]
	}
	and := make(bson.A, len(clauses))
	for i, c := range clauses {
		and[i] = c
	}
	return bson.D{{Key: "$and", Value: and}}
}

func cond(c query.Cond) bson.D {
	if c.Op == query.Eq {
		return bson.D{{Key: c.Path, Value: c.Value}}
	}
	op, ok := operators[c.Op]
	if !ok {
		op = "$eq"
	}
	return bson.D{{Key: c.Path, Value: bson.D{{Key: op, Value: c.Value}}}}
}

// Update translates a store update into $set, $unset and $inc operators.
func Update(u store.Update) bson.D {
	var d bson.D
	if len(u.Set) > 0 {
		d = append(d, bson.E{Key: "$set", Value: bson.M(u.Set)})
	}
	if len(u.Unset) > 0 {
		unset := bson.M{}
		for _, path := range u.Unset {
			unset[path] = ""
		}
		d = append(d, bson.E{Key: "$unset", Value: unset})
	}
	if len(u.Inc) > 0 {
		inc := bson.M{}
		for path, n := range u.Inc {
			inc[path] = n
		}
		d = append(d, bson.E{Key: "$inc", Value: inc})
	}
	return d
}

// Normalize converts decoded BSON values into the store's canonical
// representation.
func Normalize(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	case int32:
		return int64(t)
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case primitive.M:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = Normalize(e.Value)
		}
		return out
	}
	return model.Normalize(v)
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[k] = Normalize(e)
	}
	return out
}
