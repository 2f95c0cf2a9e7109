package store

import (
	"context"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
)

// Update describes a partial record modification. Set and Unset paths are
// top-level store names; Inc adds to numeric fields.
type Update struct {
	Set   model.Data
	Unset []string
	Inc   map[string]int64
}

// IsEmpty reports whether u changes nothing.
func (u Update) IsEmpty() bool {
	return len(u.Set) == 0 && len(u.Unset) == 0 && len(u.Inc) == 0
}

// FindOptions controls ordering and paging of Find.
type FindOptions struct {
	Sort  []model.IndexKey
	Skip  int64
	Limit int64
}

// ModifyOptions controls FindAndModify.
type ModifyOptions struct {
	// Upsert inserts a record built from the filter's equality conditions
	// and the update when nothing matches.
	Upsert bool

	// ReturnNew returns the record after the update instead of before.
	ReturnNew bool
}

// Backend is a document store holding collections of records keyed by
// model.IdentityKey. Every single-record operation must be atomic.
type Backend interface {
	Find(ctx context.Context, collection string, filter query.Filter, opts FindOptions) ([]model.Data, error)
	Count(ctx context.Context, collection string, filter query.Filter) (int64, error)

	// Insert stores a new record, returning ErrDuplicateKey when the
	// identifier is taken.
	Insert(ctx context.Context, collection string, data model.Data) error

	// FindAndModify atomically updates the first record matching filter.
	// It returns nil, nil when nothing matched and no upsert happened.
	FindAndModify(ctx context.Context, collection string, filter query.Filter, update Update, opts ModifyOptions) (model.Data, error)

	// Update modifies every record matching filter and returns how many
	// records were modified or inserted.
	Update(ctx context.Context, collection string, filter query.Filter, update Update, upsert bool) (int64, error)

	// Remove deletes every record matching filter and returns how many were removed.
	Remove(ctx context.Context, collection string, filter query.Filter) (int64, error)

	EnsureIndex(ctx context.Context, collection string, keys []model.IndexKey) error
}

// UpsertSeed returns the record an upsert starts from: the equality
// conditions of filter.
func UpsertSeed(filter query.Filter) model.Data {
	seed := model.Data{}
	for _, c := range filter {
		if c.Op == query.Eq {
			seed[c.Path] = c.Value
		}
	}
	return seed
}
