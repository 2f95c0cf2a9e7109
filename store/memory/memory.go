// Package memory provides a store.Backend kept in process memory.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
	"github.com/jacentio/espalier/store"
)

// Backend holds collections as insertion-ordered record lists. A single
// mutex serialises all operations, so every call is atomic.
type Backend struct {
	mu          sync.Mutex
	collections map[string]*collection
}

type collection struct {
	records []model.Data
	indexes [][]model.IndexKey
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{collections: map[string]*collection{}}
}

var _ store.Backend = (*Backend)(nil)

func (b *Backend) collection(name string) *collection {
	c, ok := b.collections[name]
	if !ok {
		c = &collection{}
		b.collections[name] = c
	}
	return c
}

func (c *collection) indexOf(id any) int {
	key := model.IDKey(id)
	for i, r := range c.records {
		if model.IDKey(r[model.IdentityKey]) == key {
			return i
		}
	}
	return -1
}

func (c *collection) matching(filter query.Filter) []int {
	var out []int
	for i, r := range c.records {
		if query.Match(r, filter) {
			out = append(out, i)
		}
	}
	return out
}

func copyData(d model.Data) model.Data {
	if d == nil {
		return nil
	}
	return model.Normalize(d).(map[string]any)
}

func (b *Backend) Find(ctx context.Context, name string, filter query.Filter, opts store.FindOptions) ([]model.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.collection(name)
	var out []model.Data
	for _, i := range c.matching(filter) {
		out = append(out, copyData(c.records[i]))
	}
	query.Sort(out, opts.Sort)

	if opts.Skip > 0 {
		if opts.Skip >= int64(len(out)) {
			return nil, nil
		}
		out = out[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < int64(len(out)) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (b *Backend) Count(ctx context.Context, name string, filter query.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.collection(name).matching(filter))), nil
}

func (b *Backend) Insert(ctx context.Context, name string, data model.Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insertLocked(b.collection(name), copyData(data))
}

func (b *Backend) insertLocked(c *collection, data model.Data) error {
	id, ok := data[model.IdentityKey]
	if !ok || id == nil {
		return fmt.Errorf("%w: record has no %s", model.ErrInvalidValue, model.IdentityKey)
	}
	if c.indexOf(id) >= 0 {
		return fmt.Errorf("%w: %s=%v", store.ErrDuplicateKey, model.IdentityKey, id)
	}
	c.records = append(c.records, data)
	return nil
}

func (b *Backend) FindAndModify(ctx context.Context, name string, filter query.Filter, update store.Update, opts store.ModifyOptions) (model.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.collection(name)
	matches := c.matching(filter)
	if len(matches) == 0 {
		if !opts.Upsert {
			return nil, nil
		}
		rec, err := b.upsertLocked(c, filter, update)
		if err != nil || !opts.ReturnNew {
			return nil, err
		}
		return copyData(rec), nil
	}

	i := matches[0]
	before := copyData(c.records[i])
	after, err := apply(c.records[i], update)
	if err != nil {
		return nil, err
	}
	c.records[i] = after
	if opts.ReturnNew {
		return copyData(after), nil
	}
	return before, nil
}

func (b *Backend) Update(ctx context.Context, name string, filter query.Filter, update store.Update, upsert bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.collection(name)
	matches := c.matching(filter)
	if len(matches) == 0 {
		if !upsert {
			return 0, nil
		}
		if _, err := b.upsertLocked(c, filter, update); err != nil {
			return 0, err
		}
		return 1, nil
	}
	for _, i := range matches {
		after, err := apply(c.records[i], update)
		if err != nil {
			return 0, err
		}
		c.records[i] = after
	}
	return int64(len(matches)), nil
}

func (b *Backend) upsertLocked(c *collection, filter query.Filter, update store.Update) (model.Data, error) {
	rec, err := apply(store.UpsertSeed(filter), update)
	if err != nil {
		return nil, err
	}
	if err := b.insertLocked(c, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *Backend) Remove(ctx context.Context, name string, filter query.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.collection(name)
	kept := c.records[:0]
	var removed int64
	for _, r := range c.records {
		if query.Match(r, filter) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	c.records = kept
	return removed, nil
}

func (b *Backend) EnsureIndex(ctx context.Context, name string, keys []model.IndexKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.collection(name)
	for _, existing := range c.indexes {
		if sameIndex(existing, keys) {
			return nil
		}
	}
	c.indexes = append(c.indexes, append([]model.IndexKey{}, keys...))
	return nil
}

// Indexes returns the indexes ensured on a collection.
func (b *Backend) Indexes(name string) [][]model.IndexKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]model.IndexKey{}, b.collection(name).indexes...)
}

// Len returns the number of records in a collection.
func (b *Backend) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.collection(name).records)
}

func sameIndex(a, b []model.IndexKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// apply returns a copy of rec with update applied. Set and Unset accept
// dotted paths into sub-documents.
func apply(rec model.Data, update store.Update) (model.Data, error) {
	out := copyData(rec)
	if out == nil {
		out = model.Data{}
	}
	for path, v := range update.Set {
		setPath(out, path, model.Normalize(v))
	}
	for _, path := range update.Unset {
		unsetPath(out, path)
	}
	for path, n := range update.Inc {
		cur, _ := query.Get(out, path)
		if cur == nil {
			setPath(out, path, n)
			continue
		}
		i, ok := model.ToInt64(cur)
		if !ok {
			return nil, fmt.Errorf("%w: can't increment non-integer %s", model.ErrInvalidValue, path)
		}
		setPath(out, path, i+n)
	}
	return out, nil
}

func setPath(doc model.Data, path string, v any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func unsetPath(doc model.Data, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}
