package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
)

type saveOptions struct {
	snapshot      bool
	author        string
	cacheSync     bool
	searchUpdate  bool
	preserveNulls bool
}

// SaveOption adjusts a single Save call.
type SaveOption func(*saveOptions)

// WithoutSnapshot skips the revision snapshot of the pre-update state.
func WithoutSnapshot() SaveOption {
	return func(o *saveOptions) { o.snapshot = false }
}

// WithAuthor records who made the change.
func WithAuthor(author string) SaveOption {
	return func(o *saveOptions) { o.author = author }
}

// WithoutCacheSync skips scheduling cached reference updates.
func WithoutCacheSync() SaveOption {
	return func(o *saveOptions) { o.cacheSync = false }
}

// WithoutSearchUpdate skips scheduling the search index update.
func WithoutSearchUpdate() SaveOption {
	return func(o *saveOptions) { o.searchUpdate = false }
}

// PreserveNulls stores null top-level values on insert instead of omitting them.
func PreserveNulls() SaveOption {
	return func(o *saveOptions) { o.preserveNulls = true }
}

// Save inserts a new document or updates a persistent one. Updates take the
// document mutex, write a revision of the previous state and commit only
// the changed fields; the commit fails if the lease was lost.
func (s *Store) Save(ctx context.Context, doc *model.Document, opts ...SaveOption) error {
	o := saveOptions{snapshot: true, cacheSync: true, searchUpdate: true}
	for _, opt := range opts {
		opt(&o)
	}
	schema := doc.Schema()
	if err := storable(schema); err != nil {
		return err
	}
	if doc.Parent() != nil {
		return fmt.Errorf("%w: %s", ErrEmbedded, doc)
	}

	// 1. Nothing to do for an unchanged persistent document
	if doc.IsPersistent() && !doc.IsModified() {
		return nil
	}

	// 2. Pre-save hooks and validation. A failed save leaves the document
	// as the caller built it, so it can be fixed and saved again.
	now := s.clock()
	sc := &model.SaveContext{Ctx: ctx, Update: doc.IsPersistent(), Now: now, Sequences: s}
	restore := doc.Checkpoint()
	err := doc.PreSave(sc)
	if err == nil {
		err = doc.Validate()
	}
	if err == nil {
		if doc.IsPersistent() {
			err = s.update(ctx, doc, now, o)
		} else {
			err = s.insert(ctx, doc, now, o)
		}
	}
	if err != nil {
		restore()
	}
	return err
}

func (s *Store) insert(ctx context.Context, doc *model.Document, now time.Time, o saveOptions) error {
	schema := doc.Schema()

	// 3. Insert with fresh metadata
	data, err := doc.EncodeStore(o.preserveNulls)
	if err != nil {
		return err
	}
	data[model.VersionKey] = int64(1)
	data[model.MutexKey] = now.Add(-s.config.LeaseReleaseOffset)
	if schema.IsRevisable() {
		data[model.LastUpdateKey] = now
		if o.author != "" {
			data[model.LastAuthorKey] = o.author
		}
	}

	if err := s.backend.Insert(ctx, schema.Collection(), data); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, doc)
		}
		return fmt.Errorf("insert %s: %w", doc, err)
	}
	s.metrics.saves.WithLabelValues(schema.Name(), "insert").Inc()

	// 4. Post-save hooks and side effects
	doc.PostSave()
	doc.MarkPersisted(1)
	if o.searchUpdate {
		s.dispatch(ctx, JobSearchUpdate, doc, SearchPayload{Schema: schema.Name(), ID: doc.PK()})
	}
	return nil
}

func (s *Store) update(ctx context.Context, doc *model.Document, now time.Time, o saveOptions) error {
	schema := doc.Schema()
	version := doc.Version()
	id := query.ID(doc.PK())

	// 3. Take the mutex; the pre-lease record is the revision base
	until := now.Add(s.config.LeaseDuration)
	before, err := s.acquire(ctx, doc, now, until)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			s.release(doc, until)
		}
	}()

	// 4. Snapshot the previous state
	if o.snapshot && schema.IsRevisable() {
		if err := s.writeRevision(ctx, schema, before, version, now, o.author); err != nil {
			return err
		}
	}

	// 5. Compute the delta against the stored record
	after, err := doc.EncodeStore(true)
	if err != nil {
		return err
	}
	update := Update{
		Set: model.Data{model.MutexKey: now.Add(-s.config.LeaseReleaseOffset)},
		Inc: map[string]int64{model.VersionKey: 1},
	}
	for k, v := range after {
		if k == model.IdentityKey {
			continue
		}
		if v == nil {
			if _, ok := before[k]; ok {
				update.Unset = append(update.Unset, k)
			}
			continue
		}
		if !model.Equal(before[k], v) {
			update.Set[k] = v
		}
	}
	if schema.IsRevisable() {
		update.Set[model.LastUpdateKey] = now
		if o.author != "" {
			update.Set[model.LastAuthorKey] = o.author
		}
	}

	// 6. Commit only while still holding the lease
	filter := id.And(
		query.Cond{Path: model.VersionKey, Op: query.Eq, Value: version},
		query.Cond{Path: model.MutexKey, Op: query.Eq, Value: until},
	)
	n, err := s.backend.Update(ctx, schema.Collection(), filter, update, false)
	if err != nil {
		return fmt.Errorf("update %s: %w", doc, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lease lost on %s", ErrConcurrencyConflict, doc)
	}
	committed = true
	s.metrics.saves.WithLabelValues(schema.Name(), "update").Inc()

	// 7. Post-save hooks and side effects
	modified := schema.Changed(before, after)
	doc.PostSave()
	doc.MarkPersisted(version + 1)

	if o.cacheSync && len(modified) > 0 {
		s.dispatch(ctx, JobSpawnSyncers, doc, SyncPayload{Schema: schema.Name(), ID: doc.PK(), Modified: modified})
	}
	if o.searchUpdate {
		s.dispatch(ctx, JobSearchUpdate, doc, SearchPayload{Schema: schema.Name(), ID: doc.PK()})
	}
	return nil
}

// acquire sets the document mutex to until if it is free and the stored
// version still matches, returning the record as it was before.
func (s *Store) acquire(ctx context.Context, doc *model.Document, now, until time.Time) (model.Data, error) {
	schema := doc.Schema()
	filter := query.ID(doc.PK()).And(
		query.Cond{Path: model.MutexKey, Op: query.Lt, Value: now},
		query.Cond{Path: model.VersionKey, Op: query.Eq, Value: doc.Version()},
	)
	before, err := s.backend.FindAndModify(ctx, schema.Collection(), filter,
		Update{Set: model.Data{model.MutexKey: until}}, ModifyOptions{})
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", doc, err)
	}
	if before == nil {
		s.metrics.leaseConflicts.WithLabelValues(schema.Name()).Inc()
		return nil, fmt.Errorf("%w: %s", ErrMutexNotAcquired, doc)
	}
	return before, nil
}

// release frees a lease that was not committed. It runs on a detached
// context so cancellation of the caller doesn't leave the mutex held.
func (s *Store) release(doc *model.Document, until time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	filter := query.ID(doc.PK()).And(query.Cond{Path: model.MutexKey, Op: query.Eq, Value: until})
	update := Update{Set: model.Data{model.MutexKey: s.clock().Add(-s.config.LeaseReleaseOffset)}}
	if _, err := s.backend.Update(ctx, doc.Schema().Collection(), filter, update, false); err != nil {
		s.logger.Warn("failed to release document mutex",
			zap.String("document", doc.String()),
			zap.Error(err),
		)
	}
}
