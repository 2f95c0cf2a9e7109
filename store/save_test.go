package store_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
	"github.com/jacentio/espalier/store"
	"github.com/jacentio/espalier/store/memory"
)

func TestSave_UpdateBumpsVersionAndRoundTrips(t *testing.T) {
	f := newFixture(t)
	doc := f.create(f.customer, map[string]any{"name": "Alice", "email": "a@example.com"})

	require.NoError(t, doc.Set("name", "Alicia"))
	require.NoError(t, doc.Set("email", nil))
	require.NoError(t, f.store.Save(f.ctx, doc))
	assert.Equal(t, int64(2), doc.Version())

	loaded := f.get(f.customer, doc.PK())
	assert.Equal(t, int64(2), loaded.Version())
	assert.Equal(t, "Alicia", loaded.Text("name"))
	assert.Nil(t, loaded.Get("email"))

	rec := f.record(f.customer, doc.PK())
	assert.NotContains(t, rec, "email")
	assert.True(t, rec[model.MutexKey].(time.Time).Before(epoch))
}

func TestSave_ConcurrentUpdateLosesMutex(t *testing.T) {
	f := newFixture(t)
	doc := f.create(f.customer, map[string]any{"name": "Alice"})

	a := f.get(f.customer, doc.PK())
	b := f.get(f.customer, doc.PK())

	require.NoError(t, a.Set("name", "from a"))
	require.NoError(t, f.store.Save(f.ctx, a))

	require.NoError(t, b.Set("name", "from b"))
	err := f.store.Save(f.ctx, b)
	require.ErrorIs(t, err, store.ErrMutexNotAcquired)
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
	assert.Equal(t, int64(1), b.Version())

	assert.Equal(t, "from a", f.get(f.customer, doc.PK()).Text("name"))
	expected := `
# HELP espalier_lease_conflicts_total Total number of updates that could not acquire the document mutex
# TYPE espalier_lease_conflicts_total counter
espalier_lease_conflicts_total{schema="Customer"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "espalier_lease_conflicts_total"))
}

func TestSave_ConcurrentSavesOfOneVersion(t *testing.T) {
	f := newFixture(t, withoutQueue())
	doc := f.create(f.customer, map[string]any{"name": "Alice"})

	const writers = 8
	copies := make([]*model.Document, writers)
	for i := range copies {
		copies[i] = f.get(f.customer, doc.PK())
		require.NoError(t, copies[i].Set("name", "writer "+string(rune('a'+i))))
	}

	errs := make([]error, writers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range copies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = f.store.Save(f.ctx, copies[i])
		}(i)
	}
	close(start)
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "more than one save of version 1 succeeded")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
		assert.Equal(t, int64(1), copies[i].Version())
	}
	require.NotEqual(t, -1, winner)

	loaded := f.get(f.customer, doc.PK())
	assert.Equal(t, int64(2), loaded.Version())
	assert.Equal(t, copies[winner].Text("name"), loaded.Text("name"))
}

func TestSave_InsertRetriedAfterValidationFailure(t *testing.T) {
	f := newFixture(t)
	doc := f.newDoc(f.project, nil)

	require.ErrorIs(t, f.store.Save(f.ctx, doc), model.ErrValidation)
	assert.Nil(t, doc.PK())
	assert.False(t, doc.IsPersistent())

	require.NoError(t, doc.Set("title", "Roadmap"))
	require.NoError(t, f.store.Save(f.ctx, doc))
	assert.True(t, doc.IsPersistent())
	// The failed attempt spent one counter value.
	assert.Equal(t, int64(2), doc.PK())
	assert.Equal(t, "Roadmap", f.record(f.project, doc.PK())["title"])
}

func TestSave_InsertRetriedAfterDuplicateKey(t *testing.T) {
	f := newFixture(t, withoutQueue())
	f.create(f.customer, map[string]any{"name": "Ann", "pk": model.ManualValue(1)})

	// The counter still hands out 1, which is taken.
	doc := f.newDoc(f.customer, map[string]any{"name": "Bob"})
	require.ErrorIs(t, f.store.Save(f.ctx, doc), store.ErrAlreadyExists)
	assert.Nil(t, doc.PK())

	require.NoError(t, f.store.Save(f.ctx, doc))
	assert.Equal(t, int64(2), doc.PK())
}

func TestSave_HeldLeaseBlocksUpdate(t *testing.T) {
	f := newFixture(t)
	doc := f.create(f.customer, map[string]any{"name": "Alice"})

	holdLease(t, f, f.customer, doc.PK())

	require.NoError(t, doc.Set("name", "Alicia"))
	assert.ErrorIs(t, f.store.Save(f.ctx, doc), store.ErrMutexNotAcquired)

	// An expired lease is free again.
	_, err := f.backend.Update(f.ctx, "customers", query.ID(doc.PK()),
		store.Update{Set: model.Data{model.MutexKey: epoch.Add(-time.Second)}}, false)
	require.NoError(t, err)
	assert.NoError(t, f.store.Save(f.ctx, doc))
}

// stealingBackend changes the mutex of the record between lock and commit.
type stealingBackend struct {
	*memory.Backend
	steal bool
}

func (b *stealingBackend) Update(ctx context.Context, collection string, filter query.Filter, update store.Update, upsert bool) (int64, error) {
	if _, commit := update.Inc[model.VersionKey]; commit && b.steal {
		id, _ := filter.Lookup(model.IdentityKey, query.Eq)
		_, err := b.Backend.Update(ctx, collection, query.ID(id),
			store.Update{Set: model.Data{model.MutexKey: epoch.Add(time.Hour)}}, false)
		if err != nil {
			return 0, err
		}
	}
	return b.Backend.Update(ctx, collection, filter, update, upsert)
}

func TestSave_LostLeaseFailsCommit(t *testing.T) {
	backend := &stealingBackend{Backend: memory.New()}
	f := newFixture(t, withBackend(backend))
	f.backend = backend.Backend

	doc := f.create(f.customer, map[string]any{"name": "Alice"})
	backend.steal = true

	require.NoError(t, doc.Set("name", "Alicia"))
	err := f.store.Save(f.ctx, doc)
	require.ErrorIs(t, err, store.ErrConcurrencyConflict)
	assert.False(t, errors.Is(err, store.ErrMutexNotAcquired))

	rec := f.record(f.customer, doc.PK())
	assert.Equal(t, "Alice", rec["name"])
	assert.Equal(t, int64(1), rec[model.VersionKey])
	assert.Equal(t, epoch.Add(time.Hour), rec[model.MutexKey])
}

func TestSave_FailedValidationOnUpdateLeavesRecord(t *testing.T) {
	f := newFixture(t)
	doc := f.create(f.customer, map[string]any{"name": "Alice"})

	require.NoError(t, doc.Set("name", nil))
	require.ErrorIs(t, f.store.Save(f.ctx, doc), model.ErrValidation)

	rec := f.record(f.customer, doc.PK())
	assert.Equal(t, int64(1), rec[model.VersionKey])
	assert.True(t, rec[model.MutexKey].(time.Time).Before(epoch))
}

func TestSave_RevisionPerUpdate(t *testing.T) {
	f := newFixture(t)
	doc := f.create(f.customer, map[string]any{"name": "v1"})

	for _, name := range []string{"v2", "v3", "v4"} {
		require.NoError(t, doc.Set("name", name))
		require.NoError(t, f.store.Save(f.ctx, doc, store.WithAuthor("editor")))
	}
	assert.Equal(t, int64(4), doc.Version())

	revs, err := f.store.Revisions(f.ctx, doc)
	require.NoError(t, err)
	require.Len(t, revs, 3)
	for i, rev := range revs {
		assert.Equal(t, int64(i+1), rev.Version)
		assert.Equal(t, "1."+string(rune('1'+i)), rev.ID)
		assert.Equal(t, "v"+string(rune('1'+i)), rev.Document["name"])
		assert.Equal(t, "editor", rev.Author)
		assert.Equal(t, epoch, rev.Created)
		assert.NotContains(t, rev.Document, model.MutexKey)
	}

	rev, err := f.store.Revision(f.ctx, doc, 2)
	require.NoError(t, err)
	assert.Equal(t, "v2", rev.Document["name"])

	_, err = f.store.Revision(f.ctx, doc, 9)
	assert.ErrorIs(t, err, store.ErrDoesNotExist)

	assert.ErrorIs(t, f.store.Revert(f.ctx, doc, 2), store.ErrRevertUnsupported)
}

func TestSave_WithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	doc := f.create(f.customer, map[string]any{"name": "v1"})

	require.NoError(t, doc.Set("name", "v2"))
	require.NoError(t, f.store.Save(f.ctx, doc, store.WithoutSnapshot()))

	revs, err := f.store.Revisions(f.ctx, doc)
	require.NoError(t, err)
	assert.Empty(t, revs)
}

func TestSave_NotRevisableWritesNoRevision(t *testing.T) {
	f := newFixture(t)
	doc := f.create(f.note, map[string]any{"code": "n-1", "body": "a"})

	require.NoError(t, doc.Set("body", "b"))
	require.NoError(t, f.store.Save(f.ctx, doc))
	assert.Zero(t, f.backend.Len("notes.revisions"))
}

func TestSave_MetricsCountWrites(t *testing.T) {
	f := newFixture(t)
	doc := f.create(f.customer, map[string]any{"name": "Alice"})
	require.NoError(t, doc.Set("name", "Alicia"))
	require.NoError(t, f.store.Save(f.ctx, doc))

	n, err := testutil.GatherAndCount(f.reg, "espalier_saves_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
