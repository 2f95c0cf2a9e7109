package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/store"
)

func cached(t *testing.T, doc *model.Document, field string) *model.CachedReference {
	t.Helper()
	ref := doc.Reference(field)
	require.NotNil(t, ref, "%s has no cached reference %q", doc, field)
	return ref
}

func TestSync_OrderCachesCustomerName(t *testing.T) {
	f := newFixture(t)
	ann := f.create(f.customer, map[string]any{"name": "Ann", "pk": model.ManualValue(7)})
	order := f.create(f.order, map[string]any{"customer": ann})

	rec := f.record(f.order, order.PK())
	assert.Equal(t, map[string]any{"id": int64(7), "version": int64(1), "name": "Ann", "label": "ANN"}, rec["customer"])

	require.NoError(t, ann.Set("name", "Annie"))
	require.NoError(t, f.store.Save(f.ctx, ann))
	f.wait()

	rec = f.record(f.order, order.PK())
	assert.Equal(t, map[string]any{"id": int64(7), "version": int64(2), "name": "Annie", "label": "ANNIE"}, rec["customer"])

	// The resync write goes through the update path without a snapshot.
	revs, err := f.store.Revisions(f.ctx, order)
	require.NoError(t, err)
	assert.Empty(t, revs)
}

func TestSync_SkipsChangesOutsideDependencies(t *testing.T) {
	f := newFixture(t)
	ann := f.create(f.customer, map[string]any{"name": "Ann"})
	order := f.create(f.order, map[string]any{"customer": ann})
	f.wait()

	require.NoError(t, ann.Set("email", "ann@example.com"))
	require.NoError(t, f.store.Save(f.ctx, ann))
	f.wait()

	loaded := f.get(f.order, order.PK())
	assert.Equal(t, int64(1), loaded.Version())
	ref := cached(t, loaded, "customer")
	assert.Equal(t, int64(1), ref.Version())
	name, _ := ref.Get("name")
	assert.Equal(t, "Ann", name)
}

func TestSync_WithoutCacheSyncOption(t *testing.T) {
	f := newFixture(t)
	ann := f.create(f.customer, map[string]any{"name": "Ann"})
	order := f.create(f.order, map[string]any{"customer": ann})

	require.NoError(t, ann.Set("name", "Annie"))
	require.NoError(t, f.store.Save(f.ctx, ann, store.WithoutCacheSync()))
	f.wait()

	name, _ := cached(t, f.get(f.order, order.PK()), "customer").Get("name")
	assert.Equal(t, "Ann", name)
}

func TestReverseReferences(t *testing.T) {
	f := newFixture(t, withoutQueue())
	ann := f.create(f.customer, map[string]any{"name": "Ann"})
	first := f.create(f.order, map[string]any{"customer": ann})
	second := f.create(f.order, map[string]any{"customer": ann})

	targets, err := f.store.ReverseReferences(f.ctx, ann, nil)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, f.order, targets[0].Schema)
	assert.ElementsMatch(t, []any{first.PK(), second.PK()}, []any{targets[0].ID, targets[1].ID})
	assert.Equal(t, []string{"customer.id"}, targets[0].Paths)

	targets, err = f.store.ReverseReferences(f.ctx, ann, []string{"email"})
	require.NoError(t, err)
	assert.Empty(t, targets)

	targets, err = f.store.ReverseReferences(f.ctx, ann, []string{"name"})
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestSyncReverseReferences_Inline(t *testing.T) {
	f := newFixture(t, withoutQueue())
	ann := f.create(f.customer, map[string]any{"name": "Ann"})
	order := f.create(f.order, map[string]any{"customer": ann, "note": "keep"})

	require.NoError(t, ann.Set("name", "Annie"))
	require.NoError(t, f.store.Save(f.ctx, ann))

	// Nothing dispatched without a queue.
	name, _ := cached(t, f.get(f.order, order.PK()), "customer").Get("name")
	assert.Equal(t, "Ann", name)

	require.NoError(t, f.store.SyncReverseReferences(f.ctx, ann, []string{"name"}))
	loaded := f.get(f.order, order.PK())
	ref := cached(t, loaded, "customer")
	name, _ = ref.Get("name")
	assert.Equal(t, "Annie", name)
	assert.Equal(t, int64(2), ref.Version())
	assert.Equal(t, "keep", loaded.Text("note"))
}

func TestResync_StaleSourceIsNoop(t *testing.T) {
	f := newFixture(t, withoutQueue())
	ann := f.create(f.customer, map[string]any{"name": "Ann"})
	stale := f.get(f.customer, ann.PK())
	order := f.create(f.order, map[string]any{"customer": ann})

	require.NoError(t, ann.Set("name", "Annie"))
	require.NoError(t, f.store.Save(f.ctx, ann))
	require.NoError(t, f.store.SyncReverseReferences(f.ctx, ann, nil))
	synced := f.get(f.order, order.PK())

	target := store.Target{Schema: f.order, ID: order.PK(), Paths: []string{"customer.id"}}
	require.NoError(t, f.store.Resync(f.ctx, stale, target))

	after := f.get(f.order, order.PK())
	assert.Equal(t, synced.Version(), after.Version())
	ref := cached(t, after, "customer")
	assert.Equal(t, int64(2), ref.Version())
	name, _ := ref.Get("name")
	assert.Equal(t, "Annie", name)
}

func TestResync_VanishedTargetIsSkipped(t *testing.T) {
	f := newFixture(t, withoutQueue())
	ann := f.create(f.customer, map[string]any{"name": "Ann"})

	err := f.store.Resync(f.ctx, ann, store.Target{Schema: f.order, ID: int64(99), Paths: []string{"customer.id"}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.logs.FilterMessage("resync target vanished").Len())
}

func TestResync_LeaseConflictIsRetried(t *testing.T) {
	f := newFixture(t)
	ann := f.create(f.customer, map[string]any{"name": "Ann"})
	order := f.create(f.order, map[string]any{"customer": ann})
	f.wait()

	// Every resync attempt finds the order lease held.
	holdLease(t, f, f.order, order.PK())
	require.NoError(t, ann.Set("name", "Annie"))
	require.NoError(t, f.store.Save(f.ctx, ann))

	require.Eventually(t, func() bool { return len(f.queue.Failures()) == 1 }, 5*time.Second, time.Millisecond)
	failure := f.queue.Failures()[0]
	assert.Equal(t, store.JobResync, failure.Job.Name)
	assert.Equal(t, 3, failure.Job.Attempt)
	assert.ErrorIs(t, failure.Err, store.ErrMutexNotAcquired)
}

func cachedName(t *testing.T, v any) (any, int64) {
	t.Helper()
	ref, ok := v.(*model.CachedReference)
	require.True(t, ok, "expected a cached reference, got %T", v)
	name, _ := ref.Get("name")
	return name, ref.Version()
}

func TestSync_ListAndEmbeddedReferences(t *testing.T) {
	f := newFixture(t)
	ann := f.create(f.customer, map[string]any{"name": "Ann"})
	bob := f.create(f.customer, map[string]any{"name": "Bob"})
	stop := f.newDoc(f.stop, map[string]any{"city": "Oslo", "host": bob})
	trip := f.create(f.trip, map[string]any{"title": "Fjords", "guests": []any{ann, bob}, "stop": stop})
	f.wait()

	// Referenced documents stay top-level after the referrer is saved.
	assert.Nil(t, ann.Parent())
	assert.Nil(t, bob.Parent())
	assert.Same(t, trip, stop.Parent())

	require.NoError(t, ann.Set("name", "Annie"))
	require.NoError(t, f.store.Save(f.ctx, ann))
	assert.False(t, trip.IsModified())

	require.NoError(t, bob.Set("name", "Robert"))
	require.NoError(t, f.store.Save(f.ctx, bob))
	f.wait()

	loaded := f.get(f.trip, trip.PK())
	guests := loaded.List("guests")
	require.Len(t, guests, 2)
	name, version := cachedName(t, guests[0])
	assert.Equal(t, "Annie", name)
	assert.Equal(t, int64(2), version)
	name, version = cachedName(t, guests[1])
	assert.Equal(t, "Robert", name)
	assert.Equal(t, int64(2), version)

	host := loaded.Embedded("stop")
	require.NotNil(t, host)
	assert.Equal(t, "Oslo", host.Text("city"))
	name, version = cachedName(t, host.Get("host"))
	assert.Equal(t, "Robert", name)
	assert.Equal(t, int64(2), version)
}

func TestReverseReferences_ListAndEmbedded(t *testing.T) {
	f := newFixture(t, withoutQueue())
	bob := f.create(f.customer, map[string]any{"name": "Bob"})
	stop := f.newDoc(f.stop, map[string]any{"host": bob})
	trip := f.create(f.trip, map[string]any{"guests": []any{bob}, "stop": stop})

	targets, err := f.store.ReverseReferences(f.ctx, bob, []string{"name"})
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, f.trip, targets[0].Schema)
	assert.Equal(t, trip.PK(), targets[0].ID)
	assert.ElementsMatch(t, []string{"guests.id", "stop.host.id"}, targets[0].Paths)

	// Restrict applies through list and embedded references too.
	assert.ErrorIs(t, f.store.Delete(f.ctx, bob), store.ErrDeleteRestricted)
}
