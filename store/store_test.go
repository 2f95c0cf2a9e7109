package store_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jacentio/espalier/jobs"
	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
	"github.com/jacentio/espalier/search"
	"github.com/jacentio/espalier/store"
	"github.com/jacentio/espalier/store/memory"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture wires a store over the in-memory backend and search engine.
type fixture struct {
	t        *testing.T
	ctx      context.Context
	registry *model.Registry
	backend  *memory.Backend
	engine   *search.Memory
	queue    *jobs.Queue
	store    *store.Store
	logs     *observer.ObservedLogs
	reg      *prometheus.Registry

	customer *model.Schema
	order    *model.Schema
	project  *model.Schema
	task     *model.Schema
	comment  *model.Schema
	review   *model.Schema
	note     *model.Schema
	stop     *model.Schema
	trip     *model.Schema
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	backend store.Backend
	config  store.Config
	noQueue bool
}

func withBackend(b store.Backend) fixtureOption {
	return func(c *fixtureConfig) { c.backend = b }
}

func withConfig(cfg store.Config) fixtureOption {
	return func(c *fixtureConfig) { c.config = cfg }
}

func withoutQueue() fixtureOption {
	return func(c *fixtureConfig) { c.noQueue = true }
}

func defineShop(t *testing.T) (*model.Registry, map[string]*model.Schema) {
	t.Helper()
	r := model.NewRegistry()
	schemas := map[string]*model.Schema{}
	define := func(name string, fields []*model.Field, opts ...model.SchemaOption) {
		s, err := r.Define(name, fields, opts...)
		require.NoError(t, err)
		schemas[name] = s
	}

	define("Customer", []*model.Field{
		model.Text("name", model.Required()),
		model.Text("email"),
	}, model.Collection("customers"))
	define("Order", []*model.Field{
		model.Reference("customer", "Customer", []model.Cached{
			model.CacheField("name"),
			model.CacheDynamic("label", func(src *model.Document) any {
				return strings.ToUpper(src.Text("name"))
			}, "name"),
		}, model.RelatedName("orders"), model.RelatedSearchable("note")),
		model.List("tags", model.Text("")),
		model.Text("note"),
	}, model.Collection("orders"))

	define("Project", []*model.Field{
		model.Text("title", model.Required()),
	}, model.Collection("projects"))
	define("Task", []*model.Field{
		model.Reference("project", "Project", []model.Cached{model.CacheField("title")}, model.OnDelete(model.Cascade)),
		model.Text("title"),
	}, model.Collection("tasks"))
	define("Comment", []*model.Field{
		model.Reference("task", "Task", nil, model.OnDelete(model.Cascade)),
		model.Text("body"),
	}, model.Collection("comments"))
	define("Review", []*model.Field{
		model.Reference("task", "Task", nil),
		model.Text("verdict"),
	}, model.Collection("reviews"))
	define("Note", []*model.Field{
		model.Text("code", model.PrimaryKey()),
		model.Text("body"),
	}, model.Collection("notes"), model.WithoutSearch(), model.WithoutRevisions())

	stop, err := r.DefineEmbedded("Stop",
		model.Text("city"),
		model.Reference("host", "Customer", []model.Cached{model.CacheField("name")}),
	)
	require.NoError(t, err)
	schemas["Stop"] = stop
	define("Trip", []*model.Field{
		model.Text("title"),
		model.List("guests", model.Reference("", "Customer", []model.Cached{model.CacheField("name")})),
		model.Embedded("stop", stop),
	}, model.Collection("trips"))

	require.NoError(t, r.Seal())
	return r, schemas
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{config: store.DefaultConfig()}
	for _, opt := range opts {
		opt(&cfg)
	}
	registry, schemas := defineShop(t)

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	reg := prometheus.NewRegistry()

	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		registry: registry,
		engine:   search.NewMemory(),
		logs:     logs,
		reg:      reg,
		customer: schemas["Customer"],
		order:    schemas["Order"],
		project:  schemas["Project"],
		task:     schemas["Task"],
		comment:  schemas["Comment"],
		review:   schemas["Review"],
		note:     schemas["Note"],
		stop:     schemas["Stop"],
		trip:     schemas["Trip"],
	}
	backend := cfg.backend
	if backend == nil {
		f.backend = memory.New()
		backend = f.backend
	}

	storeOpts := []store.Option{
		store.WithSearch(f.engine),
		store.WithLogger(logger),
		store.WithRegisterer(reg),
		store.WithClock(func() time.Time { return epoch }),
	}
	if !cfg.noQueue {
		f.queue = jobs.New(jobs.Config{Workers: 4, MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
			jobs.WithLogger(logger))
		storeOpts = append(storeOpts, store.WithDispatcher(f.queue))
	}
	f.store = store.New(backend, registry, cfg.config, storeOpts...)

	if f.queue != nil {
		f.queue.RegisterAll(f.store.Handlers())
		f.queue.Start(f.ctx)
		t.Cleanup(f.queue.Stop)
	}
	return f
}

// wait drains the job queue.
func (f *fixture) wait() {
	f.t.Helper()
	if f.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.queue.Wait(ctx))
	require.Empty(f.t, f.queue.Failures())
}

func (f *fixture) newDoc(s *model.Schema, values map[string]any) *model.Document {
	f.t.Helper()
	doc, err := model.NewDocument(s)
	require.NoError(f.t, err)
	for k, v := range values {
		require.NoError(f.t, doc.Set(k, v))
	}
	return doc
}

func (f *fixture) create(s *model.Schema, values map[string]any) *model.Document {
	f.t.Helper()
	doc := f.newDoc(s, values)
	require.NoError(f.t, f.store.Save(f.ctx, doc))
	return doc
}

func (f *fixture) get(s *model.Schema, id any) *model.Document {
	f.t.Helper()
	doc, err := f.store.Get(f.ctx, s, id)
	require.NoError(f.t, err)
	return doc
}

func (f *fixture) record(s *model.Schema, id any) model.Data {
	f.t.Helper()
	records, err := f.backend.Find(f.ctx, s.Collection(), nil, store.FindOptions{})
	require.NoError(f.t, err)
	for _, r := range records {
		if model.IDKey(r[model.IdentityKey]) == model.IDKey(id) {
			return r
		}
	}
	f.t.Fatalf("no %s record with id %v", s.Name(), id)
	return nil
}

// holdLease sets the stored mutex of a record into the future.
func holdLease(t *testing.T, f *fixture, s *model.Schema, id any) {
	t.Helper()
	_, err := f.backend.Update(f.ctx, s.Collection(), query.ID(id),
		store.Update{Set: model.Data{model.MutexKey: epoch.Add(time.Minute)}}, false)
	require.NoError(t, err)
}

func TestSave_InsertAssignsSerialAndVersion(t *testing.T) {
	f := newFixture(t)

	alice := f.create(f.customer, map[string]any{"name": "Alice"})
	bob := f.create(f.customer, map[string]any{"name": "Bob"})

	assert.Equal(t, int64(1), alice.PK())
	assert.Equal(t, int64(2), bob.PK())
	assert.Equal(t, int64(1), alice.Version())
	assert.True(t, alice.IsPersistent())
	assert.False(t, alice.IsModified())

	rec := f.record(f.customer, int64(1))
	assert.Equal(t, int64(1), rec[model.VersionKey])
	assert.Equal(t, epoch.Add(-time.Hour), rec[model.MutexKey])
	assert.Equal(t, epoch, rec[model.LastUpdateKey])
	assert.NotContains(t, rec, model.LastAuthorKey)
	assert.NotContains(t, rec, "email")
}

func TestSave_RequiredFieldFailsValidation(t *testing.T) {
	f := newFixture(t)
	doc := f.newDoc(f.customer, nil)

	err := f.store.Save(f.ctx, doc)
	require.ErrorIs(t, err, model.ErrValidation)
	assert.False(t, doc.IsPersistent())
	assert.Zero(t, f.backend.Len("customers"))
}

func TestSave_PreserveNullsAndAuthor(t *testing.T) {
	f := newFixture(t)
	doc := f.newDoc(f.customer, map[string]any{"name": "Alice"})
	require.NoError(t, f.store.Save(f.ctx, doc, store.PreserveNulls(), store.WithAuthor("ops")))

	rec := f.record(f.customer, doc.PK())
	assert.Contains(t, rec, "email")
	assert.Nil(t, rec["email"])
	assert.Equal(t, "ops", rec[model.LastAuthorKey])
}

func TestSave_DuplicatePrimaryKey(t *testing.T) {
	f := newFixture(t)
	f.create(f.note, map[string]any{"code": "n-1", "body": "first"})

	err := f.store.Save(f.ctx, f.newDoc(f.note, map[string]any{"code": "n-1"}))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestSave_NotRevisableSkipsAuditFields(t *testing.T) {
	f := newFixture(t)
	f.create(f.note, map[string]any{"code": "n-1"})

	rec := f.record(f.note, "n-1")
	assert.NotContains(t, rec, model.LastUpdateKey)
}

func TestSave_UnmodifiedIsNoop(t *testing.T) {
	f := newFixture(t)
	doc := f.create(f.customer, map[string]any{"name": "Alice"})

	require.NoError(t, f.store.Save(f.ctx, doc))
	assert.Equal(t, int64(1), doc.Version())
}

func TestSave_EmbeddedAndAbstractRejected(t *testing.T) {
	r := model.NewRegistry()
	address, err := r.DefineEmbedded("Address", model.Text("city"))
	require.NoError(t, err)
	st := store.New(memory.New(), r, store.DefaultConfig())

	doc, err := model.NewDocument(address)
	require.NoError(t, err)
	assert.ErrorIs(t, st.Save(context.Background(), doc), store.ErrEmbedded)
}

func TestGetFindCount(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"Carol", "Alice", "Bob"} {
		f.create(f.customer, map[string]any{"name": name})
	}

	doc := f.get(f.customer, 2)
	assert.Equal(t, "Alice", doc.Text("name"))

	_, err := f.store.Get(f.ctx, f.customer, 99)
	assert.ErrorIs(t, err, store.ErrDoesNotExist)

	docs, err := f.store.Find(f.ctx, f.customer, store.Query{Sort: []string{"name"}})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "Alice", docs[0].Text("name"))

	docs, err = f.store.Find(f.ctx, f.customer, store.Query{Where: map[string]any{"pk__gte": 2}, Sort: []string{"-pk"}})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, int64(3), docs[0].PK())

	n, err := f.store.Count(f.ctx, f.customer, map[string]any{"name__in": []string{"Alice", "Bob"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ids, err := f.store.IDs(f.ctx, f.customer, store.Query{Sort: []string{"pk"}, Skip: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2)}, ids)

	one, err := f.store.FindOne(f.ctx, f.customer, map[string]any{"name": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), one.PK())

	_, err = f.store.FindOne(f.ctx, f.customer, map[string]any{"name": "Zed"})
	assert.ErrorIs(t, err, store.ErrDoesNotExist)

	_, err = f.store.Find(f.ctx, f.customer, store.Query{Where: map[string]any{"missing": 1}})
	assert.ErrorIs(t, err, model.ErrUnknownField)
}

func TestGetOrCreate(t *testing.T) {
	f := newFixture(t)

	doc, created, err := f.store.GetOrCreate(f.ctx, f.customer, map[string]any{"name": "Alice"}, func(d *model.Document) error {
		return d.Set("email", "alice@example.com")
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice@example.com", doc.Text("email"))

	again, created, err := f.store.GetOrCreate(f.ctx, f.customer, map[string]any{"name": "Alice"}, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, doc.PK(), again.PK())
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	doc := f.create(f.customer, map[string]any{"name": "Alice"})

	other := f.get(f.customer, doc.PK())
	require.NoError(t, other.Set("name", "Alicia"))
	require.NoError(t, f.store.Save(f.ctx, other))

	require.NoError(t, doc.Set("email", "unsaved"))
	require.NoError(t, f.store.Refresh(f.ctx, doc))
	assert.Equal(t, "Alicia", doc.Text("name"))
	assert.Empty(t, doc.Text("email"))
	assert.Equal(t, int64(2), doc.Version())
	assert.False(t, doc.IsModified())
}

func TestSequences(t *testing.T) {
	f := newFixture(t)
	pk := f.customer.PrimaryKey()

	require.NoError(t, f.store.SetCounter(f.ctx, pk, 41))
	doc := f.create(f.customer, map[string]any{"name": "Alice"})
	assert.Equal(t, int64(42), doc.PK())

	next, err := f.store.NextSequence(f.ctx, model.CounterKey(pk))
	require.NoError(t, err)
	assert.Equal(t, int64(43), next)
}

func TestManualSerialValue(t *testing.T) {
	f := newFixture(t)
	doc := f.create(f.customer, map[string]any{"name": "Alice", "pk": model.ManualValue(500)})
	assert.Equal(t, int64(500), doc.PK())
	assert.Equal(t, "Alice", f.get(f.customer, 500).Text("name"))
}

func TestRelated(t *testing.T) {
	f := newFixture(t)
	alice := f.create(f.customer, map[string]any{"name": "Alice"})
	bob := f.create(f.customer, map[string]any{"name": "Bob"})
	f.create(f.order, map[string]any{"customer": alice, "note": "one"})
	f.create(f.order, map[string]any{"customer": alice, "note": "two"})
	f.create(f.order, map[string]any{"customer": bob, "note": "three"})

	orders, err := f.store.Related(f.ctx, alice, "orders")
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	_, err = f.store.Related(f.ctx, alice, "name")
	assert.ErrorIs(t, err, model.ErrInvalidValue)
	_, err = f.store.Related(f.ctx, alice, "nope")
	assert.ErrorIs(t, err, model.ErrUnknownField)
}

func TestEnsureIndexes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.EnsureIndexes(f.ctx))

	assert.Contains(t, f.backend.Indexes("orders"), []model.IndexKey{{Path: "customer.id", Order: model.Ascending}})
	assert.Contains(t, f.backend.Indexes("orders"), []model.IndexKey{
		{Path: model.IdentityKey, Order: model.Ascending},
		{Path: model.VersionKey, Order: model.Ascending},
	})
	assert.Equal(t, [][]model.IndexKey{{{Path: "doc", Order: model.Ascending}}}, f.backend.Indexes("orders.revisions"))
	assert.Empty(t, f.backend.Indexes("notes.revisions"))
}
