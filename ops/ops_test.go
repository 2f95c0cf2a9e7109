package ops_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jacentio/espalier/jobs"
	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/ops"
	"github.com/jacentio/espalier/search"
	"github.com/jacentio/espalier/store"
	"github.com/jacentio/espalier/store/memory"
)

// watchedEngine records the refresh interval in effect on every write and
// fails to index the ids in fail.
type watchedEngine struct {
	*search.Memory
	mu        sync.Mutex
	intervals []any
	fail      map[string]bool
}

func (e *watchedEngine) Index(ctx context.Context, index, id string, doc map[string]any) error {
	e.mu.Lock()
	var interval any
	if settings, ok := e.Memory.Settings(index)["index"].(map[string]any); ok {
		interval = settings["refresh_interval"]
	}
	e.intervals = append(e.intervals, interval)
	fail := e.fail[id]
	e.mu.Unlock()
	if fail {
		return errors.New("rejected")
	}
	return e.Memory.Index(ctx, index, id, doc)
}

type recorder struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (r *recorder) Enqueue(_ context.Context, job jobs.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

type fixture struct {
	ctx      context.Context
	engine   *watchedEngine
	store    *store.Store
	logger   *zap.Logger
	logs     *observer.ObservedLogs
	customer *model.Schema
	note     *model.Schema
}

// newFixture saves n customers. The store has no dispatcher, so nothing is
// indexed until a test does it.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	r := model.NewRegistry()
	customer, err := r.Define("Customer", []*model.Field{
		model.Text("name", model.Required()),
	}, model.Collection("customers"))
	require.NoError(t, err)
	note, err := r.Define("Note", []*model.Field{
		model.Text("body"),
	}, model.Collection("notes"), model.WithoutSearch())
	require.NoError(t, err)
	require.NoError(t, r.Seal())

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	engine := &watchedEngine{Memory: search.NewMemory(), fail: map[string]bool{}}
	f := &fixture{
		ctx:      context.Background(),
		engine:   engine,
		store:    store.New(memory.New(), r, store.DefaultConfig(), store.WithSearch(engine), store.WithLogger(logger)),
		logger:   logger,
		logs:     logs,
		customer: customer,
		note:     note,
	}
	for i := 0; i < n; i++ {
		doc, err := model.NewDocument(customer)
		require.NoError(t, err)
		require.NoError(t, doc.Set("name", "customer"))
		require.NoError(t, f.store.Save(f.ctx, doc))
	}
	return f
}

func TestSyncMappings(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, ops.New(f.store, ops.WithLogger(f.logger)).SyncMappings(f.ctx))

	assert.NotNil(t, f.engine.Mapping("customers"))
	assert.Nil(t, f.engine.Mapping("notes"))
	assert.Equal(t, 1, f.logs.FilterMessage("syncing search mapping").Len())
}

func TestRecreateIndex(t *testing.T) {
	f := newFixture(t, 2)
	o := ops.New(f.store)

	// A missing index is not an error.
	require.NoError(t, o.RecreateIndex(f.ctx, f.customer))

	_, err := o.Reindex(f.ctx, f.customer, ops.ReindexOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, f.engine.Len("customers"))

	require.NoError(t, o.RecreateIndex(f.ctx, f.customer))
	assert.Zero(t, f.engine.Len("customers"))
	assert.NotNil(t, f.engine.Mapping("customers"))

	assert.ErrorIs(t, o.RecreateIndex(f.ctx, f.note), store.ErrNotSearchable)
}

func TestReindex_Foreground(t *testing.T) {
	f := newFixture(t, 5)
	f.engine.fail["3"] = true

	res, err := ops.New(f.store, ops.WithLogger(f.logger)).Reindex(f.ctx, f.customer, ops.ReindexOptions{BatchSize: 2})
	require.NoError(t, err)

	assert.Equal(t, ops.ReindexResult{Indexed: 4, Failed: 1, LastID: int64(5)}, res)
	assert.Equal(t, 4, f.engine.Len("customers"))
	_, ok := f.engine.Document("customers", "3")
	assert.False(t, ok)

	// Refresh is off while indexing and restored afterwards.
	for _, interval := range f.engine.intervals {
		assert.Equal(t, "-1", interval)
	}
	assert.Len(t, f.engine.intervals, 5)
	assert.Equal(t, map[string]any{"refresh_interval": "1s"}, f.engine.Settings("customers")["index"])
	assert.Equal(t, 1, f.engine.Refreshes("customers"))

	assert.Equal(t, 1, f.logs.FilterMessage("failed to index document").Len())
	assert.Equal(t, 3, f.logs.FilterMessage("starting batch").Len())
}

func TestReindex_StartID(t *testing.T) {
	f := newFixture(t, 4)

	res, err := ops.New(f.store).Reindex(f.ctx, f.customer, ops.ReindexOptions{StartID: int64(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed)

	_, ok := f.engine.Document("customers", "2")
	assert.False(t, ok)
	_, ok = f.engine.Document("customers", "3")
	assert.True(t, ok)
}

func TestReindex_RestoresRefreshOnFailure(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	_, err := ops.New(f.store).Reindex(ctx, f.customer, ops.ReindexOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, map[string]any{"refresh_interval": "1s"}, f.engine.Settings("customers")["index"])
}

func TestReindex_Background(t *testing.T) {
	f := newFixture(t, 5)
	rec := &recorder{}
	o := ops.New(f.store, ops.WithDispatcher(rec))

	res, err := o.Reindex(f.ctx, f.customer, ops.ReindexOptions{StartID: int64(1), BatchSize: 2, Background: true})
	require.NoError(t, err)
	assert.Equal(t, ops.ReindexResult{}, res)

	require.Len(t, rec.jobs, 2)
	assert.Equal(t, store.ReindexPayload{Schema: "Customer", Offset: 1, Limit: 2}, rec.jobs[0].Payload)
	assert.Equal(t, store.ReindexPayload{Schema: "Customer", Offset: 3, Limit: 2}, rec.jobs[1].Payload)

	handle := f.store.Handlers()[store.JobReindex]
	for _, job := range rec.jobs {
		assert.Equal(t, store.JobReindex, job.Name)
		require.NoError(t, handle(f.ctx, job))
	}
	assert.Equal(t, 4, f.engine.Len("customers"))
	_, ok := f.engine.Document("customers", "1")
	assert.False(t, ok)
}

func TestReindex_Errors(t *testing.T) {
	f := newFixture(t, 1)

	_, err := ops.New(f.store).Reindex(f.ctx, f.customer, ops.ReindexOptions{Background: true})
	assert.ErrorIs(t, err, ops.ErrNoDispatcher)

	_, err = ops.New(f.store).Reindex(f.ctx, f.note, ops.ReindexOptions{})
	assert.ErrorIs(t, err, store.ErrNotSearchable)
}

func TestReindex_Recreate(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.engine.Memory.Index(f.ctx, "customers", "99", map[string]any{"name": "stale"}))

	res, err := ops.New(f.store).Reindex(f.ctx, f.customer, ops.ReindexOptions{Recreate: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed)
	assert.Equal(t, 2, f.engine.Len("customers"))
	assert.NotNil(t, f.engine.Mapping("customers"))
}
