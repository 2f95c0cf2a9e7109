// Package ops holds maintenance operations on the search indexes of a store:
// mapping synchronization, index recreation and reindexing.
package ops

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/jacentio/espalier/internal/shard"
	"github.com/jacentio/espalier/jobs"
	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/search"
	"github.com/jacentio/espalier/store"
)

// DefaultBatchSize is the number of documents read per reindex batch.
const DefaultBatchSize = 10000

const (
	refreshDisabled = "-1"
	refreshDefault  = "1s"
	progressEvery   = 100
)

// ErrNoDispatcher is returned by a background reindex without a dispatcher.
var ErrNoDispatcher = errors.New("espalier: background reindex needs a job dispatcher")

// Ops runs maintenance operations against a store.
type Ops struct {
	store  *store.Store
	jobs   jobs.Dispatcher
	logger *zap.Logger
}

// Option configures Ops.
type Option func(*Ops)

// WithDispatcher sets where background reindex batches are enqueued.
func WithDispatcher(d jobs.Dispatcher) Option {
	return func(o *Ops) { o.jobs = d }
}

// WithLogger sets the logger used to report progress.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Ops) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates maintenance operations for s.
func New(s *store.Store, opts ...Option) *Ops {
	o := &Ops{store: s, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SyncMappings emits the search mapping of every searchable, storable
// schema in the registry.
func (o *Ops) SyncMappings(ctx context.Context) error {
	for _, schema := range o.store.Registry().Schemas() {
		if !indexable(schema) {
			continue
		}
		o.logger.Info("syncing search mapping", zap.String("schema", schema.Name()))
		if err := o.store.EmitMapping(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// RecreateIndex drops the index of schema and emits its mapping again.
// Every indexed document is lost.
func (o *Ops) RecreateIndex(ctx context.Context, schema *model.Schema) error {
	if err := checkIndexable(schema); err != nil {
		return err
	}
	o.logger.Info("recreating index", zap.String("index", o.store.IndexName(schema)))
	if err := o.store.DropIndex(ctx, schema); err != nil && !errors.Is(err, search.ErrIndexNotFound) {
		return fmt.Errorf("drop index of %s: %w", schema.Name(), err)
	}
	return o.store.EmitMapping(ctx, schema)
}

// ReindexOptions configures Reindex.
type ReindexOptions struct {
	// StartID skips documents with a primary key up to and including it.
	StartID any

	// BatchSize defaults to DefaultBatchSize.
	BatchSize int64

	// Background enqueues reindex jobs instead of indexing in place.
	Background bool

	// Recreate drops and recreates the index first.
	Recreate bool
}

// ReindexResult reports a foreground reindex.
type ReindexResult struct {
	Indexed int
	Failed  int
	LastID  any
}

// Reindex writes every document of schema to its search index again.
//
// In the foreground, documents are walked in primary key order, in batches
// of pk > last seen pk. Index refresh is disabled for the run and restored
// afterwards, also when the run fails. Documents that fail to index are
// logged and skipped. In the background, one search.reindex job per batch is
// enqueued and the returned result is empty.
func (o *Ops) Reindex(ctx context.Context, schema *model.Schema, opts ReindexOptions) (ReindexResult, error) {
	if err := checkIndexable(schema); err != nil {
		return ReindexResult{}, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Recreate {
		if err := o.RecreateIndex(ctx, schema); err != nil {
			return ReindexResult{}, err
		}
	}
	if opts.Background {
		return ReindexResult{}, o.enqueueReindex(ctx, schema, opts)
	}
	return o.reindex(ctx, schema, opts)
}

func (o *Ops) reindex(ctx context.Context, schema *model.Schema, opts ReindexOptions) (res ReindexResult, err error) {
	engine := o.store.SearchEngine()
	if engine == nil {
		return res, store.ErrNoSearchEngine
	}
	index := o.store.IndexName(schema)
	logger := o.logger.With(zap.String("schema", schema.Name()), zap.String("index", index))

	if err := engine.SetConfiguration(ctx, index, search.RefreshInterval(refreshDisabled)); err != nil {
		return res, fmt.Errorf("disable refresh of %s: %w", index, err)
	}
	defer func() {
		// The run context may be done already.
		restoreCtx := context.WithoutCancel(ctx)
		if rerr := engine.SetConfiguration(restoreCtx, index, search.RefreshInterval(refreshDefault)); rerr != nil {
			err = errors.Join(err, fmt.Errorf("restore refresh of %s: %w", index, rerr))
			return
		}
		if rerr := engine.Refresh(restoreCtx, index); rerr != nil {
			err = errors.Join(err, fmt.Errorf("refresh %s: %w", index, rerr))
		}
	}()

	logger.Info("starting foreground reindex", zap.Any("startID", opts.StartID))
	last := opts.StartID
	res.LastID = last
	for batch := 1; ; batch++ {
		logger.Info("starting batch", zap.Int("batch", batch), zap.Any("after", last))
		q := store.Query{Sort: []string{"pk"}, Limit: opts.BatchSize}
		if last != nil {
			q.Where = map[string]any{"pk__gt": last}
		}
		docs, err := o.store.Find(ctx, schema, q)
		if err != nil {
			logger.Error("reindex aborted", zap.Any("lastID", last), zap.Error(err))
			return res, err
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			if err := o.store.IndexDocument(ctx, doc); err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				logger.Warn("failed to index document", zap.String("document", doc.String()), zap.Error(err))
				res.Failed++
			} else {
				res.Indexed++
			}
			last = doc.PK()
			res.LastID = last
			if n := res.Indexed + res.Failed; n%progressEvery == 0 {
				logger.Info("reindex progress", zap.Int("documents", n))
			}
		}
		if int64(len(docs)) < opts.BatchSize {
			break
		}
	}
	logger.Info("reindex finished",
		zap.Int("indexed", res.Indexed),
		zap.Int("failed", res.Failed),
		zap.Any("lastID", res.LastID),
	)
	return res, nil
}

func (o *Ops) enqueueReindex(ctx context.Context, schema *model.Schema, opts ReindexOptions) error {
	if o.jobs == nil {
		return ErrNoDispatcher
	}
	var where map[string]any
	if opts.StartID != nil {
		where = map[string]any{"pk__gt": opts.StartID}
	}
	total, err := o.store.Count(ctx, schema, where)
	if err != nil {
		return err
	}
	// Offsets count from the first document, so skip those up to StartID.
	skipped, err := o.store.Count(ctx, schema, nil)
	if err != nil {
		return err
	}
	skipped -= total

	for offset := int64(0); offset < total; offset += opts.BatchSize {
		job := jobs.Job{
			Name: store.JobReindex,
			Key:  shard.Ref(schema.Name(), "reindex-"+strconv.FormatInt(offset, 10)),
			Payload: store.ReindexPayload{
				Schema: schema.Name(),
				Offset: skipped + offset,
				Limit:  opts.BatchSize,
			},
		}
		if err := o.jobs.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue reindex of %s at %d: %w", schema.Name(), offset, err)
		}
	}
	o.logger.Info("reindex initiated in the background",
		zap.String("schema", schema.Name()),
		zap.Int64("documents", total),
	)
	return nil
}

func indexable(schema *model.Schema) bool {
	return schema.IsSearchable() && !schema.IsAbstract() && !schema.IsEmbedded()
}

func checkIndexable(schema *model.Schema) error {
	if !indexable(schema) {
		return fmt.Errorf("%w: %s", store.ErrNotSearchable, schema.Name())
	}
	return nil
}
