package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jacentio/espalier/jobs"
	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
	"github.com/jacentio/espalier/search"
)

// Store provides document operations on top of a Backend.
type Store struct {
	backend  Backend
	registry *model.Registry
	config   Config
	search   search.Engine
	jobs     jobs.Dispatcher
	logger   *zap.Logger
	reg      prometheus.Registerer
	metrics  *metrics
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSearch sets the search engine documents are indexed into.
func WithSearch(engine search.Engine) Option {
	return func(s *Store) { s.search = engine }
}

// WithDispatcher sets where post-commit jobs are enqueued. Without one,
// reference sync and index updates only happen when called directly.
func WithDispatcher(d jobs.Dispatcher) Option {
	return func(s *Store) { s.jobs = d }
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegisterer registers the store metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Store) { s.reg = reg }
}

// WithClock replaces the time source used for leases and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Store instance.
func New(backend Backend, registry *model.Registry, config Config, opts ...Option) *Store {
	config.validate()
	s := &Store{
		backend:  backend,
		registry: registry,
		config:   config,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.reg)
	return s
}

// Registry returns the schema registry.
func (s *Store) Registry() *model.Registry { return s.registry }

// Backend returns the document store backend.
func (s *Store) Backend() Backend { return s.backend }

// Config returns the validated configuration.
func (s *Store) Config() Config { return s.config }

// SearchEngine returns the configured search engine, or nil.
func (s *Store) SearchEngine() search.Engine { return s.search }

func (s *Store) revisions(schema *model.Schema) string {
	return schema.Collection() + s.config.RevisionsSuffix
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func storable(schema *model.Schema) error {
	switch {
	case schema.IsEmbedded():
		return fmt.Errorf("%w: %s", ErrEmbedded, schema.Name())
	case schema.IsAbstract():
		return fmt.Errorf("%w: %s", model.ErrAbstractSchema, schema.Name())
	}
	return nil
}

// Query selects documents. Where keys are logical paths joined by "__",
// optionally ending in an operator suffix such as "__gte". Sort entries are
// paths with an optional "-" prefix for descending order.
type Query struct {
	Where map[string]any
	Sort  []string
	Skip  int64
	Limit int64
}

func (s *Store) compile(schema *model.Schema, q Query) (query.Filter, FindOptions, error) {
	if err := storable(schema); err != nil {
		return nil, FindOptions{}, err
	}
	filter, err := query.Compile(schema, q.Where)
	if err != nil {
		return nil, FindOptions{}, err
	}
	sort, err := query.ParseSort(schema, q.Sort...)
	if err != nil {
		return nil, FindOptions{}, err
	}
	return filter, FindOptions{Sort: sort, Skip: q.Skip, Limit: q.Limit}, nil
}

// Get loads the document of schema with the given primary key.
func (s *Store) Get(ctx context.Context, schema *model.Schema, id any) (*model.Document, error) {
	if err := storable(schema); err != nil {
		return nil, err
	}
	records, err := s.backend.Find(ctx, schema.Collection(), query.ID(id), FindOptions{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("get %s(%v): %w", schema.Name(), id, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s(%v)", ErrDoesNotExist, schema.Name(), id)
	}
	return model.LoadStore(schema, records[0])
}

// Find loads every document matching q.
func (s *Store) Find(ctx context.Context, schema *model.Schema, q Query) ([]*model.Document, error) {
	filter, opts, err := s.compile(schema, q)
	if err != nil {
		return nil, err
	}
	records, err := s.backend.Find(ctx, schema.Collection(), filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", schema.Name(), err)
	}
	docs := make([]*model.Document, 0, len(records))
	for _, r := range records {
		doc, err := model.LoadStore(schema, r)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// FindOne loads the first document matching where.
func (s *Store) FindOne(ctx context.Context, schema *model.Schema, where map[string]any) (*model.Document, error) {
	docs, err := s.Find(ctx, schema, Query{Where: where, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s matching %v", ErrDoesNotExist, schema.Name(), where)
	}
	return docs[0], nil
}

// Count returns the number of documents matching where.
func (s *Store) Count(ctx context.Context, schema *model.Schema, where map[string]any) (int64, error) {
	filter, _, err := s.compile(schema, Query{Where: where})
	if err != nil {
		return 0, err
	}
	return s.backend.Count(ctx, schema.Collection(), filter)
}

// IDs returns the primary keys of the documents matching q.
func (s *Store) IDs(ctx context.Context, schema *model.Schema, q Query) ([]any, error) {
	filter, opts, err := s.compile(schema, q)
	if err != nil {
		return nil, err
	}
	records, err := s.backend.Find(ctx, schema.Collection(), filter, opts)
	if err != nil {
		return nil, fmt.Errorf("ids %s: %w", schema.Name(), err)
	}
	ids := make([]any, len(records))
	for i, r := range records {
		ids[i] = r[model.IdentityKey]
	}
	return ids, nil
}

// GetOrCreate returns the document matching where, creating it when none
// exists. Plain field names in where are copied onto the new document
// before init runs. created reports whether a document was inserted.
func (s *Store) GetOrCreate(ctx context.Context, schema *model.Schema, where map[string]any, init func(*model.Document) error) (doc *model.Document, created bool, err error) {
	doc, err = s.FindOne(ctx, schema, where)
	if err == nil || !errors.Is(err, ErrDoesNotExist) {
		return doc, false, err
	}

	doc, err = model.NewDocument(schema)
	if err != nil {
		return nil, false, err
	}
	for k, v := range where {
		if strings.Contains(k, query.Separator) {
			continue
		}
		if err := doc.Set(k, v); err != nil {
			return nil, false, err
		}
	}
	if init != nil {
		if err := init(doc); err != nil {
			return nil, false, err
		}
	}

	err = s.Save(ctx, doc)
	if errors.Is(err, ErrAlreadyExists) {
		// Lost the insert race; the winner's document is the answer.
		doc, err = s.FindOne(ctx, schema, where)
		return doc, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Refresh reloads doc from the store, discarding unsaved changes.
func (s *Store) Refresh(ctx context.Context, doc *model.Document) error {
	fresh, err := s.backend.Find(ctx, doc.Schema().Collection(), query.ID(doc.PK()), FindOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("refresh %s: %w", doc, err)
	}
	if len(fresh) == 0 {
		return fmt.Errorf("%w: %s", ErrDoesNotExist, doc)
	}
	return doc.Reload(fresh[0])
}

// Related loads the documents referencing doc through its reverse accessor
// field name.
func (s *Store) Related(ctx context.Context, doc *model.Document, name string) ([]*model.Document, error) {
	f, ok := doc.Schema().Field(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", model.ErrUnknownField, name, doc.Schema().Name())
	}
	from, path, ok := model.Related(f)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s is not a reverse accessor", model.ErrInvalidValue, doc.Schema().Name(), name)
	}
	return s.Find(ctx, from, Query{Where: map[string]any{pathCriteria(path): doc.PK()}})
}

// pathCriteria turns a dotted logical path into a criteria key.
func pathCriteria(path string) string {
	return strings.ReplaceAll(path, ".", query.Separator)
}

// NextSequence atomically increments and returns the counter under key.
// Concurrent first increments may race on the upsert; those are retried.
func (s *Store) NextSequence(ctx context.Context, key string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < s.config.SequenceRetries; attempt++ {
		rec, err := s.backend.FindAndModify(ctx, s.config.CountersCollection, query.ID(key),
			Update{Inc: map[string]int64{"next": 1}},
			ModifyOptions{Upsert: true, ReturnNew: true})
		if errors.Is(err, ErrDuplicateKey) {
			lastErr = err
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("next sequence %s: %w", key, err)
		}
		next, ok := model.ToInt64(rec["next"])
		if !ok {
			return 0, fmt.Errorf("%w: counter %s holds %v", model.ErrInvalidValue, key, rec["next"])
		}
		return next, nil
	}
	return 0, fmt.Errorf("next sequence %s: %w", key, lastErr)
}

// SetCounter sets the counter behind a serial field so the next allocated
// value is n+1.
func (s *Store) SetCounter(ctx context.Context, f *model.Field, n int64) error {
	_, err := s.backend.Update(ctx, s.config.CountersCollection, query.ID(model.CounterKey(f)),
		Update{Set: model.Data{"next": n}}, true)
	return err
}

// EnsureIndexes creates the indexes of every concrete schema and of its
// revisions collection.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, schema := range s.registry.Schemas() {
		for _, keys := range schema.Indexes() {
			if err := s.backend.EnsureIndex(ctx, schema.Collection(), keys); err != nil {
				return fmt.Errorf("ensure index on %s: %w", schema.Collection(), err)
			}
		}
		if !schema.IsRevisable() {
			continue
		}
		keys := []model.IndexKey{{Path: revisionDocKey, Order: model.Ascending}}
		if err := s.backend.EnsureIndex(ctx, s.revisions(schema), keys); err != nil {
			return fmt.Errorf("ensure index on %s: %w", s.revisions(schema), err)
		}
	}
	return nil
}
