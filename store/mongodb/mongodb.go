// Package mongodb provides a store.Backend on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
	"github.com/jacentio/espalier/store"
)

// Backend stores collections in a MongoDB database.
type Backend struct {
	db     *mongo.Database
	logger *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a backend on db.
func New(db *mongo.Database, opts ...Option) *Backend {
	b := &Backend{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ store.Backend = (*Backend)(nil)

// Open connects to uri and returns a backend on database.
func Open(ctx context.Context, uri, database string, opts ...Option) (*Backend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", database, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping %s: %w", database, err)
	}
	return New(client.Database(database), opts...), nil
}

// Close disconnects the underlying client.
func (b *Backend) Close(ctx context.Context) error {
	return b.db.Client().Disconnect(ctx)
}

func (b *Backend) Find(ctx context.Context, name string, filter query.Filter, opts store.FindOptions) ([]model.Data, error) {
	findOpts := options.Find()
	if len(opts.Sort) > 0 {
		findOpts.SetSort(indexKeys(opts.Sort))
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}

	cursor, err := b.db.Collection(name).Find(ctx, Filter(filter), findOpts)
	if err != nil {
		return nil, err
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	records := make([]model.Data, len(docs))
	for i, d := range docs {
		records[i] = Normalize(d).(map[string]any)
	}
	return records, nil
}

func (b *Backend) Count(ctx context.Context, name string, filter query.Filter) (int64, error) {
	return b.db.Collection(name).CountDocuments(ctx, Filter(filter))
}

func (b *Backend) Insert(ctx context.Context, name string, data model.Data) error {
	if id, ok := data[model.IdentityKey]; !ok || id == nil {
		return fmt.Errorf("%w: record has no %s", model.ErrInvalidValue, model.IdentityKey)
	}
	_, err := b.db.Collection(name).InsertOne(ctx, bson.M(data))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	}
	return err
}

func (b *Backend) FindAndModify(ctx context.Context, name string, filter query.Filter, update store.Update, opts store.ModifyOptions) (model.Data, error) {
	fmOpts := options.FindOneAndUpdate().SetUpsert(opts.Upsert).SetReturnDocument(options.Before)
	if opts.ReturnNew {
		fmOpts.SetReturnDocument(options.After)
	}

	var doc bson.M
	err := b.db.Collection(name).FindOneAndUpdate(ctx, Filter(filter), Update(update), fmOpts).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, nil
	case mongo.IsDuplicateKeyError(err):
		return nil, fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	case err != nil:
		return nil, err
	}
	return Normalize(doc).(map[string]any), nil
}

func (b *Backend) Update(ctx context.Context, name string, filter query.Filter, update store.Update, upsert bool) (int64, error) {
	coll := b.db.Collection(name)
	var (
		result *mongo.UpdateResult
		err    error
	)
	if upsert {
		result, err = coll.UpdateOne(ctx, Filter(filter), Update(update), options.Update().SetUpsert(true))
	} else {
		result, err = coll.UpdateMany(ctx, Filter(filter), Update(update))
	}
	if mongo.IsDuplicateKeyError(err) {
		return 0, fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	}
	if err != nil {
		return 0, err
	}
	return result.MatchedCount + result.UpsertedCount, nil
}

func (b *Backend) Remove(ctx context.Context, name string, filter query.Filter) (int64, error) {
	result, err := b.db.Collection(name).DeleteMany(ctx, Filter(filter))
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

func (b *Backend) EnsureIndex(ctx context.Context, name string, keys []model.IndexKey) error {
	index, err := b.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: indexKeys(keys)})
	if err != nil {
		return err
	}
	b.logger.Debug("ensured index", zap.String("collection", name), zap.String("index", index))
	return nil
}

func indexKeys(keys []model.IndexKey) bson.D {
	d := make(bson.D, len(keys))
	for i, k := range keys {
		d[i] = bson.E{Key: k.Path, Value: int(k.Order)}
	}
	return d
}
