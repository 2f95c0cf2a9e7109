// Package dynamo provides a store.Backend on Amazon DynamoDB.
//
// Each collection is a table keyed by KeyAttribute. Single-record writes are
// conditional UpdateItem, PutItem and DeleteItem requests, which DynamoDB
// applies atomically. Filters beyond the identifier are evaluated on
// consistent scans.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
	"github.com/jacentio/espalier/store"
)

// Client is the subset of the DynamoDB API the backend uses.
// *dynamodb.Client satisfies it.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Backend stores collections in DynamoDB tables.
type Backend struct {
	client Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	tables map[string]bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithTablePrefix prepends prefix to every table name.
func WithTablePrefix(prefix string) Option {
	return func(b *Backend) { b.prefix = prefix }
}

// WithLogger sets the backend logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a backend on client.
func New(client Client, opts ...Option) *Backend {
	b := &Backend{
		client: client,
		logger: zap.NewNop(),
		tables: map[string]bool{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ store.Backend = (*Backend)(nil)

// Open creates a backend using the default AWS credential chain. A non-empty
// endpoint overrides the service endpoint, for DynamoDB Local.
func Open(ctx context.Context, region, endpoint string, opts ...Option) (*Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client, opts...), nil
}

// Table returns the table name of a collection.
func (b *Backend) Table(collection string) string {
	return b.prefix + collection
}

// Collection returns the collection stored in table, and whether the table
// belongs to this backend.
func (b *Backend) Collection(table string) (string, bool) {
	if len(table) <= len(b.prefix) || table[:len(b.prefix)] != b.prefix {
		return "", false
	}
	return table[len(b.prefix):], true
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func isMissingTable(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}

func (b *Backend) Find(ctx context.Context, name string, filter query.Filter, opts store.FindOptions) ([]model.Data, error) {
	records, err := b.scan(ctx, name, filter)
	if err != nil {
		return nil, err
	}
	query.Sort(records, opts.Sort)

	if opts.Skip > 0 {
		if opts.Skip >= int64(len(records)) {
			return nil, nil
		}
		records = records[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < int64(len(records)) {
		records = records[:opts.Limit]
	}
	return records, nil
}

func (b *Backend) Count(ctx context.Context, name string, filter query.Filter) (int64, error) {
	records, err := b.scan(ctx, name, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

// scan returns the records of a collection matching filter. A missing
// table is an empty collection.
func (b *Backend) scan(ctx context.Context, name string, filter query.Filter) ([]model.Data, error) {
	if id, ok := filter.Lookup(model.IdentityKey, query.Eq); ok {
		result, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(b.Table(name)),
			Key:            Key(id),
			ConsistentRead: aws.Bool(true),
		})
		if isMissingTable(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := Decode(result.Item)
		if err != nil || rec == nil || !query.Match(rec, filter) {
			return nil, err
		}
		return []model.Data{rec}, nil
	}

	var records []model.Data
	paginator := dynamodb.NewScanPaginator(b.client, &dynamodb.ScanInput{
		TableName:      aws.String(b.Table(name)),
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if isMissingTable(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			rec, err := Decode(item)
			if err != nil {
				return nil, err
			}
			if query.Match(rec, filter) {
				records = append(records, rec)
			}
		}
	}
	return records, nil
}

func (b *Backend) Insert(ctx context.Context, name string, data model.Data) error {
	item, err := Encode(data)
	if err != nil {
		return err
	}
	if err := b.ensureTable(ctx, name); err != nil {
		return err
	}
	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(b.Table(name)),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#key)"),
		ExpressionAttributeNames: map[string]string{"#key": KeyAttribute},
	})
	if isConditionFailed(err) {
		return fmt.Errorf("%w: %s=%v", store.ErrDuplicateKey, model.IdentityKey, data[model.IdentityKey])
	}
	return err
}

// FindAndModify requires an identifier condition: DynamoDB can only
// conditionally update an item addressed by key.
func (b *Backend) FindAndModify(ctx context.Context, name string, filter query.Filter, update store.Update, opts store.ModifyOptions) (model.Data, error) {
	id, ok := filter.Lookup(model.IdentityKey, query.Eq)
	if !ok {
		return nil, fmt.Errorf("%w: find-and-modify needs an %s condition", ErrUnsupportedFilter, model.IdentityKey)
	}
	input, err := b.updateInput(name, id, filter, update, opts.Upsert)
	if err != nil {
		return nil, err
	}
	input.ReturnValues = types.ReturnValueAllOld
	if opts.ReturnNew {
		input.ReturnValues = types.ReturnValueAllNew
	}
	if err := b.ensureTable(ctx, name); err != nil {
		return nil, err
	}

	result, err := b.client.UpdateItem(ctx, input)
	if isConditionFailed(err) {
		if opts.Upsert {
			return nil, fmt.Errorf("%w: %s=%v", store.ErrDuplicateKey, model.IdentityKey, id)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Decode(result.Attributes)
}

func (b *Backend) Update(ctx context.Context, name string, filter query.Filter, update store.Update, upsert bool) (int64, error) {
	if id, ok := filter.Lookup(model.IdentityKey, query.Eq); ok {
		return b.updateOne(ctx, name, id, filter, update, upsert)
	}
	if upsert {
		return 0, fmt.Errorf("%w: upsert needs an %s condition", ErrUnsupportedFilter, model.IdentityKey)
	}
	records, err := b.scan(ctx, name, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range records {
		modified, err := b.updateOne(ctx, name, rec[model.IdentityKey], filter, update, false)
		if err != nil {
			return n, err
		}
		n += modified
	}
	return n, nil
}

func (b *Backend) updateOne(ctx context.Context, name string, id any, filter query.Filter, update store.Update, upsert bool) (int64, error) {
	input, err := b.updateInput(name, id, filter, update, upsert)
	if err != nil {
		return 0, err
	}
	if err := b.ensureTable(ctx, name); err != nil {
		return 0, err
	}
	_, err = b.client.UpdateItem(ctx, input)
	switch {
	case isConditionFailed(err) && upsert:
		return 0, fmt.Errorf("%w: %s=%v", store.ErrDuplicateKey, model.IdentityKey, id)
	case isConditionFailed(err):
		return 0, nil
	case err != nil:
		return 0, err
	}
	return 1, nil
}

// updateInput builds a conditional UpdateItem request. Without upsert the
// item must already exist; with upsert a missing item is created from the
// filter's equality conditions.
func (b *Backend) updateInput(name string, id any, filter query.Filter, update store.Update, upsert bool) (*dynamodb.UpdateItemInput, error) {
	e := newExpr()
	cond, err := e.condition(filter)
	if err != nil {
		return nil, err
	}

	switch {
	case upsert && cond != "":
		cond = fmt.Sprintf("attribute_not_exists(%s) OR (%s)", e.name(KeyAttribute), cond)
	case upsert:
	case cond != "":
		cond = fmt.Sprintf("attribute_exists(%s) AND %s", e.name(KeyAttribute), cond)
	default:
		cond = fmt.Sprintf("attribute_exists(%s)", e.name(KeyAttribute))
	}

	if upsert {
		set := store.UpsertSeed(filter)
		set[model.IdentityKey] = id
		for k, v := range update.Set {
			set[k] = v
		}
		update.Set = set
	}
	expression, err := e.update(update)
	if err != nil {
		return nil, err
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(b.Table(name)),
		Key:                       Key(id),
		ExpressionAttributeNames:  e.attributeNames(),
		ExpressionAttributeValues: e.attributeValues(),
	}
	if expression != "" {
		input.UpdateExpression = aws.String(expression)
	}
	if cond != "" {
		input.ConditionExpression = aws.String(cond)
	}
	return input, nil
}

func (b *Backend) Remove(ctx context.Context, name string, filter query.Filter) (int64, error) {
	if id, ok := filter.Lookup(model.IdentityKey, query.Eq); ok {
		return b.removeOne(ctx, name, id, filter)
	}
	records, err := b.scan(ctx, name, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range records {
		removed, err := b.removeOne(ctx, name, rec[model.IdentityKey], filter)
		if err != nil {
			return n, err
		}
		n += removed
	}
	return n, nil
}

func (b *Backend) removeOne(ctx context.Context, name string, id any, filter query.Filter) (int64, error) {
	e := newExpr()
	cond := fmt.Sprintf("attribute_exists(%s)", e.name(KeyAttribute))
	extra, err := e.condition(filter)
	if err != nil {
		return 0, err
	}
	if extra != "" {
		cond += " AND " + extra
	}
	_, err = b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(b.Table(name)),
		Key:                       Key(id),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  e.attributeNames(),
		ExpressionAttributeValues: e.attributeValues(),
	})
	if isConditionFailed(err) || isMissingTable(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// EnsureIndex makes sure the collection's table exists. Secondary keys are
// served by scans, so no index is created for them.
func (b *Backend) EnsureIndex(ctx context.Context, name string, keys []model.IndexKey) error {
	if err := b.ensureTable(ctx, name); err != nil {
		return err
	}
	b.logger.Debug("index served by scan",
		zap.String("table", b.Table(name)),
		zap.Int("keys", len(keys)),
	)
	return nil
}

// ensureTable creates a missing table with streams enabled, so the stream
// handler can observe its changes.
func (b *Backend) ensureTable(ctx context.Context, name string) error {
	b.mu.Lock()
	known := b.tables[name]
	b.mu.Unlock()
	if known {
		return nil
	}

	table := b.Table(name)
	_, err := b.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if isMissingTable(err) {
		err = b.createTable(ctx, table)
	}
	if err != nil {
		return fmt.Errorf("ensure table %s: %w", table, err)
	}

	b.mu.Lock()
	b.tables[name] = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) createTable(ctx context.Context, table string) error {
	result, err := b.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(KeyAttribute), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(KeyAttribute), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewAndOldImages,
		},
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		// Created concurrently.
		err = nil
	}
	if err != nil {
		return err
	}
	b.logger.Info("created table", zap.String("table", table))

	if result != nil && result.TableDescription != nil && result.TableDescription.TableStatus == types.TableStatusActive {
		return nil
	}
	waiter := dynamodb.NewTableExistsWaiter(b.client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 2*time.Minute)
}
