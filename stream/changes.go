// Package stream provides a DynamoDB Streams handler that turns document
// changes into background jobs.
//
// Deployments using it set store.Config.DisableDispatchOnSave, so jobs
// are enqueued once per committed change by the stream instead of by the
// writer.
package stream

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/jacentio/espalier/internal/shard"
	"github.com/jacentio/espalier/jobs"
	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/store"
	"github.com/jacentio/espalier/store/dynamo"
)

// Tables maps stream table names to collections.
type Tables interface {
	Collection(table string) (string, bool)
}

// Handler processes DynamoDB stream events of document tables.
type Handler struct {
	tables   Tables
	registry *model.Registry
	jobs     jobs.Dispatcher
	logger   *zap.Logger
}

// NewHandler creates a new stream handler. tables is usually the
// *dynamo.Backend that writes the documents.
func NewHandler(tables Tables, registry *model.Registry, d jobs.Dispatcher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		tables:   tables,
		registry: registry,
		jobs:     d,
		logger:   logger,
	}
}

// HandleChanges processes DynamoDB stream events. It is designed to be
// used as an AWS Lambda handler.
func (h *Handler) HandleChanges(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				zap.String("eventID", record.EventID),
				zap.Error(err),
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	table := tableName(record.EventSourceArn)
	collection, ok := h.tables.Collection(table)
	if !ok {
		return nil
	}
	// Revision and counter tables have no schema.
	schema, ok := h.registry.ByCollection(collection)
	if !ok {
		return nil
	}

	switch record.EventName {
	case string(events.DynamoDBOperationTypeInsert):
		newImage, err := decodeImage(record.Change.NewImage)
		if err != nil {
			return err
		}
		return h.enqueue(ctx, schema, store.JobSearchUpdate, newImage[model.IdentityKey], nil)

	case string(events.DynamoDBOperationTypeModify):
		oldVersion, err := getNumberAttr(record.Change.OldImage, model.VersionKey)
		if err != nil {
			return err
		}
		newVersion, err := getNumberAttr(record.Change.NewImage, model.VersionKey)
		if err != nil {
			return err
		}
		// Lease acquire and release only touch the mutex.
		if newVersion <= oldVersion {
			return nil
		}
		oldImage, err := decodeImage(record.Change.OldImage)
		if err != nil {
			return err
		}
		newImage, err := decodeImage(record.Change.NewImage)
		if err != nil {
			return err
		}
		id := newImage[model.IdentityKey]
		modified := modifiedFields(schema, oldImage, newImage)

		h.logger.Info("processing document change",
			zap.String("schema", schema.Name()),
			zap.Any("id", id),
			zap.Int64("version", newVersion),
			zap.Strings("modified", modified),
		)
		if len(modified) > 0 {
			if err := h.enqueue(ctx, schema, store.JobSpawnSyncers, id, modified); err != nil {
				return err
			}
		}
		return h.enqueue(ctx, schema, store.JobSearchUpdate, id, nil)

	case string(events.DynamoDBOperationTypeRemove):
		oldImage, err := decodeImage(record.Change.OldImage)
		if err != nil {
			return err
		}
		return h.enqueue(ctx, schema, store.JobSearchRemove, oldImage[model.IdentityKey], nil)
	}
	return nil
}

func (h *Handler) enqueue(ctx context.Context, schema *model.Schema, name string, id any, modified []string) error {
	if id == nil {
		return fmt.Errorf("%w: %s change without %s", model.ErrInvalidValue, schema.Name(), model.IdentityKey)
	}
	if name == store.JobSearchUpdate || name == store.JobSearchRemove {
		if !schema.IsSearchable() {
			return nil
		}
	}

	var payload any
	switch name {
	case store.JobSpawnSyncers:
		payload = store.SyncPayload{Schema: schema.Name(), ID: id, Modified: modified}
	default:
		payload = store.SearchPayload{Schema: schema.Name(), ID: id}
	}
	err := h.jobs.Enqueue(ctx, jobs.Job{
		Name:    name,
		Key:     shard.Ref(schema.Name(), model.IDKey(id)),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s for %s(%v): %w", name, schema.Name(), id, err)
	}
	return nil
}

// modifiedFields returns the logical names of the fields whose stored
// values differ between the images. Metadata keys are ignored.
func modifiedFields(schema *model.Schema, oldImage, newImage model.Data) []string {
	seen := map[string]bool{}
	var out []string
	check := func(key string) {
		if seen[key] || strings.HasPrefix(key, "_") {
			return
		}
		seen[key] = true
		if model.Equal(oldImage[key], newImage[key]) {
			return
		}
		if f, ok := schema.FieldByStoreName(key); ok {
			out = append(out, f.Name())
		}
	}
	for k := range oldImage {
		check(k)
	}
	for k := range newImage {
		check(k)
	}
	sort.Strings(out)
	return out
}

// tableName extracts the table from a stream ARN such as
// arn:aws:dynamodb:eu-west-1:123456789012:table/orders/stream/2024-01-01T00:00:00.000.
func tableName(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	table, _, _ := strings.Cut(rest, "/")
	return table
}

func decodeImage(image map[string]events.DynamoDBAttributeValue) (model.Data, error) {
	item := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		item[k] = convertAttr(v)
	}
	return dynamo.Decode(item)
}

// getNumberAttr extracts an integer attribute from a DynamoDB stream image.
// A missing attribute reads as 0.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) (int64, error) {
	v, ok := image[key]
	if !ok {
		return 0, nil
	}
	if v.DataType() != events.DataTypeNumber {
		return 0, fmt.Errorf("%w: %s is not a number", model.ErrInvalidValue, key)
	}
	n, err := strconv.ParseInt(v.Number(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", model.ErrInvalidValue, key, err)
	}
	return n, nil
}

// convertAttr converts a stream attribute into its SDK form.
func convertAttr(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}
	case events.DataTypeList:
		list := make([]types.AttributeValue, len(v.List()))
		for i, e := range v.List() {
			list[i] = convertAttr(e)
		}
		return &types.AttributeValueMemberL{Value: list}
	case events.DataTypeMap:
		m := make(map[string]types.AttributeValue, len(v.Map()))
		for k, e := range v.Map() {
			m[k] = convertAttr(e)
		}
		return &types.AttributeValueMemberM{Value: m}
	}
	return &types.AttributeValueMemberNULL{Value: true}
}
