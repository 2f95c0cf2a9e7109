package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jacentio/espalier/internal/shard"
	"github.com/jacentio/espalier/jobs"
	"github.com/jacentio/espalier/model"
)

// Job names handled by Handlers.
const (
	JobSpawnSyncers = "cache.spawn_syncers"
	JobResync       = "cache.resync"
	JobSearchUpdate = "search.update"
	JobSearchRemove = "search.remove"
	JobReindex      = "search.reindex"
)

// SyncPayload asks for the dependents of a changed document to be resynced.
type SyncPayload struct {
	Schema   string
	ID       any
	Modified []string
}

// ResyncPayload asks for one dependent document to be resynced.
type ResyncPayload struct {
	SourceSchema string
	SourceID     any
	TargetSchema string
	TargetID     any
	Paths        []string
}

// SearchPayload names a document to index or remove from the index.
type SearchPayload struct {
	Schema string
	ID     any
}

// ReindexPayload asks for one batch of a schema to be reindexed.
type ReindexPayload struct {
	Schema string
	Offset int64
	Limit  int64
}

// dispatch enqueues a post-commit job keyed by doc. The write has already
// happened, so failures are logged rather than returned.
func (s *Store) dispatch(ctx context.Context, name string, doc *model.Document, payload any) {
	if s.jobs == nil || s.config.DisableDispatchOnSave {
		return
	}
	job := jobs.Job{Name: name, Key: shard.Ref(doc.Schema().Name(), model.IDKey(doc.PK())), Payload: payload}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		s.logger.Error("failed to dispatch job",
			zap.String("job", name),
			zap.String("document", doc.String()),
			zap.Error(err),
		)
	}
}

// Handlers returns the background job handlers operating on this store.
func (s *Store) Handlers() map[string]jobs.Handler {
	return map[string]jobs.Handler{
		JobSpawnSyncers: s.handleSpawnSyncers,
		JobResync:       s.handleResync,
		JobSearchUpdate: s.handleSearchUpdate,
		JobSearchRemove: s.handleSearchRemove,
		JobReindex:      s.handleReindex,
	}
}

func payloadOf[T any](job jobs.Job) (T, error) {
	switch p := job.Payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
	}
	var zero T
	return zero, jobs.Permanent(fmt.Errorf("%w: job %s has payload %T", model.ErrInvalidValue, job.Name, job.Payload))
}

func (s *Store) lookup(name string) (*model.Schema, error) {
	schema, ok := s.registry.Lookup(name)
	if !ok {
		return nil, jobs.Permanent(fmt.Errorf("%w: %q", ErrUnknownSchema, name))
	}
	return schema, nil
}

// handleSpawnSyncers fans a change out into one resync job per dependent
// document, keyed by the dependent so its updates are serialised.
func (s *Store) handleSpawnSyncers(ctx context.Context, job jobs.Job) error {
	p, err := payloadOf[SyncPayload](job)
	if err != nil {
		return err
	}
	schema, err := s.lookup(p.Schema)
	if err != nil {
		return err
	}
	src, err := s.Get(ctx, schema, p.ID)
	if errors.Is(err, ErrDoesNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	targets, err := s.ReverseReferences(ctx, src, p.Modified)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if s.jobs == nil {
			if err := s.Resync(ctx, src, t); err != nil {
				return err
			}
			continue
		}
		err := s.jobs.Enqueue(ctx, jobs.Job{
			Name: JobResync,
			Key:  shard.Ref(t.Schema.Name(), model.IDKey(t.ID)),
			Payload: ResyncPayload{
				SourceSchema: p.Schema,
				SourceID:     p.ID,
				TargetSchema: t.Schema.Name(),
				TargetID:     t.ID,
				Paths:        t.Paths,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// handleResync reloads the source so the freshest values are cached. Lease
// conflicts are returned so the job is retried.
func (s *Store) handleResync(ctx context.Context, job jobs.Job) error {
	p, err := payloadOf[ResyncPayload](job)
	if err != nil {
		return err
	}
	srcSchema, err := s.lookup(p.SourceSchema)
	if err != nil {
		return err
	}
	targetSchema, err := s.lookup(p.TargetSchema)
	if err != nil {
		return err
	}
	src, err := s.Get(ctx, srcSchema, p.SourceID)
	if errors.Is(err, ErrDoesNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.Resync(ctx, src, Target{Schema: targetSchema, ID: p.TargetID, Paths: p.Paths})
}

func (s *Store) handleSearchUpdate(ctx context.Context, job jobs.Job) error {
	p, err := payloadOf[SearchPayload](job)
	if err != nil {
		return err
	}
	schema, err := s.lookup(p.Schema)
	if err != nil {
		return err
	}
	if s.search == nil || !schema.IsSearchable() {
		return nil
	}
	doc, err := s.Get(ctx, schema, p.ID)
	if errors.Is(err, ErrDoesNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.IndexDocument(ctx, doc)
}

func (s *Store) handleSearchRemove(ctx context.Context, job jobs.Job) error {
	p, err := payloadOf[SearchPayload](job)
	if err != nil {
		return err
	}
	schema, err := s.lookup(p.Schema)
	if err != nil {
		return err
	}
	if s.search == nil || !schema.IsSearchable() {
		return nil
	}
	return s.RemoveFromIndex(ctx, schema, p.ID)
}

func (s *Store) handleReindex(ctx context.Context, job jobs.Job) error {
	p, err := payloadOf[ReindexPayload](job)
	if err != nil {
		return err
	}
	schema, err := s.lookup(p.Schema)
	if err != nil {
		return err
	}
	_, err = s.Reindex(ctx, schema, p.Offset, p.Limit)
	return err
}
