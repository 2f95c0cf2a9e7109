package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jacentio/espalier/internal/shard"
	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
)

// Delete removes doc after checking every reference pointing at it.
// Restricting references abort the delete before anything is removed;
// cascading references are deleted after doc, depth first.
func (s *Store) Delete(ctx context.Context, doc *model.Document) error {
	return s.delete(ctx, doc, map[string]struct{}{})
}

func (s *Store) delete(ctx context.Context, doc *model.Document, visited map[string]struct{}) error {
	schema := doc.Schema()
	if err := storable(schema); err != nil {
		return err
	}
	if !doc.IsPersistent() {
		return fmt.Errorf("%w: %s", ErrNotSaved, doc)
	}
	visited[shard.Ref(schema.Name(), model.IDKey(doc.PK()))] = struct{}{}

	// 1. Resolve the reference graph before touching anything
	var cascade []*model.Document
	if err := s.resolveForDelete(ctx, doc, visited, &cascade); err != nil {
		return err
	}

	// 2. Remove the document under its mutex
	if err := s.remove(ctx, doc); err != nil {
		return err
	}

	// 3. Cascade to documents that referenced it
	for _, dep := range cascade {
		fresh, err := s.Get(ctx, dep.Schema(), dep.PK())
		if errors.Is(err, ErrDoesNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		s.logger.Info("cascading delete",
			zap.String("from", doc.String()),
			zap.String("document", fresh.String()),
		)
		if err := s.delete(ctx, fresh, visited); err != nil && !errors.Is(err, ErrDoesNotExist) {
			return fmt.Errorf("cascade delete %s: %w", fresh, err)
		}
	}
	return nil
}

// resolveForDelete walks the reverse references of doc. It fails on the
// first restricting reference and collects cascading documents.
func (s *Store) resolveForDelete(ctx context.Context, doc *model.Document, visited map[string]struct{}, cascade *[]*model.Document) error {
	for _, rr := range doc.Schema().ReverseReferences() {
		where := map[string]any{pathCriteria(rr.Path): doc.PK()}
		switch rr.Policy() {
		case model.Restrict:
			n, err := s.Count(ctx, rr.Schema, where)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: %s is referenced by %d %s through %s", ErrDeleteRestricted, doc, n, rr.Schema.Name(), rr.Path)
			}
		case model.Cascade:
			deps, err := s.Find(ctx, rr.Schema, Query{Where: where})
			if err != nil {
				return err
			}
			for _, dep := range deps {
				key := shard.Ref(dep.Schema().Name(), model.IDKey(dep.PK()))
				if _, seen := visited[key]; seen {
					continue
				}
				visited[key] = struct{}{}
				if err := s.resolveForDelete(ctx, dep, visited, cascade); err != nil {
					return err
				}
				*cascade = append(*cascade, dep)
			}
		}
	}
	return nil
}

func (s *Store) remove(ctx context.Context, doc *model.Document) error {
	schema := doc.Schema()
	now := s.clock()
	until := now.Add(s.config.LeaseDuration)
	if _, err := s.acquire(ctx, doc, now, until); err != nil {
		if errors.Is(err, ErrMutexNotAcquired) {
			if n, cerr := s.backend.Count(ctx, schema.Collection(), query.ID(doc.PK())); cerr == nil && n == 0 {
				return fmt.Errorf("%w: %s", ErrDoesNotExist, doc)
			}
		}
		return err
	}

	filter := query.ID(doc.PK()).And(query.Cond{Path: model.MutexKey, Op: query.Eq, Value: until})
	n, err := s.backend.Remove(ctx, schema.Collection(), filter)
	if err != nil {
		s.release(doc, until)
		return fmt.Errorf("delete %s: %w", doc, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lease lost on %s", ErrConcurrencyConflict, doc)
	}
	s.metrics.saves.WithLabelValues(schema.Name(), "delete").Inc()

	if _, err := s.backend.Remove(ctx, s.revisions(schema), query.Where(revisionDocKey, query.Eq, model.Normalize(doc.PK()))); err != nil {
		s.logger.Warn("failed to remove revisions",
			zap.String("document", doc.String()),
			zap.Error(err),
		)
	}
	s.dispatch(ctx, JobSearchRemove, doc, SearchPayload{Schema: schema.Name(), ID: doc.PK()})
	return nil
}
