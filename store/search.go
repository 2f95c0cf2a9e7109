package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/search"
)

// IndexName returns the search index holding documents of schema.
func (s *Store) IndexName(schema *model.Schema) string {
	return search.IndexName(s.config.SearchPrefix, schema.Collection())
}

func (s *Store) searchable(schema *model.Schema) error {
	if s.search == nil {
		return ErrNoSearchEngine
	}
	if !schema.IsSearchable() {
		return fmt.Errorf("%w: %s", ErrNotSearchable, schema.Name())
	}
	return nil
}

func (s *Store) searchContext(ctx context.Context) *model.SearchContext {
	return &model.SearchContext{
		Related: func(doc *model.Document, f *model.Field) ([]*model.Document, error) {
			return s.Related(ctx, doc, f.Name())
		},
	}
}

// IndexDocument writes the search representation of doc. Documents loaded
// from search results are partial, so they are reloaded from the store first.
func (s *Store) IndexDocument(ctx context.Context, doc *model.Document) error {
	schema := doc.Schema()
	if err := s.searchable(schema); err != nil {
		return err
	}
	if doc.IsSearchResult() {
		if err := s.Refresh(ctx, doc); err != nil {
			return err
		}
	}

	body, err := doc.EncodeSearch(s.searchContext(ctx))
	if err != nil {
		return fmt.Errorf("encode %s for search: %w", doc, err)
	}
	body[model.VersionKey] = doc.Version()
	if boost, ok := schema.Boost(doc); ok {
		body["_boost"] = boost
	}
	if err := s.search.Index(ctx, s.IndexName(schema), model.IDKey(doc.PK()), body); err != nil {
		return fmt.Errorf("index %s: %w", doc, err)
	}
	return nil
}

// RemoveFromIndex deletes the search document of schema with the given id.
func (s *Store) RemoveFromIndex(ctx context.Context, schema *model.Schema, id any) error {
	if err := s.searchable(schema); err != nil {
		return err
	}
	if err := s.search.Delete(ctx, s.IndexName(schema), model.IDKey(id)); err != nil {
		return fmt.Errorf("remove %s(%v) from index: %w", schema.Name(), id, err)
	}
	return nil
}

// SearchDocuments runs q against the index of schema. Hits are returned as
// search-sourced, possibly partial documents with their highlights.
func (s *Store) SearchDocuments(ctx context.Context, schema *model.Schema, q search.Query) ([]*model.Document, int, error) {
	if err := s.searchable(schema); err != nil {
		return nil, 0, err
	}
	res, err := s.search.Search(ctx, s.IndexName(schema), q)
	if err != nil {
		return nil, 0, fmt.Errorf("search %s: %w", schema.Name(), err)
	}
	docs := make([]*model.Document, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc, err := model.LoadSearch(schema, hit.ID, hit.Source, hit.Highlight)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	return docs, res.Total, nil
}

// EmitMapping pushes the analyzer configuration of schema, then its strict
// mapping.
func (s *Store) EmitMapping(ctx context.Context, schema *model.Schema) error {
	if err := s.searchable(schema); err != nil {
		return err
	}
	index := s.IndexName(schema)
	mapping, analyzers := schema.SearchMapping()
	if settings := model.AnalysisSettings(analyzers); settings != nil {
		if err := s.search.SetConfiguration(ctx, index, settings); err != nil {
			return fmt.Errorf("configure %s: %w", index, err)
		}
	}
	if err := s.search.SetMapping(ctx, index, mapping); err != nil {
		return fmt.Errorf("map %s: %w", index, err)
	}
	return nil
}

// DropIndex deletes the search index of schema.
func (s *Store) DropIndex(ctx context.Context, schema *model.Schema) error {
	if err := s.searchable(schema); err != nil {
		return err
	}
	return s.search.Drop(ctx, s.IndexName(schema))
}

// Reindex indexes one batch of schema documents in primary key order.
// Documents that fail to index are logged and skipped. It returns the
// number of documents read.
func (s *Store) Reindex(ctx context.Context, schema *model.Schema, offset, limit int64) (int, error) {
	if err := s.searchable(schema); err != nil {
		return 0, err
	}
	docs, err := s.Find(ctx, schema, Query{Sort: []string{"pk"}, Skip: offset, Limit: limit})
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		if err := s.IndexDocument(ctx, doc); err != nil {
			s.logger.Warn("failed to reindex document",
				zap.String("document", doc.String()),
				zap.Error(err),
			)
		}
	}
	return len(docs), nil
}
