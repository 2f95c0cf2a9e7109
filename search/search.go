// Package search defines the search engine surface used to index documents
// and an in-memory engine implementing it.
package search

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrIndexNotFound is returned when an operation needs an index that was never created.
	ErrIndexNotFound = errors.New("espalier: search index not found")
)

// Engine is a full-text search engine holding one index per collection.
// Documents are addressed by their string id.
type Engine interface {
	// Index stores or replaces doc under id.
	Index(ctx context.Context, index, id string, doc map[string]any) error

	// Delete removes id. Removing an unknown id is not an error.
	Delete(ctx context.Context, index, id string) error

	// Refresh makes recent writes visible to Search.
	Refresh(ctx context.Context, index string) error

	// Drop deletes the index with its settings and mapping.
	Drop(ctx context.Context, index string) error

	// SetConfiguration merges settings into the index settings, creating
	// the index if needed.
	SetConfiguration(ctx context.Context, index string, settings map[string]any) error

	// SetMapping replaces the index mapping.
	SetMapping(ctx context.Context, index string, mapping map[string]any) error

	Search(ctx context.Context, index string, q Query) (*Result, error)
}

// Query is a simple text query.
type Query struct {
	// Text is matched against Fields, or against every text field when
	// Fields is empty. An empty Text matches all documents.
	Text   string
	Fields []string

	// Filter restricts hits to documents whose top-level values equal these.
	Filter map[string]any

	From int
	Size int

	// Highlight requests matched fragments per field.
	Highlight bool
}

// Result is one page of hits.
type Result struct {
	Total int
	Hits  []Hit
}

// Hit is a single matching document.
type Hit struct {
	ID        string
	Score     float64
	Source    map[string]any
	Highlight map[string][]string
}

// IndexName returns the index name used for a collection.
func IndexName(prefix, collection string) string {
	name := strings.ToLower(strings.ReplaceAll(collection, ".", "_"))
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// RefreshInterval builds the settings fragment controlling index refresh.
// "-1" disables refresh.
func RefreshInterval(v string) map[string]any {
	return map[string]any{"index": map[string]any{"refresh_interval": v}}
}
