package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/query"
)

// Revision record keys.
const (
	revisionDocKey      = "doc"
	revisionVersionKey  = "version"
	revisionCreatedKey  = "created"
	revisionAuthorKey   = "author"
	revisionDocumentKey = "document"
)

// Revision is a snapshot of a document before one of its updates.
type Revision struct {
	ID       string
	Doc      any
	Version  int64
	Created  time.Time
	Author   string
	Document map[string]any
}

func revisionID(id any, version int64) string {
	return fmt.Sprintf("%s.%d", model.IDKey(id), version)
}

// writeRevision upserts the snapshot of stored taken at version. Repeating
// it for the same version overwrites the earlier attempt.
func (s *Store) writeRevision(ctx context.Context, schema *model.Schema, stored model.Data, version int64, now time.Time, author string) error {
	id := stored[model.IdentityKey]
	rec := model.Data{
		revisionDocKey:      id,
		revisionVersionKey:  version,
		revisionCreatedKey:  now,
		revisionDocumentKey: schema.RevisionSnapshot(stored),
	}
	if author != "" {
		rec[revisionAuthorKey] = author
	}
	_, err := s.backend.Update(ctx, s.revisions(schema), query.ID(revisionID(id, version)), Update{Set: rec}, true)
	if err != nil {
		return fmt.Errorf("write revision %s(%v)@%d: %w", schema.Name(), id, version, err)
	}
	return nil
}

// Revisions lists the snapshots of doc, oldest first.
func (s *Store) Revisions(ctx context.Context, doc *model.Document) ([]Revision, error) {
	schema := doc.Schema()
	records, err := s.backend.Find(ctx, s.revisions(schema), query.Where(revisionDocKey, query.Eq, model.Normalize(doc.PK())),
		FindOptions{Sort: []model.IndexKey{{Path: revisionVersionKey, Order: model.Ascending}}})
	if err != nil {
		return nil, fmt.Errorf("revisions of %s: %w", doc, err)
	}
	out := make([]Revision, 0, len(records))
	for _, r := range records {
		out = append(out, decodeRevision(r))
	}
	return out, nil
}

// Revision returns the snapshot of doc taken before it left version.
func (s *Store) Revision(ctx context.Context, doc *model.Document, version int64) (Revision, error) {
	records, err := s.backend.Find(ctx, s.revisions(doc.Schema()), query.ID(revisionID(doc.PK(), version)), FindOptions{Limit: 1})
	if err != nil {
		return Revision{}, fmt.Errorf("revision %s@%d: %w", doc, version, err)
	}
	if len(records) == 0 {
		return Revision{}, fmt.Errorf("%w: revision %s@%d", ErrDoesNotExist, doc, version)
	}
	return decodeRevision(records[0]), nil
}

// Revert is not supported; revisions are an audit trail only.
func (s *Store) Revert(ctx context.Context, doc *model.Document, version int64) error {
	return fmt.Errorf("%w: %s@%d", ErrRevertUnsupported, doc, version)
}

func decodeRevision(r model.Data) Revision {
	rev := Revision{Doc: r[revisionDocKey]}
	rev.ID, _ = r[model.IdentityKey].(string)
	rev.Version, _ = model.ToInt64(r[revisionVersionKey])
	rev.Created, _ = r[revisionCreatedKey].(time.Time)
	rev.Author, _ = r[revisionAuthorKey].(string)
	rev.Document, _ = r[revisionDocumentKey].(map[string]any)
	return rev
}
