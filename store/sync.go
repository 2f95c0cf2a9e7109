package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jacentio/espalier/model"
)

// Target is a document holding cached references to a source document.
// Paths are the logical reference id paths within it that point at the
// source.
type Target struct {
	Schema *model.Schema
	ID     any
	Paths  []string
}

// ReverseReferences finds the documents whose cached references to doc
// depend on any of the modified fields. A nil modified list matches every
// reverse reference.
func (s *Store) ReverseReferences(ctx context.Context, doc *model.Document, modified []string) ([]Target, error) {
	var changed map[string]struct{}
	if modified != nil {
		changed = make(map[string]struct{}, len(modified))
		for _, m := range modified {
			changed[m] = struct{}{}
		}
	}

	var targets []Target
	index := map[string]int{}
	for _, rr := range doc.Schema().ReverseReferences() {
		if changed != nil && !dependsOn(rr.Dependencies(), changed) {
			continue
		}
		ids, err := s.IDs(ctx, rr.Schema, Query{Where: map[string]any{pathCriteria(rr.Path): doc.PK()}})
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			key := rr.Schema.Name() + "#" + model.IDKey(id)
			if i, ok := index[key]; ok {
				targets[i].Paths = append(targets[i].Paths, rr.Path)
				continue
			}
			index[key] = len(targets)
			targets = append(targets, Target{Schema: rr.Schema, ID: id, Paths: []string{rr.Path}})
		}
	}
	return targets, nil
}

func dependsOn(deps []string, changed map[string]struct{}) bool {
	for _, d := range deps {
		if _, ok := changed[d]; ok {
			return true
		}
	}
	return false
}

// Resync refreshes the cached references to src held by target and saves
// target when any of them changed. A target that no longer exists is
// skipped.
func (s *Store) Resync(ctx context.Context, src *model.Document, target Target) error {
	doc, err := s.Get(ctx, target.Schema, target.ID)
	if errors.Is(err, ErrDoesNotExist) {
		s.logger.Warn("resync target vanished",
			zap.String("source", src.String()),
			zap.String("schema", target.Schema.Name()),
			zap.Any("id", target.ID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	changed := false
	for _, path := range target.Paths {
		ok, err := doc.SyncReferenceField(path, src)
		if err != nil {
			return fmt.Errorf("resync %s from %s: %w", doc, src, err)
		}
		changed = changed || ok
	}
	if !changed {
		return nil
	}
	return s.Save(ctx, doc, WithoutSnapshot(), WithoutCacheSync())
}

// SyncReverseReferences resyncs every dependent document of src inline.
// All targets are attempted; their errors are joined.
func (s *Store) SyncReverseReferences(ctx context.Context, src *model.Document, modified []string) error {
	targets, err := s.ReverseReferences(ctx, src, modified)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range targets {
		if err := s.Resync(ctx, src, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
