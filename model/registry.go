package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Registry builds schemas and resolves references between them. Schemas are
// defined from a single goroutine during startup; after Seal the registry
// is read-only and safe for concurrent use.
type Registry struct {
	schemas map[string]*Schema
	order   []*Schema
	pending map[string][]func(*Schema) error
	sealed  bool
	err     error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: map[string]*Schema{},
		pending: map[string][]func(*Schema) error{},
	}
}

// Define builds and registers a schema. Reference targets that are not yet
// defined are resolved when they are; errors raised while resolving them
// are returned by the Define call that completes the pair. A schema that
// fails to build is not registered and the registry can no longer be sealed.
func (r *Registry) Define(name string, fields []*Field, opts ...SchemaOption) (*Schema, error) {
	return r.define(name, false, fields, opts)
}

// DefineEmbedded registers a schema for documents nested inside others.
func (r *Registry) DefineEmbedded(name string, fields ...*Field) (*Schema, error) {
	return r.define(name, true, fields, nil)
}

func (r *Registry) define(name string, embedded bool, fields []*Field, opts []SchemaOption) (*Schema, error) {
	if r.sealed {
		return nil, fmt.Errorf("%w: can't define %s", ErrRegistrySealed, name)
	}
	mark := make(map[string]int, len(r.pending))
	for target, callbacks := range r.pending {
		mark[target] = len(callbacks)
	}
	s, err := r.add(name, embedded, fields, opts)
	if err != nil {
		r.dropPending(mark)
		r.err = errors.Join(r.err, fmt.Errorf("%s: %w", name, err))
		return nil, err
	}
	return s, nil
}

// dropPending forgets the callbacks tracked since mark was taken.
func (r *Registry) dropPending(mark map[string]int) {
	for target, callbacks := range r.pending {
		n, ok := mark[target]
		if !ok {
			delete(r.pending, target)
			continue
		}
		r.pending[target] = callbacks[:n]
	}
}

func (r *Registry) add(name string, embedded bool, fields []*Field, opts []SchemaOption) (*Schema, error) {
	if _, ok := r.schemas[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSchema, name)
	}
	s := &Schema{
		name:       name,
		registry:   r,
		byName:     map[string]*Field{},
		byStore:    map[string]*Field{},
		embedded:   embedded,
		revisable:  true,
		searchable: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	concrete := !s.abstract && !s.embedded
	if concrete && s.collection == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingCollection, name)
	}

	var all []*Field
	if s.base != nil {
		for _, f := range s.base.fields {
			if f.Kind() != KindRelated {
				all = append(all, f.clone())
			}
		}
	}
	all = append(all, fields...)
	if concrete && !hasPrimaryKey(all) {
		all = append([]*Field{Serial("pk", PrimaryKey())}, all...)
	}
	for _, f := range all {
		if err := s.registerField(f); err != nil {
			return nil, err
		}
	}
	if s.pk != nil && s.pk.name != "pk" {
		if _, taken := s.byName["pk"]; !taken {
			s.byName["pk"] = s.pk
		}
	}

	r.schemas[name] = s
	r.order = append(r.order, s)
	err := r.build(s)
	if err == nil {
		err = r.flush(s)
	}
	if err != nil {
		delete(r.schemas, name)
		r.order = r.order[:len(r.order)-1]
		return nil, err
	}
	return s, nil
}

func hasPrimaryKey(fields []*Field) bool {
	for _, f := range fields {
		if f.primaryKey {
			return true
		}
	}
	return false
}

func (r *Registry) build(s *Schema) error {
	if s.abstract {
		return nil
	}
	fields := append([]*Field{}, s.fields...)
	for _, f := range fields {
		if err := f.typ.prepare(f); err != nil {
			return err
		}
	}
	for _, f := range fields {
		if err := f.typ.check(f); err != nil {
			return err
		}
	}
	if s.embedded {
		return nil
	}
	for _, f := range fields {
		if err := f.typ.setupReverse(f, s, f.name); err != nil {
			return err
		}
	}
	return s.setupIndexes()
}

// track runs fn with the schema registered as name, now or once it is defined.
func (r *Registry) track(name string, fn func(*Schema) error) error {
	if s, ok := r.schemas[name]; ok {
		return fn(s)
	}
	r.pending[name] = append(r.pending[name], fn)
	return nil
}

func (r *Registry) flush(s *Schema) error {
	callbacks := r.pending[s.name]
	delete(r.pending, s.name)
	for _, fn := range callbacks {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

// Seal ends the registration phase. It fails when a schema failed to build
// or a referenced schema was never defined.
func (r *Registry) Seal() error {
	if r.err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaBuild, r.err)
	}
	if len(r.pending) > 0 {
		return fmt.Errorf("%w: %s", ErrUnresolvedReference, strings.Join(sortedKeys(r.pending), ", "))
	}
	r.sealed = true
	return nil
}

// Sealed reports whether Seal succeeded.
func (r *Registry) Sealed() bool { return r.sealed }

// Lookup returns the schema registered as name.
func (r *Registry) Lookup(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// ByCollection returns the concrete schema stored in collection.
func (r *Registry) ByCollection(collection string) (*Schema, bool) {
	for _, s := range r.order {
		if s.collection == collection && !s.abstract && !s.embedded {
			return s, true
		}
	}
	return nil, false
}

// Schemas returns the concrete schemas in definition order.
func (r *Registry) Schemas() []*Schema {
	var out []*Schema
	for _, s := range r.order {
		if !s.abstract && !s.embedded {
			out = append(out, s)
		}
	}
	return out
}

// Names returns every registered schema name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
