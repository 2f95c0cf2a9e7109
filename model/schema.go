package model

import (
	"fmt"
	"strings"
)

// ReverseReference records that Field of Schema points at the schema owning
// the entry. Path is the logical dotted path of the reference id.
type ReverseReference struct {
	Schema *Schema
	Path   string
	Field  *Field
}

// Policy returns the delete policy of the referencing field.
func (r ReverseReference) Policy() DeletePolicy {
	if info, ok := r.Field.Reference(); ok {
		return info.Policy
	}
	return Restrict
}

// Dependencies returns the source fields the cached reference depends on.
func (r ReverseReference) Dependencies() []string {
	info, _ := r.Field.Reference()
	return info.Dependencies
}

// Schema describes one document type. Schemas are built by a Registry and
// must not be changed once the registry is sealed.
type Schema struct {
	name       string
	collection string
	registry   *Registry
	base       *Schema
	fields     []*Field
	byName     map[string]*Field
	byStore    map[string]*Field
	pk         *Field
	abstract   bool
	embedded   bool
	revisable  bool
	searchable bool
	composite  [][]string
	indexes    [][]IndexKey
	reverse    []ReverseReference
	boost      func(doc *Document) float64
}

// SchemaOption configures a schema at definition time.
type SchemaOption func(*Schema)

// Collection sets the store collection of a concrete schema.
func Collection(name string) SchemaOption {
	return func(s *Schema) { s.collection = name }
}

// Abstract marks the schema as a template that can't be instantiated.
func Abstract() SchemaOption {
	return func(s *Schema) { s.abstract = true }
}

// Extends copies the fields of base ahead of the schema's own fields.
func Extends(base *Schema) SchemaOption {
	return func(s *Schema) { s.base = base }
}

// WithoutRevisions disables revision snapshots for the schema.
func WithoutRevisions() SchemaOption {
	return func(s *Schema) { s.revisable = false }
}

// WithoutSearch keeps documents of the schema out of the search engine.
func WithoutSearch() SchemaOption {
	return func(s *Schema) { s.searchable = false }
}

// CompositeIndex declares a compound store index over logical paths. A
// leading "-" requests descending order.
func CompositeIndex(paths ...string) SchemaOption {
	return func(s *Schema) { s.composite = append(s.composite, append([]string{}, paths...)) }
}

// Booster computes a per-document search boost.
func Booster(fn func(doc *Document) float64) SchemaOption {
	return func(s *Schema) { s.boost = fn }
}

func (s *Schema) Name() string          { return s.name }
func (s *Schema) Collection() string    { return s.collection }
func (s *Schema) Registry() *Registry   { return s.registry }
func (s *Schema) IsAbstract() bool      { return s.abstract }
func (s *Schema) IsEmbedded() bool      { return s.embedded }
func (s *Schema) IsRevisable() bool     { return s.revisable }
func (s *Schema) IsSearchable() bool    { return s.searchable }
func (s *Schema) PrimaryKey() *Field    { return s.pk }
func (s *Schema) Indexes() [][]IndexKey { return s.indexes }

// Fields returns the fields in declaration order.
func (s *Schema) Fields() []*Field {
	return append([]*Field{}, s.fields...)
}

// Field looks a field up by logical name. The primary key is also
// reachable as "pk".
func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// FieldByStoreName looks a field up by the name it is persisted under.
func (s *Schema) FieldByStoreName(name string) (*Field, bool) {
	f, ok := s.byStore[name]
	return f, ok
}

// ReverseReferences lists the fields of other schemas pointing at s.
func (s *Schema) ReverseReferences() []ReverseReference {
	return append([]ReverseReference{}, s.reverse...)
}

// Boost returns the search boost of doc, if the schema has a booster.
func (s *Schema) Boost(doc *Document) (float64, bool) {
	if s.boost == nil {
		return 0, false
	}
	return s.boost(doc), true
}

func (s *Schema) String() string { return s.name }

func (s *Schema) registerField(f *Field) error {
	if f.optErr != nil {
		return f.optErr
	}
	if f.storeName == "" {
		f.storeName = f.name
	}
	if _, ok := s.byName[f.name]; ok {
		return fmt.Errorf("%w: field %q already exists on %s", ErrFieldNameConflict, f.name, s.name)
	}
	if f.primaryKey {
		switch {
		case s.embedded:
			return fmt.Errorf("%w: %s", ErrEmbeddedPrimaryKey, s.name)
		case s.pk != nil:
			return fmt.Errorf("%w: %s already has %s", ErrMultiplePrimaryKeys, s.name, s.pk.name)
		case f.storeName != IdentityKey:
			return fmt.Errorf("%w: %s.%s is stored as %q", ErrInvalidPrimaryKeyStoreName, s.name, f.name, f.storeName)
		}
	}
	if _, ok := s.byStore[f.storeName]; ok {
		return fmt.Errorf("%w: store name %q already exists on %s", ErrFieldNameConflict, f.storeName, s.name)
	}
	if f.primaryKey {
		s.pk = f
	}
	f.owner = s
	s.fields = append(s.fields, f)
	s.byName[f.name] = f
	s.byStore[f.storeName] = f
	return nil
}

// ResolvePath converts logical path elements to a dotted store path. Once
// the walk crosses a field without a nested schema the remaining elements
// are passed through unchanged.
func (s *Schema) ResolvePath(parts ...string) (string, error) {
	out := make([]string, 0, len(parts))
	cur := s
	for i, p := range parts {
		if cur == nil {
			out = append(out, parts[i:]...)
			break
		}
		f, ok := cur.byName[p]
		if !ok {
			return "", fmt.Errorf("%w: %q on %s", ErrUnknownField, p, cur.name)
		}
		out = append(out, f.storeName)
		cur = f.typ.subSchema()
	}
	return strings.Join(out, "."), nil
}

func (s *Schema) setupIndexes() error {
	s.indexes = [][]IndexKey{{{Path: IdentityKey, Order: Ascending}, {Path: VersionKey, Order: Ascending}}}
	for _, f := range s.fields {
		if f.virtual {
			continue
		}
		for _, k := range f.IndexSpecs() {
			path := f.storeName
			if k.Path != "" {
				path += "." + k.Path
			}
			s.indexes = append(s.indexes, []IndexKey{{Path: path, Order: k.Order}})
		}
	}
	for _, paths := range s.composite {
		keys := make([]IndexKey, 0, len(paths))
		for _, p := range paths {
			order := Ascending
			if strings.HasPrefix(p, "-") {
				order, p = Descending, p[1:]
			}
			path, err := s.ResolvePath(strings.Split(p, ".")...)
			if err != nil {
				return fmt.Errorf("composite index on %s: %w", s.name, err)
			}
			keys = append(keys, IndexKey{Path: path, Order: order})
		}
		s.indexes = append(s.indexes, keys)
	}
	return nil
}

func (s *Schema) searchProperties(analyzers map[string]Analyzer) map[string]any {
	props := make(map[string]any, len(s.fields))
	for _, f := range s.fields {
		if !f.searchable {
			continue
		}
		props[f.name] = f.SearchMapping(analyzers)
	}
	return props
}

// SearchMapping returns the strict search mapping of the schema and the
// analyzers it depends on, keyed by analyzer id.
func (s *Schema) SearchMapping() (map[string]any, map[string]Analyzer) {
	analyzers := map[string]Analyzer{}
	props := s.searchProperties(analyzers)
	props[VersionKey] = map[string]any{"type": "long"}
	if s.boost != nil {
		props["_boost"] = map[string]any{"type": "float"}
	}
	return map[string]any{"dynamic": "strict", "properties": props}, analyzers
}
