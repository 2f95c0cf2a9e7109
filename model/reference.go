package model

import (
	"fmt"
	"sort"
	"strings"
)

// DeletePolicy decides what happens to referencing documents when the
// referenced document is deleted.
type DeletePolicy int

const (
	// Restrict blocks deletion while referencing documents exist.
	Restrict DeletePolicy = iota + 1
	// Cascade deletes referencing documents together with the target.
	Cascade
)

func (p DeletePolicy) String() string {
	switch p {
	case Restrict:
		return "restrict"
	case Cascade:
		return "cascade"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Keys of the identity metadata embedded in every cached reference.
const (
	RefIDKey      = "id"
	RefVersionKey = "version"
)

// Cached describes one mirrored field of a cached reference: either a plain
// field of the referenced schema or a dynamic value derived by Getter.
type Cached struct {
	Name         string
	Getter       func(src *Document) any
	Dependencies []string
}

// CacheField mirrors the named field of the referenced schema.
func CacheField(name string) Cached {
	return Cached{Name: name}
}

// CacheDynamic mirrors a value computed from the referenced document. deps
// lists the source fields the value depends on.
func CacheDynamic(alias string, getter func(src *Document) any, deps ...string) Cached {
	return Cached{Name: alias, Getter: getter, Dependencies: deps}
}

func (c Cached) dynamic() bool { return c.Getter != nil }

type referenceType struct {
	base
	target            string
	schema            *Schema
	cached            []Cached
	relatedName       string
	relatedSearchable []string
	noIDIndex         bool
	onDelete          DeletePolicy
	deps              map[string]struct{}
}

// Reference declares a cached reference to the schema registered as target
// ("self" refers to the declaring schema). The target may be registered
// later; resolution is deferred until it is.
func Reference(name, target string, cached []Cached, opts ...Option) *Field {
	t := &referenceType{target: target, cached: cached, onDelete: Restrict, deps: map[string]struct{}{}}
	for _, c := range cached {
		if c.dynamic() {
			for _, d := range c.Dependencies {
				t.deps[d] = struct{}{}
			}
		} else {
			t.deps[c.Name] = struct{}{}
		}
	}
	return newField(name, t, opts)
}

func referenceOption(f *Field, apply func(t *referenceType)) {
	t, ok := f.typ.(*referenceType)
	if !ok {
		f.optErr = fmt.Errorf("%w: %s is not a reference field", ErrInvalidValue, f.name)
		return
	}
	apply(t)
}

// OnDelete sets the delete policy of a reference field. The default is Restrict.
func OnDelete(p DeletePolicy) Option {
	return func(f *Field) { referenceOption(f, func(t *referenceType) { t.onDelete = p }) }
}

// RelatedName installs a read-only reverse accessor with the given name on
// the referenced schema.
func RelatedName(name string) Option {
	return func(f *Field) { referenceOption(f, func(t *referenceType) { t.relatedName = name }) }
}

// RelatedSearchable embeds the listed paths of referencing documents into
// the search document of the referenced one, under the reverse accessor.
func RelatedSearchable(paths ...string) Option {
	return func(f *Field) {
		referenceOption(f, func(t *referenceType) { t.relatedSearchable = append([]string{}, paths...) })
	}
}

// NoIDIndex suppresses the store index on the reference id.
func NoIDIndex() Option {
	return func(f *Field) { referenceOption(f, func(t *referenceType) { t.noIDIndex = true }) }
}

func (*referenceType) Kind() Kind { return KindReference }

// Target returns the resolved referenced schema, or nil while pending.
func (t *referenceType) Target() *Schema { return t.schema }

func (t *referenceType) prepare(f *Field) error {
	name := t.target
	if name == "self" {
		name = f.owner.name
	}
	return f.owner.registry.track(name, func(target *Schema) error {
		if target.abstract {
			return fmt.Errorf("%w: %s references abstract schema %s", ErrAbstractSchema, f, target.name)
		}
		if target.embedded {
			return fmt.Errorf("%w: %s references embedded schema %s", ErrInvalidValue, f, target.name)
		}
		t.schema = target
		return nil
	})
}

func (t *referenceType) check(f *Field) error {
	name := t.target
	if name == "self" {
		name = f.owner.name
	}
	return f.owner.registry.track(name, func(target *Schema) error {
		for _, c := range t.cached {
			names := c.Dependencies
			if !c.dynamic() {
				names = []string{c.Name}
			}
			for _, n := range names {
				if _, ok := target.byName[n]; !ok {
					return fmt.Errorf("%w: cached field %q does not exist on %s for %s", ErrUnknownField, n, target.name, f)
				}
			}
		}
		return nil
	})
}

func (t *referenceType) setupReverse(f *Field, owner *Schema, path string) error {
	name := t.target
	if name == "self" {
		name = f.owner.name
	}
	refPath := path + "." + RefIDKey
	return owner.registry.track(name, func(target *Schema) error {
		target.reverse = append(target.reverse, ReverseReference{Schema: owner, Path: refPath, Field: f})
		if t.relatedName == "" {
			return nil
		}
		rf := newField(t.relatedName, &relatedType{from: owner, path: refPath, searchable: t.relatedSearchable}, nil)
		rf.virtual, rf.readOnly, rf.revisable = true, true, false
		rf.searchable = len(t.relatedSearchable) > 0
		if err := target.registerField(rf); err != nil {
			return fmt.Errorf("related name conflict for %q on %s while processing %s: %w", t.relatedName, target.name, owner.name, err)
		}
		return nil
	})
}

func (t *referenceType) resolved(f *Field) (*Schema, error) {
	if t.schema == nil {
		return nil, fmt.Errorf("%w: %s target %q is not registered", ErrUnresolvedReference, f, t.target)
	}
	return t.schema, nil
}

func (t *referenceType) validate(f *Field, v any, _ *Document) error {
	target, err := t.resolved(f)
	if err != nil {
		return invalid(f, "%v", err)
	}
	switch r := v.(type) {
	case *CachedReference:
		if r.schema != target {
			return invalid(f, "referenced document must be a %s", target.name)
		}
	case *Document:
		if r.schema != target {
			return invalid(f, "referenced document must be a %s", target.name)
		}
		if r.PK() == nil {
			return invalid(f, "referenced document is missing an identifier")
		}
	default:
		return invalid(f, "unsupported reference value %T", v)
	}
	return nil
}

// preSave replaces a live referenced document with its cached snapshot.
func (t *referenceType) preSave(f *Field, v any, doc *Document, _ *SaveContext) (any, error) {
	src, ok := v.(*Document)
	if !ok || src.PK() == nil {
		return v, nil
	}
	target, err := t.resolved(f)
	if err != nil {
		return nil, err
	}
	if src.schema != target {
		return v, nil
	}
	ref := newCachedReference(t, f, target)
	ref.id = src.PK()
	ref.version = src.version
	if err := ref.derive(src); err != nil {
		return nil, err
	}
	if doc != nil {
		doc.registerReference(doc.pathOf(f)+"."+RefIDKey, ref)
	}
	return ref, nil
}

func (t *referenceType) encodeStore(f *Field, v any, doc *Document) (any, error) {
	switch r := v.(type) {
	case *CachedReference:
		return r.storeValue(), nil
	case *Document:
		ref, err := t.preSave(f, r, nil, nil)
		if err != nil {
			return nil, err
		}
		if cr, ok := ref.(*CachedReference); ok {
			return cr.storeValue(), nil
		}
	}
	return nil, fmt.Errorf("%w: unsupported value for %s: %T", ErrInvalidValue, f, v)
}

func (t *referenceType) decodeStore(f *Field, v any, doc *Document) (any, error) {
	target, err := t.resolved(f)
	if err != nil {
		return nil, err
	}
	data, ok := Normalize(v).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: expected a cached reference, got %T", ErrInvalidValue, f, v)
	}
	ref := newCachedReference(t, f, target)
	ref.id = data[RefIDKey]
	ref.version, _ = ToInt64(data[RefVersionKey])
	for _, c := range t.cached {
		key := c.Name
		if !c.dynamic() {
			key = target.byName[c.Name].storeName
		}
		ref.values[c.Name] = data[key]
	}
	doc.registerReference(doc.pathOf(f)+"."+RefIDKey, ref)
	return ref, nil
}

func (t *referenceType) encodeSearch(f *Field, v any, doc *Document, _ *SearchContext) (any, error) {
	switch r := v.(type) {
	case *CachedReference:
		return r.searchValue(), nil
	case *Document:
		ref, err := t.preSave(f, r, nil, nil)
		if err != nil {
			return nil, err
		}
		if cr, ok := ref.(*CachedReference); ok {
			return cr.searchValue(), nil
		}
	}
	return nil, fmt.Errorf("%w: unsupported value for %s: %T", ErrInvalidValue, f, v)
}

func (t *referenceType) decodeSearch(f *Field, v any, doc *Document) (any, error) {
	target, err := t.resolved(f)
	if err != nil {
		return nil, err
	}
	data, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: expected a cached reference, got %T", ErrInvalidValue, f, v)
	}
	ref := newCachedReference(t, f, target)
	ref.id = data[RefIDKey]
	ref.version, _ = ToInt64(data[RefVersionKey])
	for _, c := range t.cached {
		ref.values[c.Name] = data[c.Name]
	}
	doc.registerReference(doc.pathOf(f)+"."+RefIDKey, ref)
	return ref, nil
}

func (t *referenceType) indexSpecs(*Field) []IndexKey {
	if t.noIDIndex {
		return nil
	}
	return []IndexKey{{Path: RefIDKey, Order: Ascending}}
}

func (t *referenceType) searchMapping(f *Field, _ map[string]Analyzer) map[string]any {
	return map[string]any{"type": "object", "enabled": false}
}

func (t *referenceType) clone() Type {
	c := *t
	c.schema = nil
	c.cached = append([]Cached{}, t.cached...)
	return &c
}

// ReferenceInfo describes a reference field's configuration.
type ReferenceInfo struct {
	Target       *Schema
	TargetName   string
	Policy       DeletePolicy
	Cached       []Cached
	Dependencies []string
	RelatedName  string
}

// Reference returns the reference configuration of f, or false when f is not
// a cached reference (or a container of one).
func (f *Field) Reference() (ReferenceInfo, bool) {
	typ := f.typ
	for {
		if l, ok := typ.(*listType); ok {
			typ = l.elem.typ
			continue
		}
		break
	}
	t, ok := typ.(*referenceType)
	if !ok {
		return ReferenceInfo{}, false
	}
	deps := make([]string, 0, len(t.deps))
	for d := range t.deps {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return ReferenceInfo{
		Target:       t.schema,
		TargetName:   t.target,
		Policy:       t.onDelete,
		Cached:       append([]Cached{}, t.cached...),
		Dependencies: deps,
		RelatedName:  t.relatedName,
	}, true
}

// CachedReference is an embedded, read-only copy of selected fields of a
// referenced document together with its identity and version.
type CachedReference struct {
	typ     *referenceType
	field   *Field
	schema  *Schema
	id      any
	version int64
	values  map[string]any
}

func newCachedReference(t *referenceType, f *Field, target *Schema) *CachedReference {
	return &CachedReference{typ: t, field: f, schema: target, values: make(map[string]any, len(t.cached))}
}

// ID returns the referenced document's identifier.
func (r *CachedReference) ID() any { return r.id }

// Version returns the referenced document version the cache reflects.
func (r *CachedReference) Version() int64 { return r.version }

// Schema returns the referenced schema.
func (r *CachedReference) Schema() *Schema { return r.schema }

// Field returns the reference field that owns the cache.
func (r *CachedReference) Field() *Field { return r.field }

// Get returns a cached value by its logical name. Plain fields are held in
// their store representation.
func (r *CachedReference) Get(name string) (any, bool) {
	switch name {
	case RefIDKey:
		return r.id, true
	case RefVersionKey:
		return r.version, true
	}
	v, ok := r.values[name]
	return v, ok
}

// Sync re-derives the cache from src. A source older than the cache is
// ignored so that a cache never regresses. It reports whether anything changed.
func (r *CachedReference) Sync(src *Document) (bool, error) {
	if src.schema != r.schema {
		return false, fmt.Errorf("%w: expected %s, got %s", ErrReferenceMismatch, r.schema.name, src.schema.name)
	}
	if IDKey(src.PK()) != IDKey(r.id) {
		return false, fmt.Errorf("%w: identifier %v does not match %v", ErrReferenceMismatch, src.PK(), r.id)
	}
	if src.version < r.version {
		return false, nil
	}
	before := r.storeValue()
	if err := r.derive(src); err != nil {
		return false, err
	}
	r.version = src.version
	return !Equal(before, r.storeValue()), nil
}

// derive recomputes every cached value from src. Nothing is changed when a
// value can't be encoded.
func (r *CachedReference) derive(src *Document) error {
	values := make(map[string]any, len(r.typ.cached))
	for _, c := range r.typ.cached {
		if c.dynamic() {
			values[c.Name] = Normalize(c.Getter(src))
			continue
		}
		f := r.schema.byName[c.Name]
		v, err := f.EncodeStore(src.Get(c.Name), src)
		if err != nil {
			return fmt.Errorf("cache %s of %s in %s: %w", c.Name, src, r.field, err)
		}
		values[c.Name] = v
	}
	r.values = values
	return nil
}

func (r *CachedReference) storeValue() map[string]any {
	out := map[string]any{RefIDKey: Normalize(r.id), RefVersionKey: r.version}
	for _, c := range r.typ.cached {
		v := r.values[c.Name]
		if v == nil {
			continue
		}
		if c.dynamic() {
			out[c.Name] = v
		} else {
			out[r.schema.byName[c.Name].storeName] = v
		}
	}
	return out
}

func (r *CachedReference) searchValue() map[string]any {
	out := map[string]any{RefIDKey: Normalize(r.id), RefVersionKey: r.version}
	for _, c := range r.typ.cached {
		out[c.Name] = r.values[c.Name]
	}
	return out
}

func (r *CachedReference) String() string {
	return fmt.Sprintf("%s(%v@%d)", r.schema.name, r.id, r.version)
}

// relatedType is the read-only reverse accessor installed by RelatedName.
type relatedType struct {
	base
	from       *Schema
	path       string
	searchable []string
}

func (*relatedType) Kind() Kind { return KindRelated }

// Related describes the reverse accessor f: the referencing schema and the
// dotted path of the reference id in it.
func Related(f *Field) (*Schema, string, bool) {
	t, ok := f.typ.(*relatedType)
	if !ok {
		return nil, "", false
	}
	return t.from, t.path, true
}

func (t *relatedType) encodeSearch(f *Field, _ any, doc *Document, sc *SearchContext) (any, error) {
	if len(t.searchable) == 0 || sc == nil || sc.Related == nil {
		return nil, nil
	}
	docs, err := sc.Related(doc, f)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(docs))
	for _, rel := range docs {
		item := make(map[string]any, len(t.searchable))
		for _, p := range t.searchable {
			v, err := rel.searchLookup(p, sc)
			if err != nil {
				return nil, err
			}
			item[strings.ReplaceAll(p, ".", "_")] = v
		}
		out = append(out, item)
	}
	return out, nil
}

func (t *relatedType) searchMapping(f *Field, _ map[string]Analyzer) map[string]any {
	return map[string]any{"boost": f.boost, "store": "no", "type": "object", "dynamic": true, "enabled": f.searchable}
}

func (t *relatedType) indexSpecs(*Field) []IndexKey { return nil }

func (t *relatedType) clone() Type {
	c := *t
	return &c
}
