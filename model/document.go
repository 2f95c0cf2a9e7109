package model

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"
)

// Source tells where a document's values came from.
type Source int

const (
	SourceNew Source = iota
	SourceStore
	// SourceSearch documents may be partial.
	SourceSearch
)

// Document is an instance of a schema. Values are keyed by field identity so
// that aliases such as "pk" resolve to the same slot.
type Document struct {
	schema      *Schema
	values      map[*Field]any
	modified    map[*Field]struct{}
	version     int64
	source      Source
	highlight   map[string][]string
	parent      *Document
	parentField *Field
	refs        map[string][]*CachedReference
}

// NewDocument returns an empty document of s.
func NewDocument(s *Schema) (*Document, error) {
	if s.abstract {
		return nil, fmt.Errorf("%w: %s", ErrAbstractSchema, s.name)
	}
	return newDocument(s), nil
}

func newDocument(s *Schema) *Document {
	return &Document{
		schema:   s,
		values:   map[*Field]any{},
		modified: map[*Field]struct{}{},
		refs:     map[string][]*CachedReference{},
	}
}

func (d *Document) Schema() *Schema { return d.schema }
func (d *Document) Version() int64  { return d.version }
func (d *Document) Source() Source  { return d.source }

// IsPersistent reports whether the document has been inserted.
func (d *Document) IsPersistent() bool { return d.version > 0 }

// IsSearchResult reports whether the document was loaded from the search
// engine and may be partial.
func (d *Document) IsSearchResult() bool { return d.source == SourceSearch }

// Highlight returns search highlighting by field, if any.
func (d *Document) Highlight() map[string][]string { return d.highlight }

// Parent returns the document embedding d, or nil for top-level documents.
func (d *Document) Parent() *Document { return d.parent }

// TopLevel returns the outermost document embedding d.
func (d *Document) TopLevel() *Document {
	top := d
	for top.parent != nil {
		top = top.parent
	}
	return top
}

// PK returns the primary key value, or nil before it is allocated.
func (d *Document) PK() any {
	if d.schema.pk == nil {
		return nil
	}
	return d.values[d.schema.pk]
}

func (d *Document) value(f *Field) any {
	if c, ok := f.typ.(computer); ok {
		return c.compute(f, d)
	}
	v := d.values[f]
	if v == nil && f.def != nil {
		v = f.def()
		d.values[f] = v
	}
	return v
}

// Get returns the value of the named field. Unset fields yield their
// default; unknown names yield nil.
func (d *Document) Get(name string) any {
	f, ok := d.schema.byName[name]
	if !ok {
		return nil
	}
	return d.value(f)
}

// Set assigns the named field and marks it modified.
func (d *Document) Set(name string, v any) error {
	f, ok := d.schema.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q on %s", ErrUnknownField, name, d.schema.name)
	}
	if f.readOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, f)
	}
	if sub, ok := v.(*Document); ok && f.typ.subSchema() != nil {
		sub.attach(d, f)
	}
	d.values[f] = v
	d.markModified(f)
	return nil
}

// MustSet is Set for fixtures and setup code; it panics on error.
func (d *Document) MustSet(name string, v any) *Document {
	if err := d.Set(name, v); err != nil {
		panic(err)
	}
	return d
}

func (d *Document) markModified(f *Field) {
	d.modified[f] = struct{}{}
	if d.parent != nil {
		d.parent.markModified(d.parentField)
	}
}

// Modified returns the logical names of fields changed since the document
// was loaded or last saved.
func (d *Document) Modified() []string {
	names := make([]string, 0, len(d.modified))
	for f := range d.modified {
		names = append(names, f.name)
	}
	sort.Strings(names)
	return names
}

// IsModified reports whether any field changed since the last load or save.
func (d *Document) IsModified() bool { return len(d.modified) > 0 }

func (d *Document) Text(name string) string {
	s, _ := d.Get(name).(string)
	return s
}

func (d *Document) Int(name string) int64 {
	n, _ := ToInt64(d.Get(name))
	return n
}

func (d *Document) Float(name string) float64 {
	n, _ := ToFloat64(d.Get(name))
	return n
}

func (d *Document) Bool(name string) bool {
	b, _ := d.Get(name).(bool)
	return b
}

func (d *Document) Time(name string) time.Time {
	t, _ := d.Get(name).(time.Time)
	return t
}

func (d *Document) Embedded(name string) *Document {
	sub, _ := d.Get(name).(*Document)
	return sub
}

// Reference returns the cached reference held by the named field. It is nil
// until the document is saved or loaded.
func (d *Document) Reference(name string) *CachedReference {
	r, _ := d.Get(name).(*CachedReference)
	return r
}

func (d *Document) List(name string) []any {
	items, _ := toSlice(d.Get(name))
	return items
}

// Lookup walks a dotted logical path through embedded documents, cached
// references and maps.
func (d *Document) Lookup(path string) (any, bool) {
	head, rest, nested := strings.Cut(path, ".")
	f, ok := d.schema.byName[head]
	if !ok {
		return nil, false
	}
	v := d.value(f)
	if !nested {
		return v, true
	}
	return lookupValue(v, rest)
}

func lookupValue(v any, path string) (any, bool) {
	switch t := v.(type) {
	case *Document:
		return t.Lookup(path)
	case *CachedReference:
		head, rest, nested := strings.Cut(path, ".")
		inner, ok := t.Get(head)
		if !ok || !nested {
			return inner, ok
		}
		return lookupValue(inner, rest)
	case map[string]any:
		head, rest, nested := strings.Cut(path, ".")
		inner, ok := t[head]
		if !ok || !nested {
			return inner, ok
		}
		return lookupValue(inner, rest)
	}
	return nil, false
}

func (d *Document) searchLookup(path string, sc *SearchContext) (any, error) {
	head, rest, nested := strings.Cut(path, ".")
	f, ok := d.schema.byName[head]
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownField, head, d.schema.name)
	}
	if !nested {
		return f.EncodeSearch(d.value(f), d, sc)
	}
	if sub, ok := d.value(f).(*Document); ok {
		return sub.searchLookup(rest, sc)
	}
	v, _ := lookupValue(d.value(f), rest)
	return Normalize(v), nil
}

func (d *Document) attach(parent *Document, f *Field) {
	d.parent, d.parentField = parent, f
}

func (d *Document) pathOf(f *Field) string {
	if d.parent == nil {
		return f.name
	}
	return d.parent.pathOf(d.parentField) + "." + f.name
}

func (d *Document) registerReference(path string, ref *CachedReference) {
	top := d.TopLevel()
	key := path + "/" + IDKey(ref.id)
	for _, r := range top.refs[key] {
		if r == ref {
			return
		}
	}
	top.refs[key] = append(top.refs[key], ref)
}

// References returns the live cached references registered under the
// reference id path and the referenced id.
func (d *Document) References(path string, id any) []*CachedReference {
	return append([]*CachedReference{}, d.TopLevel().refs[path+"/"+IDKey(id)]...)
}

// SyncReferenceField re-derives every cached reference to src registered
// under path (the logical path of the reference id). Changed references
// mark their top-level field modified.
func (d *Document) SyncReferenceField(path string, src *Document) (bool, error) {
	top := d.TopLevel()
	field := strings.SplitN(path, ".", 2)[0]
	changed := false
	for _, ref := range top.refs[path+"/"+IDKey(src.PK())] {
		ok, err := ref.Sync(src)
		if err != nil {
			return changed, err
		}
		if ok {
			changed = true
		}
	}
	if changed {
		if f, ok := top.schema.byName[field]; ok {
			top.modified[f] = struct{}{}
		}
	}
	return changed, nil
}

// PreSave runs every persisted field's pre-save hook, applying defaults,
// computed values and identity allocation.
func (d *Document) PreSave(sc *SaveContext) error { return d.preSave(sc) }

// Checkpoint records the top-level values and cached reference registrations
// of d. The returned function puts them back, undoing a PreSave whose save
// did not go through.
func (d *Document) Checkpoint() (restore func()) {
	values, refs := maps.Clone(d.values), maps.Clone(d.refs)
	return func() {
		clear(d.values)
		maps.Copy(d.values, values)
		clear(d.refs)
		maps.Copy(d.refs, refs)
	}
}

func (d *Document) preSave(sc *SaveContext) error {
	for _, f := range d.schema.fields {
		if f.virtual {
			continue
		}
		v, err := f.preSaveValue(d.values[f], d, sc)
		if err != nil {
			return err
		}
		d.values[f] = v
	}
	return nil
}

// Validate checks every persisted field, returning the first failure.
func (d *Document) Validate() error { return d.validate() }

func (d *Document) validate() error {
	for _, f := range d.schema.fields {
		if f.virtual {
			continue
		}
		if err := f.Validate(d.value(f), d); err != nil {
			return err
		}
	}
	return nil
}

// EncodeStore converts the document to its store representation. Null
// top-level values are dropped unless preserveNull is set.
func (d *Document) EncodeStore(preserveNull bool) (Data, error) { return d.encodeStore(preserveNull) }

func (d *Document) encodeStore(preserveNull bool) (Data, error) {
	out := make(Data, len(d.schema.fields))
	for _, f := range d.schema.fields {
		if f.virtual {
			continue
		}
		v, err := f.EncodeStore(d.value(f), d)
		if err != nil {
			return nil, err
		}
		if v == nil && !preserveNull {
			continue
		}
		out[f.storeName] = v
	}
	return out, nil
}

func (d *Document) decodeStore(data Data) error {
	for _, f := range d.schema.fields {
		if f.virtual {
			continue
		}
		raw, ok := data[f.storeName]
		if !ok {
			continue
		}
		v, err := f.DecodeStore(raw, d)
		if err != nil {
			return fmt.Errorf("decode %s: %w", f, err)
		}
		d.values[f] = v
	}
	return nil
}

// EncodeSearch converts the document to its search representation keyed by
// logical field names.
func (d *Document) EncodeSearch(sc *SearchContext) (map[string]any, error) { return d.encodeSearch(sc) }

func (d *Document) encodeSearch(sc *SearchContext) (map[string]any, error) {
	out := make(map[string]any, len(d.schema.fields))
	for _, f := range d.schema.fields {
		if !f.searchable {
			continue
		}
		var v any
		if !f.virtual {
			v = d.value(f)
		}
		ev, err := f.EncodeSearch(v, d, sc)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			out[f.name] = ev
		}
	}
	return out, nil
}

func (d *Document) decodeSearch(data map[string]any) error {
	for _, f := range d.schema.fields {
		if f.virtual {
			continue
		}
		raw, ok := data[f.name]
		if !ok {
			continue
		}
		v, err := f.DecodeSearch(raw, d)
		if err != nil {
			return fmt.Errorf("decode %s: %w", f, err)
		}
		d.values[f] = v
	}
	return nil
}

// PostSave runs post-save hooks and clears modification tracking.
func (d *Document) PostSave() { d.postSave() }

func (d *Document) postSave() {
	for _, f := range d.schema.fields {
		if v, ok := d.values[f]; ok {
			f.typ.postSave(f, v, d)
		}
	}
	d.modified = map[*Field]struct{}{}
}

// MarkPersisted records a successful write at version.
func (d *Document) MarkPersisted(version int64) {
	d.version = version
	d.source = SourceStore
	d.modified = map[*Field]struct{}{}
}

// LoadStore builds a document from a store record.
func LoadStore(s *Schema, data Data) (*Document, error) {
	d, err := NewDocument(s)
	if err != nil {
		return nil, err
	}
	if err := d.Reload(data); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload replaces every value of d with those of a store record of the
// same schema. Unsaved changes are discarded.
func (d *Document) Reload(data Data) error {
	raw, ok := data[VersionKey]
	if !ok {
		return fmt.Errorf("%w: %s %v", ErrMissingVersionMetadata, d.schema.name, data[IdentityKey])
	}
	version, ok := ToInt64(raw)
	if !ok {
		return fmt.Errorf("%w: %s %v has version %v", ErrMissingVersionMetadata, d.schema.name, data[IdentityKey], raw)
	}
	d.values = map[*Field]any{}
	d.refs = map[string][]*CachedReference{}
	if err := d.decodeStore(data); err != nil {
		return err
	}
	d.version = version
	d.source = SourceStore
	d.highlight = nil
	d.modified = map[*Field]struct{}{}
	return nil
}

// LoadSearch builds a possibly partial document from a search hit.
func LoadSearch(s *Schema, id string, data map[string]any, highlight map[string][]string) (*Document, error) {
	d, err := NewDocument(s)
	if err != nil {
		return nil, err
	}
	if err := d.decodeSearch(data); err != nil {
		return nil, err
	}
	if d.PK() == nil && s.pk != nil {
		pk, err := s.pk.DecodeSearch(id, d)
		if err != nil {
			return nil, err
		}
		d.values[s.pk] = pk
	}
	if v, ok := ToInt64(data[VersionKey]); ok {
		d.version = v
	}
	d.source = SourceSearch
	d.highlight = highlight
	d.modified = map[*Field]struct{}{}
	return d, nil
}

// RevisionSnapshot keeps the revisable fields of a stored record, each in
// its revision encoding.
func (s *Schema) RevisionSnapshot(stored Data) map[string]any {
	out := make(map[string]any, len(s.fields))
	for _, f := range s.fields {
		if f.virtual || !f.revisable {
			continue
		}
		v, ok := stored[f.storeName]
		if !ok || v == nil {
			continue
		}
		out[f.storeName] = f.EncodeRevision(v)
	}
	return out
}

// Changed returns the logical names of persisted fields whose store values
// differ between before and after. Keys missing from after are unchanged.
func (s *Schema) Changed(before, after Data) []string {
	var names []string
	for _, f := range s.fields {
		if f.virtual {
			continue
		}
		v, ok := after[f.storeName]
		if !ok {
			continue
		}
		if !Equal(before[f.storeName], v) {
			names = append(names, f.name)
		}
	}
	return names
}

func (d *Document) String() string {
	return fmt.Sprintf("%s(%v)", d.schema.name, d.PK())
}
