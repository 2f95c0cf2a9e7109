package model

import (
	"context"
	"fmt"
	"time"
)

// Kind tags the variant a field belongs to.
type Kind int

const (
	KindText Kind = iota + 1
	KindInteger
	KindFloat
	KindBoolean
	KindDateTime
	KindEnum
	KindSlug
	KindList
	KindSet
	KindMap
	KindEmbedded
	KindDynamic
	KindSerial
	KindUUID
	KindReference
	KindRelated
	KindSearchCopy
	KindSearchComposite
)

var kindNames = map[Kind]string{
	KindText:            "text",
	KindInteger:         "integer",
	KindFloat:           "float",
	KindBoolean:         "boolean",
	KindDateTime:        "datetime",
	KindEnum:            "enum",
	KindSlug:            "slug",
	KindList:            "list",
	KindSet:             "set",
	KindMap:             "map",
	KindEmbedded:        "embedded",
	KindDynamic:         "dynamic",
	KindSerial:          "serial",
	KindUUID:            "uuid",
	KindReference:       "reference",
	KindRelated:         "related",
	KindSearchCopy:      "search_copy",
	KindSearchComposite: "search_composite",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Order is an index sort order.
type Order int

const (
	Ascending  Order = 1
	Descending Order = -1
)

// IndexKey is one component of an index. An empty Path refers to the field itself.
type IndexKey struct {
	Path  string
	Order Order
}

// Sequencer allocates auto-incrementing identifiers.
type Sequencer interface {
	NextSequence(ctx context.Context, key string) (int64, error)
}

// SaveContext carries state into pre-save hooks.
type SaveContext struct {
	Ctx       context.Context
	Update    bool
	Now       time.Time
	Sequences Sequencer
}

func (sc *SaveContext) context() context.Context {
	if sc == nil || sc.Ctx == nil {
		return context.Background()
	}
	return sc.Ctx
}

// SearchContext carries lookups needed while building search documents.
type SearchContext struct {
	// Related returns the documents referencing doc through the reverse
	// accessor field f.
	Related func(doc *Document, f *Field) ([]*Document, error)
}

// Type implements the behavior of one field variant. The set of types is
// closed: only this package provides implementations.
type Type interface {
	Kind() Kind

	validate(f *Field, v any, doc *Document) error
	preSave(f *Field, v any, doc *Document, sc *SaveContext) (any, error)
	postSave(f *Field, v any, doc *Document)
	encodeStore(f *Field, v any, doc *Document) (any, error)
	decodeStore(f *Field, v any, doc *Document) (any, error)
	encodeSearch(f *Field, v any, doc *Document, sc *SearchContext) (any, error)
	decodeSearch(f *Field, v any, doc *Document) (any, error)
	encodeRevision(f *Field, stored any) any
	indexSpecs(f *Field) []IndexKey
	searchMapping(f *Field, analyzers map[string]Analyzer) map[string]any
	subSchema() *Schema
	prepare(f *Field) error
	check(f *Field) error
	setupReverse(f *Field, owner *Schema, path string) error
	clone() Type
}

// computer is implemented by virtual types whose value is derived on read.
type computer interface {
	compute(f *Field, doc *Document) any
}

// base supplies pass-through behavior shared by most types.
type base struct{}

func (base) validate(*Field, any, *Document) error { return nil }

func (base) preSave(_ *Field, v any, _ *Document, _ *SaveContext) (any, error) { return v, nil }

func (base) postSave(*Field, any, *Document) {}

func (base) encodeStore(_ *Field, v any, _ *Document) (any, error) { return Normalize(v), nil }

func (base) decodeStore(_ *Field, v any, _ *Document) (any, error) { return v, nil }

func (base) encodeSearch(_ *Field, v any, _ *Document, _ *SearchContext) (any, error) {
	return Normalize(v), nil
}

func (base) decodeSearch(_ *Field, v any, _ *Document) (any, error) { return v, nil }

func (base) encodeRevision(_ *Field, stored any) any { return stored }

func (base) indexSpecs(f *Field) []IndexKey {
	if f.indexed {
		return []IndexKey{{Order: Ascending}}
	}
	return nil
}

func (base) searchMapping(f *Field, _ map[string]Analyzer) map[string]any {
	return map[string]any{"boost": f.boost, "store": "no"}
}

func (base) subSchema() *Schema { return nil }

func (base) prepare(*Field) error { return nil }

func (base) check(*Field) error { return nil }

func (base) setupReverse(*Field, *Schema, string) error { return nil }

// Field is a typed attribute descriptor. Fields are bound to a schema when it
// is defined and must not be changed afterwards.
type Field struct {
	name       string
	storeName  string
	typ        Type
	def        func() any
	required   bool
	virtual    bool
	readOnly   bool
	searchable bool
	revisable  bool
	indexed    bool
	primaryKey bool
	analyzed   bool
	analyzer   Analyzer
	boost      float64
	owner      *Schema
	optErr     error
}

// Option configures a field.
type Option func(*Field)

func newField(name string, t Type, opts []Option) *Field {
	f := &Field{
		name:       name,
		typ:        t,
		searchable: true,
		revisable:  true,
		analyzed:   true,
		boost:      1.0,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Required rejects null values at save time.
func Required() Option {
	return func(f *Field) { f.required = true }
}

// Default supplies the value used when the field is null. The producer is
// called every time so mutable values are never shared between documents.
func Default(fn func() any) Option {
	return func(f *Field) { f.def = fn }
}

// StoreName overrides the name the field is persisted under.
func StoreName(name string) Option {
	return func(f *Field) { f.storeName = name }
}

// PrimaryKey marks the field as the document identity.
func PrimaryKey() Option {
	return func(f *Field) {
		f.primaryKey = true
		f.storeName = IdentityKey
	}
}

// Virtual keeps the field out of the store.
func Virtual() Option {
	return func(f *Field) { f.virtual = true }
}

// NotSearchable keeps the field out of search documents.
func NotSearchable() Option {
	return func(f *Field) { f.searchable = false }
}

// NotRevisable keeps the field out of revision snapshots.
func NotRevisable() Option {
	return func(f *Field) { f.revisable = false }
}

// Indexed requests a store index on the field.
func Indexed() Option {
	return func(f *Field) { f.indexed = true }
}

// Boost sets the search boost of the field.
func Boost(b float64) Option {
	return func(f *Field) { f.boost = b }
}

// NotAnalyzed indexes text verbatim in the search engine.
func NotAnalyzed() Option {
	return func(f *Field) { f.analyzed = false }
}

// WithAnalyzer selects a search analyzer for text fields.
func WithAnalyzer(a Analyzer) Option {
	return func(f *Field) { f.analyzer = a }
}

func (f *Field) Name() string      { return f.name }
func (f *Field) StoreName() string { return f.storeName }
func (f *Field) Type() Type        { return f.typ }
func (f *Field) Kind() Kind        { return f.typ.Kind() }
func (f *Field) IsRequired() bool  { return f.required }
func (f *Field) IsVirtual() bool   { return f.virtual }
func (f *Field) IsReadOnly() bool  { return f.readOnly }
func (f *Field) IsSearchable() bool {
	return f.searchable
}
func (f *Field) IsRevisable() bool  { return f.revisable }
func (f *Field) IsIndexed() bool    { return f.indexed }
func (f *Field) IsPrimaryKey() bool { return f.primaryKey }

// Schema returns the schema the field is bound to.
func (f *Field) Schema() *Schema { return f.owner }

// Default returns a fresh default value, or nil when the field has none.
func (f *Field) Default() any {
	if f.def == nil {
		return nil
	}
	return f.def()
}

// Validate checks v. Null values fail only for required fields; variant
// rules run on non-null values.
func (f *Field) Validate(v any, doc *Document) error {
	if v == nil {
		if f.required {
			return invalid(f, "is required")
		}
		return nil
	}
	return f.typ.validate(f, v, doc)
}

// EncodeStore converts an in-memory value to its store representation.
func (f *Field) EncodeStore(v any, doc *Document) (any, error) {
	if v == nil {
		return nil, nil
	}
	return f.typ.encodeStore(f, v, doc)
}

// DecodeStore converts a store value to its in-memory representation.
func (f *Field) DecodeStore(v any, doc *Document) (any, error) {
	if v == nil {
		return nil, nil
	}
	return f.typ.decodeStore(f, v, doc)
}

// EncodeSearch converts an in-memory value for the search engine.
func (f *Field) EncodeSearch(v any, doc *Document, sc *SearchContext) (any, error) {
	if v == nil && !f.virtual {
		return nil, nil
	}
	return f.typ.encodeSearch(f, v, doc, sc)
}

// DecodeSearch converts a search engine value to its in-memory representation.
func (f *Field) DecodeSearch(v any, doc *Document) (any, error) {
	if v == nil {
		return nil, nil
	}
	return f.typ.decodeSearch(f, v, doc)
}

// EncodeRevision converts a stored value for inclusion in a revision.
func (f *Field) EncodeRevision(stored any) any {
	if stored == nil {
		return nil
	}
	return f.typ.encodeRevision(f, stored)
}

// IndexSpecs lists the indexes the field needs, relative to its store name.
func (f *Field) IndexSpecs() []IndexKey {
	return f.typ.indexSpecs(f)
}

// SearchMapping describes the field to the search engine. Analyzers the
// mapping depends on are added to analyzers.
func (f *Field) SearchMapping(analyzers map[string]Analyzer) map[string]any {
	return f.typ.searchMapping(f, analyzers)
}

func (f *Field) preSaveValue(v any, doc *Document, sc *SaveContext) (any, error) {
	v, err := f.typ.preSave(f, v, doc, sc)
	if err != nil {
		return nil, err
	}
	if v == nil && f.def != nil {
		v = f.def()
	}
	return v, nil
}

// clone copies the descriptor for a schema extending an abstract base.
func (f *Field) clone() *Field {
	c := *f
	c.typ = f.typ.clone()
	c.owner = nil
	return &c
}

func (f *Field) String() string {
	if f.owner != nil {
		return f.owner.name + "." + f.name
	}
	return f.name
}

func textMapping(f *Field, analyzers map[string]Analyzer) map[string]any {
	m := map[string]any{"boost": f.boost, "store": "no", "type": "string"}
	if f.analyzed {
		m["index"] = "analyzed"
	} else {
		m["index"] = "not_analyzed"
	}
	if f.analyzer != nil {
		m["analyzer"] = f.analyzer.ID()
		analyzers[f.analyzer.ID()] = f.analyzer
	}
	return m
}
