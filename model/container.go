package model

import (
	"fmt"
	"reflect"
)

type listType struct {
	base
	elem *Field
	set  bool
}

// List declares a list whose elements are described by elem. The element
// field's name is ignored.
func List(name string, elem *Field, opts ...Option) *Field {
	opts = append([]Option{Default(func() any { return []any{} })}, opts...)
	return newField(name, &listType{elem: elem}, opts)
}

// Set declares a list whose elements are de-duplicated on encode.
func Set(name string, elem *Field, opts ...Option) *Field {
	opts = append([]Option{Default(func() any { return []any{} })}, opts...)
	return newField(name, &listType{elem: elem, set: true}, opts)
}

func (t *listType) Kind() Kind {
	if t.set {
		return KindSet
	}
	return KindList
}

// Elem returns the element descriptor of a list or set field, or nil.
func Elem(f *Field) *Field {
	if t, ok := f.typ.(*listType); ok {
		return t.elem
	}
	if t, ok := f.typ.(*dynamicType); ok {
		return t.elem
	}
	return nil
}

func (t *listType) prepare(f *Field) error {
	t.elem.name = f.name
	t.elem.storeName = f.storeName
	t.elem.owner = f.owner
	if t.elem.optErr != nil {
		return t.elem.optErr
	}
	return t.elem.typ.prepare(t.elem)
}

func (t *listType) check(*Field) error { return t.elem.typ.check(t.elem) }

func (t *listType) setupReverse(_ *Field, owner *Schema, path string) error {
	return t.elem.typ.setupReverse(t.elem, owner, path)
}

func (t *listType) subSchema() *Schema { return t.elem.typ.subSchema() }

func (t *listType) validate(f *Field, v any, doc *Document) error {
	items, ok := toSlice(v)
	if !ok {
		return invalid(f, "expected a list, got %T", v)
	}
	for _, e := range items {
		if err := t.elem.Validate(e, doc); err != nil {
			return err
		}
	}
	return nil
}

func (t *listType) preSave(f *Field, v any, doc *Document, sc *SaveContext) (any, error) {
	items, ok := toSlice(v)
	if !ok {
		return v, nil
	}
	// Only embedded elements belong to doc; referenced documents stay top-level.
	embedded := t.elem.typ.subSchema() != nil
	out := make([]any, len(items))
	for i, e := range items {
		if sub, ok := e.(*Document); ok && embedded {
			sub.attach(doc, f)
		}
		pv, err := t.elem.typ.preSave(t.elem, e, doc, sc)
		if err != nil {
			return nil, err
		}
		out[i] = pv
	}
	return out, nil
}

func (t *listType) postSave(f *Field, v any, doc *Document) {
	items, _ := toSlice(v)
	for _, e := range items {
		t.elem.typ.postSave(t.elem, e, doc)
	}
}

func (t *listType) encodeStore(f *Field, v any, doc *Document) (any, error) {
	return t.mapItems(f, v, func(e any) (any, error) { return t.elem.EncodeStore(e, doc) })
}

func (t *listType) decodeStore(f *Field, v any, doc *Document) (any, error) {
	return t.mapItems(f, v, func(e any) (any, error) { return t.elem.DecodeStore(e, doc) })
}

func (t *listType) encodeSearch(f *Field, v any, doc *Document, sc *SearchContext) (any, error) {
	return t.mapItems(f, v, func(e any) (any, error) { return t.elem.EncodeSearch(e, doc, sc) })
}

func (t *listType) decodeSearch(f *Field, v any, doc *Document) (any, error) {
	return t.mapItems(f, v, func(e any) (any, error) { return t.elem.DecodeSearch(e, doc) })
}

func (t *listType) encodeRevision(_ *Field, stored any) any {
	items, ok := toSlice(stored)
	if !ok {
		return stored
	}
	out := make([]any, len(items))
	for i, e := range items {
		out[i] = t.elem.EncodeRevision(e)
	}
	return out
}

func (t *listType) mapItems(f *Field, v any, fn func(any) (any, error)) (any, error) {
	items, ok := toSlice(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s: expected a list, got %T", ErrInvalidValue, f, v)
	}
	out := make([]any, 0, len(items))
	for _, e := range items {
		ev, err := fn(e)
		if err != nil {
			return nil, err
		}
		if t.set && containsValue(out, ev) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (t *listType) indexSpecs(*Field) []IndexKey { return t.elem.IndexSpecs() }

func (t *listType) searchMapping(_ *Field, analyzers map[string]Analyzer) map[string]any {
	return t.elem.SearchMapping(analyzers)
}

func (t *listType) clone() Type {
	return &listType{elem: t.elem.clone(), set: t.set}
}

func containsValue(items []any, v any) bool {
	if _, isRef := v.(*CachedReference); isRef {
		return false
	}
	if _, isDoc := v.(*Document); isDoc {
		return false
	}
	for _, e := range items {
		if Equal(e, v) {
			return true
		}
	}
	return false
}

// toSlice accepts []any or any other slice type.
func toSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

type mapType struct{ base }

// Map declares a free-form dictionary field.
func Map(name string, opts ...Option) *Field {
	opts = append([]Option{Default(func() any { return map[string]any{} })}, opts...)
	return newField(name, &mapType{}, opts)
}

func (*mapType) Kind() Kind { return KindMap }

func (*mapType) validate(f *Field, v any, _ *Document) error {
	if _, ok := v.(map[string]any); !ok {
		return invalid(f, "expected a map, got %T", v)
	}
	return nil
}

func (*mapType) decodeStore(_ *Field, v any, _ *Document) (any, error) {
	m, _ := Normalize(v).(map[string]any)
	return m, nil
}

func (*mapType) searchMapping(f *Field, _ map[string]Analyzer) map[string]any {
	return map[string]any{"boost": f.boost, "store": "no", "type": "object", "dynamic": true, "enabled": f.searchable}
}

func (*mapType) clone() Type { return &mapType{} }

type embeddedType struct {
	base
	schema *Schema
}

// Embedded declares a field holding a document of an embedded schema.
func Embedded(name string, schema *Schema, opts ...Option) *Field {
	return newField(name, &embeddedType{schema: schema}, opts)
}

func (*embeddedType) Kind() Kind { return KindEmbedded }

func (t *embeddedType) subSchema() *Schema { return t.schema }

func (t *embeddedType) prepare(f *Field) error {
	if t.schema == nil || !t.schema.embedded {
		return fmt.Errorf("%w: %s must hold an embedded schema", ErrInvalidValue, f)
	}
	return nil
}

func (t *embeddedType) setupReverse(_ *Field, owner *Schema, path string) error {
	for _, sub := range t.schema.fields {
		if err := sub.typ.setupReverse(sub, owner, path+"."+sub.name); err != nil {
			return err
		}
	}
	return nil
}

func (t *embeddedType) document(f *Field, v any) (*Document, error) {
	sub, ok := v.(*Document)
	if !ok || sub.schema != t.schema {
		return nil, fmt.Errorf("%w: %s: embedded document must be a %s", ErrInvalidValue, f, t.schema.name)
	}
	return sub, nil
}

func (t *embeddedType) validate(f *Field, v any, _ *Document) error {
	sub, err := t.document(f, v)
	if err != nil {
		return invalid(f, "embedded document must be a %s", t.schema.name)
	}
	return sub.validate()
}

func (t *embeddedType) preSave(f *Field, v any, doc *Document, sc *SaveContext) (any, error) {
	sub, ok := v.(*Document)
	if !ok {
		return v, nil
	}
	sub.attach(doc, f)
	if err := sub.preSave(sc); err != nil {
		return nil, err
	}
	return sub, nil
}

func (t *embeddedType) postSave(_ *Field, v any, _ *Document) {
	if sub, ok := v.(*Document); ok {
		sub.postSave()
	}
}

func (t *embeddedType) encodeStore(f *Field, v any, doc *Document) (any, error) {
	sub, err := t.document(f, v)
	if err != nil {
		return nil, err
	}
	sub.attach(doc, f)
	return sub.encodeStore(false)
}

func (t *embeddedType) decodeStore(f *Field, v any, doc *Document) (any, error) {
	data, ok := Normalize(v).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: expected an embedded document, got %T", ErrInvalidValue, f, v)
	}
	sub := newDocument(t.schema)
	sub.attach(doc, f)
	if err := sub.decodeStore(data); err != nil {
		return nil, err
	}
	return sub, nil
}

func (t *embeddedType) encodeSearch(f *Field, v any, doc *Document, sc *SearchContext) (any, error) {
	sub, err := t.document(f, v)
	if err != nil {
		return nil, err
	}
	sub.attach(doc, f)
	return sub.encodeSearch(sc)
}

func (t *embeddedType) decodeSearch(f *Field, v any, doc *Document) (any, error) {
	data, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: expected an embedded document, got %T", ErrInvalidValue, f, v)
	}
	sub := newDocument(t.schema)
	sub.attach(doc, f)
	if err := sub.decodeSearch(data); err != nil {
		return nil, err
	}
	return sub, nil
}

// encodeRevision keeps only the revisable subfields.
func (t *embeddedType) encodeRevision(_ *Field, stored any) any {
	data, ok := stored.(map[string]any)
	if !ok {
		return stored
	}
	out := make(map[string]any, len(data))
	for _, sub := range t.schema.fields {
		if v, ok := data[sub.storeName]; ok && sub.revisable && !sub.virtual {
			out[sub.storeName] = sub.EncodeRevision(v)
		}
	}
	return out
}

func (t *embeddedType) indexSpecs(*Field) []IndexKey {
	var keys []IndexKey
	for _, sub := range t.schema.fields {
		if sub.virtual {
			continue
		}
		for _, k := range sub.IndexSpecs() {
			path := sub.storeName
			if k.Path != "" {
				path += "." + k.Path
			}
			keys = append(keys, IndexKey{Path: path, Order: k.Order})
		}
	}
	return keys
}

func (t *embeddedType) searchMapping(f *Field, analyzers map[string]Analyzer) map[string]any {
	return map[string]any{
		"boost":      f.boost,
		"store":      "no",
		"type":       "object",
		"dynamic":    "strict",
		"enabled":    f.searchable,
		"properties": t.schema.searchProperties(analyzers),
	}
}

func (t *embeddedType) clone() Type { return &embeddedType{schema: t.schema} }

type dynamicType struct {
	base
	elem *Field
	fn   func(doc *Document) any
}

// Dynamic declares a field recomputed by fn on every save and encoded like elem.
func Dynamic(name string, elem *Field, fn func(doc *Document) any, opts ...Option) *Field {
	return newField(name, &dynamicType{elem: elem, fn: fn}, opts)
}

func (*dynamicType) Kind() Kind { return KindDynamic }

func (t *dynamicType) prepare(f *Field) error {
	t.elem.name = f.name
	t.elem.storeName = f.storeName
	t.elem.owner = f.owner
	return t.elem.typ.prepare(t.elem)
}

func (t *dynamicType) preSave(_ *Field, _ any, doc *Document, _ *SaveContext) (any, error) {
	return t.fn(doc), nil
}

func (t *dynamicType) validate(_ *Field, v any, doc *Document) error {
	return t.elem.Validate(v, doc)
}

func (t *dynamicType) encodeStore(_ *Field, v any, doc *Document) (any, error) {
	return t.elem.EncodeStore(v, doc)
}

func (t *dynamicType) decodeStore(_ *Field, v any, doc *Document) (any, error) {
	return t.elem.DecodeStore(v, doc)
}

func (t *dynamicType) encodeSearch(_ *Field, v any, doc *Document, sc *SearchContext) (any, error) {
	return t.elem.EncodeSearch(v, doc, sc)
}

func (t *dynamicType) decodeSearch(_ *Field, v any, doc *Document) (any, error) {
	return t.elem.DecodeSearch(v, doc)
}

func (t *dynamicType) searchMapping(_ *Field, analyzers map[string]Analyzer) map[string]any {
	return t.elem.SearchMapping(analyzers)
}

func (t *dynamicType) clone() Type {
	return &dynamicType{elem: t.elem.clone(), fn: t.fn}
}
