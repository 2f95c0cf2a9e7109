package model

import "fmt"

type searchCopyType struct {
	base
	from     string
	exact    bool
	analyzer Analyzer
}

// SearchCopy declares a search-only field holding a copy of another field,
// so it can be analyzed differently.
func SearchCopy(name, from string, opts ...Option) *Field {
	return searchOnly(newField(name, &searchCopyType{from: from}, opts))
}

// SearchExact declares a search-only copy of another field indexed with the
// exact-term analyzer.
func SearchExact(name, from string, opts ...Option) *Field {
	return searchOnly(newField(name, &searchCopyType{from: from, exact: true}, opts))
}

func searchOnly(f *Field) *Field {
	f.virtual, f.readOnly, f.revisable = true, true, false
	return f
}

func (*searchCopyType) Kind() Kind { return KindSearchCopy }

func (t *searchCopyType) source(f *Field) (*Field, error) {
	src, ok := f.owner.byName[t.from]
	if !ok {
		return nil, fmt.Errorf("%w: %s copies unknown field %q", ErrUnknownField, f, t.from)
	}
	return src, nil
}

func (t *searchCopyType) check(f *Field) error {
	_, err := t.source(f)
	return err
}

func (t *searchCopyType) compute(f *Field, doc *Document) any {
	return doc.Get(t.from)
}

func (t *searchCopyType) encodeSearch(f *Field, _ any, doc *Document, sc *SearchContext) (any, error) {
	src, err := t.source(f)
	if err != nil {
		return nil, err
	}
	return src.EncodeSearch(doc.Get(t.from), doc, sc)
}

func (t *searchCopyType) searchMapping(f *Field, analyzers map[string]Analyzer) map[string]any {
	src, err := t.source(f)
	if err != nil {
		return textMapping(f, analyzers)
	}
	m := src.SearchMapping(analyzers)
	m["boost"] = f.boost
	a := f.analyzer
	if t.exact {
		a = ExactTermAnalyzer()
	}
	if a != nil {
		m["index"] = "analyzed"
		m["analyzer"] = a.ID()
		analyzers[a.ID()] = a
	}
	return m
}

func (t *searchCopyType) indexSpecs(*Field) []IndexKey { return nil }

func (t *searchCopyType) clone() Type {
	c := *t
	return &c
}

type searchCompositeType struct {
	base
	fn func(doc *Document) any
}

// SearchComposite declares a search-only field whose value is produced by
// fn from the whole document.
func SearchComposite(name string, fn func(doc *Document) any, opts ...Option) *Field {
	return searchOnly(newField(name, &searchCompositeType{fn: fn}, opts))
}

func (*searchCompositeType) Kind() Kind { return KindSearchComposite }

func (t *searchCompositeType) compute(_ *Field, doc *Document) any { return t.fn(doc) }

func (t *searchCompositeType) encodeSearch(_ *Field, _ any, doc *Document, _ *SearchContext) (any, error) {
	return Normalize(t.fn(doc)), nil
}

func (t *searchCompositeType) searchMapping(f *Field, analyzers map[string]Analyzer) map[string]any {
	return textMapping(f, analyzers)
}

func (t *searchCompositeType) indexSpecs(*Field) []IndexKey { return nil }

func (t *searchCompositeType) clone() Type {
	c := *t
	return &c
}
