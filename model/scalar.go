package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type textType struct{ base }

// Text declares a string field.
func Text(name string, opts ...Option) *Field {
	return newField(name, &textType{}, opts)
}

func (*textType) Kind() Kind { return KindText }

func (*textType) validate(f *Field, v any, _ *Document) error {
	if _, ok := v.(string); !ok {
		return invalid(f, "expected text, got %T", v)
	}
	return nil
}

func (*textType) encodeStore(_ *Field, v any, _ *Document) (any, error) { return toText(v), nil }
func (*textType) decodeStore(_ *Field, v any, _ *Document) (any, error) { return toText(v), nil }
func (*textType) encodeSearch(_ *Field, v any, _ *Document, _ *SearchContext) (any, error) {
	return toText(v), nil
}
func (*textType) decodeSearch(_ *Field, v any, _ *Document) (any, error) { return toText(v), nil }

func (*textType) searchMapping(f *Field, analyzers map[string]Analyzer) map[string]any {
	return textMapping(f, analyzers)
}

func (*textType) clone() Type { return &textType{} }

func toText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

type integerType struct {
	base
	kind     Kind
	min, max *int64
}

// Integer declares a 64-bit integer field.
func Integer(name string, opts ...Option) *Field {
	return newField(name, &integerType{kind: KindInteger}, opts)
}

// Year declares an integer field restricted to 1000..3000.
func Year(name string, opts ...Option) *Field {
	return newField(name, &integerType{kind: KindInteger, min: ptr(int64(1000)), max: ptr(int64(3000))}, opts)
}

// Month declares an integer field restricted to 1..12.
func Month(name string, opts ...Option) *Field {
	return newField(name, &integerType{kind: KindInteger, min: ptr(int64(1)), max: ptr(int64(12))}, opts)
}

// Range bounds integer and float fields (inclusive).
func Range(min, max float64) Option {
	return func(f *Field) {
		switch t := f.typ.(type) {
		case *integerType:
			t.min, t.max = ptr(int64(min)), ptr(int64(max))
		case *dayType:
			t.min, t.max = ptr(int64(min)), ptr(int64(max))
		case *floatType:
			t.min, t.max = ptr(min), ptr(max)
		default:
			f.optErr = fmt.Errorf("%w: range is not supported by %s fields", ErrInvalidValue, f.typ.Kind())
		}
	}
}

func (t *integerType) Kind() Kind { return t.kind }

func (t *integerType) validate(f *Field, v any, _ *Document) error {
	return checkInt(f, v, t.min, t.max)
}

func checkInt(f *Field, v any, min, max *int64) error {
	i, ok := ToInt64(v)
	if !ok {
		return invalid(f, "expected integer, got %T", v)
	}
	if min != nil && i < *min {
		return invalid(f, "minimum allowed value is %d", *min)
	}
	if max != nil && i > *max {
		return invalid(f, "maximum allowed value is %d", *max)
	}
	return nil
}

func (*integerType) encodeStore(f *Field, v any, _ *Document) (any, error) { return intValue(f, v) }
func (*integerType) decodeStore(f *Field, v any, _ *Document) (any, error) { return intValue(f, v) }
func (*integerType) encodeSearch(f *Field, v any, _ *Document, _ *SearchContext) (any, error) {
	return intValue(f, v)
}
func (*integerType) decodeSearch(f *Field, v any, _ *Document) (any, error) { return intValue(f, v) }

func (*integerType) searchMapping(f *Field, _ map[string]Analyzer) map[string]any {
	return map[string]any{"boost": f.boost, "store": "no", "type": "integer"}
}

func (t *integerType) clone() Type {
	c := *t
	return &c
}

func intValue(f *Field, v any) (any, error) {
	i, ok := ToInt64(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %v is not an integer", ErrInvalidValue, f, v)
	}
	return i, nil
}

type dayType struct {
	integerType
	month, year string
}

// Day declares an integer field restricted to 1..31.
func Day(name string, opts ...Option) *Field {
	return newField(name, &dayType{integerType: integerType{kind: KindInteger, min: ptr(int64(1)), max: ptr(int64(31))}}, opts)
}

// ValidateAgainst checks a day field against sibling month and year fields
// so that, for instance, February 30th is rejected.
func ValidateAgainst(month, year string) Option {
	return func(f *Field) {
		t, ok := f.typ.(*dayType)
		if !ok {
			f.optErr = fmt.Errorf("%w: ValidateAgainst applies to day fields only", ErrInvalidValue)
			return
		}
		t.month, t.year = month, year
	}
}

func (t *dayType) validate(f *Field, v any, doc *Document) error {
	if err := t.integerType.validate(f, v, doc); err != nil {
		return err
	}
	if t.month == "" || doc == nil {
		return nil
	}
	day, _ := ToInt64(v)
	month, mok := ToInt64(doc.Get(t.month))
	year, yok := ToInt64(doc.Get(t.year))
	if !mok || !yok {
		return invalid(f, "invalid day when validated against month and year")
	}
	d := time.Date(int(year), time.Month(month), int(day), 0, 0, 0, 0, time.UTC)
	if d.Day() != int(day) || d.Month() != time.Month(month) {
		return invalid(f, "invalid day when validated against month and year")
	}
	return nil
}

func (t *dayType) check(f *Field) error {
	if t.month == "" {
		return nil
	}
	for _, name := range []string{t.month, t.year} {
		if _, ok := f.owner.byName[name]; !ok {
			return fmt.Errorf("%w: %s validates against missing field %q", ErrUnknownField, f, name)
		}
	}
	return nil
}

func (t *dayType) clone() Type {
	c := *t
	return &c
}

type floatType struct {
	base
	min, max *float64
}

// Float declares a floating point field.
func Float(name string, opts ...Option) *Field {
	return newField(name, &floatType{}, opts)
}

func (*floatType) Kind() Kind { return KindFloat }

func (t *floatType) validate(f *Field, v any, _ *Document) error {
	x, ok := ToFloat64(v)
	if _, isStr := v.(string); !ok || isStr {
		return invalid(f, "expected number, got %T", v)
	}
	if t.min != nil && x < *t.min {
		return invalid(f, "minimum allowed value is %v", *t.min)
	}
	if t.max != nil && x > *t.max {
		return invalid(f, "maximum allowed value is %v", *t.max)
	}
	return nil
}

func (*floatType) encodeStore(f *Field, v any, _ *Document) (any, error) { return floatValue(f, v) }
func (*floatType) decodeStore(f *Field, v any, _ *Document) (any, error) { return floatValue(f, v) }
func (*floatType) encodeSearch(f *Field, v any, _ *Document, _ *SearchContext) (any, error) {
	return floatValue(f, v)
}
func (*floatType) decodeSearch(f *Field, v any, _ *Document) (any, error) { return floatValue(f, v) }

func (*floatType) searchMapping(f *Field, _ map[string]Analyzer) map[string]any {
	return map[string]any{"boost": f.boost, "store": "no", "type": "float"}
}

func (t *floatType) clone() Type {
	c := *t
	return &c
}

func floatValue(f *Field, v any) (any, error) {
	x, ok := ToFloat64(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %v is not a number", ErrInvalidValue, f, v)
	}
	return x, nil
}

type booleanType struct{ base }

// Boolean declares a boolean field.
func Boolean(name string, opts ...Option) *Field {
	return newField(name, &booleanType{}, opts)
}

func (*booleanType) Kind() Kind { return KindBoolean }

func (*booleanType) validate(f *Field, v any, _ *Document) error {
	if _, ok := v.(bool); !ok {
		return invalid(f, "expected boolean, got %T", v)
	}
	return nil
}

func (*booleanType) decodeStore(_ *Field, v any, _ *Document) (any, error) {
	b, _ := v.(bool)
	return b, nil
}

func (*booleanType) searchMapping(f *Field, _ map[string]Analyzer) map[string]any {
	return map[string]any{"boost": f.boost, "store": "no", "type": "boolean"}
}

func (*booleanType) clone() Type { return &booleanType{} }

type dateTimeType struct {
	base
	autoUpdate bool
}

// DateTime declares a timestamp field. Values are stored in UTC.
func DateTime(name string, opts ...Option) *Field {
	return newField(name, &dateTimeType{}, opts)
}

// AutoUpdate replaces a date/time value with the current time on every save.
func AutoUpdate() Option {
	return func(f *Field) {
		t, ok := f.typ.(*dateTimeType)
		if !ok {
			f.optErr = fmt.Errorf("%w: AutoUpdate applies to date/time fields only", ErrInvalidValue)
			return
		}
		t.autoUpdate = true
	}
}

func (*dateTimeType) Kind() Kind { return KindDateTime }

func (t *dateTimeType) preSave(_ *Field, v any, _ *Document, sc *SaveContext) (any, error) {
	if t.autoUpdate {
		now := time.Now()
		if sc != nil && !sc.Now.IsZero() {
			now = sc.Now
		}
		return now.UTC(), nil
	}
	return v, nil
}

func (*dateTimeType) validate(f *Field, v any, _ *Document) error {
	if _, ok := v.(time.Time); !ok {
		return invalid(f, "not a valid date/time value, got %T", v)
	}
	return nil
}

func (*dateTimeType) encodeStore(f *Field, v any, _ *Document) (any, error) { return timeValue(f, v) }
func (*dateTimeType) decodeStore(f *Field, v any, _ *Document) (any, error) { return timeValue(f, v) }

func (*dateTimeType) encodeSearch(f *Field, v any, _ *Document, _ *SearchContext) (any, error) {
	t, err := timeValue(f, v)
	if err != nil {
		return nil, err
	}
	return t.(time.Time).Format(time.RFC3339Nano), nil
}

func (*dateTimeType) decodeSearch(f *Field, v any, _ *Document) (any, error) { return timeValue(f, v) }

func (*dateTimeType) searchMapping(f *Field, _ map[string]Analyzer) map[string]any {
	return map[string]any{"boost": f.boost, "store": "no", "type": "date"}
}

func (t *dateTimeType) clone() Type {
	c := *t
	return &c
}

func timeValue(f *Field, v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, f, err)
		}
		return parsed.UTC(), nil
	}
	return nil, fmt.Errorf("%w: %s: %T is not a date/time", ErrInvalidValue, f, v)
}

// Choice is one permitted value of an enumeration with an optional label.
type Choice struct {
	Value string
	Label string
}

type enumType struct {
	textType
	choices []Choice
	allowed map[string]struct{}
}

// Enum declares a text field that may only hold one of the given choices.
func Enum(name string, choices []Choice, opts ...Option) *Field {
	t := &enumType{choices: choices, allowed: make(map[string]struct{}, len(choices))}
	for _, c := range choices {
		t.allowed[c.Value] = struct{}{}
	}
	return newField(name, t, opts)
}

func (*enumType) Kind() Kind { return KindEnum }

// Choices returns the permitted values of an enumeration type.
func (t *enumType) Choices() []Choice {
	out := make([]Choice, len(t.choices))
	copy(out, t.choices)
	return out
}

func (t *enumType) validate(f *Field, v any, _ *Document) error {
	s, ok := v.(string)
	if !ok {
		return invalid(f, "expected text, got %T", v)
	}
	if _, ok := t.allowed[s]; !ok {
		return invalid(f, "invalid enumeration value %q", s)
	}
	return nil
}

func (*enumType) searchMapping(f *Field, analyzers map[string]Analyzer) map[string]any {
	m := textMapping(f, analyzers)
	m["index"] = "not_analyzed"
	return m
}

func (t *enumType) clone() Type {
	c := *t
	return &c
}

// Choices returns the choices of an enumeration field, or nil.
func Choices(f *Field) []Choice {
	if t, ok := f.typ.(*enumType); ok {
		return t.Choices()
	}
	return nil
}

var (
	slugStrip    = regexp.MustCompile(`[^\w\s-]`)
	slugCollapse = regexp.MustCompile(`[-\s]+`)
)

type slugType struct {
	textType
	template func(doc *Document) string
}

// Slug declares a text field computed on every save from template. The
// result is folded to ASCII, stripped of punctuation and hyphenated.
func Slug(name string, template func(doc *Document) string, opts ...Option) *Field {
	return newField(name, &slugType{template: template}, opts)
}

func (*slugType) Kind() Kind { return KindSlug }

func (t *slugType) preSave(_ *Field, _ any, doc *Document, _ *SaveContext) (any, error) {
	return Slugify(t.template(doc)), nil
}

func (t *slugType) clone() Type {
	c := *t
	return &c
}

// Slugify turns s into a lowercase, hyphen separated ASCII slug.
func Slugify(s string) string {
	folder := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	folded, _, err := transform.String(folder, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(strings.TrimSpace(slugStrip.ReplaceAllString(folded, "")))
	return slugCollapse.ReplaceAllString(folded, "-")
}

func ptr[T any](v T) *T { return &v }
