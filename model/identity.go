package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Manual wraps an explicit value for a serial field. Plain values are
// rejected on insert so that counters are never silently bypassed.
type Manual int64

// ManualValue marks n as an intentionally chosen serial value.
func ManualValue(n int64) Manual { return Manual(n) }

type serialType struct {
	integerType
}

// Serial declares an auto-incrementing integer field backed by the counters
// collection. Schemas without an explicit primary key get a Serial "pk".
func Serial(name string, opts ...Option) *Field {
	return newField(name, &serialType{integerType: integerType{kind: KindSerial}}, opts)
}

// CounterKey returns the counters collection key of a serial field.
func CounterKey(f *Field) string {
	collection := ""
	if f.owner != nil {
		collection = f.owner.collection
	}
	return collection + "." + f.name
}

func (t *serialType) preSave(f *Field, v any, _ *Document, sc *SaveContext) (any, error) {
	if m, ok := v.(Manual); ok {
		return int64(m), nil
	}
	if sc != nil && sc.Update {
		return v, nil
	}
	if v != nil {
		return nil, invalid(f, "manually setting a serial value on insert may cause conflicts, wrap it in ManualValue")
	}
	if sc == nil || sc.Sequences == nil {
		return nil, fmt.Errorf("espalier: %s: no sequence allocator available", f)
	}
	return sc.Sequences.NextSequence(sc.context(), CounterKey(f))
}

func (t *serialType) searchMapping(f *Field, _ map[string]Analyzer) map[string]any {
	return map[string]any{"boost": f.boost, "store": "no", "type": "long"}
}

func (t *serialType) clone() Type {
	c := *t
	return &c
}

type uuidType struct{ textType }

// UUID declares a string identifier generated on insert.
func UUID(name string, opts ...Option) *Field {
	return newField(name, &uuidType{}, opts)
}

func (*uuidType) Kind() Kind { return KindUUID }

func (*uuidType) preSave(_ *Field, v any, _ *Document, sc *SaveContext) (any, error) {
	if v == nil && (sc == nil || !sc.Update) {
		return uuid.NewString(), nil
	}
	return v, nil
}

func (*uuidType) validate(f *Field, v any, _ *Document) error {
	s, ok := v.(string)
	if !ok {
		return invalid(f, "expected a UUID string, got %T", v)
	}
	if _, err := uuid.Parse(s); err != nil {
		return invalid(f, "not a valid UUID: %v", err)
	}
	return nil
}

func (*uuidType) searchMapping(f *Field, analyzers map[string]Analyzer) map[string]any {
	m := textMapping(f, analyzers)
	m["index"] = "not_analyzed"
	return m
}

func (*uuidType) clone() Type { return &uuidType{} }
