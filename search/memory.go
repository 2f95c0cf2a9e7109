package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an Engine kept in process memory. Text matching is a
// case-insensitive substring test over string values.
type Memory struct {
	mu      sync.RWMutex
	indexes map[string]*memoryIndex
}

type memoryIndex struct {
	docs      map[string]map[string]any
	settings  map[string]any
	mapping   map[string]any
	refreshes int
}

// NewMemory creates an empty engine.
func NewMemory() *Memory {
	return &Memory{indexes: map[string]*memoryIndex{}}
}

var _ Engine = (*Memory)(nil)

func (m *Memory) index(name string, create bool) *memoryIndex {
	idx, ok := m.indexes[name]
	if !ok && create {
		idx = &memoryIndex{docs: map[string]map[string]any{}, settings: map[string]any{}}
		m.indexes[name] = idx
	}
	return idx
}

func (m *Memory) Index(ctx context.Context, index, id string, doc map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index(index, true).docs[id] = deepCopy(doc).(map[string]any)
	return nil
}

func (m *Memory) Delete(ctx context.Context, index, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.index(index, false); idx != nil {
		delete(idx.docs, id)
	}
	return nil
}

func (m *Memory) Refresh(ctx context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.index(index, false)
	if idx == nil {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}
	idx.refreshes++
	return nil
}

func (m *Memory) Drop(ctx context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[index]; !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}
	delete(m.indexes, index)
	return nil
}

func (m *Memory) SetConfiguration(ctx context.Context, index string, settings map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merge(m.index(index, true).settings, deepCopy(settings).(map[string]any))
	return nil
}

func (m *Memory) SetMapping(ctx context.Context, index string, mapping map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index(index, true).mapping = deepCopy(mapping).(map[string]any)
	return nil
}

func (m *Memory) Search(ctx context.Context, index string, q Query) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.index(index, false)
	if idx == nil {
		return &Result{}, nil
	}

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	var hits []Hit
	for id, doc := range idx.docs {
		if !matchesFilter(doc, q.Filter) {
			continue
		}
		score, highlight := scoreText(doc, needle, q.Fields)
		if needle != "" && score == 0 {
			continue
		}
		if b, ok := doc["_boost"].(float64); ok && b > 0 {
			score *= b
		}
		hit := Hit{ID: id, Score: score, Source: deepCopy(doc).(map[string]any)}
		if q.Highlight && len(highlight) > 0 {
			hit.Highlight = highlight
		}
		hits = append(hits, hit)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	res := &Result{Total: len(hits)}
	from := q.From
	if from > len(hits) {
		from = len(hits)
	}
	to := len(hits)
	if q.Size > 0 && from+q.Size < to {
		to = from + q.Size
	}
	res.Hits = hits[from:to]
	return res, nil
}

// Settings returns a copy of the index settings.
func (m *Memory) Settings(index string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx := m.index(index, false); idx != nil {
		return deepCopy(idx.settings).(map[string]any)
	}
	return nil
}

// Mapping returns a copy of the index mapping.
func (m *Memory) Mapping(index string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx := m.index(index, false); idx != nil && idx.mapping != nil {
		return deepCopy(idx.mapping).(map[string]any)
	}
	return nil
}

// Document returns the indexed source for id.
func (m *Memory) Document(index, id string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx := m.index(index, false); idx != nil {
		if doc, ok := idx.docs[id]; ok {
			return deepCopy(doc).(map[string]any), true
		}
	}
	return nil, false
}

// Len returns the number of documents in index.
func (m *Memory) Len(index string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx := m.index(index, false); idx != nil {
		return len(idx.docs)
	}
	return 0
}

// Refreshes returns how often index was refreshed.
func (m *Memory) Refreshes(index string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx := m.index(index, false); idx != nil {
		return idx.refreshes
	}
	return 0
}

func matchesFilter(doc, filter map[string]any) bool {
	for k, want := range filter {
		if fmt.Sprint(doc[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func scoreText(doc map[string]any, needle string, fields []string) (float64, map[string][]string) {
	if needle == "" {
		return 1, nil
	}
	highlight := map[string][]string{}
	var score float64
	visit := func(name string, v any) {
		for _, s := range stringLeaves(v) {
			if strings.Contains(strings.ToLower(s), needle) {
				score++
				highlight[name] = append(highlight[name], emphasize(s, needle))
			}
		}
	}
	if len(fields) == 0 {
		for name, v := range doc {
			if !strings.HasPrefix(name, "_") {
				visit(name, v)
			}
		}
	} else {
		for _, name := range fields {
			visit(name, lookup(doc, name))
		}
	}
	return score, highlight
}

func lookup(doc map[string]any, path string) any {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// stringLeaves flattens the string leaves of v.
func stringLeaves(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, stringLeaves(item)...)
		}
		return out
	case map[string]any:
		var out []string
		for _, k := range sortedKeys(t) {
			out = append(out, stringLeaves(t[k])...)
		}
		return out
	}
	return nil
}

func emphasize(s, needle string) string {
	i := strings.Index(strings.ToLower(s), needle)
	if i < 0 || i+len(needle) > len(s) {
		return s
	}
	return s[:i] + "<em>" + s[i:i+len(needle)] + "</em>" + s[i+len(needle):]
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				merge(cur, sub)
				continue
			}
		}
		dst[k] = v
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	}
	return v
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
