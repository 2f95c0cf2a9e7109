package model

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
)

// Analyzer is a search analyzer declaration pushed to the search engine as
// index configuration before any mapping that uses it.
type Analyzer interface {
	// ID uniquely identifies the analyzer and its parameters.
	ID() string
	Name() string
	Properties() []string
	// Settings is the analyzer body placed under analysis.analyzer.<ID>.
	Settings() map[string]any
}

type analyzer struct {
	name     string
	props    []string
	settings map[string]any
}

func (a *analyzer) Name() string             { return a.name }
func (a *analyzer) Properties() []string     { return append([]string{a.name}, a.props...) }
func (a *analyzer) Settings() map[string]any { return a.settings }

func (a *analyzer) ID() string {
	h := md5.New()
	for _, p := range a.Properties() {
		h.Write([]byte(p))
	}
	return "espalier_" + hex.EncodeToString(h.Sum(nil))
}

// PatternAnalyzer splits terms on a regular expression.
func PatternAnalyzer(pattern string) Analyzer {
	return &analyzer{
		name:     "patternanalyzer",
		props:    []string{pattern},
		settings: map[string]any{"type": "pattern", "pattern": pattern},
	}
}

const camelCasePattern = `([^\p{L}\d]+)|(?<=\D)(?=\d)|(?<=\d)(?=\D)|(?<=[\p{L}&&[^\p{Lu}]])` +
	`(?=\p{Lu})|(?<=\p{Lu})(?=\p{Lu}[\p{L}&&[^\p{Lu}]])`

// CamelCaseAnalyzer tokenizes CamelCase words and letter/digit boundaries.
func CamelCaseAnalyzer() Analyzer {
	return &analyzer{
		name:     "camelcaseanalyzer",
		props:    []string{camelCasePattern},
		settings: map[string]any{"type": "pattern", "pattern": camelCasePattern},
	}
}

// ExactTermAnalyzer indexes the whole value as one lowercased term.
func ExactTermAnalyzer() Analyzer {
	return &analyzer{
		name: "exacttermanalyzer",
		settings: map[string]any{
			"type":      "custom",
			"tokenizer": "keyword",
			"filter":    []any{"lowercase"},
		},
	}
}

// AnalysisSettings builds the index configuration declaring analyzers.
func AnalysisSettings(analyzers map[string]Analyzer) map[string]any {
	if len(analyzers) == 0 {
		return nil
	}
	ids := make([]string, 0, len(analyzers))
	for id := range analyzers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	defs := make(map[string]any, len(ids))
	for _, id := range ids {
		defs[id] = analyzers[id].Settings()
	}
	return map[string]any{"analysis": map[string]any{"analyzer": defs}}
}
