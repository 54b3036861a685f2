// Topic and entity extraction behind a pluggable interface. The default
// implementation leans on bleve's English analyzer (tokenization, stopword
// removal, stemming) so topic overlap compares normalized terms, not surface
// forms.

package engine

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
)

// TopicExtractor derives topic and entity labels from text. Implementations
// must be deterministic; branch-shift detection depends on stable output for
// identical input.
type TopicExtractor interface {
	Topics(text string) []string
	Entities(text string) []string
}

// AnalyzerExtractor extracts topics using a bleve text analyzer and entities
// using a capitalized-token heuristic.
type AnalyzerExtractor struct {
	analyzer  analysis.Analyzer
	maxTopics int
}

// NewAnalyzerExtractor builds the default extractor on bleve's English
// analyzer.
func NewAnalyzerExtractor() (*AnalyzerExtractor, error) {
	m := bleve.NewIndexMapping()
	analyzer := m.AnalyzerNamed(en.AnalyzerName)
	if analyzer == nil {
		return nil, fmt.Errorf("analyzer %q not registered", en.AnalyzerName)
	}
	return &AnalyzerExtractor{analyzer: analyzer, maxTopics: 8}, nil
}

// Topics returns the most frequent normalized terms in the text, capped at
// maxTopics, ties broken alphabetically for determinism.
func (x *AnalyzerExtractor) Topics(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	stream := x.analyzer.Analyze([]byte(text))
	freq := make(map[string]int, len(stream))
	for _, tok := range stream {
		term := string(tok.Term)
		// Skip bare numbers and one-letter fragments; they carry no topical signal.
		if len(term) < 2 || isNumeric(term) {
			continue
		}
		freq[term]++
	}

	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > x.maxTopics {
		terms = terms[:x.maxTopics]
	}
	return terms
}

// Entities returns capitalized tokens that are not sentence-initial, a cheap
// proper-noun heuristic. Good enough for an overlap signal; swap the
// extractor for anything smarter.
func (x *AnalyzerExtractor) Entities(text string) []string {
	seen := make(map[string]bool)
	var entities []string

	words := strings.Fields(text)
	for i, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(trimmed) < 2 {
			continue
		}
		first := []rune(trimmed)[0]
		if !unicode.IsUpper(first) {
			continue
		}
		// Sentence-initial capitals are usually not entities.
		if i == 0 || strings.HasSuffix(words[i-1], ".") || strings.HasSuffix(words[i-1], "?") || strings.HasSuffix(words[i-1], "!") {
			continue
		}
		key := strings.ToLower(trimmed)
		if !seen[key] {
			seen[key] = true
			entities = append(entities, trimmed)
		}
	}
	return entities
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(s) > 0
}
