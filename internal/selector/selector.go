// Package selector picks the tools most relevant to a user query, so
// the prompt carries a focused subset instead of the whole registry.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/tom-mart/chatbot-base/internal/embeddings"
	"github.com/tom-mart/chatbot-base/internal/logging"
	"github.com/tom-mart/chatbot-base/internal/tools"
)

// Selector ranks registered tools against a query. With an embedding
// index it ranks by cosine similarity; without one it falls back to
// keyword matching so the agent stays usable when the embedding
// backend is down.
type Selector struct {
	registry *tools.Registry
	svc      *embeddings.Service
	maxTools int

	// index holds one vector per tool, in registration order. Built
	// once at startup and read-only afterwards.
	index []indexEntry
}

type indexEntry struct {
	name   string
	vector []float32
}

// New creates a selector over the registry. svc may be nil; the
// selector then always uses the keyword fallback.
func New(registry *tools.Registry, svc *embeddings.Service, maxTools int) *Selector {
	if maxTools <= 0 {
		maxTools = 10
	}
	return &Selector{
		registry: registry,
		svc:      svc,
		maxTools: maxTools,
	}
}

// BuildIndex embeds every registered tool's description. Each tool is
// indexed as "name: description", the same text the ranking query is
// compared against. Call once at startup, before the selector serves
// turns.
func (s *Selector) BuildIndex(ctx context.Context) error {
	if s.svc == nil || !s.svc.HasProvider() {
		return fmt.Errorf("no embedding provider configured")
	}

	names := s.registry.Names()
	if len(names) == 0 {
		return nil
	}

	texts := make([]string, 0, len(names))
	for _, desc := range s.registry.Descriptors(names) {
		texts = append(texts, desc.Name+": "+desc.Description)
	}

	vectors, err := s.svc.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("index tool descriptions: %w", err)
	}

	index := make([]indexEntry, 0, len(names))
	for i, name := range names {
		if i >= len(vectors) || vectors[i] == nil {
			return fmt.Errorf("no embedding for tool %q", name)
		}
		index = append(index, indexEntry{name: name, vector: vectors[i]})
	}
	s.index = index
	logging.Infof("selector: indexed %d tools", len(index))
	return nil
}

// Indexed reports whether the embedding index is available.
func (s *Selector) Indexed() bool {
	return len(s.index) > 0
}

// Select returns up to maxTools tool names ranked by relevance to the
// query, most relevant first. Ties rank by registration order. An
// empty query returns the first maxTools tools in registration order.
func (s *Selector) Select(ctx context.Context, query string) ([]string, error) {
	names := s.registry.Names()
	if len(names) <= s.maxTools && query == "" {
		return names, nil
	}

	if s.Indexed() && s.svc != nil {
		selected, err := s.selectBySimilarity(ctx, query)
		if err == nil {
			return selected, nil
		}
		logging.Warnf("selector: similarity ranking failed: %v, using keyword fallback", err)
	}

	return s.selectByKeywords(query), nil
}

func (s *Selector) selectBySimilarity(ctx context.Context, query string) ([]string, error) {
	queryVec, err := s.svc.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}

	type scored struct {
		name  string
		score float64
	}
	ranked := make([]scored, 0, len(s.index))
	for _, entry := range s.index {
		ranked = append(ranked, scored{
			name:  entry.name,
			score: embeddings.CosineSimilarity(queryVec, entry.vector),
		})
	}

	// Stable sort keeps registration order for equal scores.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	k := min(s.maxTools, len(ranked))
	out := make([]string, 0, k)
	for _, r := range ranked[:k] {
		out = append(out, r.name)
	}
	return out, nil
}

// selectByKeywords ranks tools by how many query words appear as whole
// words in the tool's name or description. Tools with no matches rank
// last, so a query with no overlap still yields a usable subset.
func (s *Selector) selectByKeywords(query string) []string {
	words := tokenize(query)
	names := s.registry.Names()

	type scored struct {
		name  string
		score int
	}
	ranked := make([]scored, 0, len(names))
	for _, desc := range s.registry.Descriptors(names) {
		haystack := make(map[string]struct{})
		for _, w := range tokenize(desc.Name + " " + desc.Description) {
			haystack[w] = struct{}{}
		}
		n := 0
		for _, w := range words {
			if _, ok := haystack[w]; ok {
				n++
			}
		}
		ranked = append(ranked, scored{name: desc.Name, score: n})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	k := min(s.maxTools, len(ranked))
	out := make([]string, 0, k)
	for _, r := range ranked[:k] {
		out = append(out, r.name)
	}
	return out
}

// tokenize lowercases text and splits it on anything that is not a
// letter or digit, so a short query word like "it" does not match
// inside a longer one like "arithmetic". Underscored tool names split
// into their parts.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
