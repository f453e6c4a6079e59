// Package knowledge retrieves knowledge-base passages relevant to a ticket.
package knowledge

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Passage is a retrieved chunk of a knowledge-base document. Score is in [-1, 1].
type Passage struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

// Retriever returns up to k passages for query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}

// Document is one knowledge-base entry as stored on disk.
type Document struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	Text  string `yaml:"text"`
}

type file struct {
	Documents []Document `yaml:"documents"`
}

type chunk struct {
	id    string
	text  string
	terms map[string]float64
	norm  float64
}

// Index is an in-memory lexical index. It is immutable after construction.
type Index struct {
	chunks []chunk
}

// LoadFile reads a YAML knowledge base from path.
func LoadFile(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base: %w", err)
	}
	return Parse(data)
}

// Parse builds an index from YAML of the form `documents: [{id, title, text}]`.
func Parse(data []byte) (*Index, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base: %w", err)
	}
	return NewIndex(f.Documents)
}

// NewIndex splits each document into paragraph passages named "<id>#<n>".
func NewIndex(docs []Document) (*Index, error) {
	idx := &Index{}
	seen := make(map[string]bool, len(docs))
	for i, d := range docs {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return nil, fmt.Errorf("document %d has no id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate document id %q", id)
		}
		seen[id] = true

		n := 0
		for _, para := range strings.Split(d.Text, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			n++
			text := para
			if d.Title != "" {
				text = d.Title + ": " + para
			}
			terms := termFrequencies(text)
			idx.chunks = append(idx.chunks, chunk{
				id:    fmt.Sprintf("%s#%d", id, n),
				text:  para,
				terms: terms,
				norm:  norm(terms),
			})
		}
	}
	return idx, nil
}

// Len returns the number of passages.
func (x *Index) Len() int {
	return len(x.chunks)
}

// Retrieve scores every passage against query by term-frequency cosine similarity.
// Passages with no shared terms are not returned.
func (x *Index) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	q := termFrequencies(query)
	qn := norm(q)
	if qn == 0 {
		return nil, nil
	}

	var out []Passage
	for _, c := range x.chunks {
		if c.norm == 0 {
			continue
		}
		dot := 0.0
		for term, w := range q {
			dot += w * c.terms[term]
		}
		if dot == 0 {
			continue
		}
		out = append(out, Passage{ID: c.id, Score: dot / (qn * c.norm), Text: c.text})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

type empty struct{}

// Empty returns a retriever with no documents.
func Empty() Retriever {
	return empty{}
}

func (empty) Retrieve(ctx context.Context, _ string, _ int) ([]Passage, error) {
	return nil, ctx.Err()
}

func termFrequencies(text string) map[string]float64 {
	tf := make(map[string]float64)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) < 2 {
			continue
		}
		tf[tok]++
	}
	return tf
}

func norm(v map[string]float64) float64 {
	sum := 0.0
	for _, w := range v {
		sum += w * w
	}
	return math.Sqrt(sum)
}
