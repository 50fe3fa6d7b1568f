// Package matcher maps interviewer utterances onto canonical questions with
// TF-IDF cosine similarity.
package matcher

import (
	"math"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-interview/internal/rubric"
)

// Index is built once over the canonical questions and is read-only afterwards.
type Index struct {
	questions []rubric.Question
	vocab     map[string]int
	idf       []float64
	vectors   []vector
}

type vector map[int]float64

func NewIndex(questions []rubric.Question) *Index {
	ix := &Index{
		questions: append([]rubric.Question(nil), questions...),
		vocab:     make(map[string]int),
	}
	docs := make([][]string, len(questions))
	df := make(map[string]int)
	for i, q := range questions {
		docs[i] = features(q.Text)
		seen := make(map[string]struct{})
		for _, f := range docs[i] {
			if _, ok := ix.vocab[f]; !ok {
				ix.vocab[f] = len(ix.vocab)
			}
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				df[f]++
			}
		}
	}
	n := float64(len(questions))
	ix.idf = make([]float64, len(ix.vocab))
	for term, idx := range ix.vocab {
		ix.idf[idx] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}
	ix.vectors = make([]vector, len(docs))
	for i, doc := range docs {
		ix.vectors[i] = ix.weigh(doc)
	}
	return ix
}

func (ix *Index) Len() int {
	return len(ix.questions)
}

func (ix *Index) Question(i int) rubric.Question {
	return ix.questions[i]
}

// Scores returns the cosine similarity of text against every question.
func (ix *Index) Scores(text string) []float64 {
	query := ix.weigh(features(text))
	out := make([]float64, len(ix.vectors))
	for i, v := range ix.vectors {
		out[i] = dot(query, v)
	}
	return out
}

// Best returns the index and score of the most similar question, or -1 when
// nothing overlaps.
func (ix *Index) Best(text string) (int, float64) {
	best, score := -1, 0.0
	for i, s := range ix.Scores(text) {
		if s > score {
			best, score = i, s
		}
	}
	return best, score
}

func (ix *Index) weigh(terms []string) vector {
	tf := make(vector)
	for _, t := range terms {
		if idx, ok := ix.vocab[t]; ok {
			tf[idx]++
		}
	}
	var norm float64
	for idx, count := range tf {
		w := count * ix.idf[idx]
		tf[idx] = w
		norm += w * w
	}
	if norm == 0 {
		return tf
	}
	norm = math.Sqrt(norm)
	for idx := range tf {
		tf[idx] /= norm
	}
	return tf
}

func dot(a, b vector) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var sum float64
	for idx, w := range a {
		sum += w * b[idx]
	}
	return sum
}

// tokenize lowercases text and keeps letter/digit runs of two or more runes.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// features are unigrams followed by bigrams.
func features(text string) []string {
	tokens := tokenize(text)
	out := make([]string, 0, len(tokens)*2)
	out = append(out, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		out = append(out, tokens[i]+" "+tokens[i+1])
	}
	return out
}
