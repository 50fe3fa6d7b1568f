package matcher

import "github.com/loqalabs/loqa-interview/internal/rubric"

type Scorer interface {
	Best(text string) (int, float64)
	Question(i int) rubric.Question
}

type Match struct {
	Question rubric.Question
	Index    int
	Score    float64
	// OK is set when Score reaches the threshold.
	OK bool
}

type Matcher struct {
	scorer    Scorer
	threshold float64
}

func New(scorer Scorer, threshold float64) *Matcher {
	return &Matcher{scorer: scorer, threshold: threshold}
}

func (m *Matcher) Match(text string) Match {
	idx, score := m.scorer.Best(text)
	if idx < 0 {
		return Match{Index: -1, Score: score}
	}
	return Match{
		Question: m.scorer.Question(idx),
		Index:    idx,
		Score:    score,
		OK:       score >= m.threshold,
	}
}
