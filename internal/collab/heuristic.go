package collab

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/loqalabs/loqa-interview/internal/pipeline"
	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/state"
)

const (
	defaultMaxDrift = 0.35
	quoteTolerance  = 0.2
	stemRunes       = 2
)

// Heuristic is a deterministic, offline implementation of every
// collaborator except transcription. Scores come from criterion term hits
// in the answer; judges compare texts by edit distance.
type Heuristic struct {
	rubric   rubric.Definition
	maxDrift float64
}

func NewHeuristic(def rubric.Definition) *Heuristic {
	return &Heuristic{rubric: def, maxDrift: defaultMaxDrift}
}

// Normalize collapses whitespace and terminates the text with punctuation.
func (h *Heuristic) Normalize(_ context.Context, text string) (string, error) {
	out := strings.Join(strings.Fields(text), " ")
	if out == "" {
		return "", nil
	}
	last := []rune(out)[len([]rune(out))-1]
	if !strings.ContainsRune(".?!。", last) {
		out += "."
	}
	return out, nil
}

func (h *Heuristic) JudgeNormalization(_ context.Context, original, normalized string) (state.Verdict, error) {
	drift := pipeline.Drift(original, normalized)
	if drift > h.maxDrift {
		return state.Verdict{OK: false, Notes: []string{fmt.Sprintf("rewrite drift %.2f exceeds %.2f", drift, h.maxDrift)}}, nil
	}
	return state.Verdict{OK: true, Notes: []string{}}, nil
}

func (h *Heuristic) ScoreRubric(_ context.Context, req pipeline.RubricRequest) (state.RubricScores, error) {
	focus := make(map[string]bool, len(req.Keywords))
	for _, kw := range req.Keywords {
		focus[kw] = true
	}
	sentences := splitSentences(req.Answer)
	answer := strings.ToLower(req.Answer)

	out := make(state.RubricScores, len(h.rubric.Keywords))
	for _, kw := range h.rubric.Keywords {
		inner := make(map[string]state.CriterionScore, len(kw.Criteria))
		for _, criterion := range kw.Criteria {
			stems := criterionStems(criterion)
			hits := 0
			for _, stem := range stems {
				if strings.Contains(answer, stem) {
					hits++
				}
			}
			score := h.rubric.MinScore + hits
			if hits > 0 && focus[kw.Name] {
				score++
			}
			if score > h.rubric.MaxScore {
				score = h.rubric.MaxScore
			}
			cell := state.CriterionScore{Score: score, Quotes: []string{}}
			if hits > 0 {
				cell.Rationale = fmt.Sprintf("'%s' 관련 표현 %d건", criterion, hits)
				if q := quoteFor(sentences, stems); q != "" {
					cell.Quotes = append(cell.Quotes, q)
				}
			}
			inner[criterion] = cell
		}
		out[kw.Name] = inner
	}
	return out, nil
}

// JudgeRubric rejects scores whose quotes do not appear in the answer.
func (h *Heuristic) JudgeRubric(_ context.Context, answer string, scores state.RubricScores, def rubric.Definition) (state.Verdict, error) {
	v := state.Verdict{OK: true, Notes: []string{}}
	for _, kw := range def.Keywords {
		for _, criterion := range kw.Criteria {
			for _, q := range scores[kw.Name][criterion].Quotes {
				if !fuzzyContains(answer, q, quoteTolerance) {
					v.OK = false
					v.Notes = append(v.Notes, fmt.Sprintf("quote for %s/%s not found in answer: %q", kw.Name, criterion, q))
				}
			}
		}
	}
	return v, nil
}

// ScoreNonverbal weighs expressions: smile 1, neutral 0.6, frown 0.2, angry 0.
func (h *Heuristic) ScoreNonverbal(_ context.Context, c state.ExpressionCounts) (state.NonverbalScore, error) {
	total := c.Total()
	if total <= 0 {
		return state.NonverbalScore{}, fmt.Errorf("no expressions counted")
	}
	score := (float64(c.Smile) + 0.6*float64(c.Neutral) + 0.2*float64(c.Frown)) / float64(total)
	score = math.Round(score*100) / 100
	tone := "안정적인"
	switch {
	case score >= 0.75:
		tone = "밝고 긍정적인"
	case score < 0.4:
		tone = "긴장되거나 부정적인"
	}
	return state.NonverbalScore{
		Score:     score,
		Rationale: fmt.Sprintf("웃음 %d회, 무표정 %d회, 찡그림 %d회, 화남 %d회로 %s 인상을 주었습니다.", c.Smile, c.Neutral, c.Frown, c.Angry, tone),
	}, nil
}

// Narrate returns the rationales that carry evidence, bounded to the
// narrative length.
func (h *Heuristic) Narrate(_ context.Context, _ string, rationales []string) ([]string, error) {
	lines := make([]string, 0, pipeline.MaxNarrativeLines)
	for _, r := range rationales {
		if strings.HasSuffix(r, ": "+h.rubric.DefaultRationale) {
			continue
		}
		lines = append(lines, r)
		if len(lines) == pipeline.MaxNarrativeLines {
			break
		}
	}
	if len(lines) == 0 {
		lines = append(lines, "답변에서 평가 기준과 연결되는 근거를 찾지 못했습니다.")
	}
	return lines, nil
}

// criterionStems reduces each criterion term to its leading runes, which
// survives Korean particles and verb endings in the answer.
func criterionStems(criterion string) []string {
	var stems []string
	seen := map[string]bool{}
	for _, word := range strings.FieldsFunc(strings.ToLower(criterion), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		r := []rune(word)
		if len(r) < stemRunes {
			continue
		}
		stem := string(r[:stemRunes])
		if !seen[stem] {
			seen[stem] = true
			stems = append(stems, stem)
		}
	}
	return stems
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '?' || r == '!' || r == '\n'
	}) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func quoteFor(sentences, stems []string) string {
	for _, s := range sentences {
		lower := strings.ToLower(s)
		for _, stem := range stems {
			if strings.Contains(lower, stem) {
				return s
			}
		}
	}
	return ""
}

// fuzzyContains reports whether some window of text is within tolerance
// (edit distance relative to the quote length) of quote.
func fuzzyContains(text, quote string, tolerance float64) bool {
	if strings.Contains(text, quote) {
		return true
	}
	q := []rune(strings.TrimSpace(quote))
	t := []rune(text)
	if len(q) == 0 {
		return true
	}
	if len(t) < len(q) {
		return float64(distance(t, q))/float64(len(q)) <= tolerance
	}
	for i := 0; i+len(q) <= len(t); i++ {
		if float64(distance(t[i:i+len(q)], q))/float64(len(q)) <= tolerance {
			return true
		}
	}
	return false
}

func distance(a, b []rune) int {
	return levenshtein.DistanceForStrings(a, b, levenshtein.Options{
		InsCost: 1,
		DelCost: 1,
		SubCost: 1,
		Matches: levenshtein.IdenticalRunes,
	})
}
