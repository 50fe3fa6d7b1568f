package evaluator

import (
	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/state"
)

// Report is the full evaluation of one finished candidate.
type Report struct {
	CandidateID   int64                 `json:"candidate_id"`
	Score         int                   `json:"score"`
	Total         float64               `json:"total"`
	Weights       map[string]float64    `json:"weights"`
	Buckets       []state.BucketScore   `json:"buckets"`
	KeywordScores map[string]int        `json:"keyword_scores"`
	Results       state.RubricScores    `json:"results"`
	Nonverbal     NonverbalEntry        `json:"nonverbal"`
	Narrative     []string              `json:"narrative"`
	Answer        string                `json:"answer,omitempty"`
	Verdict       *state.Verdict        `json:"verdict,omitempty"`
	Blocks        []state.QuestionBlock `json:"blocks,omitempty"`
	Log           []state.LogEntry      `json:"log"`
}

type NonverbalEntry struct {
	Key    string                  `json:"key"`
	Score  float64                 `json:"score"`
	Raw    int                     `json:"raw"`
	Max    int                     `json:"max"`
	Points float64                 `json:"points"`
	Reason string                  `json:"reason"`
	Counts *state.ExpressionCounts `json:"counts,omitempty"`
}

func buildReport(def rubric.Definition, st *state.CandidateState) Report {
	sum := st.Summary
	weights := make(map[string]float64, len(def.Buckets)+1)
	for _, b := range def.Buckets {
		weights[b.Name] = b.Weight
	}
	weights[def.Nonverbal.Key] = def.Nonverbal.Weight

	r := Report{
		CandidateID:   st.ID,
		Score:         sum.Score(),
		Total:         sum.Total,
		Weights:       weights,
		Buckets:       sum.Buckets,
		KeywordScores: sum.KeywordTotals,
		Narrative:     sum.Narrative,
		Blocks:        evaluatedBlocks(st.Blocks),
		Log:           st.Log,
		Nonverbal: NonverbalEntry{
			Key:    def.Nonverbal.Key,
			Raw:    sum.Nonverbal.Raw,
			Max:    sum.Nonverbal.Max,
			Points: sum.Nonverbal.Points,
			Reason: sum.NonverbalRationale,
			Counts: st.Nonverbal,
		},
	}
	if ev := st.Evaluation; ev != nil {
		r.Results = ev.Results
		r.Answer = ev.Answer
		r.Verdict = ev.Verdict
		if ev.Nonverbal != nil {
			r.Nonverbal.Score = ev.Nonverbal.Score
		}
	}
	if r.Narrative == nil {
		r.Narrative = []string{}
	}
	return r
}

// evaluatedBlocks drops blocks whose evaluation has not been attached.
func evaluatedBlocks(in []state.QuestionBlock) []state.QuestionBlock {
	var out []state.QuestionBlock
	for _, b := range in {
		if b.Evaluation != nil {
			out = append(out, b)
		}
	}
	return out
}
