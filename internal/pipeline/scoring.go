package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/schemas"
	"github.com/loqalabs/loqa-interview/internal/state"
)

// MaxNarrativeLines bounds the summary narrative.
const MaxNarrativeLines = 8

// ParseRubricScores decodes a scorer payload. Cells may be full objects or
// bare integer scores.
func ParseRubricScores(text string) (state.RubricScores, error) {
	obj, err := ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}
	if err := schemas.Validate(schemas.RubricScores, []byte(obj)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	out := make(state.RubricScores, len(raw))
	for kw, criteria := range raw {
		inner := make(map[string]state.CriterionScore, len(criteria))
		for name, cell := range criteria {
			var bare float64
			if err := json.Unmarshal(cell, &bare); err == nil {
				inner[name] = state.CriterionScore{Score: int(math.Round(bare))}
				continue
			}
			var full struct {
				Score  float64  `json:"score"`
				Reason string   `json:"reason"`
				Quotes []string `json:"quotes"`
			}
			if err := json.Unmarshal(cell, &full); err != nil {
				continue
			}
			inner[name] = state.CriterionScore{
				Score:     int(math.Round(full.Score)),
				Rationale: full.Reason,
				Quotes:    full.Quotes,
			}
		}
		out[kw] = inner
	}
	return out, nil
}

// Totalize projects raw scores onto the rubric: every keyword × criterion is
// present afterwards, gaps and out-of-range cells take the rubric default,
// and keywords the rubric does not know are dropped. It reports how many
// cells were filled.
func Totalize(raw state.RubricScores, def rubric.Definition) (state.RubricScores, int) {
	out := make(state.RubricScores, len(def.Keywords))
	filled := 0
	for _, kw := range def.Keywords {
		inner := make(map[string]state.CriterionScore, len(kw.Criteria))
		for _, name := range kw.Criteria {
			cell, ok := raw[kw.Name][name]
			if !ok || cell.Score < def.MinScore || cell.Score > def.MaxScore {
				filled++
				inner[name] = state.CriterionScore{
					Score:     def.DefaultScore,
					Rationale: def.DefaultRationale,
					Quotes:    []string{},
				}
				continue
			}
			if strings.TrimSpace(cell.Rationale) == "" {
				cell.Rationale = def.DefaultRationale
			}
			if cell.Quotes == nil {
				cell.Quotes = []string{}
			}
			inner[name] = cell
		}
		out[kw.Name] = inner
	}
	return out, filled
}

// CheckStructure verifies criterion counts, score range and the total
// against the rubric maximum.
func CheckStructure(scores state.RubricScores, def rubric.Definition) state.Verdict {
	v := state.Verdict{OK: true, Notes: []string{}, Max: def.MaxTotal()}
	for _, kw := range def.Keywords {
		criteria, ok := scores[kw.Name]
		if !ok {
			v.OK = false
			v.Notes = append(v.Notes, fmt.Sprintf("keyword %q missing", kw.Name))
			continue
		}
		if len(criteria) != def.CriteriaPerKeyword {
			v.OK = false
			v.Notes = append(v.Notes, fmt.Sprintf("keyword %q has %d criteria (expected %d)", kw.Name, len(criteria), def.CriteriaPerKeyword))
		}
		for name, c := range criteria {
			if c.Score < def.MinScore || c.Score > def.MaxScore {
				v.OK = false
				v.Notes = append(v.Notes, fmt.Sprintf("invalid score %d for %s/%s", c.Score, kw.Name, name))
			}
		}
	}
	v.Total = scores.Total()
	if v.Total > v.Max {
		v.OK = false
		v.Notes = append(v.Notes, fmt.Sprintf("total %d exceeds max %d", v.Total, v.Max))
	}
	return v
}

// Part is one weighted component of the status score.
type Part struct {
	Raw    float64
	Max    float64
	Weight float64
}

// Aggregate is round(Σ raw/max·weight).
func Aggregate(parts ...Part) int {
	var sum float64
	for _, p := range parts {
		if p.Max > 0 {
			sum += p.Raw / p.Max * p.Weight
		}
	}
	return int(math.Round(sum))
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// Summarize splits the rubric totals into weighted buckets plus the
// nonverbal bucket. The narrative is filled in by the caller.
func Summarize(def rubric.Definition, scores state.RubricScores, nonverbal *state.NonverbalScore) state.ScoreSummary {
	sum := state.ScoreSummary{
		KeywordTotals: make(map[string]int, len(def.Keywords)),
		Narrative:     []string{},
	}
	raw := make(map[string]int, len(def.Buckets))
	for _, kw := range def.Keywords {
		total := scores.KeywordTotal(kw.Name)
		sum.KeywordTotals[kw.Name] = total
		raw[kw.Bucket] += total
	}
	for _, b := range def.Buckets {
		max := def.BucketMax(b.Name)
		bs := state.BucketScore{
			Name:   b.Name,
			Label:  b.Label,
			Raw:    raw[b.Name],
			Max:    max,
			Weight: b.Weight,
		}
		if max > 0 {
			bs.Points = round1(float64(bs.Raw) / float64(max) * b.Weight)
		}
		sum.Buckets = append(sum.Buckets, bs)
		sum.VerbalPoints += bs.Points
	}
	sum.VerbalPoints = round1(sum.VerbalPoints)

	nv := state.BucketScore{
		Name:   def.Nonverbal.Key,
		Label:  def.Nonverbal.Label,
		Max:    def.Nonverbal.Points,
		Weight: def.Nonverbal.Weight,
	}
	if nonverbal != nil {
		nv.Raw = nonverbal.Points(def.Nonverbal.Points)
		sum.NonverbalRationale = nonverbal.Rationale
	} else {
		sum.NonverbalRationale = def.DefaultRationale
	}
	if nv.Max > 0 {
		nv.Points = round1(float64(nv.Raw) / float64(nv.Max) * nv.Weight)
	}
	sum.Nonverbal = nv
	sum.Total = round1(sum.VerbalPoints + nv.Points)
	return sum
}

// AnswerText joins accepted normalized answers, falling back to raw
// transcript segments and then to the no-answer placeholder.
func AnswerText(st *state.CandidateState) string {
	if st.Ingestion != nil {
		if len(st.Ingestion.Accepted) > 0 {
			parts := make([]string, 0, len(st.Ingestion.Accepted))
			for _, item := range st.Ingestion.Accepted {
				parts = append(parts, item.Normalized)
			}
			return strings.Join(parts, "\n")
		}
		if len(st.Ingestion.Segments) > 0 {
			parts := make([]string, 0, len(st.Ingestion.Segments))
			for _, seg := range st.Ingestion.Segments {
				parts = append(parts, seg.Text)
			}
			return strings.Join(parts, "\n")
		}
	}
	return NoAnswerText
}

// Rationales lists "keyword - criterion: reason" in rubric order.
func Rationales(def rubric.Definition, scores state.RubricScores) []string {
	var out []string
	for _, kw := range def.Keywords {
		for _, name := range kw.Criteria {
			c, ok := scores[kw.Name][name]
			if !ok || c.Rationale == "" {
				continue
			}
			out = append(out, fmt.Sprintf("%s - %s: %s", kw.Name, name, c.Rationale))
		}
	}
	return out
}

// TrimNarrative splits multi-line entries, drops blanks and keeps at most
// MaxNarrativeLines lines.
func TrimNarrative(lines []string) []string {
	out := make([]string, 0, MaxNarrativeLines)
	for _, l := range lines {
		for _, part := range strings.Split(l, "\n") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
			if len(out) == MaxNarrativeLines {
				return out
			}
		}
	}
	return out
}

// MergeTurns renders block turns as "<speaker>: <text>" lines.
func MergeTurns(turns []state.BlockTurn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Speaker, t.Text))
	}
	return strings.Join(lines, "\n")
}
