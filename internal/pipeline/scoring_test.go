package pipeline

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/state"
)

func TestTotalizeFillsMissingCriteria(t *testing.T) {
	def := rubric.Default()
	raw := fullScores(def, 1)
	// Drop two criteria from one keyword; 24 cells must come back.
	kw := def.Keywords[0]
	delete(raw[kw.Name], kw.Criteria[0])
	delete(raw[kw.Name], kw.Criteria[1])
	raw["Unknown"] = map[string]state.CriterionScore{"x": {Score: 5}}

	scores, filled := Totalize(raw, def)

	assert.Equal(t, 2, filled)
	cells := 0
	for _, criteria := range scores {
		cells += len(criteria)
	}
	assert.Equal(t, 24, cells)
	assert.NotContains(t, scores, "Unknown")
	got := scores[kw.Name][kw.Criteria[0]]
	assert.Equal(t, def.DefaultScore, got.Score)
	assert.Equal(t, def.DefaultRationale, got.Rationale)
	assert.Equal(t, []string{}, got.Quotes)
}

func TestTotalizeReplacesOutOfRange(t *testing.T) {
	def := rubric.Default()
	raw := fullScores(def, 3)
	kw := def.Keywords[1]
	raw[kw.Name][kw.Criteria[2]] = state.CriterionScore{Score: 9, Rationale: "too high"}

	scores, filled := Totalize(raw, def)

	assert.Equal(t, 1, filled)
	assert.Equal(t, def.DefaultScore, scores[kw.Name][kw.Criteria[2]].Score)
	assert.True(t, CheckStructure(scores, def).OK)
}

func TestCheckStructure(t *testing.T) {
	def := rubric.Default()

	ok := CheckStructure(fullScores(def, 5), def)
	assert.True(t, ok.OK)
	assert.Equal(t, 120, ok.Total)
	assert.Equal(t, 120, ok.Max)

	bad := fullScores(def, 3)
	kw := def.Keywords[0]
	bad[kw.Name][kw.Criteria[0]] = state.CriterionScore{Score: 0}
	delete(bad, def.Keywords[1].Name)
	v := CheckStructure(bad, def)
	assert.False(t, v.OK)
	assert.Len(t, v.Notes, 2)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		parts []Part
		want  int
	}{
		{name: "empty", want: 0},
		{name: "single", parts: []Part{{Raw: 45, Max: 90, Weight: 45}}, want: 23},
		{name: "three parts", parts: []Part{
			{Raw: 54, Max: 90, Weight: 45},
			{Raw: 18, Max: 30, Weight: 45},
			{Raw: 12, Max: 15, Weight: 10},
		}, want: 62},
		{name: "zero max ignored", parts: []Part{{Raw: 3, Max: 0, Weight: 10}, {Raw: 15, Max: 15, Weight: 10}}, want: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.parts...))
		})
	}
}

func TestSummarizeBuckets(t *testing.T) {
	def := rubric.Default()
	scores, _ := Totalize(fullScores(def, 5), def)

	sum := Summarize(def, scores, &state.NonverbalScore{Score: 1, Rationale: "좋음"})

	require.Len(t, sum.Buckets, 2)
	assert.Equal(t, 45.0, sum.Buckets[0].Points)
	assert.Equal(t, 45.0, sum.Buckets[1].Points)
	assert.Equal(t, 90.0, sum.VerbalPoints)
	assert.Equal(t, 10.0, sum.Nonverbal.Points)
	assert.Equal(t, 100.0, sum.Total)
	assert.Equal(t, 100, sum.Score())
	assert.Equal(t, 15, sum.KeywordTotals["SUPEX"])
	assert.Equal(t, "좋음", sum.NonverbalRationale)
}

func TestSummarizeWithoutNonverbal(t *testing.T) {
	def := rubric.Default()
	scores, _ := Totalize(nil, def)

	sum := Summarize(def, scores, nil)

	// 18/90·45 = 9, 6/30·45 = 9
	assert.Equal(t, 18.0, sum.Total)
	assert.Equal(t, def.DefaultRationale, sum.NonverbalRationale)
}

func TestParseRubricScores(t *testing.T) {
	text := "```json\n{\"SUPEX\": {\"목표\": 4, \"도전\": {\"score\": 3, \"reason\": \"구체적\", \"quotes\": [\"해냈다\"]}}}\n```"

	scores, err := ParseRubricScores(text)
	require.NoError(t, err)

	assert.Equal(t, 4, scores["SUPEX"]["목표"].Score)
	assert.Empty(t, scores["SUPEX"]["목표"].Rationale)
	assert.Equal(t, state.CriterionScore{Score: 3, Rationale: "구체적", Quotes: []string{"해냈다"}}, scores["SUPEX"]["도전"])
}

func TestParseRubricScoresRejectsGarbage(t *testing.T) {
	for _, text := range []string{"no json here", `{"SUPEX": "high"}`, `{"SUPEX": {"a": "x"}}`} {
		_, err := ParseRubricScores(text)
		assert.ErrorIs(t, err, ErrMalformedResponse, text)
	}
}

func TestTrimNarrative(t *testing.T) {
	var lines []string
	for i := 0; i < 6; i++ {
		lines = append(lines, "a\nb", "  ")
	}
	out := TrimNarrative(lines)
	assert.Len(t, out, MaxNarrativeLines)
	assert.Equal(t, "a", out[0])
	assert.Equal(t, "b", out[1])
}

func TestAnswerText(t *testing.T) {
	assert.Equal(t, NoAnswerText, AnswerText(&state.CandidateState{}))

	st := &state.CandidateState{Ingestion: &state.IngestionRecord{
		Segments: []state.TranscriptSegment{{Text: "raw one"}, {Text: "raw two"}},
	}}
	assert.Equal(t, "raw one\nraw two", AnswerText(st))

	st.Ingestion.Accepted = []state.NormalizationItem{{Normalized: "clean"}}
	assert.Equal(t, "clean", AnswerText(st))
}

func TestRationales(t *testing.T) {
	def := rubric.Default()
	scores, _ := Totalize(fullScores(def, 2), def)
	out := Rationales(def, scores)
	require.Len(t, out, def.Entries())
	kw := def.Keywords[0]
	assert.Equal(t, kw.Name+" - "+kw.Criteria[0]+": 근거", out[0])
}

func TestDrift(t *testing.T) {
	assert.Equal(t, 0.0, Drift("", ""))
	assert.Equal(t, 0.0, Drift("같은 문장", "같은 문장"))
	assert.Equal(t, 1.0, Drift("abc", "xyz"))
	assert.InDelta(t, 0.25, Drift("abcd", "abce"), 1e-9)
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		err  bool
	}{
		{name: "plain", in: `{"ok": true}`, want: `{"ok": true}`},
		{name: "fenced with prose", in: "Here:\n```json\n{\"a\": {\"b\": 1}}\n```\nthanks", want: `{"a": {"b": 1}}`},
		{name: "braces in strings", in: `{"note": "use } and {", "x": "\"}"}`, want: `{"note": "use } and {", "x": "\"}"}`},
		{name: "none", in: "nothing", err: true},
		{name: "unterminated", in: `{"a": {`, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSONObject(tt.in)
			if tt.err {
				assert.True(t, errors.Is(err, ErrMalformedResponse))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeTurns(t *testing.T) {
	got := MergeTurns([]state.BlockTurn{{Speaker: "interviewer", Text: "질문"}, {Speaker: "candidate_1", Text: "답"}})
	assert.Equal(t, "interviewer: 질문\ncandidate_1: 답", got)
	assert.False(t, strings.HasSuffix(got, "\n"))
}
