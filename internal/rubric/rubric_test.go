package rubric

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRubric(t *testing.T) {
	def := Default()

	assert.Len(t, def.Keywords, 8)
	assert.Equal(t, 24, def.Entries())
	assert.Equal(t, 120, def.MaxTotal())
	assert.Equal(t, 90, def.BucketMax("personality"))
	assert.Equal(t, 30, def.BucketMax("job_domain"))
	assert.Equal(t, 15, def.Nonverbal.Points)
	assert.Equal(t, "평가 사유없음", def.DefaultRationale)

	kw, ok := def.Keyword("기술/직무")
	require.True(t, ok)
	assert.Equal(t, []string{"실무 기술/지식의 깊이", "문제 해결 적용력", "학습 및 발전 가능성"}, kw.Criteria)
}

func TestParseRejectsInvalidRubric(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown bucket",
			doc: `
criteria_per_keyword: 1
min_score: 1
max_score: 5
default_score: 1
default_rationale: none
buckets: [{name: a, weight: 1}]
keywords: [{name: k, bucket: b, criteria: [c]}]
nonverbal: {key: nv, points: 15, weight: 10}
`,
		},
		{
			name: "criteria count mismatch",
			doc: `
criteria_per_keyword: 2
min_score: 1
max_score: 5
default_score: 1
default_rationale: none
buckets: [{name: a, weight: 1}]
keywords: [{name: k, bucket: a, criteria: [c]}]
nonverbal: {key: nv, points: 15, weight: 10}
`,
		},
		{
			name: "missing rationale",
			doc: `
criteria_per_keyword: 1
min_score: 1
max_score: 5
default_score: 1
buckets: [{name: a, weight: 1}]
keywords: [{name: k, bucket: a, criteria: [c]}]
nonverbal: {key: nv, points: 15, weight: 10}
`,
		},
		{
			name: "nonverbal key collides",
			doc: `
criteria_per_keyword: 1
min_score: 1
max_score: 5
default_score: 1
default_rationale: none
buckets: [{name: a, weight: 1}]
keywords: [{name: k, bucket: a, criteria: [c]}]
nonverbal: {key: k, points: 15, weight: 10}
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestQuestions(t *testing.T) {
	qs := DefaultQuestions()
	require.Len(t, qs, 5)

	q, ok := Find(qs, "q4")
	require.True(t, ok)
	assert.Equal(t, []string{"기술/직무"}, q.Keywords)

	_, ok = Find(qs, "missing")
	assert.False(t, ok)
}

func TestLoadQuestionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("questions:\n  - id: a\n    text: hello\n  - id: a\n    text: again\n"), 0o644))

	_, err := LoadQuestions(path)
	assert.ErrorContains(t, err, "duplicate id")
}
