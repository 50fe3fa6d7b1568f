package schemas

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  string
		doc     string
		wantErr bool
	}{
		{"verdict ok", Verdict, `{"ok": true, "notes": []}`, false},
		{"verdict with judge_notes", Verdict, `{"ok": false, "judge_notes": ["too long"]}`, false},
		{"verdict missing ok", Verdict, `{"notes": ["x"]}`, true},
		{"verdict wrong type", Verdict, `{"ok": "yes"}`, true},
		{"rubric nested", RubricScores, `{"SUPEX": {"a": {"score": 4, "reason": "r", "quotes": ["q"]}}}`, false},
		{"rubric bare int", RubricScores, `{"SUPEX": {"a": 3}}`, false},
		{"rubric string cell", RubricScores, `{"SUPEX": {"a": "high"}}`, true},
		{"rubric keyword not object", RubricScores, `{"SUPEX": 12}`, true},
		{"nonverbal ok", Nonverbal, `{"score": 0.7, "analysis": "steady"}`, false},
		{"nonverbal out of range", Nonverbal, `{"score": 3}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.schema, []byte(tt.doc))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve))
			assert.NotEmpty(t, ve.Errors)
		})
	}
}

func TestValidateUnknownSchema(t *testing.T) {
	assert.ErrorContains(t, Validate("missing", []byte(`{}`)), "unknown schema")
}

func TestValidateMalformedDocument(t *testing.T) {
	err := Validate(Verdict, []byte(`{"ok": tru`))
	require.Error(t, err)
	var ve *ValidationError
	assert.False(t, errors.As(err, &ve))
}
