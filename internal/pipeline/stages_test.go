package pipeline

import "testing"

func TestNextIngestion(t *testing.T) {
	tests := []struct {
		name  string
		stage IngestionStage
		last  IngestionResult
		bound int
		want  IngestionStage
	}{
		{"transcribe", StageTranscribe, IngestionResult{}, 1, StageNormalize},
		{"normalize", StageNormalize, IngestionResult{}, 1, StageVerify},
		{"verify ok", StageVerify, IngestionResult{OK: true}, 1, StageIngestionDone},
		{"verify reject with budget", StageVerify, IngestionResult{OK: false, Retries: 0}, 1, StageNormalize},
		{"verify reject exhausted", StageVerify, IngestionResult{OK: false, Retries: 1}, 1, StageIngestionDone},
		{"zero bound", StageVerify, IngestionResult{OK: false}, 0, StageIngestionDone},
		{"done stays done", StageIngestionDone, IngestionResult{}, 1, StageIngestionDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextIngestion(tt.stage, tt.last, tt.bound); got != tt.want {
				t.Fatalf("NextIngestion(%s) = %s, want %s", tt.stage, got, tt.want)
			}
		})
	}
}

func TestNextEvaluation(t *testing.T) {
	enabled := RetryPolicy{Enabled: true, Bound: 1}
	tests := []struct {
		name   string
		stage  EvaluationStage
		last   EvaluationResult
		policy RetryPolicy
		want   EvaluationStage
	}{
		{"nonverbal", StageNonverbal, EvaluationResult{}, RetryPolicy{}, StageScoreRubric},
		{"score", StageScoreRubric, EvaluationResult{}, RetryPolicy{}, StageVerifyRubric},
		{"advisory reject", StageVerifyRubric, EvaluationResult{OK: false}, RetryPolicy{Bound: 3}, StageSummarize},
		{"enabled reject", StageVerifyRubric, EvaluationResult{OK: false}, enabled, StageScoreRubric},
		{"enabled exhausted", StageVerifyRubric, EvaluationResult{OK: false, Retries: 1}, enabled, StageSummarize},
		{"enabled ok", StageVerifyRubric, EvaluationResult{OK: true}, enabled, StageSummarize},
		{"summarize", StageSummarize, EvaluationResult{}, enabled, StageEvaluationDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextEvaluation(tt.stage, tt.last, tt.policy); got != tt.want {
				t.Fatalf("NextEvaluation(%s) = %s, want %s", tt.stage, got, tt.want)
			}
		})
	}
}

// Every path through Phase A reaches done within 3 + 2·bound transitions.
func TestIngestionTerminates(t *testing.T) {
	for bound := 0; bound <= 3; bound++ {
		stage := StageTranscribe
		retries := 0
		steps := 0
		for stage != StageIngestionDone {
			next := NextIngestion(stage, IngestionResult{OK: false, Retries: retries}, bound)
			if stage == StageVerify && next == StageNormalize {
				retries++
			}
			stage = next
			steps++
			if steps > 3+2*bound {
				t.Fatalf("bound %d: no termination after %d steps", bound, steps)
			}
		}
	}
}
