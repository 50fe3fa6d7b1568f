package pipeline

// IngestionStage is a Phase A state.
type IngestionStage int

const (
	StageTranscribe IngestionStage = iota
	StageNormalize
	StageVerify
	StageIngestionDone
)

func (s IngestionStage) String() string {
	switch s {
	case StageTranscribe:
		return "transcribe"
	case StageNormalize:
		return "normalize"
	case StageVerify:
		return "verify"
	case StageIngestionDone:
		return "ingestion_done"
	default:
		return "unknown"
	}
}

// IngestionResult is what the transition function needs from the last stage.
type IngestionResult struct {
	OK      bool
	Retries int
}

// NextIngestion is the Phase A transition function. Verify loops back to
// normalize only while the judge rejects and retries remain.
func NextIngestion(stage IngestionStage, last IngestionResult, bound int) IngestionStage {
	switch stage {
	case StageTranscribe:
		return StageNormalize
	case StageNormalize:
		return StageVerify
	case StageVerify:
		if !last.OK && last.Retries < bound {
			return StageNormalize
		}
		return StageIngestionDone
	default:
		return StageIngestionDone
	}
}

// EvaluationStage is a Phase B state.
type EvaluationStage int

const (
	StageNonverbal EvaluationStage = iota
	StageScoreRubric
	StageVerifyRubric
	StageSummarize
	StageEvaluationDone
)

func (s EvaluationStage) String() string {
	switch s {
	case StageNonverbal:
		return "score_nonverbal"
	case StageScoreRubric:
		return "score_rubric"
	case StageVerifyRubric:
		return "verify_rubric"
	case StageSummarize:
		return "summarize"
	case StageEvaluationDone:
		return "evaluation_done"
	default:
		return "unknown"
	}
}

type EvaluationResult struct {
	OK      bool
	Retries int
}

// RetryPolicy governs the verify-rubric → score-rubric edge. When disabled
// the rubric verdict is advisory and never re-scores.
type RetryPolicy struct {
	Enabled bool
	Bound   int
}

// NextEvaluation is the Phase B transition function.
func NextEvaluation(stage EvaluationStage, last EvaluationResult, policy RetryPolicy) EvaluationStage {
	switch stage {
	case StageNonverbal:
		return StageScoreRubric
	case StageScoreRubric:
		return StageVerifyRubric
	case StageVerifyRubric:
		if policy.Enabled && !last.OK && last.Retries < policy.Bound {
			return StageScoreRubric
		}
		return StageSummarize
	case StageSummarize:
		return StageEvaluationDone
	default:
		return StageEvaluationDone
	}
}
