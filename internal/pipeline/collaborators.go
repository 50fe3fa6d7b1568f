package pipeline

import (
	"context"

	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/state"
)

const (
	// UnrecognizedText stands in for speech the transcriber could not recognize.
	UnrecognizedText = "음성을 인식할 수 없습니다."
	// DamagedAudioText stands in for an upload whose audio could not be decoded.
	DamagedAudioText = "기술적 문제로 음성을 인식할 수 없어 답변을 제공할 수 없습니다."
	// DamagedAudioMarker is what transcribers report for undecodable audio.
	DamagedAudioMarker = "손상되어 인식할 수 없습니다"
	// NoAnswerText is scored when a candidate produced no transcript at all.
	NoAnswerText = "답변 내용이 없습니다."
)

type Transcriber interface {
	Transcribe(ctx context.Context, audioRef string) (string, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, text string) (string, error)
}

type NormalizationJudge interface {
	JudgeNormalization(ctx context.Context, original, normalized string) (state.Verdict, error)
}

// RubricRequest carries the answer and, for block evaluation, the question
// context it answers.
type RubricRequest struct {
	Answer   string
	Intent   string
	Keywords []string
}

type RubricScorer interface {
	ScoreRubric(ctx context.Context, req RubricRequest) (state.RubricScores, error)
}

type RubricJudge interface {
	JudgeRubric(ctx context.Context, answer string, scores state.RubricScores, def rubric.Definition) (state.Verdict, error)
}

type NonverbalScorer interface {
	ScoreNonverbal(ctx context.Context, counts state.ExpressionCounts) (state.NonverbalScore, error)
}

type Narrator interface {
	Narrate(ctx context.Context, answer string, rationales []string) ([]string, error)
}

// Collaborators bundles every external service the engine calls.
type Collaborators struct {
	Transcriber     Transcriber
	Normalizer      Normalizer
	NormJudge       NormalizationJudge
	RubricScorer    RubricScorer
	RubricJudge     RubricJudge
	NonverbalScorer NonverbalScorer
	Narrator        Narrator
}
