// Package pipeline runs the two evaluation phases over a candidate's state:
// ingestion (transcribe → normalize → verify) per audio submission and
// evaluation (score-nonverbal → score-rubric → verify-rubric → summarize)
// at interview end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/state"
)

type Options struct {
	NormalizeRetryBound int
	RubricRetry         RetryPolicy
	JudgeMaxAttempts    int
	RetryBackoff        time.Duration
}

func OptionsFrom(cfg config.PipelineConfig) Options {
	return Options{
		NormalizeRetryBound: cfg.NormalizeRetryBound,
		RubricRetry: RetryPolicy{
			Enabled: cfg.RubricRetryEnabled,
			Bound:   cfg.RubricRetryBound,
		},
		JudgeMaxAttempts: cfg.JudgeMaxAttempts,
		RetryBackoff:     time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
	}
}

// Submission is one audio upload. Transcript, when set, is used instead of
// calling the transcriber.
type Submission struct {
	AudioRef   string
	Transcript *string
}

type Engine struct {
	store   *state.Store
	collab  Collaborators
	rubric  rubric.Definition
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	stages  metric.Int64Counter
	retries metric.Int64Counter
}

func NewEngine(store *state.Store, collab Collaborators, def rubric.Definition, opts Options, logger *slog.Logger) *Engine {
	e := &Engine{
		store:  store,
		collab: collab,
		rubric: def,
		opts:   opts,
		logger: logger.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-interview/pipeline"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-interview/pipeline")
	var err error
	if e.stages, err = meter.Int64Counter("interview.stage", metric.WithDescription("Pipeline stage executions by outcome")); err != nil {
		e.logger.Warn("failed to create stage counter", slogError(err))
	}
	if e.retries, err = meter.Int64Counter("interview.judge.retries", metric.WithDescription("Collaborator call retries")); err != nil {
		e.logger.Warn("failed to create retry counter", slogError(err))
	}
	return e
}

func (e *Engine) Rubric() rubric.Definition {
	return e.rubric
}

// RunIngestion is Phase A for one submission.
func (e *Engine) RunIngestion(ctx context.Context, id int64, sub Submission) (err error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.ingestion", trace.WithAttributes(attribute.Int64("candidate_id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !e.store.Exists(id) {
		return &StageError{Stage: StageTranscribe.String(), CandidateID: id, Cause: state.ErrNotFound}
	}

	var (
		text  string
		item  state.NormalizationItem
		last  IngestionResult
		stage = StageTranscribe
	)
	for stage != StageIngestionDone {
		switch stage {
		case StageTranscribe:
			if text, err = e.transcribe(ctx, id, sub); err != nil {
				return err
			}
		case StageNormalize:
			if item, err = e.normalize(ctx, id, text, item.Retries); err != nil {
				return err
			}
		case StageVerify:
			verdict := e.verify(ctx, id, item)
			item.Notes = append(item.Notes, verdict.Notes...)
			last = IngestionResult{OK: verdict.OK, Retries: item.Retries}
			next := NextIngestion(stage, last, e.opts.NormalizeRetryBound)
			if next == StageNormalize {
				item.Retries++
				if err = e.store.AppendLog(id, "verify", state.ResultRetry, map[string]any{
					"retries": item.Retries,
					"notes":   verdict.Notes,
				}); err != nil {
					return e.abort(StageVerify.String(), id, err)
				}
				e.count(ctx, StageVerify.String(), state.ResultRetry)
			} else if err = e.accept(ctx, id, item, !verdict.OK); err != nil {
				return err
			}
			stage = next
			continue
		}
		stage = NextIngestion(stage, last, e.opts.NormalizeRetryBound)
	}
	return nil
}

func (e *Engine) transcribe(ctx context.Context, id int64, sub Submission) (string, error) {
	var raw string
	result := state.ResultOK
	details := map[string]any{"audio_ref": sub.AudioRef}
	if sub.Transcript != nil {
		raw = *sub.Transcript
		details["source"] = "provided"
	} else if e.collab.Transcriber == nil {
		result = state.ResultSoftFailure
		details["error"] = "no transcriber configured"
	} else {
		out, err := callWithRetry(ctx, e.policy(id, "transcribe"), func(ctx context.Context) (string, error) {
			return e.collab.Transcriber.Transcribe(ctx, sub.AudioRef)
		})
		if err != nil {
			result = state.ResultSoftFailure
			details["error"] = err.Error()
			e.logger.Warn("transcription failed", slog.Int64("candidate_id", id), slogError(err))
		}
		raw = out
	}

	text, recognized := classifyTranscript(raw)
	if !recognized {
		result = state.ResultSoftFailure
		details["recognized"] = false
	}
	details["preview"] = preview(text)

	err := e.store.Update(id, func(st *state.CandidateState) error {
		if st.Ingestion == nil {
			st.Ingestion = &state.IngestionRecord{}
		}
		st.AudioRef = sub.AudioRef
		st.Ingestion.Segments = append(st.Ingestion.Segments, state.TranscriptSegment{
			Text:       text,
			AudioRef:   sub.AudioRef,
			Recognized: recognized,
			At:         e.store.Now(),
		})
		st.Log = append(st.Log, e.entry("transcribe", result, details))
		return nil
	})
	if err != nil {
		return "", e.abort(StageTranscribe.String(), id, err)
	}
	e.count(ctx, StageTranscribe.String(), result)
	return text, nil
}

// Transcribe recognizes one stored clip outside Phase A, under the same
// attempt cap as every other collaborator call.
func (e *Engine) Transcribe(ctx context.Context, id int64, audioRef string) (string, error) {
	if e.collab.Transcriber == nil {
		return "", errors.New("pipeline: no transcriber configured")
	}
	return callWithRetry(ctx, e.policy(id, "transcribe"), func(ctx context.Context) (string, error) {
		return e.collab.Transcriber.Transcribe(ctx, audioRef)
	})
}

func classifyTranscript(raw string) (string, bool) {
	switch {
	case strings.TrimSpace(raw) == "":
		return UnrecognizedText, false
	case strings.Contains(raw, DamagedAudioMarker):
		return DamagedAudioText, false
	default:
		return raw, true
	}
}

func (e *Engine) normalize(ctx context.Context, id int64, original string, retries int) (state.NormalizationItem, error) {
	result := state.ResultOK
	details := map[string]any{"retries": retries}
	normalized, err := e.rewrite(ctx, id, original)
	if err != nil {
		result = state.ResultSoftFailure
		details["error"] = err.Error()
	}
	if strings.TrimSpace(normalized) == "" {
		normalized = original
		details["fallback"] = "original"
	}
	item := state.NormalizationItem{
		Original:   original,
		Normalized: normalized,
		Retries:    retries,
		Drift:      Drift(original, normalized),
	}
	details["drift"] = item.Drift

	err = e.store.Update(id, func(st *state.CandidateState) error {
		if st.Ingestion == nil {
			st.Ingestion = &state.IngestionRecord{}
		}
		pending := item
		st.Ingestion.Pending = &pending
		st.Log = append(st.Log, e.entry("normalize", result, details))
		return nil
	})
	if err != nil {
		return item, e.abort(StageNormalize.String(), id, err)
	}
	e.count(ctx, StageNormalize.String(), result)
	return item, nil
}

func (e *Engine) rewrite(ctx context.Context, id int64, text string) (string, error) {
	if e.collab.Normalizer == nil {
		return text, nil
	}
	return callWithRetry(ctx, e.policy(id, "normalize"), func(ctx context.Context) (string, error) {
		return e.collab.Normalizer.Normalize(ctx, text)
	})
}

func (e *Engine) verify(ctx context.Context, id int64, item state.NormalizationItem) state.Verdict {
	if e.collab.NormJudge == nil {
		return state.Verdict{OK: true}
	}
	v, err := callWithRetry(ctx, e.policy(id, "verify"), func(ctx context.Context) (state.Verdict, error) {
		return e.collab.NormJudge.JudgeNormalization(ctx, item.Original, item.Normalized)
	})
	if err != nil {
		e.logger.Warn("normalization judge failed", slog.Int64("candidate_id", id), slogError(err))
		return state.Verdict{OK: false, Notes: []string{"judge unavailable: " + err.Error()}}
	}
	return v
}

func (e *Engine) accept(ctx context.Context, id int64, item state.NormalizationItem, forced bool) error {
	item.Accepted = true
	item.Forced = forced
	result := state.ResultOK
	details := map[string]any{"retries": item.Retries, "notes": item.Notes}
	if forced {
		result = state.ResultForced
		details["audit"] = fmt.Sprintf("force-accepted after %d retries", item.Retries)
	}
	err := e.store.Update(id, func(st *state.CandidateState) error {
		if st.Ingestion == nil {
			st.Ingestion = &state.IngestionRecord{}
		}
		st.Ingestion.Pending = nil
		if st.Ingestion.HasAccepted(item.Normalized) {
			details["duplicate"] = true
		} else {
			st.Ingestion.Accepted = append(st.Ingestion.Accepted, item)
		}
		st.Log = append(st.Log, e.entry("verify", result, details))
		return nil
	})
	if err != nil {
		return e.abort(StageVerify.String(), id, err)
	}
	e.count(ctx, StageVerify.String(), result)
	return nil
}

// RunEvaluation is Phase B. counts, when non-nil, replaces the stored
// nonverbal counts first.
func (e *Engine) RunEvaluation(ctx context.Context, id int64, counts *state.ExpressionCounts) (err error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.evaluation", trace.WithAttributes(attribute.Int64("candidate_id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	err = e.store.Update(id, func(st *state.CandidateState) error {
		if counts != nil {
			c := *counts
			st.Nonverbal = &c
		}
		return nil
	})
	if err != nil {
		return e.abort(StageNonverbal.String(), id, err)
	}

	var (
		answer  string
		scores  state.RubricScores
		last    EvaluationResult
		retries int
		stage   = StageNonverbal
	)
	for stage != StageEvaluationDone {
		switch stage {
		case StageNonverbal:
			err = e.scoreNonverbal(ctx, id)
		case StageScoreRubric:
			answer, scores, err = e.scoreRubric(ctx, id, retries)
		case StageVerifyRubric:
			var ok bool
			ok, err = e.verifyRubric(ctx, id, answer, scores)
			last = EvaluationResult{OK: ok, Retries: retries}
			if err == nil {
				next := NextEvaluation(stage, last, e.opts.RubricRetry)
				if next == StageScoreRubric {
					retries++
					err = e.store.AppendLog(id, "verify_rubric", state.ResultRetry, map[string]any{"retries": retries})
					e.count(ctx, StageVerifyRubric.String(), state.ResultRetry)
				}
				stage = next
				if err != nil {
					return e.abort(StageVerifyRubric.String(), id, err)
				}
				continue
			}
		case StageSummarize:
			err = e.summarize(ctx, id, answer)
		}
		if err != nil {
			return err
		}
		stage = NextEvaluation(stage, last, e.opts.RubricRetry)
	}
	return nil
}

func (e *Engine) scoreNonverbal(ctx context.Context, id int64) error {
	st, err := e.store.Get(id)
	if err != nil {
		return e.abort(StageNonverbal.String(), id, err)
	}
	nv := state.NonverbalScore{Score: 0, Rationale: e.rubric.DefaultRationale}
	result := state.ResultOK
	details := map[string]any{}
	switch {
	case st.Nonverbal == nil || !st.Nonverbal.Valid():
		result = state.ResultSoftFailure
		details["error"] = "nonverbal counts missing or malformed"
		e.logger.Warn("skipping nonverbal scoring", slog.Int64("candidate_id", id))
	case e.collab.NonverbalScorer == nil:
		result = state.ResultSkipped
	default:
		out, err := callWithRetry(ctx, e.policy(id, "score_nonverbal"), func(ctx context.Context) (state.NonverbalScore, error) {
			return e.collab.NonverbalScorer.ScoreNonverbal(ctx, *st.Nonverbal)
		})
		if err != nil {
			result = state.ResultSoftFailure
			details["error"] = err.Error()
			break
		}
		nv = out
		if nv.Score < 0 {
			nv.Score = 0
		} else if nv.Score > 1 {
			nv.Score = 1
		}
		if strings.TrimSpace(nv.Rationale) == "" {
			nv.Rationale = e.rubric.DefaultRationale
		}
	}
	details["points"] = nv.Points(e.rubric.Nonverbal.Points)

	err = e.store.Update(id, func(st *state.CandidateState) error {
		if st.Evaluation == nil {
			st.Evaluation = &state.EvaluationRecord{}
		}
		score := nv
		st.Evaluation.Nonverbal = &score
		st.Log = append(st.Log, e.entry("score_nonverbal", result, details))
		return nil
	})
	if err != nil {
		return e.abort(StageNonverbal.String(), id, err)
	}
	e.count(ctx, StageNonverbal.String(), result)
	return nil
}

func (e *Engine) scoreRubric(ctx context.Context, id int64, retries int) (string, state.RubricScores, error) {
	st, err := e.store.Get(id)
	if err != nil {
		return "", nil, e.abort(StageScoreRubric.String(), id, err)
	}
	answer := AnswerText(st)
	result := state.ResultOK
	details := map[string]any{"retries": retries}

	raw, err := e.rawScores(ctx, id, RubricRequest{Answer: answer})
	if err != nil {
		result = state.ResultError
		details["error"] = err.Error()
		e.logger.Warn("rubric scoring failed", slog.Int64("candidate_id", id), slogError(err))
	}
	scores, filled := Totalize(raw, e.rubric)
	details["filled"] = filled
	details["total"] = scores.Total()

	err = e.store.Update(id, func(st *state.CandidateState) error {
		if st.Evaluation == nil {
			st.Evaluation = &state.EvaluationRecord{}
		}
		st.Evaluation.Answer = answer
		st.Evaluation.Results = scores.Clone()
		st.Evaluation.Retries = retries
		st.Log = append(st.Log, e.entry("score_rubric", result, details))
		return nil
	})
	if err != nil {
		return "", nil, e.abort(StageScoreRubric.String(), id, err)
	}
	e.count(ctx, StageScoreRubric.String(), result)
	return answer, scores, nil
}

func (e *Engine) rawScores(ctx context.Context, id int64, req RubricRequest) (state.RubricScores, error) {
	if e.collab.RubricScorer == nil {
		return nil, errors.New("no rubric scorer configured")
	}
	return callWithRetry(ctx, e.policy(id, "score_rubric"), func(ctx context.Context) (state.RubricScores, error) {
		return e.collab.RubricScorer.ScoreRubric(ctx, req)
	})
}

func (e *Engine) verifyRubric(ctx context.Context, id int64, answer string, scores state.RubricScores) (bool, error) {
	structural := CheckStructure(scores, e.rubric)
	content := state.Verdict{OK: true, Notes: []string{}}
	if e.collab.RubricJudge != nil {
		v, err := callWithRetry(ctx, e.policy(id, "verify_rubric"), func(ctx context.Context) (state.Verdict, error) {
			return e.collab.RubricJudge.JudgeRubric(ctx, answer, scores, e.rubric)
		})
		if err != nil {
			v = state.Verdict{OK: false, Notes: []string{"content judge unavailable: " + err.Error()}}
		}
		content = v
	}
	ok := structural.OK && content.OK
	result := state.ResultOK
	if !ok {
		result = "rejected"
	}
	details := map[string]any{
		"total":         structural.Total,
		"max":           structural.Max,
		"notes":         structural.Notes,
		"content_ok":    content.OK,
		"content_notes": content.Notes,
		"advisory":      !e.opts.RubricRetry.Enabled,
	}
	err := e.store.Update(id, func(st *state.CandidateState) error {
		if st.Evaluation == nil {
			st.Evaluation = &state.EvaluationRecord{}
		}
		sv, cv := structural, content
		st.Evaluation.Verdict = &sv
		st.Evaluation.ContentVerdict = &cv
		st.Log = append(st.Log, e.entry("verify_rubric", result, details))
		return nil
	})
	if err != nil {
		return false, e.abort(StageVerifyRubric.String(), id, err)
	}
	e.count(ctx, StageVerifyRubric.String(), result)
	return ok, nil
}

func (e *Engine) summarize(ctx context.Context, id int64, answer string) error {
	st, err := e.store.Get(id)
	if err != nil {
		return e.abort(StageSummarize.String(), id, err)
	}
	var (
		results   state.RubricScores
		nonverbal *state.NonverbalScore
	)
	if st.Evaluation != nil {
		results = st.Evaluation.Results
		nonverbal = st.Evaluation.Nonverbal
	}
	summary := Summarize(e.rubric, results, nonverbal)

	result := state.ResultOK
	details := map[string]any{"total": summary.Total}
	if e.collab.Narrator != nil {
		lines, err := callWithRetry(ctx, e.policy(id, "summarize"), func(ctx context.Context) ([]string, error) {
			return e.collab.Narrator.Narrate(ctx, answer, Rationales(e.rubric, results))
		})
		if err != nil {
			result = state.ResultSoftFailure
			details["error"] = err.Error()
		}
		summary.Narrative = TrimNarrative(lines)
	}

	err = e.store.Update(id, func(st *state.CandidateState) error {
		s := summary
		st.Summary = &s
		st.Done = true
		st.Log = append(st.Log, e.entry("summarize", result, details))
		return nil
	})
	if err != nil {
		return e.abort(StageSummarize.String(), id, err)
	}
	e.count(ctx, StageSummarize.String(), result)
	e.logger.Info("evaluation complete", slog.Int64("candidate_id", id), slog.Float64("total", summary.Total))
	return nil
}

// EvaluateBlock normalizes a closed block's merged text and rubric-scores it
// against the question it answers.
func (e *Engine) EvaluateBlock(ctx context.Context, candidateID int64, block state.QuestionBlock, q rubric.Question) (state.BlockEvaluation, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.block", trace.WithAttributes(
		attribute.Int64("candidate_id", candidateID),
		attribute.String("question_id", q.ID),
	))
	defer span.End()

	merged := block.MergedText
	if merged == "" {
		merged = MergeTurns(block.Turns)
	}
	normalized, err := e.rewrite(ctx, candidateID, merged)
	if err != nil || strings.TrimSpace(normalized) == "" {
		normalized = merged
	}

	eval := state.BlockEvaluation{Normalized: normalized}
	raw, err := e.rawScores(ctx, candidateID, RubricRequest{Answer: normalized, Intent: q.Intent, Keywords: q.Keywords})
	if err != nil {
		eval.Error = err.Error()
		span.RecordError(err)
	}
	scores, filled := Totalize(raw, e.rubric)
	eval.Scores = scores
	eval.KeywordTotals = make(map[string]int, len(e.rubric.Keywords))
	for _, kw := range e.rubric.Keywords {
		eval.KeywordTotals[kw.Name] = scores.KeywordTotal(kw.Name)
	}

	result := state.ResultOK
	if eval.Error != "" {
		result = state.ResultError
	}
	if logErr := e.store.AppendLog(candidateID, "block_evaluation", result, map[string]any{
		"block_id":    block.ID,
		"question_id": q.ID,
		"filled":      filled,
		"total":       scores.Total(),
	}); logErr != nil && errors.Is(logErr, state.ErrNotFound) {
		return eval, &StageError{Stage: "block_evaluation", CandidateID: candidateID, Cause: logErr}
	}
	e.count(ctx, "block_evaluation", result)
	return eval, nil
}

func (e *Engine) policy(id int64, stage string) retryPolicy {
	return retryPolicy{
		maxAttempts: uint(e.opts.JudgeMaxAttempts),
		interval:    e.opts.RetryBackoff,
		onRetry: func(err error) {
			e.logger.Debug("retrying collaborator call", slog.Int64("candidate_id", id), slog.String("stage", stage), slogError(err))
			if e.retries != nil {
				e.retries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", stage)))
			}
		},
	}
}

func (e *Engine) entry(step, result string, details map[string]any) state.LogEntry {
	return state.LogEntry{Step: step, Result: result, Time: e.store.Now(), Details: details}
}

func (e *Engine) count(ctx context.Context, stage, outcome string) {
	if e.stages == nil {
		return
	}
	e.stages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

// abort records a stage failure and wraps it. Missing state cannot be logged
// against the candidate, so only the process log sees it.
func (e *Engine) abort(stage string, id int64, err error) error {
	e.logger.Error("pipeline stage aborted", slog.Int64("candidate_id", id), slog.String("stage", stage), slogError(err))
	if !errors.Is(err, state.ErrNotFound) {
		_ = e.store.AppendLog(id, stage, state.ResultError, map[string]any{"error": err.Error()})
	}
	return &StageError{Stage: stage, CandidateID: id, Cause: err}
}

func preview(text string) string {
	r := []rune(text)
	if len(r) > 30 {
		return string(r[:30])
	}
	return text
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
